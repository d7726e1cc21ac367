package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ncsi-sideband/internal/link"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List interfaces usable as a pcap link",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devs, err := link.ListDevices()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMAC\tADDRESSES\tDESCRIPTION")
		for _, d := range devs {
			mac := d.MAC
			if mac == "" {
				mac = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, mac, strings.Join(d.Addresses, ","), d.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}
