package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ncsi-sideband",
	Short: "NC-SI sideband management agent",
	Long: `ncsi-sideband discovers the network controller packages and channels
reachable over an NC-SI sideband, selects the first channel with link, and
configures it for management pass-through.

Links:
  pcap:    raw Ethernet on a local interface (EtherType 0x88F8)
  serial:  Ethernet frames tunnelled over a UART in HDLC framing

Modes:
  oneshot: probe and configure once, exit 0 on success
  daemon:  stay up, re-probe on controller AENs, serve the status API`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
}

// resolveConfig lets a positional argument override --config.
func resolveConfig(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return configPath
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
