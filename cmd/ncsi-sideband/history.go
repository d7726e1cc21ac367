package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ncsi-sideband/internal/store"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history [config]",
	Short: "Show journaled probe cycles",
	Long: `List probe cycles recorded in the store, newest first, followed by the
last configured selection.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of records to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print records as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(resolveConfig(args))
	if err != nil {
		return err
	}
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	recs, err := db.ListProbes(historyLimit)
	if err != nil {
		return fmt.Errorf("list probes: %w", err)
	}

	if historyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No probe cycles recorded.")
		return nil
	}
	writeHistory(out, recs)

	sel, err := db.GetSelection()
	switch {
	case err == nil:
		fmt.Fprintf(out, "\nLast selection: package %d channel %d on %s (%s) at %s\n",
			sel.Selection.Package, sel.Selection.Channel, sel.Link, sel.MAC, sel.At.Format(time.RFC3339))
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("get selection: %w", err)
	}
	return nil
}

func writeHistory(out io.Writer, recs []*store.ProbeRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCYCLE\tTRIGGER\tFINISHED\tDURATION\tOUTCOME\tDETAIL")
	for _, r := range recs {
		detail := r.Error
		if r.Outcome == store.OutcomeReady && r.Package != nil && r.Channel != nil {
			detail = fmt.Sprintf("package %d channel %d", *r.Package, *r.Channel)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Cycle, r.Trigger, r.Finished.Format(time.RFC3339),
			r.Duration().Round(time.Millisecond), r.Outcome, detail)
	}
	w.Flush()
}
