package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/store"
)

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the work persisted in the local store",
		Long: `Show the work persisted in the local store.

Reads the sync queue, print queues and failed print jobs without starting
the pipeline. Useful to check what a stopped device will resume with.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			s, err := store.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer s.Close()

			sum, err := core.SummarizeStore(cmd.Context(), s)
			if err != nil {
				return err
			}
			return writeSummary(cmd.OutOrStdout(), rootOpts.Format, sum)
		},
	}
}

func writeSummary(w io.Writer, format string, sum core.PersistedSummary) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Fprintf(w, "Sync queue: %d pending\n", sum.SyncPending)
	for _, t := range sortedKeys(sum.SyncByType) {
		fmt.Fprintf(w, "  %-14s %d\n", t, sum.SyncByType[t])
	}
	if sum.LastSync != nil {
		fmt.Fprintf(w, "Last sync: %s\n", sum.LastSync.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Last sync: never")
	}

	fmt.Fprintf(w, "Print queue: %d pending\n", sum.PrintPending)
	for _, d := range sortedKeys(sum.PrintByDest) {
		fmt.Fprintf(w, "  %-14s %d\n", d, sum.PrintByDest[d])
	}
	fmt.Fprintf(w, "Failed prints: %d\n", sum.PrintFailures)
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
