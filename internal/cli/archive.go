package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orrn/posqueue/internal/archive"
	"github.com/orrn/posqueue/internal/store"
)

type ArchiveOptions struct {
	*RootOptions
	List bool
}

func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive old failed print jobs now, or list existing archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions)
			if err != nil {
				return err
			}

			s, err := store.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer s.Close()

			a, err := archive.NewArchiver(s, cfg.Archive, nil, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !opts.List {
				moved, err := a.RunArchive(cmd.Context())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return json.NewEncoder(out).Encode(map[string]int{"archived": moved})
				}
				fmt.Fprintf(out, "Archived %d failed print jobs\n", moved)
				return nil
			}

			files, err := a.ListArchives(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return json.NewEncoder(out).Encode(files)
			}
			if len(files) == 0 {
				fmt.Fprintln(out, "No archives")
			}
			for _, f := range files {
				fmt.Fprintf(out, "%-22s %4d jobs %8d bytes\n", f.Filename, f.JobCount, f.Size)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.List, "list", "l", false, "list archive files instead of archiving")

	return cmd
}
