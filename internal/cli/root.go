// Package cli wires the posqueue commands: serve runs the pipeline, the rest
// inspect or prepare a device's local state.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/orrn/posqueue/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "posqueue",
		Short: "Durable sync and print pipeline for a local-first POS",
		Long: `posqueue keeps a point-of-sale device working offline.

Every sale and catalog edit is written to the local store first, queued for
delivery to the sync server and drained whenever the device is online.
Receipts and kitchen or bar tickets are printed through a retrying,
concurrency-bounded print queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "posqueue.yaml", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDeviceIDCommand(opts))
	cmd.AddCommand(NewHashKeyCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))

	return cmd
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
