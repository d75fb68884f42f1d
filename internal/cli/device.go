package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/store"
)

func NewDeviceIDCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "device-id",
		Short: "Print the device identity, creating it on first use",
		Args:  cobra.NoArgs,
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

			identity, err := core.LoadDeviceIdentity(cmd.Context(), s)
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(identity)
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.ID)
			return nil
		},
	}
}
