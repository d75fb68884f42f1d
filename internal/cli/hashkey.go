package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orrn/posqueue/internal/api/middleware"
)

func NewHashKeyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash to set as server.api_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashAPIKey(args[0])
			if err != nil {
				return fmt.Errorf("failed to hash key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
