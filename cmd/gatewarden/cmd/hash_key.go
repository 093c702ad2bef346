package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [admin-key]",
	Short: "Generate an argon2id hash for an admin API key",
	Long: `Generate an argon2id hash of an admin API key for use in config.

The output can be placed directly in the admin.key_hashes list. Clients
present the raw key in the X-Admin-Key header when calling the consent
administration endpoints.

Example:
  gatewarden hash-key "my-secret-admin-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=4$...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  gatewarden hash-key "$MY_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
