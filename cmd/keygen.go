package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hiltonbrown/xero-mcp-server/internal/crypto"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a token encryption key",
		Long: `Generate a random 32-byte AES-256 key for token encryption at rest,
printed base64 encoded. Pass it to serve via --encryption-key or the
ENCRYPTION_KEY environment variable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Println(crypto.KeyToBase64(key))
			return nil
		},
	}
}
