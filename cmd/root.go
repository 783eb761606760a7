package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the xero-mcp-server application.
var rootCmd = &cobra.Command{
	Use:   "xero-mcp-server",
	Short: "MCP server brokering AI clients to the Xero accounting platform",
	Long: `xero-mcp-server is a security and session control plane that sits between
MCP clients and the Xero accounting API.

It drives the OAuth2 authorization flow with PKCE, stores tokens encrypted
at rest with transparent refresh, issues bounded sessions for MCP clients,
and ingests signed accounting webhooks with exactly-once-effective
processing.`,
	SilenceUsage: true,
}

// version will be set by main.
var version = "dev"

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "xero-mcp-server version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())
}
