// toolrun runs operator-authored JavaScript tools in a sandbox and serves
// them over HTTP and MCP.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "toolrun",
	Short: "toolrun: sandboxed execution of custom JavaScript tools.",
	Long: `toolrun stores operator-authored JavaScript tools and runs them in an
isolated interpreter with a time budget, an outbound-request quota and a
small set of host capabilities (HTTP, tokenizer, document search, uploads).`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
