package cmd

import (
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/crv/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets Claude Code submit snippets for review and browse review history
through the configured backend. Configure in Claude Code with:

  {
    "mcpServers": {
      "crv": { "command": "crv", "args": ["mcp"] }
    }
  }

Available tools: crv_submit_review, crv_get_review, crv_list_reviews, crv_stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()

		bc := getBackend()
		return mcp.NewServer(bc, getStreams(bc), buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
