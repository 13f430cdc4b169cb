package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/procflow/pkg/mcp"
	"github.com/rendis/procflow/pkg/schema"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the procflow tools over MCP stdio",
	Long:  `Runs the token runner and exposes procflow.* tools to an MCP client on stdin/stdout. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := mcp.NewServer(mcp.ServerDeps{
			Launcher: a.launcher,
			Models:   a.models,
			Logger:   a.logger,
		})
		a.engine.RegisterObserver(srv.Notifier(), schema.EventTokenStateChange)

		a.runner.Start(ctx)
		defer func() {
			a.runner.Stop()
			a.runner.WaitForStop(shutdownTimeout)
		}()
		return srv.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
