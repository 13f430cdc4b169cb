package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/procflow/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run <ref>",
	Short: "Start a token and run it until no token is executable",
	Long: `Starts a token at a process (/Model/Process) or socket reference and runs
the engine until every token settled. Suspended tokens stay suspended.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawParams, _ := cmd.Flags().GetStringArray("param")
		priority, _ := cmd.Flags().GetInt("priority")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		params, err := parseParams(rawParams)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		tc, err := a.launcher.Launch(ctx, args[0], params, engine.LaunchOptions{Priority: priority})
		if err != nil {
			return err
		}
		if err := a.runner.Drain(ctx); err != nil {
			return fmt.Errorf("run token %s: %w", tc.ID, err)
		}

		final, err := a.launcher.Token(ctx, tc.ID)
		if err != nil {
			// Ended tokens are removed unless retained.
			fmt.Fprintf(cmd.OutOrStdout(), "token %s ended\n", tc.ID)
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArrayP("param", "p", nil, "start parameter as name=value; values are parsed as JSON when possible")
	runCmd.Flags().Int("priority", 0, "token priority")
	runCmd.Flags().Duration("timeout", time.Minute, "give up when tokens have not settled in time")
}

// parseParams turns name=value pairs into start parameters.
func parseParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid param %q, want name=value", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		params[name] = v
	}
	return params, nil
}
