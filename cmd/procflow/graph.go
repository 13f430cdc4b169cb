package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/procflow/internal/diagram"
	"github.com/rendis/procflow/internal/model"
)

var graphCmd = &cobra.Command{
	Use:   "graph <ref>",
	Short: "Export a process diagram",
	Long:  `Draws the process /Model/Process as a Mermaid flowchart (default) or a Graphviz png, svg or dot image.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		dataLinks, _ := cmd.Flags().GetBool("data")
		subprocess, _ := cmd.Flags().GetBool("subprocess")

		loader, err := newValidatingLoader()
		if err != nil {
			return err
		}
		reg := model.NewRegistry()
		if _, err := loader.Sync(reg, cfg.ModelsDir, cfg.ModelsGlob); err != nil {
			return err
		}
		p, err := reg.Process(args[0])
		if err != nil {
			return err
		}

		dm, err := diagram.Build(p, nil, diagram.Options{DataLinks: dataLinks, Subprocess: subprocess})
		if err != nil {
			return err
		}

		var data []byte
		if format == "mermaid" {
			data = []byte(diagram.RenderMermaid(dm))
		} else {
			if data, err = diagram.RenderImage(cmd.Context(), dm, diagram.ImageFormat(format)); err != nil {
				return err
			}
		}

		if out == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringP("format", "f", "mermaid", "output format: mermaid, png, svg or dot")
	graphCmd.Flags().StringP("out", "o", "", "output file (default: stdout)")
	graphCmd.Flags().Bool("data", false, "draw data links")
	graphCmd.Flags().Bool("subprocess", false, "expand called processes")
}
