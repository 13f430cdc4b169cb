package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/model"
	"github.com/rendis/procflow/internal/validation"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file...]",
	Short: "Check model documents",
	Long:  `Validates the given model files, or every model below models-dir, against the document schema, semantic and graph rules.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := newValidatingLoader()
		if err != nil {
			return err
		}

		paths := args
		if len(paths) == 0 {
			if paths, err = loader.Discover(cfg.ModelsDir, cfg.ModelsGlob); err != nil {
				return err
			}
		}
		if len(paths) == 0 {
			return fmt.Errorf("no model documents in %s matching %s", cfg.ModelsDir, cfg.ModelsGlob)
		}

		failed := 0
		out := cmd.OutOrStdout()
		for _, p := range paths {
			m, err := loader.LoadFile(p)
			if err != nil {
				failed++
				fmt.Fprintf(out, "FAIL %s\n  %v\n", p, err)
				continue
			}
			fmt.Fprintf(out, "ok   %s (model %s, %d processes)\n", p, m.Name, len(m.Processes))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d model documents invalid", failed, len(paths))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// newValidatingLoader builds a loader checking handler names against the
// built-in handlers.
func newValidatingLoader() (*model.Loader, error) {
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	registry := handlers.NewRegistry()
	if err := handlers.RegisterBuiltins(registry, jsv); err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	v, err := validation.NewModelValidator(registry, expressions.NewExprEngine(), cel)
	if err != nil {
		return nil, err
	}
	return model.NewLoader(v, nil), nil
}
