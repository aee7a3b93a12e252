package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"reconbatch/internal/manifest"
	"reconbatch/internal/template"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the run configuration, template and manifest without executing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		tpl, err := template.Load(cfg.Template)
		if err != nil {
			return fmt.Errorf("template %s: %w", cfg.Template, err)
		}
		items, err := manifest.Load(cfg.Manifest)
		if err != nil {
			return fmt.Errorf("manifest %s: %w", cfg.Manifest, err)
		}

		cmd.Printf("Template %s: %d nodes, %d globals\n", cfg.Template, len(tpl.Nodes()), len(tpl.GlobalNames()))
		cmd.Printf("Manifest %s: %d work items\n", cfg.Manifest, len(items))
		cmd.Printf("Backend: %s, %d artifact(s) per job\n", cfg.Backend, len(cfg.Artifacts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
