package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"reconbatch/internal/config"
	"reconbatch/internal/job"
	"reconbatch/internal/manifest"
	"reconbatch/internal/template"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [item_id]",
	Short: "Print the resolved graph document for one work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		tpl, err := template.Load(cfg.Template)
		if err != nil {
			return fmt.Errorf("load template: %w", err)
		}
		items, err := manifest.Load(cfg.Manifest)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}

		var item *job.WorkItem
		for i := range items {
			if items[i].ID == itemID {
				item = &items[i]
				break
			}
		}
		if item == nil {
			return fmt.Errorf("work item %q not found in %s", itemID, cfg.Manifest)
		}

		planner := config.NewPlanner(cfg)
		resolved, err := template.Resolve(tpl, planner.Overrides(*item))
		if err != nil {
			return fmt.Errorf("resolve %s: %w", itemID, err)
		}
		return resolved.Encode(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
