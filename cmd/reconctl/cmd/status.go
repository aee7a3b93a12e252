package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"reconbatch/internal/store/sqlite"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show recorded job outcomes from the batch state database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StateDB == "" {
			return fmt.Errorf("no state_db configured, nothing to report")
		}

		ctx := cmd.Context()

		st, err := sqlite.Open(ctx, cfg.StateDB)
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		defer st.Close()

		if len(args) == 1 {
			o, err := st.GetOutcome(ctx, args[0])
			if err != nil {
				return err
			}
			if o == nil {
				return fmt.Errorf("no recorded outcome for job %q", args[0])
			}
			cmd.Printf("%s: %s, %d attempt(s), updated %s\n", o.JobID, o.Status, o.Attempts, o.UpdatedAt.Format("2006-01-02 15:04:05"))
			if o.ErrorMessage != nil {
				cmd.Printf("  error: %s\n", *o.ErrorMessage)
			}
			return nil
		}

		outcomes, err := st.ListOutcomes(ctx)
		if err != nil {
			return err
		}
		if len(outcomes) == 0 {
			cmd.Println("No recorded outcomes.")
			return nil
		}
		for _, o := range outcomes {
			cmd.Printf("%-24s %-10s attempts=%d updated=%s\n", o.JobID, o.Status, o.Attempts, o.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
