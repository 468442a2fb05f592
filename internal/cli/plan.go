package cli

import (
	"io"
	"strings"

	"github.com/harun/dqagent/internal/daemon"
	"github.com/spf13/cobra"
)

var planFormat string

var planCmd = &cobra.Command{
	Use:   "plan <query>",
	Short: "Plan the checks for a data quality request without running them",
	Long: `Retrieve the tool descriptions most relevant to the request and ask the
language model for an action plan. The plan is printed and nothing is run.`,
	Example: `  dqagent plan "Are there any missing values above the policy threshold?"
  dqagent plan --format yaml "check for duplicate customer ids"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planFormat, "format", "f", formatText, "output format (text, json, yaml)")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	if err := validateFormat(planFormat); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	query := strings.Join(args, " ")
	return withDaemon(cfg, func(d *daemon.Daemon) error {
		plan, err := d.Plan(cmd.Context(), query)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), planFormat, plan, func(w io.Writer) error {
			return writePlan(w, plan)
		})
	})
}
