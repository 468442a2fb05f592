package cli

import (
	"io"
	"strings"

	"github.com/harun/dqagent/internal/daemon"
	"github.com/harun/dqagent/pkg/executor"
	"github.com/spf13/cobra"
)

var (
	runDataset string
	runPolicy  string
	runFormat  string
)

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Plan and run the checks for a data quality request",
	Long: `Plan the request, run the planned checks against the dataset and review
each result against the configured data policy.

With the "first" step policy only the first planned step runs and the rest
are listed as not run. With "all" every step runs in order.`,
	Example: `  dqagent run --dataset customers.csv "Does income have outliers?"
  dqagent run --policy all --format json "profile the dataset and check missing values"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runDataset, "dataset", "d", "", "CSV dataset to check (overrides the configured path)")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "step policy override (first, all)")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", formatText, "output format (text, json, yaml)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := validateFormat(runFormat); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runDataset != "" {
		cfg.Dataset.Path = runDataset
	}
	if runPolicy != "" {
		policy, err := executor.ParseStepPolicy(runPolicy)
		if err != nil {
			return err
		}
		cfg.Executor.StepPolicy = string(policy)
	}

	query := strings.Join(args, " ")
	return withDaemon(cfg, func(d *daemon.Daemon) error {
		result, err := d.Run(cmd.Context(), query)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), runFormat, result, func(w io.Writer) error {
			return writeResult(w, result)
		})
	})
}
