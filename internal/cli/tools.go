package cli

import (
	"io"

	"github.com/harun/dqagent/internal/daemon"
	"github.com/spf13/cobra"
)

var toolsFormat string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered checks",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().StringVarP(&toolsFormat, "format", "f", formatText, "output format (text, json, yaml)")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	if err := validateFormat(toolsFormat); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	return withDaemon(cfg, func(d *daemon.Daemon) error {
		tools := d.Tools()
		return render(cmd.OutOrStdout(), toolsFormat, tools, func(w io.Writer) error {
			return writeTools(w, tools)
		})
	})
}
