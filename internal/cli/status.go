package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/dqagent/internal/daemon"
	"github.com/harun/dqagent/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and index status",
	Long:  `Show whether a gateway daemon is running and the state of the tool index.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", formatText, "output format (text, json, yaml)")
	rootCmd.AddCommand(statusCmd)
}

// StatusReport is what the status command prints.
type StatusReport struct {
	Running bool          `json:"running" yaml:"running"`
	PID     int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	Uptime  string        `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	Config  string        `json:"config" yaml:"config"`
	DataDir string        `json:"data_dir" yaml:"data_dir"`
	Daemon  daemon.Status `json:"daemon" yaml:"daemon"`
}

func nopLogger() zerolog.Logger {
	return logger.Nop()
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := validateFormat(statusFormat); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Status output must stay parseable, so the daemon only logs to file.
	cfg.Logging.Console = false

	report := StatusReport{
		Config:  configPath(),
		DataDir: cfg.DataDir,
	}

	lifecycle := daemon.NewLifecycleManager(cfg.DataDir, nopLogger())
	if lifecycle.IsRunning() {
		report.Running = true
		report.PID, _ = lifecycle.GetPID()
		if info, err := os.Stat(lifecycle.PIDFile()); err == nil {
			report.Uptime = formatDuration(time.Since(info.ModTime()))
		}
	}

	err = withDaemon(cfg, func(d *daemon.Daemon) error {
		report.Daemon = d.Status()
		return nil
	})
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), statusFormat, report, func(w io.Writer) error {
		return writeStatus(w, report)
	})
}

func writeStatus(w io.Writer, r StatusReport) error {
	if r.Running {
		fmt.Fprintf(w, "Status: running\nPID: %d\n", r.PID)
		if r.Uptime != "" {
			fmt.Fprintf(w, "Uptime: %s\n", r.Uptime)
		}
	} else {
		fmt.Fprintln(w, "Status: stopped")
	}
	fmt.Fprintf(w, "Config: %s\n", r.Config)
	fmt.Fprintf(w, "Data dir: %s\n", r.DataDir)

	idx := r.Daemon.Index
	if idx.Built {
		fmt.Fprintf(w, "Index: %s, %d entries, dimension %d\n", idx.Backend, idx.Entries, idx.Dimension)
	} else {
		fmt.Fprintf(w, "Index: %s, not built (run 'dqagent ingest')\n", idx.Backend)
	}
	fmt.Fprintf(w, "Tools: %d\n", r.Daemon.Tools)
	if r.Daemon.Planning {
		fmt.Fprintf(w, "Planning: enabled (%d AI profiles, step policy %s)\n", r.Daemon.Profiles, r.Daemon.StepPolicy)
	} else {
		fmt.Fprintln(w, "Planning: disabled (no AI profile configured)")
	}
	if r.Daemon.Dataset != "" {
		fmt.Fprintf(w, "Dataset: %s\n", r.Daemon.Dataset)
	}
	if sched := r.Daemon.Schedule; sched != nil {
		fmt.Fprintf(w, "Schedule: %d jobs, %d enabled\n", sched.Jobs, sched.Enabled)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
