package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/dqagent/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the dqagent gateway daemon",
	Long: `Stop the dqagent gateway daemon gracefully.
Sends SIGTERM to the daemon and waits for it to shut down, then SIGKILL
once the timeout passes.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	lifecycle := daemon.NewLifecycleManager(cfg.DataDir, nopLogger())

	pid, err := lifecycle.Signal(syscall.SIGTERM)
	if errors.Is(err, daemon.ErrNotRunning) {
		if removed, _ := lifecycle.RemoveStale(); removed {
			fmt.Fprintln(out, "Removed stale PID file")
		}
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	}
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !lifecycle.IsRunning() {
			fmt.Fprintln(out, "Daemon stopped successfully")
			os.Remove(lifecycle.PIDFile())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if _, err := lifecycle.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("failed to send SIGKILL to %d: %w", pid, err)
	}

	os.Remove(lifecycle.PIDFile())
	fmt.Fprintln(out, "Daemon killed")
	return nil
}
