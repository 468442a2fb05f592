package cli

import (
	"fmt"

	"github.com/harun/dqagent/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve query sessions over JSON-RPC and WebSocket",
	Long: `Run the session gateway in the foreground. Clients submit queries,
inspect plans and trigger runs per session over POST /rpc or /ws.
The tool index is built first when it does not exist yet.
Stop it with Ctrl-C or 'dqagent stop'.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides gateway.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides gateway.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}
	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}

	lifecycle := daemon.NewLifecycleManager(cfg.DataDir, nopLogger())
	if lifecycle.IsRunning() {
		pid, _ := lifecycle.GetPID()
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	return withDaemon(cfg, func(d *daemon.Daemon) error {
		fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
		return d.Serve(cmd.Context())
	})
}
