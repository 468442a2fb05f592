package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harun/dqagent/internal/config"
	"github.com/rs/zerolog"
)

// ErrNotRunning is returned when no live daemon owns the PID file.
var ErrNotRunning = errors.New("daemon is not running")

// PIDFilePath returns the PID file location inside dataDir.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, config.AppName+".pid")
}

// LifecycleManager owns the PID file of a serving daemon.
type LifecycleManager struct {
	dataDir   string
	pidFile   string
	logger    zerolog.Logger
	startedAt time.Time
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(dataDir string, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		dataDir: dataDir,
		pidFile: PIDFilePath(dataDir),
		logger:  logger,
	}
}

// Start writes the PID file. It refuses to start when another live process
// already owns it.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if pid, err := l.GetPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	if err := l.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	l.startedAt = time.Now()

	l.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")

	return nil
}

// Stop removes the PID file
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	l.logger.Info().Msg("Lifecycle manager stopped")
	return nil
}

func (l *LifecycleManager) writePIDFile() error {
	content := strconv.Itoa(os.Getpid())
	return os.WriteFile(l.pidFile, []byte(content), 0644)
}

// PIDFile returns the path of the PID file.
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// Uptime returns how long ago Start succeeded, or zero before that.
func (l *LifecycleManager) Uptime() time.Duration {
	if l.startedAt.IsZero() {
		return 0
	}
	return time.Since(l.startedAt)
}

// GetPID returns the daemon PID from the PID file
func (l *LifecycleManager) GetPID() (int, error) {
	data, err := os.ReadFile(l.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}

	return pid, nil
}

// IsRunning reports whether the PID file names a live process.
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// Signal delivers sig to the daemon named by the PID file.
func (l *LifecycleManager) Signal(sig os.Signal) (int, error) {
	pid, err := l.GetPID()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !processAlive(pid) {
		return pid, ErrNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return pid, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return pid, nil
}

// RemoveStale deletes a PID file whose process no longer exists.
func (l *LifecycleManager) RemoveStale() (bool, error) {
	pid, err := l.GetPID()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
	} else if processAlive(pid) {
		return false, nil
	}
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// On Unix, FindProcess always succeeds, so liveness is probed with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
