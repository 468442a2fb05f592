package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often idle sessions are pruned.
const DefaultCleanupInterval = time.Minute

// Cleanup prunes idle sessions on a ticker.
type Cleanup struct {
	manager  *Manager
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewCleanup creates a new session cleanup handler
func NewCleanup(manager *Manager, interval time.Duration) *Cleanup {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Cleanup{
		manager:  manager,
		interval: interval,
	}
}

// Start starts the cleanup handler
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running = true
	go c.run(c.stopCh, c.doneCh)

	c.manager.logger.Info().Dur("interval", c.interval).Msg("Session cleanup started")
	return nil
}

// Stop stops the cleanup handler and waits for the loop to exit.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}

	close(c.stopCh)
	<-c.doneCh
	c.running = false

	c.manager.logger.Info().Msg("Session cleanup stopped")
	return nil
}

// Run starts the handler and blocks until ctx is done.
func (c *Cleanup) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop()
}

func (c *Cleanup) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.manager.Prune()
		case <-stopCh:
			return
		}
	}
}
