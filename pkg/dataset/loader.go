package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Loader returns the dataset a run should operate on.
type Loader interface {
	Load(ctx context.Context) (*Dataset, error)
}

// FileLoader reads the CSV file on every call.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(ctx context.Context) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Path == "" {
		return nil, fmt.Errorf("no dataset path configured")
	}
	return LoadCSV(l.Path)
}

// Cache serves the same Dataset until the backing file changes on disk.
// Invalidation is driven by an fsnotify watch on the file's directory, which
// also catches editors that replace files through rename.
type Cache struct {
	path    string
	logger  zerolog.Logger
	watcher *FileWatcher

	mu    sync.Mutex
	ds    *Dataset
	stale bool
	loads int
}

// NewCache starts watching path. Call Close to stop the watcher goroutine.
func NewCache(path string, logger zerolog.Logger) (*Cache, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve dataset path: %w", err)
	}

	c := &Cache{
		path:   abs,
		logger: logger.With().Str("component", "dataset_cache").Logger(),
		stale:  true,
	}

	fw, err := NewFileWatcher(c.logger, abs, 0, c.invalidate)
	if err != nil {
		return nil, err
	}
	c.watcher = fw
	return c, nil
}

func (c *Cache) invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Load returns the cached dataset, re-reading the file if it changed since the last load.
func (c *Cache) Load(ctx context.Context) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stale && c.ds != nil {
		return c.ds, nil
	}

	ds, err := LoadCSV(c.path)
	if err != nil {
		return nil, err
	}
	c.ds = ds
	c.stale = false
	c.loads++

	c.logger.Debug().
		Str("path", c.path).
		Int("rows", ds.Rows()).
		Int("columns", len(ds.columns)).
		Msg("Dataset loaded")

	return ds, nil
}

// Close stops watching the file.
func (c *Cache) Close() error {
	return c.watcher.Stop()
}
