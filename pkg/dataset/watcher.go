package dataset

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 100 * time.Millisecond

// FileWatcher reports changes to one file. A burst of events, such as an
// editor truncating and rewriting the file, is reported once after the file
// has been quiet for the debounce interval.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	target   string
	debounce time.Duration
	onChange func()

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher watches the directory holding path, so replacing the file
// through a rename is seen too. debounce <= 0 uses the default interval.
func NewFileWatcher(logger zerolog.Logger, path string, debounce time.Duration, onChange func()) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  watcher,
		logger:   logger,
		target:   filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

// Stop closes the watcher and waits for the event loop to exit. A change
// still inside its debounce window is dropped.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.stopCh)
		err = fw.watcher.Close()
		<-fw.done
	})
	return err
}

func (fw *FileWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != fw.target {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func (fw *FileWatcher) run() {
	defer close(fw.done)

	timer := time.NewTimer(fw.debounce)
	timer.Stop()
	defer timer.Stop()

	var settled <-chan time.Time
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.relevant(event) {
				continue
			}
			fw.logger.Debug().
				Str("file", filepath.Base(event.Name)).
				Str("op", event.Op.String()).
				Msg("Dataset change detected")
			timer.Reset(fw.debounce)
			settled = timer.C

		case <-settled:
			settled = nil
			fw.onChange()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("Dataset watcher error")

		case <-fw.stopCh:
			return
		}
	}
}
