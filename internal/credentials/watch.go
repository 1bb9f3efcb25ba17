package credentials

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long the file must stay quiet before it is re-read.
const DefaultSettle = 500 * time.Millisecond

// Watcher re-reads a credentials file after it changes and hands the
// new contents to a callback. Rewrites that leave the bytes unchanged
// are ignored.
type Watcher struct {
	path     string
	settle   time.Duration
	onChange func(*File)
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	errors    chan error

	mu       sync.Mutex
	lastHash [32]byte
	timer    *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// Watch starts watching path. onChange runs on a timer goroutine with
// every successfully parsed new version.
func Watch(path string, settle time.Duration, logger *slog.Logger, onChange func(*File)) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched so replacement by rename is seen.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	w := &Watcher{
		path:      absPath,
		settle:    settle,
		onChange:  onChange,
		logger:    logger,
		fsWatcher: fsWatcher,
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
	if hash, _, err := HashFile(absPath); err == nil {
		w.lastHash = hash
	}

	w.wg.Add(1)
	go w.eventLoop()
	return w, nil
}

// Errors returns read and validation failures. They are dropped when
// the channel is full.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsWatcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.settle, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	hash, _, err := HashFile(w.path)
	if err != nil {
		w.report(err)
		return
	}
	w.mu.Lock()
	unchanged := hash == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return
	}

	f, err := ReadFile(w.path)
	if err != nil {
		w.logger.Warn("credentials file rejected", "path", w.path, "error", err)
		w.report(err)
		return
	}

	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()

	w.logger.Info("credentials file changed", "path", w.path, "refresh_flow", f.RefreshFlow())
	if w.onChange != nil {
		w.onChange(f)
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// HashFile computes the SHA-256 of a file.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}
