package internal

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for the file to settle before calling back.
const DefaultDebounce = 100 * time.Millisecond

// FileWatcher watches a single file for changes and calls a callback once the file has settled.
// The parent directory is watched rather than the file itself so that atomic replacements (write to a
// temp file, then rename) are observed.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	filename string
	callback func()
	debounce time.Duration
	closeC   chan struct{}
	done     sync.WaitGroup
	started  atomic.Bool
}

// NewFileWatcher creates a new file watcher for the given path and callback function.
func NewFileWatcher(path string, callback func()) *FileWatcher {
	return &FileWatcher{
		dir:      filepath.Dir(path),
		filename: filepath.Base(path),
		callback: callback,
		debounce: DefaultDebounce,
	}
}

// WithDebounce overrides the settle delay. It must be called before Start.
func (fw *FileWatcher) WithDebounce(d time.Duration) *FileWatcher {
	fw.debounce = d
	return fw
}

func (fw *FileWatcher) Start() error {
	if !fw.started.CompareAndSwap(false, true) {
		slog.Debug("File watcher already started", "file", fw.filename)
		return nil
	}
	slog.Debug("Starting file watcher", "dir", fw.dir, "file", fw.filename)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fw.started.Store(false)
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := watcher.Add(fw.dir); err != nil {
		watcher.Close()
		fw.started.Store(false)
		return fmt.Errorf("failed to add watcher: %w", err)
	}
	fw.watcher = watcher
	fw.closeC = make(chan struct{})
	fw.done.Add(1)
	go fw.watchLoop()
	return nil
}

func (fw *FileWatcher) Close() error {
	if !fw.started.CompareAndSwap(true, false) {
		return nil
	}
	close(fw.closeC)
	err := fw.watcher.Close()
	fw.done.Wait()
	return err
}

func (fw *FileWatcher) watchLoop() {
	defer fw.done.Done()
	var (
		timer       *time.Timer
		timerAccess sync.Mutex
	)
	defer func() {
		timerAccess.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerAccess.Unlock()
	}()
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fw.filename {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
				continue
			}
			slog.Log(context.Background(), LevelTrace, "File modified", "file", event.Name, "op", event.Op.String())

			// files can be written in chunks, so wait until no events have arrived for a bit before
			// calling back. Another event while waiting resets the timer.
			timerAccess.Lock()
			if timer == nil {
				timer = time.AfterFunc(fw.debounce, func() {
					timerAccess.Lock()
					timer = nil
					timerAccess.Unlock()
					select {
					case <-fw.closeC:
						return
					default:
					}
					fw.callback()
				})
			} else {
				timer.Reset(fw.debounce)
			}
			timerAccess.Unlock()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Error watching file", "file", fw.filename, "error", err)
		case <-fw.closeC:
			return
		}
	}
}
