// Package channel implements the connection channel: a small key/value store shared by every tab and
// every process using the same data directory. Each key change is delivered to the subscribers of
// that key. Writes are last-write-wins per key: a writer holds a lock file across its read and
// rewrite, so concurrent writers in other processes never drop each other's keys.
package channel

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/common/atomicfile"
	"github.com/getlantern/authflow/event"
	"github.com/getlantern/authflow/internal"
)

// Keys of the calendar connection attempt.
const (
	StageKey       = "calendarConnectionStage"
	MessageKey     = "calendarConnectionMessage"
	CompleteKey    = "calendarConnectionComplete"
	DestinationKey = "authRedirectDestination"

	// AnyKey receives every change regardless of key.
	AnyKey = "*"

	CompleteValue      = "true"
	DefaultDestination = "/dashboard"
)

// AttemptKeys are the keys written during one connection attempt. They are cleared together.
var AttemptKeys = []string{StageKey, MessageKey, CompleteKey, DestinationKey}

var ErrClosed = errors.New("channel closed")

// lockTimeout bounds how long a write waits for a writer in another process.
const lockTimeout = 2 * time.Second

// Change describes one key transition. Present is false when the key was removed. Remote is true
// when the change was written by another process.
type Change struct {
	Key     string
	Old     string
	New     string
	Present bool
	Remote  bool
}

// Channel is a file-backed key/value store with per-key change notification.
type Channel struct {
	path    string
	mu      sync.Mutex
	k       *koanf.Koanf
	parser  koanf.Parser
	handler *event.Handler
	watcher *internal.FileWatcher
	closed  atomic.Bool
}

// Open opens the channel stored in dataDir, creating an empty one if needed, and starts watching it
// for writes from other processes.
func Open(dataDir string) (*Channel, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	c := &Channel{
		path:    filepath.Join(dataDir, app.ChannelFileName),
		k:       koanf.New("."),
		parser:  json.Parser(),
		handler: event.NewHandler(),
	}
	if _, err := c.reload(); err != nil {
		return nil, fmt.Errorf("loading channel: %w", err)
	}
	c.watcher = internal.NewFileWatcher(c.path, c.onFileChange)
	if err := c.watcher.Start(); err != nil {
		// notifications from other processes are lost but local use still works
		slog.Warn("Could not watch channel file", "path", c.path, "error", err)
		c.watcher = nil
	}
	return c, nil
}

// Path returns the backing file.
func (c *Channel) Path() string {
	return c.path
}

// Get returns the current value of key.
func (c *Channel) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()
	if !c.k.Exists(key) {
		return "", false
	}
	return c.k.String(key), true
}

// Set writes value under key.
func (c *Channel) Set(key, value string) error {
	return c.Apply(map[string]string{key: value})
}

// Delete removes keys and returns how many were present. Deleting absent keys is a no-op, so
// concurrent clears from several tabs are harmless.
func (c *Channel) Delete(keys ...string) (int, error) {
	var removed int
	err := c.apply(nil, keys, &removed)
	return removed, err
}

// Apply writes every entry of set and removes every key in del in a single file write.
func (c *Channel) Apply(set map[string]string, del ...string) error {
	return c.apply(set, del, nil)
}

func (c *Channel) apply(set map[string]string, del []string, removed *int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	unlock, err := atomicfile.Lock(c.path, lockTimeout)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("could not lock channel: %w", err)
	}
	// last write wins across processes: start from what is on disk now
	c.syncLocked()

	var changes []Change
	for _, key := range del {
		if _, skip := set[key]; skip || !c.k.Exists(key) {
			continue
		}
		changes = append(changes, Change{Key: key, Old: c.k.String(key)})
		c.k.Delete(key)
	}
	for key, value := range set {
		old, had := c.k.String(key), c.k.Exists(key)
		if had && old == value {
			continue
		}
		if err := c.k.Set(key, value); err != nil {
			unlock()
			c.mu.Unlock()
			return fmt.Errorf("could not set key %s: %w", key, err)
		}
		changes = append(changes, Change{Key: key, Old: old, New: value, Present: true})
	}
	if removed != nil {
		*removed = len(changes)
	}
	if len(changes) == 0 {
		unlock()
		c.mu.Unlock()
		return nil
	}
	err = c.saveLocked()
	unlock()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify(changes)
	return nil
}

// ClearAttempt removes every key of the connection attempt.
func (c *Channel) ClearAttempt() (int, error) {
	return c.Delete(AttemptKeys...)
}

// All returns a copy of every key and value.
func (c *Channel) All() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()
	return flatten(c.k)
}

// Subscribe calls fn for every change of key, or of any key when key is AnyKey. Deliveries for one
// subscription arrive in order, asynchronously.
func (c *Channel) Subscribe(key string, fn func(Change)) *event.Subscription {
	return c.handler.Subscribe(key, func(data any) {
		fn(data.(Change))
	})
}

func (c *Channel) Unsubscribe(sub *event.Subscription) {
	c.handler.Unsubscribe(sub)
}

// Close stops watching the file and waits for queued notifications.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if c.watcher != nil {
		err = c.watcher.Close()
	}
	c.handler.Close()
	return err
}

func (c *Channel) onFileChange() {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()
}

// syncLocked reloads the file and notifies subscribers of anything another process changed.
func (c *Channel) syncLocked() {
	changes, err := c.reload()
	if err != nil {
		slog.Error("Reloading channel", "path", c.path, "error", err)
		return
	}
	c.notify(changes)
}

func (c *Channel) reload() ([]Change, error) {
	raw, err := atomicfile.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		raw = []byte("{}")
	} else if err != nil {
		return nil, err
	}
	kk := koanf.New(".")
	if len(raw) > 0 {
		if err := kk.Load(rawbytes.Provider(raw), c.parser); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(c.path), err)
		}
	}
	changes := diff(flatten(c.k), flatten(kk))
	c.k = kk
	return changes, nil
}

func (c *Channel) saveLocked() error {
	out, err := c.k.Marshal(c.parser)
	if err != nil {
		return fmt.Errorf("could not marshal channel: %w", err)
	}
	if err := atomicfile.WriteFile(c.path, out, 0o644); err != nil {
		return fmt.Errorf("could not write channel: %w", err)
	}
	return nil
}

func (c *Channel) notify(changes []Change) {
	for _, ch := range changes {
		c.handler.Emit(ch.Key, ch)
		c.handler.Emit(AnyKey, ch)
	}
}

func flatten(k *koanf.Koanf) map[string]string {
	out := make(map[string]string)
	for _, key := range k.Keys() {
		out[key] = k.String(key)
	}
	return out
}

func diff(before, after map[string]string) []Change {
	var changes []Change
	for key, old := range before {
		if cur, ok := after[key]; !ok {
			changes = append(changes, Change{Key: key, Old: old, Remote: true})
		} else if cur != old {
			changes = append(changes, Change{Key: key, Old: old, New: cur, Present: true, Remote: true})
		}
	}
	for key, cur := range after {
		if _, ok := before[key]; !ok {
			changes = append(changes, Change{Key: key, New: cur, Present: true, Remote: true})
		}
	}
	return changes
}
