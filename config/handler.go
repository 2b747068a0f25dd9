package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/getlantern/authflow/events"
	"github.com/getlantern/authflow/internal"
)

// NewConfigEvent is emitted when the config file changes on disk and the new file is valid.
type NewConfigEvent struct {
	Old *Config
	New *Config
}

// ListenerFunc is a function that is called when the configuration changes.
type ListenerFunc func(oldConfig, newConfig *Config) error

// Handler holds the current configuration and reloads it when the file changes.
type Handler struct {
	path      string
	config    atomic.Pointer[Config]
	watcher   *internal.FileWatcher
	closeOnce sync.Once

	listeners   []ListenerFunc
	listenersMu sync.RWMutex
}

// NewHandler loads path and, when path is not empty, watches it for changes.
func NewHandler(path string) (*Handler, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Handler{path: path}
	h.config.Store(cfg)
	if path != "" {
		h.watcher = internal.NewFileWatcher(path, h.reload)
		if err := h.watcher.Start(); err != nil {
			slog.Warn("Config changes will not be picked up until restart", "path", path, "error", err)
			h.watcher = nil
		}
	}
	return h, nil
}

// GetConfig returns the current configuration. Callers must not modify it.
func (h *Handler) GetConfig() *Config {
	return h.config.Load()
}

// AddConfigListener registers listener to be called after every successful reload.
func (h *Handler) AddConfigListener(listener ListenerFunc) {
	h.listenersMu.Lock()
	h.listeners = append(h.listeners, listener)
	h.listenersMu.Unlock()
}

func (h *Handler) reload() {
	cfg, err := Load(h.path)
	if err != nil {
		slog.Error("Ignoring invalid config change", "path", h.path, "error", err)
		return
	}
	old := h.config.Load()
	if reflect.DeepEqual(old, cfg) {
		return
	}
	h.config.Store(cfg)
	slog.Info("Config reloaded", "path", h.path)

	h.listenersMu.RLock()
	listeners := append([]ListenerFunc(nil), h.listeners...)
	h.listenersMu.RUnlock()
	for _, l := range listeners {
		if err := l(old, cfg); err != nil {
			slog.Error("Config listener failed", "error", err)
		}
	}
	events.Emit(NewConfigEvent{Old: old, New: cfg})
}

// Stop stops watching the config file.
func (h *Handler) Stop() error {
	var err error
	h.closeOnce.Do(func() {
		if h.watcher != nil {
			if cerr := h.watcher.Close(); cerr != nil {
				err = fmt.Errorf("stop config watcher: %w", cerr)
			}
		}
	})
	return err
}
