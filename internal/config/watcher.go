package config

import (
	"context"
	"fmt"
	"path/filepath"

	"toolgate/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the configuration directory for changes. Integration
// definitions are immutable for the lifetime of the process, so the watcher
// does not hot-reload anything; it surfaces edits through a callback so the
// serve command can tell the operator a restart is needed.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(path string)
}

// NewWatcher starts watching the given configuration directory. onChange is
// invoked (on the watcher goroutine) for every write or create affecting a
// YAML file in the directory.
func NewWatcher(ctx context.Context, configPath string, onChange func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	if err := fw.Add(configPath); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", configPath, err)
	}

	w := &Watcher{watcher: fw, onChange: onChange}
	go w.run(ctx)

	logging.Debug("ConfigWatcher", "Watching %s for configuration changes", configPath)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			logging.Info("ConfigWatcher", "Configuration file %s changed; restart to apply", event.Name)
			if w.onChange != nil {
				w.onChange(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("ConfigWatcher", "Watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
