package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceWindow coalesces the burst of write/chmod events most editors
// and config-management tools emit for a single logical save.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads a config file from disk whenever it changes and hands
// the new value to onReload. Parse failures are logged and ignored: a
// bad edit never tears down a running orchestrator.
type Watcher struct {
	path     string
	logger   *logrus.Logger
	fsw      *fsnotify.Watcher
	onReload func(Config)
}

// NewWatcher starts watching path's parent directory (watching the
// directory rather than the file survives editors that replace the file
// via rename-on-save, which an fsnotify watch on the file itself misses).
func NewWatcher(path string, logger *logrus.Logger, onReload func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := dirOf(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, logger: logger, fsw: fsw, onReload: onReload}, nil
}

// Run blocks, reloading the config on every relevant filesystem event,
// until stop is closed.
func (w *Watcher) Run(stop <-chan struct{}) {
	var timer *time.Timer
	for {
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config: watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Warn("config: reload failed, keeping previous configuration")
		return
	}
	w.logger.WithField("path", w.path).Info("config: reloaded")
	w.onReload(cfg)
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
