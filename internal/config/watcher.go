package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/logging"
)

// Watcher observes the proxy config directory and invokes a callback when
// any yaml file changes. Events are debounced so editors that write in
// multiple steps trigger a single reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func()
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher creates a watcher over dir and its subdirectories.
func NewWatcher(dir string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}

	if err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fw.Add(path)
		}
		return nil
	}); err != nil {
		fw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			switch filepath.Ext(event.Name) {
			case ".yaml", ".yml":
			default:
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug("config file changed", zap.String("file", event.Name))
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.onChange)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
