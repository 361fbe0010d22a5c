package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/fzft/go-nio-pump/log"
	"go.uber.org/zap"
)

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	done chan struct{}
}

// Watch calls onChange with the reloaded config after each write to path. Invalid
// files are logged and skipped. The directory is watched so editors that replace
// the file are seen too.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{w: w, path: abs, done: make(chan struct{})}
	go cw.loop(onChange)
	return cw, nil
}

func (cw *Watcher) loop(onChange func(*Config)) {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(cw.path)
			if err != nil {
				log.Logger.Warn("ignoring invalid config", zap.String("path", cw.path), zap.Error(err))
				continue
			}
			log.Logger.Info("config reloaded", zap.String("path", cw.path))
			onChange(cfg)
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			log.Logger.Warn("config watch error", zap.Error(err))
		}
	}
}

// Close stops watching and waits for the watch goroutine to exit.
func (cw *Watcher) Close() error {
	err := cw.w.Close()
	<-cw.done
	return err
}
