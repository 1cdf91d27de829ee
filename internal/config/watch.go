package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and hands every valid,
// changed result to onChange. It blocks until ctx is done.
//
// The directory is watched rather than the file so that editors which
// replace the file on save keep triggering events.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(Config)) error {
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
		last  Config
	)
	if cfg, err := Load(path); err == nil {
		last = cfg
	}
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
			return
		}
		mu.Lock()
		unchanged := reflect.DeepEqual(cfg, last)
		last = cfg
		mu.Unlock()
		if unchanged {
			log.Debug().Str("path", path).Msg("config unchanged; skipping")
			return
		}
		log.Info().Str("path", path).Msg("config reloaded")
		onChange(cfg)
	}

	log.Debug().Str("dir", dir).Str("file", file).Msg("config watcher started")
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		}
	}
}
