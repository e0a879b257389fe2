package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces the write bursts editors produce when saving.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the bootstrap config whenever the file at path changes and
// hands each valid result to onChange. Invalid intermediate states are logged
// and skipped. Returns a stop function.
func Watch(path string, log zerolog.Logger, onChange func(Config)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save,
	// which drops a per-file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Warn().Err(err).Msg("config reload skipped")
						return
					}
					log.Info().Msg("config reloaded")
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return watcher.Close, nil
}
