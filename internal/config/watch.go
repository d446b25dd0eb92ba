package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Runtime is the part of the configuration a running worker picks up
// without a restart.
type Runtime struct {
	IgnoreVerifierErrors bool
	LogLevel             string
}

func (c Config) Runtime() Runtime {
	return Runtime{IgnoreVerifierErrors: c.IgnoreVerifierErrors, LogLevel: c.Log.Level}
}

// RestartRequired reports whether next differs from running outside the
// runtime subset.
func RestartRequired(running, next Config) bool {
	running.IgnoreVerifierErrors, next.IgnoreVerifierErrors = false, false
	running.Log.Level, next.Log.Level = "", ""
	return !reflect.DeepEqual(running, next)
}

// Watch calls reload after the file at path changes, until ctx is done.
// Bursts of events are coalesced. Watching the directory keeps working
// across editors that replace the file.
func Watch(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(watchDebounce)
		}
		timerCh = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
