package relaysync

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchPeakConfig loads path into the governor and reloads it whenever the
// file is written or replaced. Invalid documents are logged and ignored. It
// blocks until ctx is done.
func WatchPeakConfig(ctx context.Context, path string, governor *PeakGovernor, logger zerolog.Logger) error {
	path = strings.TrimSpace(path)
	if path == "" || governor == nil {
		return ErrInvalidInput
	}
	path = filepath.Clean(path)
	base := governor.Window()
	reloadPeakConfig(path, base, governor, logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				reloadPeakConfig(path, base, governor, logger)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(watchErr).Str("path", path).Msg("peak config watcher error")
		}
	}
}

func reloadPeakConfig(path string, base PeakWindow, governor *PeakGovernor, logger zerolog.Logger) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("peak config read failed")
		}
		return false
	}
	window, err := ParsePeakWindowConfig(data, base)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("peak config ignored")
		return false
	}
	if err := governor.SetWindow(window); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("peak config ignored")
		return false
	}
	logger.Info().
		Str("path", path).
		Int("start_hour", window.StartHour).
		Int("end_hour", window.EndHour).
		Dur("deferral", window.Deferral).
		Bool("disabled", window.Disabled).
		Msg("peak window reloaded")
	return true
}
