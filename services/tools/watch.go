package tools

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the catalog whenever its file changes. The parent directory is
// watched so that editors and config-map updates replacing the file are seen.
// It blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context, logger zerolog.Logger) error {
	if c == nil {
		return errors.New("nil catalog")
	}
	if c.path == "" {
		return errors.New("catalog has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(c.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				logger.Error().Err(err).Str("path", target).Msg("reload tools catalog")
				continue
			}
			logger.Info().Int("tools", c.Len()).Msg("tools catalog reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("tools catalog watcher")
		}
	}
}
