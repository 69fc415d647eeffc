// Package watch reruns work when a source file changes on disk.
package watch

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// File calls onChange after each change to path until ctx ends. The parent
// directory is watched so editors that save by rename keep working.
func File(ctx context.Context, path string, debounce time.Duration, onChange func(context.Context)) error {
	if onChange == nil {
		return errors.New("watch: onChange is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log := pslog.Ctx(ctx).With("path", abs)
	log.Info("watching file")

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("file event", "op", event.Op.String())
			timer.Reset(debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "err", err)
		case <-timer.C:
			onChange(ctx)
		}
	}
}
