package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for writes to settle.
const DefaultDebounce = 100 * time.Millisecond

// Watch calls fn with the reloaded config each time the file at path
// changes, until ctx is done. Bursts of events within DefaultDebounce
// produce one reload. A file that fails to load is reported through the
// error argument and the previous config stays in effect with the caller.
//
// fn is called from the goroutine running Watch, never concurrently.
// The directory is watched rather than the file so that editors that
// replace the file on save are followed.
func Watch(ctx context.Context, path string, fn func(Config, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
	}

	// A stopped timer with a nil channel case stands in for "no reload
	// due", so every call to fn happens on this goroutine.
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var due <-chan time.Time

	target := filepath.Base(abs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(DefaultDebounce)
			due = timer.C
		case <-due:
			due = nil
			fn(Load(abs))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fn(Config{}, fmt.Errorf("config watch: %w", err))
		}
	}
}
