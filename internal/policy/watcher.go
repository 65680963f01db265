package policy

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the source whenever its backing file changes on disk. It blocks
// until ctx is cancelled, so run it in a goroutine. Editors often replace the
// file (rename + create) rather than writing in place, so the watch is on the
// parent directory.
func Watch(ctx context.Context, source *Source) error {
	if source.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(source.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(source.path)
	log.Printf("[policy] watching %s for changes", target)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				source.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[policy] watch error: %v", err)
		}
	}
}
