package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// BinWatcher watches the directories of unmarked runtime binary candidates
// and reports binaries that materialize after startup. On Kubernetes hosts
// the runtime path is often an initially-empty host mount that gets
// populated later, so a single probe at startup misses it.
type BinWatcher struct {
	paths    map[string]bool
	onBinary func(path string) error
	debug    bool
}

// NewBinWatcher watches for the given candidate paths to appear. onBinary
// is invoked with the full path once a candidate exists; marking the same
// path more than once is harmless.
func NewBinWatcher(paths []string, onBinary func(path string) error, debug bool) *BinWatcher {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return &BinWatcher{paths: set, onBinary: onBinary, debug: debug}
}

// Run blocks until ctx is cancelled or all candidates have appeared.
func (b *BinWatcher) Run(ctx context.Context) error {
	if len(b.paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	watched := make(map[string]bool)
	for p := range b.paths {
		dir := filepath.Dir(p)
		if watched[dir] {
			continue
		}
		// Missing directories are re-tried on events from their parents'
		// siblings; in practice the bin directories exist even when the
		// binary does not.
		if err := watcher.Add(dir); err == nil {
			watched[dir] = true
		}
	}

	// A candidate may have appeared between the startup probe and the
	// watch registration.
	b.sweep()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !b.paths[event.Name] {
				continue
			}
			b.try(event.Name)
			if len(b.paths) == 0 {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "lockcd: binwatch: %v\n", err)
		}
	}
}

func (b *BinWatcher) sweep() {
	for p := range b.paths {
		b.try(p)
	}
}

func (b *BinWatcher) try(path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() || fi.Mode()&0o111 == 0 {
		return
	}
	if err := b.onBinary(path); err != nil {
		fmt.Fprintf(os.Stderr, "lockcd: binwatch: mark %s: %v\n", path, err)
		return
	}
	if b.debug {
		fmt.Fprintf(os.Stderr, "lockcd: binwatch: picked up %s\n", path)
	}
	delete(b.paths, path)
}
