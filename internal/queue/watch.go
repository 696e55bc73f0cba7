package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch emits a tick on the returned channel whenever dir changes
// (fsnotify) or, failing that, on every interval (ticker fallback). This
// is the dual-signal design note §9 calls for: fsnotify keeps latency
// low, the ticker guarantees the mtime-based staleness recovery path
// still runs even if an fsnotify event is dropped by the OS or fsnotify
// itself fails to initialize (e.g. inotify watch limit exhausted).
//
// The channel is closed when ctx is canceled. Sends are non-blocking —
// a slow consumer simply coalesces ticks, since every tick means "go
// look at the directory again", not "here is specific new data".
func Watch(ctx context.Context, dir string, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticks := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("queue: fsnotify unavailable, falling back to polling only", "dir", dir, "error", err)
		watcher = nil
	} else if err := watcher.Add(dir); err != nil {
		slog.Warn("queue: fsnotify add failed, falling back to polling only", "dir", dir, "error", err)
		watcher.Close()
		watcher = nil
	}

	send := func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(ticks)
		if watcher != nil {
			defer watcher.Close()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				send()
			case _, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				send()
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				slog.Warn("queue: fsnotify error", "dir", dir, "error", err)
			}
		}
	}()

	// Fire once immediately so the first caller doesn't wait a full
	// interval before its first look at the directory.
	send()

	return ticks
}
