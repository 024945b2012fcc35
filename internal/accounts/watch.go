package accounts

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the accounts file periodically and on filesystem change
// events until ctx is cancelled. interval <= 0 disables the periodic
// reload; a failed watcher setup degrades to interval-only operation.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	var events chan fsnotify.Event
	var werrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(s.path); err != nil {
			s.log.Warn("accounts file watch unavailable", "file", s.path, "err", err)
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		s.log.Warn("fsnotify unavailable, using periodic reload only", "err", err)
		watcher = nil
	}
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
		events = make(chan fsnotify.Event)
		werrs = make(chan error)
		go func() {
			defer close(events)
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					select {
					case werrs <- err:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.Reload()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors often replace the file; re-arm the watch on the path.
			if ev.Op&fsnotify.Rename != 0 {
				_ = watcher.Add(s.path)
			}
			s.Reload()
		case err := <-werrs:
			s.log.Warn("accounts file watch error", "err", err)
		}
	}
}
