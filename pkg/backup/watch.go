package backup

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of filesystem events into one nudge.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls nudge once per burst of changes in dir until ctx is done.
// The interval poll keeps running regardless, so a failed watch degrades
// to polling only; the error is returned for the caller to log.
func Watch(ctx context.Context, dir string, debounce time.Duration, logger *log.Logger, nudge func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
		case <-timer.C:
			nudge()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("fsnotify: %v", err)
		}
	}
}
