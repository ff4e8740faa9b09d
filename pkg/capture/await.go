package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is how often the marker is checked while waiting.
const DefaultPollInterval = time.Second

// Await blocks until the ready marker for tracePath exists, the deadline
// passes, or ctx is done. It polls every interval and additionally wakes
// on filesystem events in the trace directory when a watcher is
// available. It reports whether the marker was observed.
func Await(ctx context.Context, tracePath string, deadline time.Time, interval time.Duration) bool {
	if Ready(tracePath) {
		return true
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	if interval <= 0 {
		interval = DefaultPollInterval
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()

		if err := watcher.Add(filepath.Dir(tracePath)); err == nil {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	sentinel := filepath.Clean(SentinelPath(tracePath))

	for {
		select {
		case <-ctx.Done():
			return Ready(tracePath)
		case <-timer.C:
			return Ready(tracePath)
		case <-ticker.C:
			if Ready(tracePath) {
				return true
			}
		case ev, ok := <-events:
			if !ok {
				events = nil

				continue
			}

			if filepath.Clean(ev.Name) == sentinel && Ready(tracePath) {
				return true
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}

// ReadTrace reads the trace at tracePath and checks it is valid JSON.
func ReadTrace(tracePath string) (json.RawMessage, error) {
	data, err := os.ReadFile(tracePath)
	if err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("trace at %s is not valid JSON", tracePath)
	}

	return json.RawMessage(data), nil
}
