package approval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"autopack/internal/logging"
	"autopack/internal/run"
	"autopack/internal/store"
)

// Inbox watches a directory for decision files dropped by operators. A file
// is a JSON ApprovalResponse: {"request_id": "apr-1a2b3c4d", "decision":
// "approve", "actor": "alice"}. Valid decisions are consumed and the file
// removed; malformed or unknown-request files are renamed *.invalid and
// left as evidence.
type Inbox struct {
	broker  *Broker
	dir     string
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	debounceMap map[string]time.Time
	debounceDur time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewInbox builds an inbox over dir for the broker. Start begins watching.
func NewInbox(broker *Broker, dir string) (*Inbox, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Inbox{
		broker:      broker,
		dir:         dir,
		watcher:     watcher,
		debounceMap: make(map[string]time.Time),
		debounceDur: 250 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start creates the inbox directory, sweeps files already waiting there,
// and begins watching. Non-blocking.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return nil
	}
	in.running = true
	in.mu.Unlock()

	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		in.setStopped()
		return err
	}
	if err := in.watcher.Add(in.dir); err != nil {
		in.setStopped()
		return err
	}
	logging.Approval("inbox watching %s", in.dir)

	// Files dropped while nothing was watching still count.
	entries, err := os.ReadDir(in.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				in.processFile(ctx, filepath.Join(in.dir, e.Name()))
			}
		}
	}

	go in.runLoop(ctx)
	return nil
}

func (in *Inbox) setStopped() {
	in.mu.Lock()
	in.running = false
	in.mu.Unlock()
}

// Stop halts the watcher and waits for the loop to exit.
func (in *Inbox) Stop() {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	in.running = false
	in.mu.Unlock()

	close(in.stopCh)
	<-in.doneCh

	if err := in.watcher.Close(); err != nil {
		logging.ApprovalWarn("closing inbox watcher: %v", err)
	}
}

func (in *Inbox) runLoop(ctx context.Context) {
	defer close(in.doneCh)

	// Writes land in bursts; settle before reading so a half-written file
	// is not parsed mid-flight.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stopCh:
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			in.handleEvent(event)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			logging.ApprovalWarn("inbox watcher: %v", err)
		case <-ticker.C:
			in.processSettled(ctx)
		}
	}
}

func (in *Inbox) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	in.mu.Lock()
	in.debounceMap[event.Name] = time.Now()
	in.mu.Unlock()
}

func (in *Inbox) processSettled(ctx context.Context) {
	now := time.Now()
	var ready []string
	in.mu.Lock()
	for path, last := range in.debounceMap {
		if now.Sub(last) >= in.debounceDur {
			ready = append(ready, path)
			delete(in.debounceMap, path)
		}
	}
	in.mu.Unlock()

	for _, path := range ready {
		in.processFile(ctx, path)
	}
}

func (in *Inbox) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.ApprovalWarn("inbox read %s: %v", path, err)
		}
		return
	}

	var resp run.ApprovalResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		logging.ApprovalWarn("inbox %s: malformed decision: %v", filepath.Base(path), err)
		in.quarantine(path)
		return
	}
	if resp.Actor == "" {
		resp.Actor = "inbox"
	}
	if resp.At.IsZero() {
		resp.At = time.Now().UTC()
	}

	var perr *run.PersistenceError
	err = in.broker.Submit(ctx, resp)
	switch {
	case err == nil:
		logging.Approval("inbox decision %s for %s by %s", resp.Decision, resp.RequestID, resp.Actor)
		if err := os.Remove(path); err != nil {
			logging.ApprovalWarn("inbox remove %s: %v", path, err)
		}
	case errors.As(err, &perr):
		// Transient store trouble: keep the file, the next write event
		// or restart retries it.
		logging.ApprovalWarn("inbox %s: %v", filepath.Base(path), err)
	case errors.Is(err, store.ErrNotFound):
		logging.ApprovalWarn("inbox %s: unknown request %s", filepath.Base(path), resp.RequestID)
		in.quarantine(path)
	default:
		logging.ApprovalWarn("inbox %s: rejected decision: %v", filepath.Base(path), err)
		in.quarantine(path)
	}
}

// quarantine renames a bad file out of the .json suffix so it stops
// matching but stays inspectable.
func (in *Inbox) quarantine(path string) {
	if err := os.Rename(path, path+".invalid"); err != nil {
		logging.ApprovalWarn("inbox quarantine %s: %v", path, err)
	}
}
