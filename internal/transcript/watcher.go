package transcript

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// DefaultDebounce coalesces bursts of writes to one transcript file.
const DefaultDebounce = 100 * time.Millisecond

// Watcher publishes file-change events for transcripts under the store's
// root. Producers append in bursts, so changes are debounced per path.
type Watcher struct {
	store    *Store
	bus      *bus.Bus
	debounce time.Duration
	logger   *logger.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher over the store's root directory.
func NewWatcher(store *Store, b *bus.Bus, debounce time.Duration, log *logger.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		store:    store,
		bus:      b,
		debounce: debounce,
		logger:   log.WithFields(zap.String("component", "transcript-watcher")),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// Start begins watching. The projects root is created if missing so the
// watch can be established before the first session exists.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := os.MkdirAll(w.store.Root(), 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := fsw.Add(w.store.Root()); err != nil {
		fsw.Close()
		return err
	}
	// Watch existing project directories; new ones are added as they appear.
	entries, err := os.ReadDir(w.store.Root())
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() && IsProjectID(entry.Name()) {
				if err := fsw.Add(filepath.Join(w.store.Root(), entry.Name())); err != nil {
					w.logger.Warn("failed to watch project dir",
						zap.String("dir", entry.Name()), zap.Error(err))
				}
			}
		}
	}

	w.running = true
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("transcript watcher started", zap.String("root", w.store.Root()))
	return nil
}

// Stop stops watching and flushes nothing: pending debounced events are
// discarded.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	fsw := w.fsw
	w.mu.Unlock()

	if fsw != nil {
		fsw.Close()
	}
	w.wg.Wait()
	w.logger.Info("transcript watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	// A new project directory appears when the first session of a
	// project starts; begin watching it immediately.
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if IsProjectID(filepath.Base(ev.Name)) {
				if err := w.fsw.Add(ev.Name); err != nil {
					w.logger.Warn("failed to watch new project dir",
						zap.String("dir", ev.Name), zap.Error(err))
				}
			}
			return
		}
	}

	if !strings.HasSuffix(ev.Name, TranscriptExt) {
		return
	}

	op := "write"
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = "create"
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		op = "remove"
	case ev.Op.Has(fsnotify.Write):
		op = "write"
	default:
		return
	}

	w.schedule(ev.Name, op)
}

// schedule arms (or re-arms) the per-path debounce timer.
func (w *Watcher) schedule(path, op string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		running := w.running
		w.mu.Unlock()
		if running {
			w.publish(path, op)
		}
	})
}

func (w *Watcher) publish(path, op string) {
	projectID := filepath.Base(filepath.Dir(path))
	sessionID := strings.TrimSuffix(filepath.Base(path), TranscriptExt)

	w.logger.Debug("transcript changed",
		zap.String("session_id", sessionID), zap.String("op", op))

	w.bus.Publish(bus.New(events.KindFileChange, sessionID, events.FileChange{
		Provider:  w.store.provider,
		ProjectID: projectID,
		SessionID: sessionID,
		Path:      path,
		Op:        op,
	}))
}
