// Package watcher monitors a recordings directory and attaches finished
// video files to their sessions. Capture tools drop files named after the
// session id; the watcher picks them up, links them in the store, and
// hands them to the sync orchestrator for upload.
package watcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/movetrace/fieldsync/internal/store"
	"github.com/movetrace/fieldsync/internal/syncer"
)

// Config holds watcher configuration.
type Config struct {
	// Dir is the recordings directory to monitor.
	Dir string

	// Extensions are the video file extensions to accept, lowercase with
	// leading dot.
	Extensions []string

	// SettleInterval is how long a file must stop growing before it is
	// considered fully written. Capture tools stream multi-gigabyte files;
	// reacting to the first write event would attach a truncated video.
	SettleInterval time.Duration

	// PollInterval is how often the pending set is re-examined.
	PollInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Extensions:     []string{".mp4", ".mov"},
		SettleInterval: 2 * time.Second,
		PollInterval:   500 * time.Millisecond,
		Logger:         log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// pendingFile tracks a file waiting to settle.
type pendingFile struct {
	lastEvent time.Time
	lastSize  int64
}

// Watcher links dropped recordings to sessions and triggers uploads.
type Watcher struct {
	store  *store.Store
	orch   *syncer.Orchestrator
	config *Config

	watcher   *fsnotify.Watcher
	pending   map[string]*pendingFile
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for the configured recordings directory.
func New(st *store.Store, orch *syncer.Orchestrator, config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("recordings directory cannot be empty")
	}
	defaults := DefaultConfig()
	if len(config.Extensions) == 0 {
		config.Extensions = defaults.Extensions
	}
	if config.SettleInterval <= 0 {
		config.SettleInterval = defaults.SettleInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		store:   st,
		orch:    orch,
		config:  config,
		watcher: fsw,
		pending: make(map[string]*pendingFile),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start scans for recordings that arrived while the process was down,
// then begins watching for new ones. Blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}

	if err := w.scanExisting(ctx); err != nil {
		return fmt.Errorf("initial recordings scan failed: %w", err)
	}

	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.config.Dir, err)
	}
	w.config.Logger.Printf("Watching: %s", w.config.Dir)

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processPendingLoop()

	select {
	case <-ctx.Done():
		return w.Stop()
	case <-w.ctx.Done():
		return nil
	}
}

// Stop shuts the watcher down and waits for in-flight work.
func (w *Watcher) Stop() error {
	w.cancel()
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// scanExisting attaches recordings already on disk whose sessions have no
// video yet.
func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.config.Dir, entry.Name())
		if !w.accepts(path) {
			continue
		}
		if err := w.attach(ctx, path); err != nil {
			w.config.Logger.Printf("Skipping %s: %v", entry.Name(), err)
		}
	}
	return nil
}

func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !w.accepts(event.Name) {
				continue
			}
			w.queueFile(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) queueFile(path string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	p, ok := w.pending[path]
	if !ok {
		p = &pendingFile{}
		w.pending[path] = p
	}
	p.lastEvent = time.Now()
}

func (w *Watcher) processPendingLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processSettled()
		}
	}
}

// processSettled attaches files whose size has been stable for the settle
// interval.
func (w *Watcher) processSettled() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	now := time.Now()
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			// File vanished before it settled.
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.lastSize {
			p.lastSize = info.Size()
			p.lastEvent = now
			continue
		}
		if now.Sub(p.lastEvent) < w.config.SettleInterval {
			continue
		}

		delete(w.pending, path)
		if err := w.attach(w.ctx, path); err != nil {
			w.config.Logger.Printf("Failed to attach %s: %v", filepath.Base(path), err)
		}
	}
}

// accepts reports whether the path looks like a recording we handle.
func (w *Watcher) accepts(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range w.config.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// attach links a settled recording to its session and kicks off an
// upload. The filename stem is the session id.
func (w *Watcher) attach(ctx context.Context, path string) error {
	base := filepath.Base(path)
	sessionID := strings.TrimSuffix(base, filepath.Ext(base))

	sess, err := w.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no session %s for recording", sessionID)
		}
		return fmt.Errorf("failed to look up session: %w", err)
	}

	if sess.VideoPath == path {
		return nil // already attached; scan and event race
	}

	if err := w.store.AttachVideo(ctx, sessionID, path); err != nil {
		return fmt.Errorf("failed to attach video: %w", err)
	}
	w.config.Logger.Printf("Attached %s to session %s", base, sessionID)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.orch.UploadSessionVideo(w.ctx, sessionID, false); err != nil {
			w.config.Logger.Printf("Upload for session %s not started: %v", sessionID, err)
		}
	}()
	return nil
}
