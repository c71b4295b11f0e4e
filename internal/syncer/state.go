package syncer

import (
	"sync"
	"time"

	"github.com/movetrace/fieldsync/internal/store"
	"github.com/movetrace/fieldsync/internal/upload"
)

// State is one observable snapshot of sync health. Consumers observe,
// never mutate; the orchestrator owns all writes.
type State struct {
	Syncing    bool             `json:"syncing"`
	LastSyncAt time.Time        `json:"last_sync_at,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	Health     store.Health     `json:"health"`
	Upload     *upload.Progress `json:"upload,omitempty"`
}

// stateHub is the process-wide sync state: a single owned object with an
// explicit broadcast channel per subscriber, not ambient globals. Lifecycle
// is tied to the orchestrator that owns it.
type stateHub struct {
	mu          sync.RWMutex
	current     State
	subscribers map[int]chan State
	nextID      int
}

func newStateHub() *stateHub {
	return &stateHub{subscribers: make(map[int]chan State)}
}

// Current returns the latest snapshot.
func (h *stateHub) Current() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Subscribe registers an observer. The returned channel receives every
// published snapshot (latest-wins on a slow consumer: stale snapshots are
// dropped, never blocked on). Call the cancel function to unsubscribe.
func (h *stateHub) Subscribe() (<-chan State, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan State, 1)
	ch <- h.current
	h.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish applies mutate to the current state and fans it out.
func (h *stateHub) publish(mutate func(*State)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mutate(&h.current)
	for _, ch := range h.subscribers {
		select {
		case ch <- h.current:
		default:
			// Drop the stale snapshot the consumer hasn't read yet and
			// replace it with the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- h.current:
			default:
			}
		}
	}
}

// close tears down all subscriber channels.
func (h *stateHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
