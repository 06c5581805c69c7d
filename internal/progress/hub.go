// Package progress fans run progress events out to subscribers.
//
// Delivery is best effort. Publish never blocks: a subscriber whose buffer is
// full misses the event and the drop is counted.
package progress

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 64

type subscriber struct {
	runID string
	ch    chan schemas.ProgressEvent
}

// Hub is an in-process publish/subscribe channel for progress events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	last   map[string]schemas.ProgressEvent
	nextID uint64
	closed bool

	buffer  int
	dropped atomic.Int64
	logger  *zap.Logger
}

var _ schemas.ProgressPublisher = (*Hub)(nil)

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[uint64]*subscriber),
		last:   make(map[string]schemas.ProgressEvent),
		buffer: buffer,
		logger: logger.Named("progress"),
	}
}

// Publish delivers e to every matching subscriber that has room for it.
func (h *Hub) Publish(e schemas.ProgressEvent) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.last[e.RunID] = e
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.runID != "" && s.runID != e.RunID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
				h.logger.Debug("Dropping progress events for a slow subscriber.", zap.String("run_id", e.RunID), zap.Int64("dropped_total", n))
			}
		}
	}
}

// Subscribe returns a channel of events for runID, or for every run when runID
// is empty, and a function that ends the subscription and closes the channel.
func (h *Hub) Subscribe(runID string) (<-chan schemas.ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan schemas.ProgressEvent, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = &subscriber{runID: runID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
}

// Last returns the most recent event published for runID.
func (h *Hub) Last(runID string) (schemas.ProgressEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.last[runID]
	return e, ok
}

// Forget drops the remembered last event of runID.
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, runID)
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped so far.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}
