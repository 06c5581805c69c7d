// internal/queue/manager.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// ErrBackwardTransition is returned when a queue item status would move backwards.
var ErrBackwardTransition = errors.New("queue item status may only move forward")

// Scope limits which URLs may be enqueued.
type Scope interface {
	IsInScope(u *url.URL) bool
}

// Manager is the breadth-first work queue of one run. Items are persisted through
// the QueueStore, which enforces the (run, url) uniqueness; the visited set lives
// in memory because a run is driven by exactly one crawler.
type Manager struct {
	runID    string
	store    schemas.QueueStore
	maxDepth int
	scope    Scope
	logger   *zap.Logger

	mu      sync.Mutex
	visited map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithScope rejects URLs outside s.
func WithScope(s Scope) Option {
	return func(m *Manager) { m.scope = s }
}

// NewManager creates the queue of a run bounded by maxDepth.
func NewManager(runID string, store schemas.QueueStore, maxDepth int, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		runID:    runID,
		store:    store,
		maxDepth: maxDepth,
		logger:   logger.Named("queue").With(zap.String("run_id", runID)),
		visited:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxDepth returns the depth bound of the run.
func (m *Manager) MaxDepth() int { return m.maxDepth }

// Enqueue schedules rawURL at depth. It reports false, without error, when the URL
// is already visited or queued, lies beyond the depth bound, is out of scope, or
// cannot be crawled at all.
func (m *Manager) Enqueue(ctx context.Context, rawURL string, depth int, fromPageID, scenarioID string, priority schemas.Priority) (bool, error) {
	if depth > m.maxDepth {
		return false, nil
	}
	u, err := Normalize(rawURL, "")
	if err != nil {
		m.logger.Debug("Discarding URL.", zap.String("url", rawURL), zap.Error(err))
		return false, nil
	}
	if m.scope != nil && !m.scope.IsInScope(u) {
		m.logger.Debug("Discarding out of scope URL.", zap.String("url", rawURL))
		return false, nil
	}
	normalized := u.String()
	if m.Visited(normalized) {
		return false, nil
	}
	if priority.Rank() > schemas.PriorityLow.Rank() {
		priority = schemas.PriorityMedium
	}

	now := time.Now().UTC()
	item := &schemas.QueueItem{
		ID:         uuid.NewString(),
		RunID:      m.runID,
		URL:        normalized,
		Depth:      depth,
		FromPageID: fromPageID,
		ScenarioID: scenarioID,
		Priority:   priority,
		Status:     schemas.QueueQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	inserted, err := m.store.EnqueueItem(ctx, item)
	if err != nil {
		return false, &schemas.PersistenceError{Op: "enqueue " + normalized, Err: err}
	}
	if inserted {
		m.logger.Debug("Enqueued.", zap.String("url", normalized), zap.Int("depth", depth), zap.String("priority", string(priority)))
	}
	return inserted, nil
}

// NextBatch returns every queued item at depth, highest priority first and in
// insertion order within a priority.
func (m *Manager) NextBatch(ctx context.Context, depth int) ([]schemas.QueueItem, error) {
	items, err := m.store.ListQueuedItems(ctx, m.runID, depth)
	if err != nil {
		return nil, &schemas.PersistenceError{Op: fmt.Sprintf("list queue depth %d", depth), Err: err}
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

// MarkProcessing moves item from queued to processing.
func (m *Manager) MarkProcessing(ctx context.Context, item *schemas.QueueItem) error {
	return m.transition(ctx, item, schemas.QueueProcessing)
}

// MarkCompleted moves item from processing to completed.
func (m *Manager) MarkCompleted(ctx context.Context, item *schemas.QueueItem) error {
	return m.transition(ctx, item, schemas.QueueCompleted)
}

// MarkFailed moves item from processing to failed.
func (m *Manager) MarkFailed(ctx context.Context, item *schemas.QueueItem) error {
	return m.transition(ctx, item, schemas.QueueFailed)
}

func (m *Manager) transition(ctx context.Context, item *schemas.QueueItem, to schemas.QueueStatus) error {
	from := item.Status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrBackwardTransition, from, to, item.URL)
	}
	if err := m.store.UpdateQueueItemStatus(ctx, item.ID, from, to); err != nil {
		return &schemas.PersistenceError{Op: fmt.Sprintf("queue item %s -> %s", item.ID, to), Err: err}
	}
	item.Status = to
	item.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkVisited records rawURL in the visited set.
func (m *Manager) MarkVisited(rawURL string) {
	key := visitKey(rawURL)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visited[key] = struct{}{}
}

// Visited reports whether rawURL was already visited.
func (m *Manager) Visited(rawURL string) bool {
	key := visitKey(rawURL)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.visited[key]
	return ok
}

// VisitedCount returns the size of the visited set.
func (m *Manager) VisitedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visited)
}

func visitKey(rawURL string) string {
	if n, err := NormalizeString(rawURL, ""); err == nil {
		return n
	}
	return stripFragment(rawURL)
}
