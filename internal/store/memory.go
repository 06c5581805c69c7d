package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStatusConflict is returned when a conditional status update finds the row in another state.
var ErrStatusConflict = errors.New("status conflict")

// Memory is an in-process implementation of schemas.Store. It enforces the same
// uniqueness constraints as the PostgreSQL schema and is used for one-shot CLI
// runs and tests.
type Memory struct {
	mu sync.RWMutex

	runs       map[string]*schemas.Run
	queue      map[string]*schemas.QueueItem
	queueByURL map[string]string
	seq        int64

	pages      map[string]*schemas.DiscoveredPage
	pageOrder  []string
	virtualKey map[string]string
	edges      []schemas.PageEdge

	scenarios     map[string]*schemas.InteractionScenario
	scenarioOrder []string
	scenarioKey   map[string]string

	tests      map[string]*schemas.TestCase
	testOrder  []string
	executions map[string][]schemas.TestCaseExecution
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]*schemas.Run),
		queue:       make(map[string]*schemas.QueueItem),
		queueByURL:  make(map[string]string),
		pages:       make(map[string]*schemas.DiscoveredPage),
		virtualKey:  make(map[string]string),
		scenarios:   make(map[string]*schemas.InteractionScenario),
		scenarioKey: make(map[string]string),
		tests:       make(map[string]*schemas.TestCase),
		executions:  make(map[string][]schemas.TestCaseExecution),
	}
}

var _ schemas.Store = (*Memory)(nil)

// -- Runs --

func (m *Memory) CreateRun(_ context.Context, run *schemas.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*schemas.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateRunStatus(_ context.Context, runID string, status schemas.RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	r.Status = status
	if errMsg != "" {
		r.Error = errMsg
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateRunCounters(_ context.Context, runID string, counters schemas.RunCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	r.Counters = counters
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// -- Queue --

func (m *Memory) EnqueueItem(_ context.Context, item *schemas.QueueItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := item.RunID + "\x00" + item.URL
	if _, exists := m.queueByURL[key]; exists {
		return false, nil
	}
	m.seq++
	item.Seq = m.seq
	cp := *item
	m.queue[item.ID] = &cp
	m.queueByURL[key] = item.ID
	return true, nil
}

func (m *Memory) ListQueuedItems(_ context.Context, runID string, depth int) ([]schemas.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.QueueItem
	for _, it := range m.queue {
		if it.RunID == runID && it.Depth == depth && it.Status == schemas.QueueQueued {
			out = append(out, *it)
		}
	}
	sortQueue(out)
	return out, nil
}

func (m *Memory) ListQueueItems(_ context.Context, runID string) ([]schemas.QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.QueueItem
	for _, it := range m.queue {
		if it.RunID == runID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) UpdateQueueItemStatus(_ context.Context, itemID string, from, to schemas.QueueStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[itemID]
	if !ok {
		return fmt.Errorf("queue item %s: %w", itemID, ErrNotFound)
	}
	if it.Status != from {
		return fmt.Errorf("queue item %s is %s, not %s: %w", itemID, it.Status, from, ErrStatusConflict)
	}
	it.Status = to
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func sortQueue(items []schemas.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].Seq < items[j].Seq
	})
}

// -- Pages --

func (m *Memory) SavePage(_ context.Context, page *schemas.DiscoveredPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pages[page.ID]; exists {
		return fmt.Errorf("page %s already exists", page.ID)
	}
	m.insertPageLocked(page)
	return nil
}

func (m *Memory) SaveVirtualPage(_ context.Context, page *schemas.DiscoveredPage) (*schemas.DiscoveredPage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := page.ParentPageID + "\x00" + page.StateIdentifier
	if id, exists := m.virtualKey[key]; exists {
		cp := *m.pages[id]
		return &cp, false, nil
	}
	m.insertPageLocked(page)
	m.virtualKey[key] = page.ID
	cp := *page
	return &cp, true, nil
}

func (m *Memory) insertPageLocked(page *schemas.DiscoveredPage) {
	cp := *page
	cp.Screenshot = append([]byte(nil), page.Screenshot...)
	m.pages[page.ID] = &cp
	m.pageOrder = append(m.pageOrder, page.ID)
}

func (m *Memory) GetPage(_ context.Context, pageID string) (*schemas.DiscoveredPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListPages(_ context.Context, runID string) ([]schemas.DiscoveredPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.DiscoveredPage
	for _, id := range m.pageOrder {
		if p := m.pages[id]; p.RunID == runID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) SaveEdge(_ context.Context, edge *schemas.PageEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, *edge)
	return nil
}

func (m *Memory) ListEdges(_ context.Context, runID string) ([]schemas.PageEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.PageEdge
	for _, e := range m.edges {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// -- Scenarios --

func (m *Memory) SaveScenario(_ context.Context, sc *schemas.InteractionScenario) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sc.PageID + "\x00" + sc.Name
	if _, exists := m.scenarioKey[key]; exists {
		return false, nil
	}
	cp := *sc
	cp.Steps = append([]schemas.Step(nil), sc.Steps...)
	m.scenarios[sc.ID] = &cp
	m.scenarioKey[key] = sc.ID
	m.scenarioOrder = append(m.scenarioOrder, sc.ID)
	return true, nil
}

func (m *Memory) MarkScenarioExecuted(_ context.Context, scenarioID string, outcome schemas.ScenarioOutcome, resultURL, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scenarios[scenarioID]
	if !ok {
		return fmt.Errorf("scenario %s: %w", scenarioID, ErrNotFound)
	}
	if sc.Executed {
		return fmt.Errorf("scenario %s already executed: %w", scenarioID, ErrStatusConflict)
	}
	sc.Executed = true
	sc.Outcome = outcome
	sc.ResultURL = resultURL
	sc.Error = errMsg
	return nil
}

func (m *Memory) ListScenarios(_ context.Context, runID string) ([]schemas.InteractionScenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.InteractionScenario
	for _, id := range m.scenarioOrder {
		if sc := m.scenarios[id]; sc.RunID == runID {
			cp := *sc
			cp.Steps = append([]schemas.Step(nil), sc.Steps...)
			out = append(out, cp)
		}
	}
	return out, nil
}

// -- Test cases --

func (m *Memory) SaveTestCase(_ context.Context, tc *schemas.TestCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tests[tc.ID]; exists {
		return fmt.Errorf("test case %s already exists", tc.ID)
	}
	cp := *tc
	m.tests[tc.ID] = &cp
	m.testOrder = append(m.testOrder, tc.ID)
	return nil
}

func (m *Memory) ListTestCases(_ context.Context, runID string) ([]schemas.TestCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.TestCase
	for _, id := range m.testOrder {
		if tc := m.tests[id]; tc.RunID == runID {
			out = append(out, *tc)
		}
	}
	return out, nil
}

func (m *Memory) UpdateTestCaseResult(_ context.Context, testCaseID string, status schemas.Verdict, selfHealed bool, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.tests[testCaseID]
	if !ok {
		return fmt.Errorf("test case %s: %w", testCaseID, ErrNotFound)
	}
	tc.Status = status
	tc.SelfHealed = selfHealed
	tc.DurationMs = durationMs
	return nil
}

func (m *Memory) SaveExecution(_ context.Context, exec *schemas.TestCaseExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.TestCaseID] = append(m.executions[exec.TestCaseID], cp)
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, testCaseID string) ([]schemas.TestCaseExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]schemas.TestCaseExecution(nil), m.executions[testCaseID]...), nil
}
