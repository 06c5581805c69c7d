package schemas

import "context"

// -- Browser Interfaces --

// ClickMode selects how forcefully a click is delivered.
type ClickMode int

const (
	// ClickStandard waits for the element to be visible and clicks it with the mouse.
	ClickStandard ClickMode = iota
	// ClickForced dispatches mouse input at the element position without waiting.
	ClickForced
	// ClickScript calls element.click() from page script.
	ClickScript
)

func (m ClickMode) String() string {
	switch m {
	case ClickStandard:
		return "standard"
	case ClickForced:
		return "forced"
	case ClickScript:
		return "script"
	default:
		return "unknown"
	}
}

// BrowserPage controls one isolated browser page. Selectors are CSS selectors and
// act on the first matching element.
//
//go:generate mockery --name BrowserPage --output ../../internal/mocks --outpkg mocks
type BrowserPage interface {
	Navigate(ctx context.Context, url string) error
	NavigateBack(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	// Count returns how many elements currently match the selector.
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string, mode ClickMode) error
	Fill(ctx context.Context, selector, value string) error
	SelectOption(ctx context.Context, selector, value string) error
	Check(ctx context.Context, selector string) error
	Hover(ctx context.Context, selector string) error
	Submit(ctx context.Context, selector string) error
	Close() error
}

// BrowserEngine opens isolated pages on one automation engine.
type BrowserEngine interface {
	Name() string
	NewPage(ctx context.Context) (BrowserPage, error)
	Close() error
}

// -- Oracle --

// Oracle is the external vision/LLM service that proposes ranked interaction
// scenarios for a page.
//
//go:generate mockery --name Oracle --output ../../internal/mocks --outpkg mocks
type Oracle interface {
	ProposeScenarios(ctx context.Context, in OracleInput) ([]ScenarioProposal, error)
}

// -- Store Interfaces --

// RunStore persists runs and their counters.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error
	UpdateRunCounters(ctx context.Context, runID string, counters RunCounters) error
}

// QueueStore persists discovery queue items. EnqueueItem must honour the
// (runId, url) uniqueness constraint and report whether a row was inserted.
type QueueStore interface {
	EnqueueItem(ctx context.Context, item *QueueItem) (bool, error)
	ListQueuedItems(ctx context.Context, runID string, depth int) ([]QueueItem, error)
	ListQueueItems(ctx context.Context, runID string) ([]QueueItem, error)
	UpdateQueueItemStatus(ctx context.Context, itemID string, from, to QueueStatus) error
}

// PageStore persists the navigation graph.
type PageStore interface {
	SavePage(ctx context.Context, page *DiscoveredPage) error
	// SaveVirtualPage inserts a virtual page unless one with the same parent and
	// state identifier exists, in which case the existing page is returned.
	SaveVirtualPage(ctx context.Context, page *DiscoveredPage) (*DiscoveredPage, bool, error)
	GetPage(ctx context.Context, pageID string) (*DiscoveredPage, error)
	ListPages(ctx context.Context, runID string) ([]DiscoveredPage, error)
	SaveEdge(ctx context.Context, edge *PageEdge) error
	ListEdges(ctx context.Context, runID string) ([]PageEdge, error)
}

// ScenarioStore persists scenarios. SaveScenario honours the (pageId, name)
// uniqueness constraint and reports whether a row was inserted.
type ScenarioStore interface {
	SaveScenario(ctx context.Context, sc *InteractionScenario) (bool, error)
	MarkScenarioExecuted(ctx context.Context, scenarioID string, outcome ScenarioOutcome, resultURL, errMsg string) error
	ListScenarios(ctx context.Context, runID string) ([]InteractionScenario, error)
}

// TestStore persists test cases and their executions.
type TestStore interface {
	SaveTestCase(ctx context.Context, tc *TestCase) error
	ListTestCases(ctx context.Context, runID string) ([]TestCase, error)
	UpdateTestCaseResult(ctx context.Context, testCaseID string, status Verdict, selfHealed bool, durationMs int64) error
	SaveExecution(ctx context.Context, exec *TestCaseExecution) error
	ListExecutions(ctx context.Context, testCaseID string) ([]TestCaseExecution, error)
}

// Store is the full persistence contract of the core.
type Store interface {
	RunStore
	QueueStore
	PageStore
	ScenarioStore
	TestStore
}

// -- Progress --

// ProgressPublisher receives best-effort progress events. Implementations must not block.
type ProgressPublisher interface {
	Publish(event ProgressEvent)
}
