package schemas

import "time"

// TestCaseType classifies generated test cases by the behavior they assert.
type TestCaseType string

const (
	TestNavigation  TestCaseType = "navigation"
	TestStateChange TestCaseType = "state_change"
	TestInteraction TestCaseType = "interaction"
)

// ExpectedResult is what a passing execution must observe.
type ExpectedResult struct {
	Description string `json:"description" yaml:"description"`
	// URL, when set, must match the page URL after the last step (fragment ignored).
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// TestCase is an executable regression test derived from a discovered scenario.
type TestCase struct {
	ID             string         `json:"id" yaml:"id"`
	RunID          string         `json:"run_id" yaml:"run_id"`
	PageID         string         `json:"page_id" yaml:"page_id"`
	ScenarioID     string         `json:"scenario_id,omitempty" yaml:"scenario_id,omitempty"`
	Name           string         `json:"name" yaml:"name"`
	Type           TestCaseType   `json:"type" yaml:"type"`
	StartURL       string         `json:"start_url" yaml:"start_url"`
	Prerequisites  []Step         `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Steps          []Step         `json:"steps" yaml:"steps"`
	Cleanup        []Step         `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	ExpectedResult ExpectedResult `json:"expected_result" yaml:"expected_result"`
	Status         Verdict        `json:"status" yaml:"status"`
	SelfHealed     bool           `json:"self_healed" yaml:"-"`
	DurationMs     int64          `json:"duration_ms" yaml:"-"`
	CreatedAt      time.Time      `json:"created_at" yaml:"-"`
}

// TestCaseExecution is one attempt of a test case on one engine.
type TestCaseExecution struct {
	ID          string          `json:"id"`
	TestCaseID  string          `json:"test_case_id"`
	RunID       string          `json:"run_id"`
	Engine      string          `json:"engine"`
	Status      ExecutionStatus `json:"status"`
	DurationMs  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
	Screenshots [][]byte        `json:"-"`
	SelfHealed  bool            `json:"self_healed"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RunCounters are the derived totals of a run.
type RunCounters struct {
	PagesDiscovered int `json:"pages_discovered"`
	TestCases       int `json:"test_cases"`
	Passed          int `json:"passed"`
	Failed          int `json:"failed"`
	Flaky           int `json:"flaky"`
}

// Run is one discovery-and-execution session against a root URL.
type Run struct {
	ID        string      `json:"id"`
	RootURL   string      `json:"root_url"`
	Status    RunStatus   `json:"status"`
	Error     string      `json:"error,omitempty"`
	MaxDepth  int         `json:"max_depth"`
	MaxPages  int         `json:"max_pages"`
	Counters  RunCounters `json:"counters"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Phase names the stage a progress event belongs to.
type Phase string

const (
	PhaseDiscovery  Phase = "discovery"
	PhaseGeneration Phase = "generation"
	PhaseExecution  Phase = "execution"
	PhaseLifecycle  Phase = "lifecycle"
)

// ProgressEvent is a best-effort, purely observational progress notification.
type ProgressEvent struct {
	RunID           string    `json:"run_id"`
	Phase           Phase     `json:"phase"`
	DiscoveredCount int       `json:"discovered_count"`
	Percentage      float64   `json:"percentage"`
	Message         string    `json:"message"`
	Status          RunStatus `json:"status,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
