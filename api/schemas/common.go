package schemas

import "strings"

// -- Priorities --

// Priority ranks discovery work and scenarios. Lower rank is served first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the dequeue rank of the priority. Unknown values sort after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// ParsePriority maps loosely typed input (e.g. from the Oracle) onto a Priority.
// Anything unrecognized becomes medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "1":
		return PriorityHigh
	case "low", "3":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// -- Queue Status --

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// CanTransitionTo reports whether the status may move to next.
// Statuses only move forward: queued -> processing -> {completed, failed}.
func (s QueueStatus) CanTransitionTo(next QueueStatus) bool {
	switch s {
	case QueueQueued:
		return next == QueueProcessing
	case QueueProcessing:
		return next == QueueCompleted || next == QueueFailed
	default:
		return false
	}
}

// -- Run Status --

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending           RunStatus = "pending"
	RunRunning           RunStatus = "running"
	RunPaused            RunStatus = "paused"
	RunReadyForExecution RunStatus = "ready_for_execution"
	RunExecuting         RunStatus = "executing"
	RunCompleted         RunStatus = "completed"
	RunCancelled         RunStatus = "cancelled"
	RunFailed            RunStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunCancelled || s == RunFailed
}

// -- Verdicts --

// ExecutionStatus is the per-engine result of a test case attempt.
type ExecutionStatus string

const (
	ExecutionPassed ExecutionStatus = "passed"
	ExecutionFailed ExecutionStatus = "failed"
)

// Verdict is the consensus classification of a test case across engines.
type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictPassed  Verdict = "passed"
	VerdictFailed  Verdict = "failed"
	VerdictFlaky   Verdict = "flaky"
)
