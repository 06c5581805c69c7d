package schemas

import (
	"fmt"
	"strings"
)

// NavigationError is returned when a page could not be loaded after the bounded
// number of attempts. It is fatal to a run only for the root (depth 0) page.
type NavigationError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// CaptureError is returned when page state (DOM, title) could not be captured.
type CaptureError struct {
	What string
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture of %s failed: %v", e.What, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ResolutionFailure is returned when every locator candidate for a target was exhausted.
type ResolutionFailure struct {
	Target Target
	Action Action
	Tried  []string
	Err    error
}

func (e *ResolutionFailure) Error() string {
	return fmt.Sprintf("could not %s target %q after %d candidate(s) [%s]: %v",
		e.Action, e.Target.Selector, len(e.Tried), strings.Join(e.Tried, ", "), e.Err)
}

func (e *ResolutionFailure) Unwrap() error { return e.Err }

// OracleError wraps failures of the external decision oracle. Callers treat it as
// an empty suggestion list.
type OracleError struct {
	Err error
}

func (e *OracleError) Error() string { return fmt.Sprintf("oracle: %v", e.Err) }

func (e *OracleError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure attributed to one unit of work.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RunFatalError escapes the discovery loop and moves the run to failed.
type RunFatalError struct {
	Reason string
	Err    error
}

func (e *RunFatalError) Error() string {
	if e.Err == nil {
		return "run failed: " + e.Reason
	}
	return fmt.Sprintf("run failed: %s: %v", e.Reason, e.Err)
}

func (e *RunFatalError) Unwrap() error { return e.Err }
