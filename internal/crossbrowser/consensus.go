package crossbrowser

import "github.com/xkilldash9x/scout-cli/api/schemas"

// Consensus classifies a test case from its per-engine executions: any mix of
// passes and failures is flaky, failing on every engine is failed, anything
// else passed. No executions at all leave the case pending.
func Consensus(execs []schemas.TestCaseExecution, engineCount int) schemas.Verdict {
	if len(execs) == 0 {
		return schemas.VerdictPending
	}
	passed, failed := 0, 0
	for _, e := range execs {
		switch e.Status {
		case schemas.ExecutionPassed:
			passed++
		case schemas.ExecutionFailed:
			failed++
		}
	}
	switch {
	case passed > 0 && failed > 0:
		return schemas.VerdictFlaky
	case failed == engineCount:
		return schemas.VerdictFailed
	default:
		return schemas.VerdictPassed
	}
}

// MeanDuration is the mean per-engine duration in milliseconds.
func MeanDuration(execs []schemas.TestCaseExecution) int64 {
	if len(execs) == 0 {
		return 0
	}
	var total int64
	for _, e := range execs {
		total += e.DurationMs
	}
	return total / int64(len(execs))
}
