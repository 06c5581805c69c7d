package scenario

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/locator"
	"github.com/xkilldash9x/scout-cli/internal/statechange"
)

// ErrAlreadyExecuted is returned when a scenario is executed a second time.
var ErrAlreadyExecuted = errors.New("scenario already executed")

const (
	tagBefore = "scenario.before"
	tagAfter  = "scenario.after"
)

// Outcome is the result of executing one scenario.
type Outcome struct {
	Kind     schemas.ScenarioOutcome
	StartURL string
	EndURL   string
	// Delta is nil when the scenario failed.
	Delta *statechange.Delta
	// FailedStep is the index of the failing step, or -1.
	FailedStep  int
	Resolutions []*locator.Resolution
	SelfHealed  bool
	Err         error
}

// Executor runs scenarios step by step.
type Executor struct {
	store    schemas.ScenarioStore
	locator  *locator.Locator
	stateCfg config.StateConfig
	healing  bool
	logger   *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(store schemas.ScenarioStore, loc *locator.Locator, stateCfg config.StateConfig, healing bool, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = locator.New(logger)
	}
	return &Executor{store: store, locator: loc, stateCfg: stateCfg, healing: healing, logger: logger.Named("executor")}
}

// Execute runs sc on bp. Steps run in order and the first failing step fails
// the scenario. One snapshot before the first step and one after the last
// classify the outcome. The scenario is marked executed exactly once; a
// failure of the scenario itself is reported in the Outcome, not as an error.
func (e *Executor) Execute(ctx context.Context, bp schemas.BrowserPage, sc *schemas.InteractionScenario) (*Outcome, error) {
	if sc.Executed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuted, sc.ID)
	}
	logger := e.logger.With(zap.String("scenario", sc.Name), zap.String("scenario_id", sc.ID))
	det := statechange.NewDetector(bp, e.stateCfg, e.logger)
	defer det.Forget(tagBefore, tagAfter)

	out := &Outcome{FailedStep: -1}
	before, err := det.Snapshot(ctx, tagBefore)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out.Kind, out.Err = schemas.OutcomeFailed, err
		return out, e.mark(ctx, sc, out)
	}
	out.StartURL = before.URL

	for i, step := range sc.Steps {
		if !step.Action.Known() {
			logger.Warn("Skipping step with unknown action.", zap.Int("step", i), zap.String("action", string(step.Action)))
			continue
		}
		res, err := e.locator.Act(ctx, bp, step, e.healing)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Info("Scenario failed.", zap.Int("step", i), zap.String("description", step.Describe()), zap.Error(err))
			out.Kind, out.FailedStep, out.Err = schemas.OutcomeFailed, i, err
			out.EndURL = endURL(ctx, bp, logger)
			return out, e.mark(ctx, sc, out)
		}
		out.Resolutions = append(out.Resolutions, res)
		out.SelfHealed = out.SelfHealed || res.SelfHealed
	}

	if _, err := det.Snapshot(ctx, tagAfter); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out.Kind, out.Err = schemas.OutcomeFailed, err
		return out, e.mark(ctx, sc, out)
	}
	delta, err := det.Detect(tagBefore, tagAfter)
	if err != nil {
		return nil, err
	}
	out.Delta = delta
	out.EndURL = endURL(ctx, bp, logger)
	switch {
	case delta.URLChanged:
		out.Kind = schemas.OutcomeNavigated
	case delta.Significant:
		out.Kind = schemas.OutcomeStateChanged
	default:
		out.Kind = schemas.OutcomeNoChange
	}
	logger.Debug("Scenario executed.", zap.String("outcome", string(out.Kind)), zap.String("end_url", out.EndURL), zap.Bool("self_healed", out.SelfHealed))
	return out, e.mark(ctx, sc, out)
}

// endURL reads where the page ended up. An unreadable URL leaves the outcome
// without one.
func endURL(ctx context.Context, bp schemas.BrowserPage, logger *zap.Logger) string {
	u, err := bp.URL(ctx)
	if err != nil {
		logger.Debug("Could not read end URL.", zap.Error(err))
		return ""
	}
	return u
}

// Replay performs steps without snapshots or bookkeeping, to rebuild a UI
// state after a reload.
func (e *Executor) Replay(ctx context.Context, bp schemas.BrowserPage, steps []schemas.Step) error {
	for i, step := range steps {
		if !step.Action.Known() {
			continue
		}
		if _, err := e.locator.Act(ctx, bp, step, e.healing); err != nil {
			return fmt.Errorf("replaying step %d (%s): %w", i, step.Describe(), err)
		}
	}
	return nil
}

func (e *Executor) mark(ctx context.Context, sc *schemas.InteractionScenario, out *Outcome) error {
	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
	}
	if err := e.store.MarkScenarioExecuted(ctx, sc.ID, out.Kind, out.EndURL, errMsg); err != nil {
		return &schemas.PersistenceError{Op: "mark scenario " + sc.ID + " executed", Err: err}
	}
	sc.Executed = true
	sc.Outcome = out.Kind
	sc.ResultURL = out.EndURL
	sc.Error = errMsg
	return nil
}
