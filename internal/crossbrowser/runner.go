// Package crossbrowser executes generated test cases on every configured
// browser engine and folds the per-engine results into one verdict.
package crossbrowser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/locator"
	"github.com/xkilldash9x/scout-cli/internal/page"
	"github.com/xkilldash9x/scout-cli/internal/queue"
)

const cleanupTimeout = 15 * time.Second

// Result is the outcome of one test case across engines.
type Result struct {
	TestCaseID string
	Verdict    schemas.Verdict
	// SelfHealed is set when at least one engine only passed on the healing re-run.
	SelfHealed bool
	DurationMs int64
	Executions []schemas.TestCaseExecution
}

// Runner runs test cases on a fixed set of engines.
type Runner struct {
	engines  []schemas.BrowserEngine
	locator  *locator.Locator
	parallel bool
	timeout  time.Duration
	navCfg   config.DiscoveryConfig
	logger   *zap.Logger
}

// NewRunner creates a runner over engines. Navigation to the start URL uses
// the discovery retry policy of navCfg.
func NewRunner(engines []schemas.BrowserEngine, cfg config.ExecutionConfig, navCfg config.DiscoveryConfig, loc *locator.Locator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = locator.New(logger)
	}
	return &Runner{
		engines:  engines,
		locator:  loc,
		parallel: cfg.ParallelEngines,
		timeout:  cfg.TestTimeout,
		navCfg:   navCfg,
		logger:   logger.Named("crossbrowser"),
	}
}

// Engines returns the number of engines a test case runs on.
func (r *Runner) Engines() int { return len(r.engines) }

// RunTestCase executes tc once per engine. pg is the discovered page the test
// belongs to and supplies the start URL when tc has none. A step failure on an
// engine re-runs the whole sequence once with healing; only a clean re-run
// passes. Only cancellation is returned as an error, together with the
// executions recorded so far.
func (r *Runner) RunTestCase(ctx context.Context, tc *schemas.TestCase, pg *schemas.DiscoveredPage) (*Result, error) {
	startURL := tc.StartURL
	if startURL == "" && pg != nil {
		startURL = pg.URL
	}
	if startURL == "" {
		return nil, fmt.Errorf("test case %s has no start url", tc.ID)
	}
	log := r.logger.With(zap.String("test_case", tc.Name), zap.String("test_case_id", tc.ID))

	execs := make([]schemas.TestCaseExecution, len(r.engines))
	done := make([]bool, len(r.engines))
	run := func(i int) error {
		exec, err := r.runEngine(ctx, r.engines[i], tc, startURL, log)
		if err != nil {
			return err
		}
		execs[i], done[i] = *exec, true
		return nil
	}

	var err error
	if r.parallel {
		var g errgroup.Group
		for i := range r.engines {
			i := i
			g.Go(func() error { return run(i) })
		}
		err = g.Wait()
	} else {
		for i := range r.engines {
			if err = run(i); err != nil {
				break
			}
		}
	}

	res := &Result{TestCaseID: tc.ID}
	for i := range execs {
		if done[i] {
			res.Executions = append(res.Executions, execs[i])
			res.SelfHealed = res.SelfHealed || execs[i].SelfHealed
		}
	}
	if err != nil {
		return res, err
	}
	res.Verdict = Consensus(res.Executions, len(r.engines))
	res.DurationMs = MeanDuration(res.Executions)
	log.Info("Test case executed.",
		zap.String("verdict", string(res.Verdict)),
		zap.Bool("self_healed", res.SelfHealed),
		zap.Int64("duration_ms", res.DurationMs))
	return res, nil
}

// runEngine records one execution on engine: a plain pass, then a healing
// pass when the first one failed.
func (r *Runner) runEngine(ctx context.Context, engine schemas.BrowserEngine, tc *schemas.TestCase, startURL string, log *zap.Logger) (*schemas.TestCaseExecution, error) {
	log = log.With(zap.String("engine", engine.Name()))
	start := time.Now()
	exec := &schemas.TestCaseExecution{
		ID:         uuid.NewString(),
		TestCaseID: tc.ID,
		RunID:      tc.RunID,
		Engine:     engine.Name(),
	}

	shots, err := r.attempt(ctx, engine, tc, startURL, false, log)
	if err != nil && ctx.Err() == nil {
		log.Info("Test case failed, re-running with healing.", zap.Error(err))
		shots, err = r.attempt(ctx, engine, tc, startURL, true, log)
		exec.SelfHealed = err == nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	exec.DurationMs = time.Since(start).Milliseconds()
	exec.Screenshots = shots
	exec.CreatedAt = time.Now().UTC()
	if err != nil {
		exec.Status = schemas.ExecutionFailed
		exec.Error = err.Error()
	} else {
		exec.Status = schemas.ExecutionPassed
	}
	return exec, nil
}

// attempt runs the whole test once in a fresh page. Cleanup always runs, on
// a context detached from ctx, and its errors are only logged.
func (r *Runner) attempt(ctx context.Context, engine schemas.BrowserEngine, tc *schemas.TestCase, startURL string, healing bool, log *zap.Logger) (shots [][]byte, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	bp, err := engine.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening page: %w", err)
	}
	defer func() {
		if cerr := bp.Close(); cerr != nil {
			log.Debug("Failed to close page.", zap.Error(cerr))
		}
	}()
	defer r.cleanup(ctx, bp, tc.Cleanup, log)

	if err := page.NewActor(bp, r.navCfg, log).Navigate(ctx, startURL); err != nil {
		return nil, err
	}
	if err := r.perform(ctx, bp, tc.Prerequisites, healing); err != nil {
		return nil, fmt.Errorf("prerequisite: %w", err)
	}

	for i, step := range tc.Steps {
		if !step.Action.Known() {
			log.Warn("Skipping step with unknown action.", zap.Int("step", i), zap.String("action", string(step.Action)))
			continue
		}
		if _, err := r.locator.Act(ctx, bp, step, healing); err != nil {
			return shots, fmt.Errorf("step %d (%s): %w", i, step.Describe(), err)
		}
		shot, err := bp.Screenshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return shots, ctx.Err()
			}
			log.Debug("Step screenshot failed.", zap.Int("step", i), zap.Error(err))
		}
		shots = append(shots, shot)
	}

	if want := tc.ExpectedResult.URL; want != "" {
		got, err := bp.URL(ctx)
		if err != nil {
			return shots, err
		}
		if !queue.SameDocument(got, want) {
			return shots, fmt.Errorf("expected to end on %s, ended on %s", want, got)
		}
	}
	return shots, nil
}

func (r *Runner) perform(ctx context.Context, bp schemas.BrowserPage, steps []schemas.Step, healing bool) error {
	for i, step := range steps {
		if !step.Action.Known() {
			continue
		}
		if _, err := r.locator.Act(ctx, bp, step, healing); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Describe(), err)
		}
	}
	return nil
}

func (r *Runner) cleanup(ctx context.Context, bp schemas.BrowserPage, steps []schemas.Step, log *zap.Logger) {
	if len(steps) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	for i, step := range steps {
		if !step.Action.Known() {
			continue
		}
		if _, err := r.locator.Act(cctx, bp, step, true); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Debug("Cleanup timed out.", zap.Int("step", i))
				return
			}
			log.Debug("Cleanup step failed.", zap.Int("step", i), zap.Error(err))
		}
	}
}
