// File: internal/orchestrator/orchestrator.go
// Description: Manages the lifecycle of discovery runs. It is injected with the
// store, the oracle and the browser engines, and drives each run through
// discovery, test generation and cross-browser execution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/crossbrowser"
	"github.com/xkilldash9x/scout-cli/internal/discovery"
	"github.com/xkilldash9x/scout-cli/internal/locator"
	"github.com/xkilldash9x/scout-cli/internal/observability"
	"github.com/xkilldash9x/scout-cli/internal/progress"
	"github.com/xkilldash9x/scout-cli/internal/queue"
	"github.com/xkilldash9x/scout-cli/internal/runstate"
	"github.com/xkilldash9x/scout-cli/internal/testgen"
)

const persistTimeout = 10 * time.Second

// progressRetention is how long the last event of a finished run stays readable.
const progressRetention = time.Minute

var (
	// ErrRunNotActive is returned when a control targets a run this process does not drive.
	ErrRunNotActive = errors.New("run is not active")
	// ErrRunBusy is returned when a run still has work in flight.
	ErrRunBusy = errors.New("run is busy")
	// ErrNotReady is returned by Execute for runs that are not ready for execution.
	ErrNotReady = errors.New("run is not ready for execution")
)

// StartRequest describes a new run. Zero bounds fall back to the discovery config.
type StartRequest struct {
	RootURL  string
	MaxDepth int
	MaxPages int
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Store       schemas.Store
	Oracle      schemas.Oracle
	CrawlEngine schemas.BrowserEngine
	// Engines run the generated test cases.
	Engines []schemas.BrowserEngine
	// Registry, Hub and Locator are created when nil.
	Registry *runstate.Registry
	Hub      *progress.Hub
	Locator  *locator.Locator
}

// Orchestrator owns the runs of this process. Every control maps onto one
// transition of the run's state machine.
type Orchestrator struct {
	cfg         config.Interface
	store       schemas.Store
	oracle      schemas.Oracle
	crawlEngine schemas.BrowserEngine
	locator     *locator.Locator
	runner      *crossbrowser.Runner
	generator   *testgen.Generator
	registry    *runstate.Registry
	hub         *progress.Hub
	base        *zap.Logger
	logger      *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	inFlight  map[string]chan struct{}
	wg        sync.WaitGroup
	retention time.Duration
}

// New creates an orchestrator.
func New(cfg config.Interface, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil || deps.Store == nil || deps.Oracle == nil || deps.CrawlEngine == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = runstate.NewRegistry(logger)
	}
	if deps.Hub == nil {
		deps.Hub = progress.NewHub(0, logger)
	}
	if deps.Locator == nil {
		deps.Locator = locator.New(logger)
	}
	engines := deps.Engines
	if len(engines) == 0 {
		engines = []schemas.BrowserEngine{deps.CrawlEngine}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		store:       deps.Store,
		oracle:      deps.Oracle,
		crawlEngine: deps.CrawlEngine,
		locator:     deps.Locator,
		runner:      crossbrowser.NewRunner(engines, cfg.Execution(), cfg.Discovery(), deps.Locator, logger),
		generator:   testgen.NewGenerator(deps.Store, logger),
		registry:    deps.Registry,
		hub:         deps.Hub,
		base:        logger,
		logger:      logger.Named("orchestrator"),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		inFlight:    make(map[string]chan struct{}),
		retention:   progressRetention,
	}
	o.registry.OnDeregister(o.forgetProgress)
	return o, nil
}

// Hub returns the progress hub runs publish to.
func (o *Orchestrator) Hub() *progress.Hub { return o.hub }

// Store returns the run store.
func (o *Orchestrator) Store() schemas.Store { return o.store }

// Start creates a run and begins its discovery in the background.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*schemas.Run, error) {
	root, err := queue.NormalizeString(req.RootURL, "")
	if err != nil {
		return nil, fmt.Errorf("invalid root url %q: %w", req.RootURL, err)
	}
	dcfg := o.cfg.Discovery()
	if req.MaxDepth <= 0 {
		req.MaxDepth = dcfg.MaxDepth
	}
	if req.MaxPages <= 0 {
		req.MaxPages = dcfg.MaxPages
	}

	now := time.Now().UTC()
	run := &schemas.Run{
		ID:        uuid.NewString(),
		RootURL:   root,
		Status:    schemas.RunPending,
		MaxDepth:  req.MaxDepth,
		MaxPages:  req.MaxPages,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, &schemas.PersistenceError{Op: "create run", Err: err}
	}

	ctl := o.newController(run.ID, schemas.RunPending)
	if err := o.registry.Register(ctl); err != nil {
		ctl.Release()
		return nil, err
	}
	done, err := o.claim(run.ID)
	if err != nil {
		o.registry.Deregister(run.ID)
		return nil, err
	}
	if err := ctl.Start(); err != nil {
		o.release(run.ID, done)
		o.registry.Deregister(run.ID)
		return nil, err
	}
	run.Status = schemas.RunRunning

	o.logger.Info("Run started.", zap.String("run_id", run.ID), zap.String("root_url", root),
		zap.Int("max_depth", run.MaxDepth), zap.Int("max_pages", run.MaxPages))
	snapshot := *run
	o.launch(run.ID, done, func() { o.discover(ctl, &snapshot) })
	return run, nil
}

// Run starts a run and blocks until its work is done.
func (o *Orchestrator) Run(ctx context.Context, req StartRequest) (*schemas.Run, error) {
	run, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Wait(ctx, run.ID)
}

// Wait blocks until the background work of runID finishes and returns the
// stored run.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*schemas.Run, error) {
	o.mu.Lock()
	done, ok := o.inFlight[runID]
	o.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Get(ctx, runID)
}

// Get returns the stored run.
func (o *Orchestrator) Get(ctx context.Context, runID string) (*schemas.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "get run " + runID, Err: err}
	}
	return run, nil
}

// Pause suspends discovery at the next checkpoint.
func (o *Orchestrator) Pause(runID string) error {
	return o.control(runID, (*runstate.Controller).Pause)
}

// Resume continues a paused discovery.
func (o *Orchestrator) Resume(runID string) error {
	return o.control(runID, (*runstate.Controller).Resume)
}

// Stop ends discovery early and keeps what was found.
func (o *Orchestrator) Stop(runID string) error {
	return o.control(runID, (*runstate.Controller).Stop)
}

// Cancel aborts a run.
func (o *Orchestrator) Cancel(runID string) error {
	return o.control(runID, (*runstate.Controller).Cancel)
}

func (o *Orchestrator) control(runID string, fn func(*runstate.Controller) error) error {
	ctl, ok := o.registry.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}
	return fn(ctl)
}

// Execute runs the run's test cases in the background, or only those listed
// in testCaseIDs. The run must be ready for execution. Runs left ready by an
// earlier process are picked up from the store.
func (o *Orchestrator) Execute(ctx context.Context, runID string, testCaseIDs []string) error {
	ctl, ok := o.registry.Get(runID)
	if !ok {
		run, err := o.Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != schemas.RunReadyForExecution {
			return fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrNotReady)
		}
		ctl = o.newController(runID, schemas.RunReadyForExecution)
		if err := o.registry.Register(ctl); err != nil {
			ctl.Release()
			if errors.Is(err, runstate.ErrAlreadyRegistered) {
				return fmt.Errorf("run %s: %w", runID, ErrRunBusy)
			}
			return err
		}
	}
	if status := ctl.Status(); status != schemas.RunReadyForExecution {
		return fmt.Errorf("run %s is %s: %w", runID, status, ErrNotReady)
	}

	done, err := o.claim(runID)
	if err != nil {
		return err
	}
	if err := ctl.Machine().TransitionFrom([]schemas.RunStatus{schemas.RunReadyForExecution}, schemas.RunExecuting); err != nil {
		o.release(runID, done)
		return err
	}
	ids := append([]string(nil), testCaseIDs...)
	o.launch(runID, done, func() { o.execute(ctl, runID, ids) })
	return nil
}

// Active lists the runs this process drives.
func (o *Orchestrator) Active() []string { return o.registry.IDs() }

// Shutdown cancels every cancellable run and waits for background work.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, id := range o.registry.IDs() {
		if ctl, ok := o.registry.Get(id); ok && runstate.CanTransition(ctl.Status(), schemas.RunCancelled) {
			if err := ctl.Cancel(); err != nil {
				o.logger.Warn("Could not cancel run during shutdown.", zap.String("run_id", id), zap.Error(err))
			}
		}
		o.registry.Deregister(id)
	}
	o.baseCancel()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs to finish: %w", ctx.Err())
	}
}

// -- Background work --

func (o *Orchestrator) newController(runID string, initial schemas.RunStatus) *runstate.Controller {
	m := runstate.NewMachine(initial)
	m.OnTransition(func(from, to schemas.RunStatus) {
		// Failures are persisted together with their message.
		if to != schemas.RunFailed {
			o.persistStatus(runID, to, "")
		}
		o.hub.Publish(schemas.ProgressEvent{
			RunID:     runID,
			Phase:     schemas.PhaseLifecycle,
			Message:   fmt.Sprintf("%s -> %s", from, to),
			Status:    to,
			Timestamp: time.Now().UTC(),
		})
	})
	return runstate.NewController(o.baseCtx, runID, m, o.base)
}

func (o *Orchestrator) claim(runID string) (chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[runID]; busy {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunBusy)
	}
	done := make(chan struct{})
	o.inFlight[runID] = done
	return done, nil
}

func (o *Orchestrator) release(runID string, done chan struct{}) {
	o.mu.Lock()
	delete(o.inFlight, runID)
	o.mu.Unlock()
	close(done)
}

func (o *Orchestrator) launch(runID string, done chan struct{}, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(runID, done)
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Run worker panicked",
					zap.String("run_id", runID),
					zap.Any("panicValue", r),
					zap.String("stack", string(debug.Stack())))
				if ctl, ok := o.registry.Get(runID); ok {
					o.abort(ctl, runID, fmt.Errorf("panic: %v", r))
				}
			}
		}()
		fn()
	}()
}

func (o *Orchestrator) discover(ctl *runstate.Controller, run *schemas.Run) {
	log := observability.ForRun(o.base, "orchestrator", run.ID)
	ctx := ctl.Context()

	bp, err := o.crawlEngine.NewPage(ctx)
	if err != nil {
		o.abort(ctl, run.ID, fmt.Errorf("opening crawl page on %s: %w", o.crawlEngine.Name(), err))
		return
	}
	crawler, err := discovery.NewCrawler(run, o.cfg.Discovery(), o.cfg.State(), discovery.Deps{
		Store:      o.store,
		Page:       bp,
		Oracle:     o.oracle,
		Locator:    o.locator,
		Checkpoint: ctl,
		Progress:   o.hub,
	}, o.base)
	if err != nil {
		_ = bp.Close()
		o.abort(ctl, run.ID, err)
		return
	}
	res, err := crawler.Run(ctx)
	if cerr := bp.Close(); cerr != nil {
		log.Debug("Failed to close crawl page.", zap.Error(cerr))
	}
	if res != nil {
		o.savePages(run.ID, res.PagesDiscovered)
	}
	if err != nil {
		o.abort(ctl, run.ID, err)
		return
	}
	log.Info("Discovery complete.",
		zap.String("reason", res.Reason),
		zap.Int("pages", res.PagesDiscovered),
		zap.Int("virtual_pages", res.VirtualPages),
		zap.Int("failed_items", res.Failed),
		zap.Int("scenarios", res.Scenarios))

	// A run stopped by the user waits for an explicit Execute.
	stopped := res.Reason == discovery.ReasonStopped
	if err := ctl.Stop(); err != nil {
		if ctl.Status() != schemas.RunReadyForExecution {
			log.Info("Run left discovery before it could finish.", zap.String("status", string(ctl.Status())))
			o.recount(run.ID)
			return
		}
		stopped = true
	}

	o.generate(ctx, run.ID, log)

	if o.cfg.Execution().AutoExecute && !stopped {
		if err := ctl.Machine().TransitionFrom([]schemas.RunStatus{schemas.RunReadyForExecution}, schemas.RunExecuting); err != nil {
			log.Warn("Could not start execution.", zap.Error(err))
			return
		}
		o.execute(ctl, run.ID, nil)
	}
}

func (o *Orchestrator) generate(ctx context.Context, runID string, log *zap.Logger) {
	tcs, err := o.generator.Generate(ctx, runID)
	if err != nil {
		log.Error("Test case generation failed.", zap.Error(err))
		o.persistStatus(runID, schemas.RunReadyForExecution, err.Error())
	}
	counters := o.recount(runID)
	o.hub.Publish(schemas.ProgressEvent{
		RunID:           runID,
		Phase:           schemas.PhaseGeneration,
		DiscoveredCount: counters.PagesDiscovered,
		Percentage:      100,
		Message:         fmt.Sprintf("generated %d test cases", len(tcs)),
		Status:          schemas.RunReadyForExecution,
		Timestamp:       time.Now().UTC(),
	})
}

// execute runs the selected test cases of a run in the executing status.
func (o *Orchestrator) execute(ctl *runstate.Controller, runID string, ids []string) {
	log := observability.ForRun(o.base, "orchestrator", runID)
	ctx := ctl.Context()

	all, err := o.store.ListTestCases(ctx, runID)
	if err != nil {
		o.abort(ctl, runID, &schemas.PersistenceError{Op: "list test cases", Err: err})
		return
	}
	pages, err := o.store.ListPages(ctx, runID)
	if err != nil {
		o.abort(ctl, runID, &schemas.PersistenceError{Op: "list pages", Err: err})
		return
	}
	pageByID := make(map[string]*schemas.DiscoveredPage, len(pages))
	for i := range pages {
		pageByID[pages[i].ID] = &pages[i]
	}
	selected := selectTestCases(all, ids)
	log.Info("Executing test cases.", zap.Int("selected", len(selected)), zap.Int("total", len(all)), zap.Int("engines", o.runner.Engines()))

	for i := range selected {
		tc := &selected[i]
		if err := ctl.Checkpoint(ctx); err != nil {
			o.abort(ctl, runID, err)
			return
		}
		res, runErr := o.runner.RunTestCase(ctx, tc, pageByID[tc.PageID])
		if res != nil {
			for j := range res.Executions {
				if err := o.store.SaveExecution(ctx, &res.Executions[j]); err != nil {
					o.abort(ctl, runID, &schemas.PersistenceError{Op: "save execution", Err: err})
					return
				}
			}
		}
		if runErr != nil {
			if ctx.Err() != nil {
				o.abort(ctl, runID, runErr)
				return
			}
			log.Warn("Test case could not run.", zap.String("test_case_id", tc.ID), zap.Error(runErr))
			res = &crossbrowser.Result{TestCaseID: tc.ID, Verdict: schemas.VerdictFailed}
		}
		if err := o.store.UpdateTestCaseResult(ctx, tc.ID, res.Verdict, res.SelfHealed, res.DurationMs); err != nil {
			o.abort(ctl, runID, &schemas.PersistenceError{Op: "update test case " + tc.ID, Err: err})
			return
		}
		counters := o.recount(runID)
		o.hub.Publish(schemas.ProgressEvent{
			RunID:           runID,
			Phase:           schemas.PhaseExecution,
			DiscoveredCount: counters.PagesDiscovered,
			Percentage:      100 * float64(i+1) / float64(len(selected)),
			Message:         fmt.Sprintf("%s: %s", tc.Name, res.Verdict),
			Status:          schemas.RunExecuting,
			Timestamp:       time.Now().UTC(),
		})
	}

	if err := ctl.Machine().Transition(schemas.RunCompleted); err != nil {
		log.Warn("Could not complete run.", zap.Error(err))
		return
	}
	log.Info("Run completed.")
}

func selectTestCases(all []schemas.TestCase, ids []string) []schemas.TestCase {
	if len(ids) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]schemas.TestCase, 0, len(ids))
	for _, tc := range all {
		if _, ok := want[tc.ID]; ok {
			out = append(out, tc)
		}
	}
	return out
}

// abort ends a run after err. Cancellation keeps the cancelled status; every
// other error fails the run and records the message. Partial results stay.
func (o *Orchestrator) abort(ctl *runstate.Controller, runID string, err error) {
	log := observability.ForRun(o.base, "orchestrator", runID)
	if errors.Is(err, runstate.ErrCancelled) || ctl.Status() == schemas.RunCancelled {
		log.Info("Run cancelled.")
		o.recount(runID)
		return
	}

	var fatal *schemas.RunFatalError
	if errors.As(err, &fatal) {
		log.Error("Run failed.", zap.String("reason", fatal.Reason), zap.Error(err))
	} else {
		log.Error("Run failed.", zap.Error(err))
	}
	if ferr := ctl.Fail(); ferr != nil {
		log.Warn("Could not mark run failed.", zap.String("status", string(ctl.Status())), zap.Error(ferr))
		return
	}
	o.persistStatus(runID, schemas.RunFailed, err.Error())
	o.recount(runID)
}

func (o *Orchestrator) persistStatus(runID string, status schemas.RunStatus, msg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), persistTimeout)
	defer cancel()
	if err := o.store.UpdateRunStatus(ctx, runID, status, msg); err != nil {
		o.logger.Warn("Could not persist run status.", zap.String("run_id", runID), zap.String("status", string(status)), zap.Error(err))
	}
}

// forgetProgress drops the hub's last event of a run that left the registry,
// once late readers have had the retention window to see how it ended.
func (o *Orchestrator) forgetProgress(runID string) {
	time.AfterFunc(o.retention, func() {
		if _, live := o.registry.Get(runID); live {
			return
		}
		o.hub.Forget(runID)
	})
}

// savePages records the crawler's page count on the run.
func (o *Orchestrator) savePages(runID string, pages int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), persistTimeout)
	defer cancel()
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Warn("Could not load run counters.", zap.String("run_id", runID), zap.Error(err))
		return
	}
	counters := run.Counters
	counters.PagesDiscovered = pages
	if err := o.store.UpdateRunCounters(ctx, runID, counters); err != nil {
		o.logger.Warn("Could not persist run counters.", zap.String("run_id", runID), zap.Error(err))
	}
}

// recount derives the test counters of a run from its test cases.
func (o *Orchestrator) recount(runID string) schemas.RunCounters {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.baseCtx), persistTimeout)
	defer cancel()
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Warn("Could not load run counters.", zap.String("run_id", runID), zap.Error(err))
		return schemas.RunCounters{}
	}
	tcs, err := o.store.ListTestCases(ctx, runID)
	if err != nil {
		o.logger.Warn("Could not list test cases.", zap.String("run_id", runID), zap.Error(err))
		return run.Counters
	}
	counters := schemas.RunCounters{PagesDiscovered: run.Counters.PagesDiscovered, TestCases: len(tcs)}
	for _, tc := range tcs {
		switch tc.Status {
		case schemas.VerdictPassed:
			counters.Passed++
		case schemas.VerdictFailed:
			counters.Failed++
		case schemas.VerdictFlaky:
			counters.Flaky++
		}
	}
	if err := o.store.UpdateRunCounters(ctx, runID, counters); err != nil {
		o.logger.Warn("Could not persist run counters.", zap.String("run_id", runID), zap.Error(err))
	}
	return counters
}
