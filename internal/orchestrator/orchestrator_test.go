// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/browser/browsertest"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/oracle"
	"github.com/xkilldash9x/scout-cli/internal/runstate"
	"github.com/xkilldash9x/scout-cli/internal/store"
)

func TestMain(m *testing.M) {
	// the genai client pulls in opencensus, whose view worker starts at init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const (
	rootURL  = "https://site.test/"
	aboutURL = "https://site.test/about"
)

func site() *browsertest.Site {
	return browsertest.NewSite().
		AddPage(rootURL, `<html><head><title>Home</title></head><body>
  <h1>Home</h1><p>Welcome</p>
  <a id="about" href="/about">About</a>
</body></html>`).
		AddPage(aboutURL, `<html><head><title>About</title></head><body><h1>About us</h1></body></html>`)
}

// gatedEngine holds NewPage until the gate opens so tests can steer a run
// before discovery touches the browser.
type gatedEngine struct {
	schemas.BrowserEngine
	gate chan struct{}
}

func (g *gatedEngine) NewPage(ctx context.Context) (schemas.BrowserPage, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.BrowserEngine.NewPage(ctx)
}

type fixture struct {
	orch  *Orchestrator
	store *store.Memory
	gate  chan struct{}
}

func testConfig(autoExecute bool) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.DiscoveryCfg.NavigationRetryDelay = time.Millisecond
	cfg.ExecutionCfg.AutoExecute = autoExecute
	cfg.ExecutionCfg.TestTimeout = 10 * time.Second
	return cfg
}

func newFixture(t *testing.T, st *store.Memory, s *browsertest.Site, autoExecute, gated bool) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{store: st}

	var crawl schemas.BrowserEngine = browsertest.NewEngine("crawl", s)
	if gated {
		f.gate = make(chan struct{})
		crawl = &gatedEngine{BrowserEngine: crawl, gate: f.gate}
	}
	orch, err := New(testConfig(autoExecute), Deps{
		Store:       st,
		Oracle:      oracle.NewHeuristicOracle(logger),
		CrawlEngine: crawl,
		Engines:     []schemas.BrowserEngine{browsertest.NewEngine("chromium", s), browsertest.NewEngine("chromium-rod", s)},
	}, logger)
	require.NoError(t, err)
	f.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, orch.Shutdown(ctx))
	})
	return f
}

func (f *fixture) open() { close(f.gate) }

func (f *fixture) wait(t *testing.T, runID string) *schemas.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := f.orch.Wait(ctx, runID)
	require.NoError(t, err)
	return run
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(config.NewDefaultConfig(), Deps{}, nil)
	assert.Error(t, err)
}

func TestRunDiscoversGeneratesAndExecutes(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), true, false)
	events, unsubscribe := f.orch.Hub().Subscribe("")
	defer unsubscribe()

	run, err := f.orch.Run(context.Background(), StartRequest{RootURL: "https://SITE.test"})
	require.NoError(t, err)
	assert.Equal(t, rootURL, run.RootURL)
	assert.Equal(t, schemas.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Counters.PagesDiscovered)
	assert.Equal(t, 1, run.Counters.TestCases)
	assert.Equal(t, 1, run.Counters.Passed)

	tcs, err := f.store.ListTestCases(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tcs, 1)
	assert.Equal(t, schemas.TestNavigation, tcs[0].Type)
	assert.Equal(t, schemas.VerdictPassed, tcs[0].Status)

	execs, err := f.store.ListExecutions(context.Background(), tcs[0].ID)
	require.NoError(t, err)
	assert.Len(t, execs, 2, "one execution per engine")

	var statuses []schemas.RunStatus
	phases := map[schemas.Phase]bool{}
	for len(events) > 0 {
		e := <-events
		phases[e.Phase] = true
		if e.Phase == schemas.PhaseLifecycle {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []schemas.RunStatus{
		schemas.RunRunning, schemas.RunReadyForExecution, schemas.RunExecuting, schemas.RunCompleted,
	}, statuses)
	assert.True(t, phases[schemas.PhaseDiscovery])
	assert.True(t, phases[schemas.PhaseGeneration])
	assert.True(t, phases[schemas.PhaseExecution])

	assert.Empty(t, f.orch.Active(), "completed runs leave the registry")
}

func TestFinishedRunsAreForgottenByTheHub(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), true, false)
	f.orch.retention = 10 * time.Millisecond

	run, err := f.orch.Run(context.Background(), StartRequest{RootURL: rootURL})
	require.NoError(t, err)
	assert.Equal(t, schemas.RunCompleted, run.Status)

	assert.Eventually(t, func() bool {
		_, ok := f.orch.Hub().Last(run.ID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecuteSelectedAfterDiscovery(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), false, false)
	ctx := context.Background()

	run, err := f.orch.Run(ctx, StartRequest{RootURL: rootURL, MaxDepth: 2})
	require.NoError(t, err)
	assert.Equal(t, schemas.RunReadyForExecution, run.Status)
	assert.Equal(t, 2, run.MaxDepth)
	assert.Equal(t, 1, run.Counters.TestCases)
	assert.Zero(t, run.Counters.Passed)

	tcs, err := f.store.ListTestCases(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tcs, 1)
	assert.Equal(t, schemas.VerdictPending, tcs[0].Status)

	require.NoError(t, f.orch.Execute(ctx, run.ID, []string{tcs[0].ID}))
	run = f.wait(t, run.ID)
	assert.Equal(t, schemas.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Counters.Passed)

	assert.ErrorIs(t, f.orch.Execute(ctx, run.ID, nil), ErrNotReady)
}

func TestExecuteSkipsUnselectedTestCases(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), false, false)
	ctx := context.Background()
	run, err := f.orch.Run(ctx, StartRequest{RootURL: rootURL})
	require.NoError(t, err)

	require.NoError(t, f.orch.Execute(ctx, run.ID, []string{"unknown"}))
	run = f.wait(t, run.ID)
	assert.Equal(t, schemas.RunCompleted, run.Status)
	assert.Zero(t, run.Counters.Passed)

	tcs, err := f.store.ListTestCases(ctx, run.ID)
	require.NoError(t, err)
	execs, err := f.store.ListExecutions(ctx, tcs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestExecutePicksUpStoredRun(t *testing.T) {
	st := store.NewMemory()
	first := newFixture(t, st, site(), false, false)
	ctx := context.Background()
	run, err := first.orch.Run(ctx, StartRequest{RootURL: rootURL})
	require.NoError(t, err)
	require.Equal(t, schemas.RunReadyForExecution, run.Status)
	require.NoError(t, first.orch.Shutdown(ctx))

	second := newFixture(t, st, site(), false, false)
	require.NoError(t, second.orch.Execute(ctx, run.ID, nil))
	run = second.wait(t, run.ID)
	assert.Equal(t, schemas.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Counters.Passed)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), false, true)
	ctx := context.Background()
	run, err := f.orch.Start(ctx, StartRequest{RootURL: rootURL})
	require.NoError(t, err)

	require.NoError(t, f.orch.Pause(run.ID))
	stored, err := f.orch.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.RunPaused, stored.Status)
	assert.ErrorIs(t, f.orch.Pause(run.ID), runstate.ErrInvalidTransition)

	f.open()
	require.NoError(t, f.orch.Resume(run.ID))
	run = f.wait(t, run.ID)
	assert.Equal(t, schemas.RunReadyForExecution, run.Status)
	assert.Equal(t, 2, run.Counters.PagesDiscovered)
}

func TestStopKeepsQueuedItems(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), true, true)
	ctx := context.Background()
	run, err := f.orch.Start(ctx, StartRequest{RootURL: rootURL})
	require.NoError(t, err)

	require.NoError(t, f.orch.Stop(run.ID))
	f.open()
	run = f.wait(t, run.ID)
	assert.Equal(t, schemas.RunReadyForExecution, run.Status, "a stopped run is not executed automatically")
	assert.Zero(t, run.Counters.PagesDiscovered)

	items, err := f.store.ListQueueItems(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, schemas.QueueQueued, items[0].Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), true, true)
	ctx := context.Background()
	run, err := f.orch.Start(ctx, StartRequest{RootURL: rootURL})
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(run.ID))
	run = f.wait(t, run.ID)
	assert.Equal(t, schemas.RunCancelled, run.Status)
	assert.Empty(t, run.Error)
	assert.ErrorIs(t, f.orch.Resume(run.ID), ErrRunNotActive)
	f.open()
}

func TestRootUnreachableFailsRun(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site().FailNavigation(rootURL, -1), true, false)
	run, err := f.orch.Run(context.Background(), StartRequest{RootURL: rootURL})
	require.NoError(t, err)
	assert.Equal(t, schemas.RunFailed, run.Status)
	assert.Contains(t, run.Error, "root page unreachable")
	assert.Empty(t, f.orch.Active())
}

func TestStartRejectsInvalidURL(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), true, false)
	_, err := f.orch.Start(context.Background(), StartRequest{RootURL: "ftp://site.test"})
	assert.Error(t, err)
	_, err = f.orch.Start(context.Background(), StartRequest{RootURL: "/relative"})
	assert.Error(t, err)
}

func TestExecuteRejectsRunsThatAreNotReady(t *testing.T) {
	f := newFixture(t, store.NewMemory(), site(), false, true)
	ctx := context.Background()

	err := f.orch.Execute(ctx, "missing", nil)
	var perr *schemas.PersistenceError
	assert.ErrorAs(t, err, &perr)

	run, err := f.orch.Start(ctx, StartRequest{RootURL: rootURL})
	require.NoError(t, err)
	assert.ErrorIs(t, f.orch.Execute(ctx, run.ID, nil), ErrNotReady)

	f.open()
	f.wait(t, run.ID)
}
