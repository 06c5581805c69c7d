package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/orchestrator"
)

func TestMain(m *testing.M) {
	// orchestrator links the genai client, whose opencensus view worker starts at init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeStarter struct {
	mu       sync.Mutex
	requests []orchestrator.StartRequest
	active   []string
	err      error
}

func (f *fakeStarter) Start(_ context.Context, req orchestrator.StartRequest) (*schemas.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	id := "run-" + string(rune('0'+len(f.requests)))
	return &schemas.Run{ID: id, RootURL: req.RootURL}, nil
}

func (f *fakeStarter) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

func (f *fakeStarter) started() []orchestrator.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.StartRequest(nil), f.requests...)
}

func trigger(t *testing.T, s *Scheduler, name string) {
	t.Helper()
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	require.True(t, ok, name)
	s.cron.Entry(j.id).WrappedJob.Run()
}

func nightly() config.ScheduleConfig {
	return config.ScheduleConfig{Name: "nightly", Cron: "0 2 * * *", URL: "https://site.test/", MaxDepth: 2, MaxPages: 20}
}

func TestAddValidates(t *testing.T) {
	s := New(&fakeStarter{}, zaptest.NewLogger(t))
	assert.Error(t, s.Add(config.ScheduleConfig{Cron: "@hourly", URL: "https://site.test/"}))
	assert.Error(t, s.Add(config.ScheduleConfig{Name: "x", Cron: "@hourly"}))
	assert.Error(t, s.Add(config.ScheduleConfig{Name: "x", Cron: "not a cron", URL: "https://site.test/"}))

	require.NoError(t, s.Add(nightly()))
	require.NoError(t, s.Add(config.ScheduleConfig{Name: "seconds", Cron: "*/30 * * * * *", URL: "https://site.test/"}))
	assert.Len(t, s.Entries(), 2)
}

func TestFireStartsRun(t *testing.T) {
	starter := &fakeStarter{}
	s := New(starter, zaptest.NewLogger(t))
	require.NoError(t, s.Add(nightly()))

	trigger(t, s, "nightly")
	reqs := starter.started()
	require.Len(t, reqs, 1)
	assert.Equal(t, orchestrator.StartRequest{RootURL: "https://site.test/", MaxDepth: 2, MaxPages: 20}, reqs[0])
	assert.Equal(t, "run-1", s.Entries()[0].LastRun)
}

func TestFireSkipsWhilePreviousRunActive(t *testing.T) {
	starter := &fakeStarter{}
	s := New(starter, zaptest.NewLogger(t))
	require.NoError(t, s.Add(nightly()))

	trigger(t, s, "nightly")
	starter.mu.Lock()
	starter.active = []string{"run-1"}
	starter.mu.Unlock()
	trigger(t, s, "nightly")
	assert.Len(t, starter.started(), 1)

	starter.mu.Lock()
	starter.active = nil
	starter.mu.Unlock()
	trigger(t, s, "nightly")
	assert.Len(t, starter.started(), 2)
}

func TestFireLogsStartFailure(t *testing.T) {
	starter := &fakeStarter{err: errors.New("boom")}
	s := New(starter, zaptest.NewLogger(t))
	require.NoError(t, s.Add(nightly()))
	trigger(t, s, "nightly")
	assert.Empty(t, s.Entries()[0].LastRun)
}

func TestAddReplacesAndRemove(t *testing.T) {
	s := New(&fakeStarter{}, zaptest.NewLogger(t))
	require.NoError(t, s.Add(nightly()))
	replaced := nightly()
	replaced.URL = "https://other.test/"
	require.NoError(t, s.Add(replaced))

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "https://other.test/", entries[0].URL)
	assert.Len(t, s.cron.Entries(), 1)

	assert.True(t, s.Remove("nightly"))
	assert.False(t, s.Remove("nightly"))
	assert.Empty(t, s.Entries())
}

func TestLoadNamesAndCollectsErrors(t *testing.T) {
	s := New(&fakeStarter{}, zaptest.NewLogger(t))
	err := s.Load([]config.ScheduleConfig{
		{Cron: "@daily", URL: "https://site.test/"},
		{Name: "broken", Cron: "61 * * * *", URL: "https://site.test/"},
		nightly(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	var names []string
	for _, e := range s.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"nightly", "schedule-0"}, names)
}

func TestRunFiresUntilCancelled(t *testing.T) {
	starter := &fakeStarter{}
	// cron's loop may still log its own shutdown after Run returns, so the
	// logs are observed rather than routed to the test.
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(starter, zap.New(core))
	require.NoError(t, s.Add(config.ScheduleConfig{Name: "fast", Cron: "@every 1s", URL: "https://site.test/"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(starter.started()) > 0 }, 5*time.Second, 50*time.Millisecond)
	assert.False(t, s.Entries()[0].Next.IsZero())
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, logs.FilterMessage("Scheduler stopped.").Len())
}
