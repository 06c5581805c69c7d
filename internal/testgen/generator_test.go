package testgen

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/store"
)

const runID = "run-1"

func click(sel string) []schemas.Step {
	return []schemas.Step{{Action: schemas.ActionClick, Target: schemas.Target{Selector: sel}}}
}

type graph struct {
	st   *store.Memory
	root *schemas.DiscoveredPage
}

func (g *graph) page(t *testing.T, p schemas.DiscoveredPage) *schemas.DiscoveredPage {
	t.Helper()
	p.RunID = runID
	p.CreatedAt = time.Now()
	if p.IsVirtual {
		_, created, err := g.st.SaveVirtualPage(context.Background(), &p)
		require.NoError(t, err)
		require.True(t, created)
	} else {
		require.NoError(t, g.st.SavePage(context.Background(), &p))
	}
	return &p
}

func (g *graph) scenario(t *testing.T, id, pageID, name string, steps []schemas.Step, outcome schemas.ScenarioOutcome, resultURL string) {
	t.Helper()
	ctx := context.Background()
	ok, err := g.st.SaveScenario(ctx, &schemas.InteractionScenario{ID: id, RunID: runID, PageID: pageID, Name: name, Steps: steps, Priority: schemas.PriorityMedium})
	require.NoError(t, err)
	require.True(t, ok)
	if outcome != "" {
		require.NoError(t, g.st.MarkScenarioExecuted(ctx, id, outcome, resultURL, ""))
	}
}

func newGraph(t *testing.T) *graph {
	g := &graph{st: store.NewMemory()}
	g.root = g.page(t, schemas.DiscoveredPage{ID: "p-root", URL: "https://site.test/shop"})
	return g
}

func byScenario(tcs []schemas.TestCase) map[string]schemas.TestCase {
	out := make(map[string]schemas.TestCase, len(tcs))
	for _, tc := range tcs {
		out[tc.ScenarioID] = tc
	}
	return out
}

func TestGenerateFromExecutedScenarios(t *testing.T) {
	g := newGraph(t)
	g.scenario(t, "s-nav", g.root.ID, "Open cart", click("#cart"), schemas.OutcomeNavigated, "https://site.test/cart")
	g.scenario(t, "s-menu", g.root.ID, "Open menu", click("#menu"), schemas.OutcomeStateChanged, "https://site.test/shop")
	g.scenario(t, "s-noop", g.root.ID, "Hover logo", click("#logo"), schemas.OutcomeNoChange, "https://site.test/shop")
	g.scenario(t, "s-fail", g.root.ID, "Broken", click("#gone"), schemas.OutcomeFailed, "")
	g.scenario(t, "s-todo", g.root.ID, "Never run", click("#x"), "", "")

	got, err := NewGenerator(g.st, zaptest.NewLogger(t)).Generate(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, got, 3)

	tcs := byScenario(got)
	nav := tcs["s-nav"]
	assert.Equal(t, schemas.TestNavigation, nav.Type)
	assert.Equal(t, "/shop: Open cart", nav.Name)
	assert.Equal(t, "https://site.test/shop", nav.StartURL)
	assert.Equal(t, "https://site.test/cart", nav.ExpectedResult.URL)
	assert.Equal(t, schemas.VerdictPending, nav.Status)
	assert.Empty(t, nav.Prerequisites)

	assert.Equal(t, schemas.TestStateChange, tcs["s-menu"].Type)
	assert.Equal(t, "https://site.test/shop", tcs["s-menu"].ExpectedResult.URL)
	assert.Equal(t, schemas.TestInteraction, tcs["s-noop"].Type)
	assert.Empty(t, tcs["s-noop"].ExpectedResult.URL)

	stored, err := g.st.ListTestCases(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestGenerateVirtualPagePrerequisites(t *testing.T) {
	g := newGraph(t)
	g.scenario(t, "s-menu", g.root.ID, "Open menu", click("#menu"), schemas.OutcomeStateChanged, "")
	menu := g.page(t, schemas.DiscoveredPage{
		ID: "p-menu", URL: "https://site.test/shop#scout-state-aaaa", IsVirtual: true,
		ParentPageID: g.root.ID, StateIdentifier: "state-a", TriggerScenarioID: "s-menu",
	})
	g.scenario(t, "s-sub", menu.ID, "Open submenu", click("#more"), schemas.OutcomeStateChanged, "")
	sub := g.page(t, schemas.DiscoveredPage{
		ID: "p-sub", URL: "https://site.test/shop#scout-state-bbbb", IsVirtual: true,
		ParentPageID: menu.ID, StateIdentifier: "state-b", TriggerScenarioID: "s-sub",
	})
	g.scenario(t, "s-item", sub.ID, "Pick item", click("#item"), schemas.OutcomeNavigated, "https://site.test/item")

	got, err := NewGenerator(g.st, nil).Generate(context.Background(), runID)
	require.NoError(t, err)
	tc := byScenario(got)["s-item"]

	assert.Equal(t, "https://site.test/shop", tc.StartURL, "virtual pages start from the real page")
	assert.Equal(t, sub.ID, tc.PageID)
	want := append(click("#menu"), click("#more")...)
	if diff := cmp.Diff(want, tc.Prerequisites); diff != "" {
		t.Errorf("prerequisite chain mismatch (-want +got):\n%s", diff)
	}

	sub1 := byScenario(got)["s-sub"]
	require.Len(t, sub1.Prerequisites, 1)
	assert.Equal(t, "#menu", sub1.Prerequisites[0].Target.Selector)
}

func TestGenerateIsIdempotent(t *testing.T) {
	g := newGraph(t)
	g.scenario(t, "s-nav", g.root.ID, "Open cart", click("#cart"), schemas.OutcomeNavigated, "https://site.test/cart")
	gen := NewGenerator(g.st, nil)

	first, err := gen.Generate(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := gen.Generate(context.Background(), runID)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestGenerateSkipsBrokenChains(t *testing.T) {
	g := newGraph(t)
	orphan := g.page(t, schemas.DiscoveredPage{
		ID: "p-orphan", URL: "https://site.test/shop#scout-state-cccc", IsVirtual: true,
		ParentPageID: g.root.ID, StateIdentifier: "state-c", TriggerScenarioID: "missing",
	})
	g.scenario(t, "s-x", orphan.ID, "Do it", click("#x"), schemas.OutcomeNoChange, "")

	got, err := NewGenerator(g.st, nil).Generate(context.Background(), runID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
