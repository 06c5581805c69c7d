// Package testgen turns the scenarios executed during discovery into
// regression test cases.
package testgen

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/scenario"
)

// maxChain bounds the walk up virtual page parents.
const maxChain = 32

// Generator derives test cases from a run's discovery graph.
type Generator struct {
	store  schemas.Store
	logger *zap.Logger
}

// NewGenerator creates a generator.
func NewGenerator(store schemas.Store, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{store: store, logger: logger.Named("testgen")}
}

// Generate creates one test case per executed, non-failed scenario of the run
// that has none yet, and returns the new ones. A scenario on a virtual page
// starts from the real page underneath and replays the scenarios that led to
// the state as prerequisites.
func (g *Generator) Generate(ctx context.Context, runID string) ([]schemas.TestCase, error) {
	pages, err := g.store.ListPages(ctx, runID)
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "list pages", Err: err}
	}
	scenarios, err := g.store.ListScenarios(ctx, runID)
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "list scenarios", Err: err}
	}
	existing, err := g.store.ListTestCases(ctx, runID)
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "list test cases", Err: err}
	}

	pageByID := make(map[string]*schemas.DiscoveredPage, len(pages))
	for i := range pages {
		pageByID[pages[i].ID] = &pages[i]
	}
	scenarioByID := make(map[string]*schemas.InteractionScenario, len(scenarios))
	for i := range scenarios {
		scenarioByID[scenarios[i].ID] = &scenarios[i]
	}
	covered := make(map[string]struct{}, len(existing))
	for _, tc := range existing {
		covered[tc.ScenarioID] = struct{}{}
	}

	var out []schemas.TestCase
	for i := range scenarios {
		sc := &scenarios[i]
		if !sc.Executed || sc.Outcome == schemas.OutcomeFailed || sc.Outcome == "" {
			continue
		}
		if _, ok := covered[sc.ID]; ok {
			continue
		}
		pg, ok := pageByID[sc.PageID]
		if !ok {
			g.logger.Warn("Scenario references an unknown page.", zap.String("scenario_id", sc.ID), zap.String("page_id", sc.PageID))
			continue
		}
		startURL, prereqs, err := chain(pg, pageByID, scenarioByID)
		if err != nil {
			g.logger.Warn("Cannot rebuild the state of a virtual page.", zap.String("page_id", pg.ID), zap.Error(err))
			continue
		}

		tc := schemas.TestCase{
			ID:            uuid.NewString(),
			RunID:         runID,
			PageID:        pg.ID,
			ScenarioID:    sc.ID,
			Name:          fmt.Sprintf("%s: %s", pagePath(startURL), sc.Name),
			StartURL:      startURL,
			Prerequisites: prereqs,
			Steps:         sc.Steps,
			Status:        schemas.VerdictPending,
			CreatedAt:     time.Now().UTC(),
		}
		switch sc.Outcome {
		case schemas.OutcomeNavigated:
			tc.Type = schemas.TestNavigation
			tc.ExpectedResult = schemas.ExpectedResult{Description: "navigates to " + sc.ResultURL, URL: sc.ResultURL}
		case schemas.OutcomeStateChanged:
			tc.Type = schemas.TestStateChange
			tc.ExpectedResult = schemas.ExpectedResult{Description: "changes the UI without leaving the page", URL: startURL}
		default:
			tc.Type = schemas.TestInteraction
			tc.ExpectedResult = schemas.ExpectedResult{Description: "completes without error"}
		}
		if err := g.store.SaveTestCase(ctx, &tc); err != nil {
			return out, &schemas.PersistenceError{Op: "save test case " + tc.Name, Err: err}
		}
		out = append(out, tc)
	}
	g.logger.Info("Generated test cases.", zap.String("run_id", runID), zap.Int("count", len(out)), zap.Int("existing", len(existing)))
	return out, nil
}

// chain returns the real URL under pg and the steps that rebuild its state.
func chain(pg *schemas.DiscoveredPage, pages map[string]*schemas.DiscoveredPage, scenarios map[string]*schemas.InteractionScenario) (string, []schemas.Step, error) {
	var triggers [][]schemas.Step
	cur := pg
	for i := 0; cur.IsVirtual; i++ {
		if i >= maxChain {
			return "", nil, fmt.Errorf("virtual page chain longer than %d", maxChain)
		}
		trigger, ok := scenarios[cur.TriggerScenarioID]
		if !ok {
			return "", nil, fmt.Errorf("trigger scenario %q of page %s not found", cur.TriggerScenarioID, cur.ID)
		}
		triggers = append(triggers, trigger.Steps)
		parent, ok := pages[cur.ParentPageID]
		if !ok {
			return "", nil, fmt.Errorf("parent page %q of page %s not found", cur.ParentPageID, cur.ID)
		}
		cur = parent
	}

	var steps []schemas.Step
	for i := len(triggers) - 1; i >= 0; i-- {
		steps = append(steps, triggers[i]...)
	}
	return scenario.RealURL(cur.URL), steps, nil
}

func pagePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	return u.Path
}
