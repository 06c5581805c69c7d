// Package scenario plans interaction scenarios for discovered pages, executes
// them through the self-healing locator and feeds what they reveal back into
// the crawl: new URLs into the queue, new UI states into virtual pages.
package scenario

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/page"
)

// Planner asks the Oracle for scenarios and persists them as proposed.
type Planner struct {
	oracle     schemas.Oracle
	store      schemas.ScenarioStore
	maxPerPage int
	logger     *zap.Logger
}

// NewPlanner creates a planner. maxPerPage <= 0 keeps every proposal.
func NewPlanner(oracle schemas.Oracle, store schemas.ScenarioStore, maxPerPage int, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{oracle: oracle, store: store, maxPerPage: maxPerPage, logger: logger.Named("planner")}
}

// PlanScenarios persists the Oracle's proposals for pg in the order given,
// skipping names already planned for the page. An Oracle failure yields no
// scenarios and no error.
func (p *Planner) PlanScenarios(ctx context.Context, pg *schemas.DiscoveredPage, capture *page.Capture, elements []schemas.Element) ([]schemas.InteractionScenario, error) {
	in := schemas.OracleInput{
		URL:        pg.URL,
		Title:      capture.Title,
		DOM:        capture.DOM,
		Screenshot: capture.Screenshot,
		Elements:   elements,
	}
	proposals, err := p.oracle.ProposeScenarios(ctx, in)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var oerr *schemas.OracleError
		if !errors.As(err, &oerr) {
			err = &schemas.OracleError{Err: err}
		}
		p.logger.Warn("Oracle failed, page gets no scenarios.", zap.String("page_id", pg.ID), zap.String("url", pg.URL), zap.Error(err))
		return nil, nil
	}
	if p.maxPerPage > 0 && len(proposals) > p.maxPerPage {
		proposals = proposals[:p.maxPerPage]
	}

	var out []schemas.InteractionScenario
	for rank, prop := range proposals {
		name := strings.TrimSpace(prop.Name)
		if name == "" || len(prop.Steps) == 0 {
			p.logger.Debug("Ignoring empty proposal.", zap.Int("rank", rank))
			continue
		}
		steps := make([]schemas.Step, len(prop.Steps))
		for i, raw := range prop.Steps {
			steps[i] = raw.ToStep()
		}
		sc := schemas.InteractionScenario{
			ID:        uuid.NewString(),
			RunID:     pg.RunID,
			PageID:    pg.ID,
			Name:      name,
			Steps:     steps,
			Priority:  schemas.ParsePriority(prop.Priority),
			Rank:      rank,
			CreatedAt: time.Now().UTC(),
		}
		inserted, err := p.store.SaveScenario(ctx, &sc)
		if err != nil {
			return out, &schemas.PersistenceError{Op: "save scenario " + name, Err: err}
		}
		if !inserted {
			p.logger.Debug("Scenario already planned.", zap.String("page_id", pg.ID), zap.String("name", name))
			continue
		}
		out = append(out, sc)
	}
	p.logger.Debug("Planned scenarios.", zap.String("page_id", pg.ID), zap.Int("proposed", len(proposals)), zap.Int("saved", len(out)))
	return out, nil
}
