package scenario

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/page"
	"github.com/xkilldash9x/scout-cli/internal/queue"
)

// StateFragmentPrefix marks the synthetic fragment of a virtual page URL.
const StateFragmentPrefix = "scout-state-"

// Enqueuer accepts URLs discovered by scenarios.
type Enqueuer interface {
	Enqueue(ctx context.Context, rawURL string, depth int, fromPageID, scenarioID string, priority schemas.Priority) (bool, error)
}

// PageBudget bounds how many pages a run may still discover.
type PageBudget interface {
	Remaining() bool
	Used()
}

type unlimited struct{}

func (unlimited) Remaining() bool { return true }
func (unlimited) Used()           {}

// Report summarizes the exploration of one page and the virtual pages under it.
type Report struct {
	Planned      int
	Executed     int
	Navigations  int
	StateChanges int
	Failed       int
	DeadEnds     int
	VirtualPages []*schemas.DiscoveredPage
}

// Explorer plans and executes the scenarios of a page and applies their outcomes.
type Explorer struct {
	pages         schemas.PageStore
	planner       *Planner
	executor      *Executor
	actor         *page.Actor
	queue         Enqueuer
	maxStateDepth int
	budget        PageBudget
	logger        *zap.Logger
}

// ExplorerOption configures an Explorer.
type ExplorerOption func(*Explorer)

// WithPageBudget stops materializing virtual pages once b is exhausted.
func WithPageBudget(b PageBudget) ExplorerOption {
	return func(e *Explorer) { e.budget = b }
}

// NewExplorer wires an explorer around the crawl page driven by actor.
func NewExplorer(pages schemas.PageStore, planner *Planner, executor *Executor, actor *page.Actor, q Enqueuer, maxStateDepth int, logger *zap.Logger, opts ...ExplorerOption) *Explorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Explorer{
		pages:         pages,
		planner:       planner,
		executor:      executor,
		actor:         actor,
		queue:         q,
		maxStateDepth: maxStateDepth,
		budget:        unlimited{},
		logger:        logger.Named("explorer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Explore runs every scenario planned for pg, which must be the page currently
// displayed as described by capture.
//
// A scenario that navigates enqueues its destination one level deeper and the
// page returns through history. A scenario that changes the UI in place
// materializes a virtual page, explored recursively up to the state depth
// bound, and the origin is then rebuilt by reloading it. When the origin cannot
// be restored a dead_end edge is recorded and the remaining scenarios of the
// page are abandoned.
func (e *Explorer) Explore(ctx context.Context, pg *schemas.DiscoveredPage, capture *page.Capture) (*Report, error) {
	rep := &Report{}
	err := e.explore(ctx, pg, capture, nil, 0, rep)
	return rep, err
}

func (e *Explorer) explore(ctx context.Context, pg *schemas.DiscoveredPage, capture *page.Capture, chain []schemas.Step, level int, rep *Report) error {
	elements, err := page.ExtractElements(capture.DOM)
	if err != nil {
		e.logger.Warn("Could not extract elements.", zap.String("page_id", pg.ID), zap.Error(err))
	}
	scenarios, err := e.planner.PlanScenarios(ctx, pg, capture, elements)
	if err != nil {
		return err
	}
	rep.Planned += len(scenarios)
	origin := RealURL(pg.URL)

	for i := range scenarios {
		if err := ctx.Err(); err != nil {
			return err
		}
		sc := &scenarios[i]
		out, err := e.executor.Execute(ctx, e.actor.Page(), sc)
		if err != nil {
			return err
		}
		rep.Executed++

		var restoreErr error
		switch out.Kind {
		case schemas.OutcomeNavigated:
			rep.Navigations++
			if _, err := e.queue.Enqueue(ctx, out.EndURL, pg.Depth+1, pg.ID, sc.ID, sc.Priority); err != nil {
				return err
			}
			restoreErr = e.back(ctx, origin, chain)
		case schemas.OutcomeStateChanged:
			rep.StateChanges++
			if err := e.materialize(ctx, pg, sc, out, chain, level, rep); err != nil {
				return err
			}
			restoreErr = e.reload(ctx, origin, chain)
		case schemas.OutcomeFailed:
			rep.Failed++
			if out.FailedStep != 0 || !queue.SameDocument(out.EndURL, origin) {
				restoreErr = e.reload(ctx, origin, chain)
			}
		}

		if restoreErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rep.DeadEnds++
			e.logger.Warn("Could not return to origin, abandoning remaining scenarios.",
				zap.String("page_id", pg.ID),
				zap.String("scenario", sc.Name),
				zap.Int("remaining", len(scenarios)-i-1),
				zap.Error(restoreErr))
			edge := &schemas.PageEdge{
				ID:         uuid.NewString(),
				RunID:      pg.RunID,
				FromPageID: pg.ID,
				Action:     sc.Name,
				Kind:       schemas.EdgeDeadEnd,
				CreatedAt:  time.Now().UTC(),
			}
			if err := e.pages.SaveEdge(ctx, edge); err != nil {
				return &schemas.PersistenceError{Op: "save dead end edge", Err: err}
			}
			return nil
		}
	}
	return nil
}

// materialize records the state reached by sc as a virtual child of parent and
// explores it in place. The browser is left in an arbitrary state.
func (e *Explorer) materialize(ctx context.Context, parent *schemas.DiscoveredPage, sc *schemas.InteractionScenario, out *Outcome, chain []schemas.Step, level int, rep *Report) error {
	if level >= e.maxStateDepth {
		e.logger.Debug("State depth bound reached.", zap.String("page_id", parent.ID), zap.String("scenario", sc.Name))
		return nil
	}
	if !e.budget.Remaining() {
		e.logger.Debug("Page budget exhausted, not materializing state.", zap.String("scenario", sc.Name))
		return nil
	}
	capture, err := e.actor.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("Could not capture new state.", zap.String("scenario", sc.Name), zap.Error(err))
		return nil
	}

	id := uuid.NewString()
	vp := &schemas.DiscoveredPage{
		ID:                id,
		RunID:             parent.RunID,
		URL:               VirtualURL(parent.URL, id),
		Title:             capture.Title,
		Screenshot:        capture.Screenshot,
		DOMSnapshot:       capture.DOM,
		Depth:             parent.Depth,
		IsVirtual:         true,
		StateIdentifier:   out.Delta.StateIdentifier,
		ParentPageID:      parent.ID,
		TriggerScenarioID: sc.ID,
		CreatedAt:         time.Now().UTC(),
	}
	stored, created, err := e.pages.SaveVirtualPage(ctx, vp)
	if err != nil {
		return &schemas.PersistenceError{Op: "save virtual page", Err: err}
	}
	edge := &schemas.PageEdge{
		ID:         uuid.NewString(),
		RunID:      parent.RunID,
		FromPageID: parent.ID,
		ToPageID:   stored.ID,
		Action:     sc.Name,
		Kind:       schemas.EdgeStateChange,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.pages.SaveEdge(ctx, edge); err != nil {
		return &schemas.PersistenceError{Op: "save state change edge", Err: err}
	}
	if !created {
		e.logger.Debug("State already known.", zap.String("page_id", stored.ID), zap.String("state", stored.StateIdentifier))
		return nil
	}
	e.budget.Used()
	rep.VirtualPages = append(rep.VirtualPages, stored)
	e.logger.Info("Discovered UI state.",
		zap.String("page_id", stored.ID),
		zap.String("parent_id", parent.ID),
		zap.String("trigger", sc.Name),
		zap.String("reason", out.Delta.Reason))

	next := make([]schemas.Step, 0, len(chain)+len(sc.Steps))
	next = append(append(next, chain...), sc.Steps...)
	return e.explore(ctx, stored, capture, next, level+1, rep)
}

// back returns through history and rebuilds the in-page state when the
// origin is a virtual page.
func (e *Explorer) back(ctx context.Context, origin string, chain []schemas.Step) error {
	if err := e.actor.NavigateBack(ctx); err != nil {
		return err
	}
	current, err := e.actor.Page().URL(ctx)
	if err != nil {
		return err
	}
	if !queue.SameDocument(current, origin) {
		return fmt.Errorf("history back landed on %s instead of %s", current, origin)
	}
	if len(chain) == 0 {
		return nil
	}
	return e.executor.Replay(ctx, e.actor.Page(), chain)
}

// reload loads origin afresh and replays the steps leading to the state.
func (e *Explorer) reload(ctx context.Context, origin string, chain []schemas.Step) error {
	if err := e.actor.Navigate(ctx, origin); err != nil {
		return err
	}
	return e.executor.Replay(ctx, e.actor.Page(), chain)
}

// VirtualURL is parentURL with the synthetic state fragment derived from pageID.
func VirtualURL(parentURL, pageID string) string {
	short := strings.ReplaceAll(pageID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return RealURL(parentURL) + "#" + StateFragmentPrefix + short
}

// RealURL strips the fragment, which turns a virtual page URL into the URL
// that actually loads it.
func RealURL(u string) string {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		return u[:i]
	}
	return u
}
