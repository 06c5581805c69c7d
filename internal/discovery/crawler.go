// internal/discovery/crawler.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/locator"
	"github.com/xkilldash9x/scout-cli/internal/page"
	"github.com/xkilldash9x/scout-cli/internal/queue"
	"github.com/xkilldash9x/scout-cli/internal/runstate"
	"github.com/xkilldash9x/scout-cli/internal/scenario"
)

// Checkpointer is consulted between queue items. A non-nil error ends the crawl.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// Why the crawl ended.
const (
	ReasonExhausted = "exhausted"
	ReasonMaxPages  = "max_pages"
	ReasonStopped   = "stopped"
)

// Result summarizes a finished crawl. Partial results are kept on error.
type Result struct {
	PagesDiscovered int
	RealPages       int
	VirtualPages    int
	Processed       int
	Failed          int
	Scenarios       int
	Navigations     int
	StateChanges    int
	DeadEnds        int
	Reason          string
}

// Deps are the collaborators of a crawl.
type Deps struct {
	Store  schemas.Store
	Page   schemas.BrowserPage
	Oracle schemas.Oracle
	// Locator is optional; a default locator is created when nil.
	Locator *locator.Locator
	// Checkpoint is optional.
	Checkpoint Checkpointer
	// Progress is optional.
	Progress schemas.ProgressPublisher
}

// Crawler drives the breadth-first discovery of one run on a single page.
type Crawler struct {
	run      *schemas.Run
	cfg      config.DiscoveryConfig
	store    schemas.Store
	queue    *queue.Manager
	actor    *page.Actor
	explorer *scenario.Explorer
	check    Checkpointer
	progress schemas.ProgressPublisher
	logger   *zap.Logger

	pages    int
	maxPages int
	names    map[string]string
}

// NewCrawler wires a crawler for run. The run's MaxDepth and MaxPages bound
// the crawl; the rest of cfg tunes it.
func NewCrawler(run *schemas.Run, cfg config.DiscoveryConfig, stateCfg config.StateConfig, deps Deps, logger *zap.Logger) (*Crawler, error) {
	if run == nil || deps.Store == nil || deps.Page == nil || deps.Oracle == nil {
		return nil, errors.New("crawler requires a run, a store, a page and an oracle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scope, err := NewSiteScope(run.RootURL, cfg.IncludeSubdomains)
	if err != nil {
		return nil, fmt.Errorf("invalid root url: %w", err)
	}
	maxPages := run.MaxPages
	if maxPages <= 0 {
		maxPages = cfg.MaxPages
	}

	c := &Crawler{
		run:      run,
		cfg:      cfg,
		store:    deps.Store,
		check:    deps.Checkpoint,
		progress: deps.Progress,
		logger:   logger.Named("crawler").With(zap.String("run_id", run.ID)),
		maxPages: maxPages,
		names:    make(map[string]string),
	}
	c.queue = queue.NewManager(run.ID, deps.Store, run.MaxDepth, logger, queue.WithScope(scope))
	c.actor = page.NewActor(deps.Page, cfg, logger)
	planner := scenario.NewPlanner(deps.Oracle, deps.Store, cfg.MaxScenariosPerPage, logger)
	executor := scenario.NewExecutor(deps.Store, deps.Locator, stateCfg, cfg.Healing, logger)
	c.explorer = scenario.NewExplorer(deps.Store, planner, executor, c.actor, c.queue, cfg.MaxStateDepth, logger, scenario.WithPageBudget(c))
	return c, nil
}

// Remaining reports whether the run may still discover a page.
func (c *Crawler) Remaining() bool { return c.pages < c.maxPages }

// Used counts one discovered page against the budget.
func (c *Crawler) Used() { c.pages++ }

// Queue exposes the run's queue.
func (c *Crawler) Queue() *queue.Manager { return c.queue }

// Run crawls depth by depth until the queue is exhausted, the page budget is
// spent or a checkpoint ends the crawl. A stop is not an error. An unreachable
// root page is a RunFatalError; any other failing item is marked failed and
// the crawl goes on.
func (c *Crawler) Run(ctx context.Context) (*Result, error) {
	res := &Result{Reason: ReasonExhausted}
	defer func() {
		c.fill(res)
		// the stored counters must match the stored pages whatever ended the crawl
		c.saveCounters(context.WithoutCancel(ctx))
	}()

	if _, err := c.queue.Enqueue(ctx, c.run.RootURL, 0, "", "", schemas.PriorityHigh); err != nil {
		return res, err
	}
	c.logger.Info("Starting discovery.",
		zap.String("root_url", c.run.RootURL),
		zap.Int("max_depth", c.run.MaxDepth),
		zap.Int("max_pages", c.maxPages))

	for depth := 0; depth <= c.queue.MaxDepth(); depth++ {
		for {
			batch, err := c.queue.NextBatch(ctx, depth)
			if err != nil {
				return res, err
			}
			if len(batch) == 0 {
				break
			}
			for i := range batch {
				if c.check != nil {
					if err := c.check.Checkpoint(ctx); err != nil {
						if errors.Is(err, runstate.ErrStopped) {
							res.Reason = ReasonStopped
							c.logger.Info("Discovery stopped.", zap.Int("pages", c.pages))
							return res, nil
						}
						return res, err
					}
				}
				if !c.Remaining() {
					res.Reason = ReasonMaxPages
					c.logger.Info("Page budget reached.", zap.Int("max_pages", c.maxPages))
					return res, nil
				}
				if err := c.process(ctx, &batch[i], res); err != nil {
					return res, err
				}
			}
		}
		c.logger.Debug("Depth exhausted.", zap.Int("depth", depth), zap.Int("pages", c.pages))
	}
	c.logger.Info("Discovery finished.", zap.Int("pages", c.pages), zap.Int("failed", res.Failed))
	return res, nil
}

// process crawls one queue item. Only context errors and run-fatal errors are
// returned; everything else fails the item.
func (c *Crawler) process(ctx context.Context, item *schemas.QueueItem, res *Result) (err error) {
	log := c.logger.With(zap.String("url", item.URL), zap.Int("depth", item.Depth))
	if err := c.queue.MarkProcessing(ctx, item); err != nil {
		return err
	}
	if c.queue.Visited(item.URL) {
		return c.queue.MarkCompleted(ctx, item)
	}
	c.queue.MarkVisited(item.URL)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Crawl item panicked", zap.Any("panicValue", r), zap.String("stack", string(debug.Stack())))
			err = c.fail(ctx, item, res, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := c.actor.Navigate(ctx, item.URL); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if item.Depth == 0 {
			_ = c.queue.MarkFailed(ctx, item)
			res.Failed++
			return &schemas.RunFatalError{Reason: "root page unreachable", Err: err}
		}
		log.Warn("Navigation failed.", zap.Error(err))
		return c.fail(ctx, item, res, err)
	}

	capture, err := c.actor.Capture(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warn("Capture failed.", zap.Error(err))
		return c.fail(ctx, item, res, err)
	}
	if !queue.SameDocument(capture.URL, item.URL) {
		if c.queue.Visited(capture.URL) {
			log.Debug("Redirected to a visited page.", zap.String("final_url", capture.URL))
			return c.queue.MarkCompleted(ctx, item)
		}
		c.queue.MarkVisited(capture.URL)
	}

	pg := &schemas.DiscoveredPage{
		ID:           uuid.NewString(),
		RunID:        c.run.ID,
		URL:          item.URL,
		Title:        capture.Title,
		Screenshot:   capture.Screenshot,
		DOMSnapshot:  capture.DOM,
		Depth:        item.Depth,
		// the page the item was found on, empty for the root
		ParentPageID: item.FromPageID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.SavePage(ctx, pg); err != nil {
		return c.fail(ctx, item, res, &schemas.PersistenceError{Op: "save page " + item.URL, Err: err})
	}
	c.Used()
	res.RealPages++
	log.Info("Discovered page.", zap.String("page_id", pg.ID), zap.String("title", pg.Title))

	if item.FromPageID != "" {
		edge := &schemas.PageEdge{
			ID:         uuid.NewString(),
			RunID:      c.run.ID,
			FromPageID: item.FromPageID,
			ToPageID:   pg.ID,
			Action:     c.action(ctx, item.ScenarioID),
			Kind:       schemas.EdgeNavigation,
			CreatedAt:  time.Now().UTC(),
		}
		if err := c.store.SaveEdge(ctx, edge); err != nil {
			return c.fail(ctx, item, res, &schemas.PersistenceError{Op: "save navigation edge", Err: err})
		}
	}
	if c.cfg.FollowLinks {
		if err := c.followLinks(ctx, pg, capture); err != nil {
			return c.fail(ctx, item, res, err)
		}
	}

	rep, err := c.explorer.Explore(ctx, pg, capture)
	if rep != nil {
		res.Scenarios += rep.Planned
		res.Navigations += rep.Navigations
		res.StateChanges += rep.StateChanges
		res.DeadEnds += rep.DeadEnds
		res.VirtualPages += len(rep.VirtualPages)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warn("Exploration failed, keeping what was found.", zap.Error(err))
		return c.fail(ctx, item, res, err)
	}

	if err := c.queue.MarkCompleted(ctx, item); err != nil {
		return err
	}
	res.Processed++
	c.publish(fmt.Sprintf("Discovered %s", item.URL))
	c.saveCounters(ctx)
	return nil
}

func (c *Crawler) fail(ctx context.Context, item *schemas.QueueItem, res *Result, cause error) error {
	res.Failed++
	c.logger.Debug("Queue item failed.", zap.String("url", item.URL), zap.Error(cause))
	c.saveCounters(ctx)
	if item.Status != schemas.QueueProcessing {
		return nil
	}
	if err := c.queue.MarkFailed(ctx, item); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// followLinks enqueues the page's visible anchors one level deeper.
func (c *Crawler) followLinks(ctx context.Context, pg *schemas.DiscoveredPage, capture *page.Capture) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(capture.DOM))
	if err != nil {
		return &schemas.CaptureError{What: "links", Err: err}
	}
	added := 0
	var enqueueErr error
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if page.Hidden(s.Get(0)) {
			return true
		}
		href, _ := s.Attr("href")
		abs, err := queue.NormalizeString(href, capture.URL)
		if err != nil {
			return true
		}
		ok, err := c.queue.Enqueue(ctx, abs, pg.Depth+1, pg.ID, "", schemas.PriorityLow)
		if err != nil {
			enqueueErr = err
			return false
		}
		if ok {
			added++
		}
		return true
	})
	if added > 0 {
		c.logger.Debug("Followed links.", zap.String("page_id", pg.ID), zap.Int("enqueued", added))
	}
	return enqueueErr
}

// action names the navigation edge: the scenario that led to the page, or
// "link" for followed anchors.
func (c *Crawler) action(ctx context.Context, scenarioID string) string {
	if scenarioID == "" {
		return "link"
	}
	if name, ok := c.names[scenarioID]; ok {
		return name
	}
	scenarios, err := c.store.ListScenarios(ctx, c.run.ID)
	if err != nil {
		c.logger.Warn("Could not look up scenario name.", zap.String("scenario_id", scenarioID), zap.Error(err))
		return scenarioID
	}
	for _, sc := range scenarios {
		c.names[sc.ID] = sc.Name
	}
	if name, ok := c.names[scenarioID]; ok {
		return name
	}
	return scenarioID
}

func (c *Crawler) fill(res *Result) {
	res.PagesDiscovered = c.pages
}

func (c *Crawler) saveCounters(ctx context.Context) {
	run, err := c.store.GetRun(ctx, c.run.ID)
	if err != nil {
		c.logger.Debug("Run not persisted, skipping counters.", zap.Error(err))
		return
	}
	counters := run.Counters
	counters.PagesDiscovered = c.pages
	if err := c.store.UpdateRunCounters(ctx, c.run.ID, counters); err != nil {
		c.logger.Warn("Could not update run counters.", zap.Error(err))
	}
}

func (c *Crawler) publish(msg string) {
	if c.progress == nil {
		return
	}
	pct := 100 * float64(c.pages) / float64(c.maxPages)
	if pct > 100 {
		pct = 100
	}
	c.progress.Publish(schemas.ProgressEvent{
		RunID:           c.run.ID,
		Phase:           schemas.PhaseDiscovery,
		DiscoveredCount: c.pages,
		Percentage:      pct,
		Message:         msg,
		Status:          schemas.RunRunning,
		Timestamp:       time.Now().UTC(),
	})
}
