package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/browser"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/oracle"
	"github.com/xkilldash9x/scout-cli/internal/orchestrator"
	"github.com/xkilldash9x/scout-cli/internal/store"
)

const shutdownTimeout = 30 * time.Second

// storeProvider creates the data store. Tests inject an in-memory one.
type storeProvider interface {
	// Create returns the store and a cleanup function that releases it.
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.Store, func(), error)
}

type defaultStoreProvider struct{}

func (defaultStoreProvider) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.Store, func(), error) {
	db := cfg.Database()
	if db.Driver == "postgres" && db.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (SCOUT_DATABASE_URL)")
	}
	return store.Open(ctx, db, logger)
}

// engineProvider creates the crawl engine and the execution engines.
type engineProvider interface {
	Create(cfg config.Interface, logger *zap.Logger) (crawl schemas.BrowserEngine, execs []schemas.BrowserEngine, err error)
}

type defaultEngineProvider struct{}

func (defaultEngineProvider) Create(cfg config.Interface, logger *zap.Logger) (schemas.BrowserEngine, []schemas.BrowserEngine, error) {
	bc := cfg.Browser()
	ec, err := browser.CrawlEngineConfig(bc)
	if err != nil {
		return nil, nil, err
	}
	crawl, err := browser.NewEngine(bc, ec, logger)
	if err != nil {
		return nil, nil, err
	}
	execs, err := browser.NewEngines(bc, cfg.Execution().Engines, logger)
	if err != nil {
		browser.CloseAll([]schemas.BrowserEngine{crawl}, logger)
		return nil, nil, err
	}
	return crawl, execs, nil
}

// app holds the providers shared by the commands.
type app struct {
	stores  storeProvider
	engines engineProvider
	listen  func(network, addr string) (net.Listener, error)
}

func newApp() *app {
	return &app{
		stores:  defaultStoreProvider{},
		engines: defaultEngineProvider{},
		listen:  net.Listen,
	}
}

// components is everything a run needs, wired together.
type components struct {
	store      schemas.Store
	closeStore func()
	crawl      schemas.BrowserEngine
	engines    []schemas.BrowserEngine
	orch       *orchestrator.Orchestrator
	logger     *zap.Logger
}

func (a *app) build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	st, closeStore, err := a.stores.Create(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if closeStore == nil {
		closeStore = func() {}
	}
	c := &components{store: st, closeStore: closeStore, logger: logger}

	orc, err := oracle.New(ctx, cfg.Oracle(), logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize oracle: %w", err)
	}
	c.crawl, c.engines, err = a.engines.Create(cfg, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize browser engines: %w", err)
	}
	c.orch, err = orchestrator.New(cfg, orchestrator.Deps{
		Store:       st,
		Oracle:      orc,
		CrawlEngine: c.crawl,
		Engines:     c.engines,
	}, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close stops active runs, then releases engines and the store.
func (c *components) Close() {
	if c.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := c.orch.Shutdown(ctx); err != nil {
			c.logger.Warn("Orchestrator did not shut down cleanly.", zap.Error(err))
		}
		cancel()
	}
	var engines []schemas.BrowserEngine
	if c.crawl != nil {
		engines = append(engines, c.crawl)
	}
	browser.CloseAll(append(engines, c.engines...), c.logger)
	c.closeStore()
}
