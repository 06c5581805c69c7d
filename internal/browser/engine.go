// internal/browser/engine.go
package browser

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
)

// NewEngine builds the engine described by ec.
func NewEngine(cfg config.BrowserConfig, ec config.EngineConfig, logger *zap.Logger) (schemas.BrowserEngine, error) {
	switch strings.ToLower(ec.Driver) {
	case "chromedp":
		return NewCDPEngine(cfg, ec, logger), nil
	case "rod":
		return NewRodEngine(cfg, ec, logger), nil
	default:
		return nil, fmt.Errorf("unsupported browser driver %q for engine %q", ec.Driver, ec.Name)
	}
}

// NewEngines builds the named engines in order. An empty list selects every configured engine.
// On error, engines built so far are closed.
func NewEngines(cfg config.BrowserConfig, names []string, logger *zap.Logger) ([]schemas.BrowserEngine, error) {
	selected := cfg.Engines
	if len(names) > 0 {
		selected = make([]config.EngineConfig, 0, len(names))
		for _, name := range names {
			ec, ok := cfg.Engine(name)
			if !ok {
				return nil, fmt.Errorf("unknown engine %q", name)
			}
			selected = append(selected, ec)
		}
	}

	engines := make([]schemas.BrowserEngine, 0, len(selected))
	for _, ec := range selected {
		e, err := NewEngine(cfg, ec, logger)
		if err != nil {
			CloseAll(engines, logger)
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// CrawlEngineConfig returns the engine that drives discovery.
func CrawlEngineConfig(cfg config.BrowserConfig) (config.EngineConfig, error) {
	if cfg.CrawlEngine != "" {
		ec, ok := cfg.Engine(cfg.CrawlEngine)
		if !ok {
			return config.EngineConfig{}, fmt.Errorf("crawl engine %q is not configured", cfg.CrawlEngine)
		}
		return ec, nil
	}
	if len(cfg.Engines) == 0 {
		return config.EngineConfig{}, fmt.Errorf("no browser engines configured")
	}
	return cfg.Engines[0], nil
}

// CloseAll closes every engine, logging failures.
func CloseAll(engines []schemas.BrowserEngine, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, e := range engines {
		if err := e.Close(); err != nil {
			logger.Warn("Failed to close browser engine.", zap.String("engine", e.Name()), zap.Error(err))
		}
	}
}
