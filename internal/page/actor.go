// Package page drives one browser page for the crawler: bounded navigation,
// state capture and the actionable element inventory handed to the Oracle.
package page

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
)

// Capture is the observable state of the page at one point in time.
type Capture struct {
	URL        string
	Title      string
	DOM        string
	Screenshot []byte
}

// Actor wraps a BrowserPage with the crawler's navigation policy.
type Actor struct {
	page       schemas.BrowserPage
	attempts   int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewActor creates an actor over bp. Navigation is attempted
// cfg.NavigationAttempts times, cfg.NavigationRetryDelay apart.
func NewActor(bp schemas.BrowserPage, cfg config.DiscoveryConfig, logger *zap.Logger) *Actor {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.NavigationAttempts
	if attempts <= 0 {
		attempts = 2
	}
	return &Actor{
		page:       bp,
		attempts:   attempts,
		retryDelay: cfg.NavigationRetryDelay,
		logger:     logger.Named("page"),
	}
}

// Page exposes the underlying browser page to the scenario executor.
func (a *Actor) Page() schemas.BrowserPage { return a.page }

// Navigate loads url, retrying with a fixed delay. A context error is returned
// as is so callers can tell cancellation from an unreachable page.
func (a *Actor) Navigate(ctx context.Context, url string) error {
	tried := 0
	op := func() error {
		tried++
		err := a.page.Navigate(ctx, url)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			a.logger.Debug("Navigation attempt failed.", zap.String("url", url), zap.Int("attempt", tried), zap.Error(err))
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryDelay), uint64(a.attempts-1)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &schemas.NavigationError{URL: url, Attempts: tried, Err: err}
}

// NavigateBack moves one entry back in history.
func (a *Actor) NavigateBack(ctx context.Context) error {
	return a.page.NavigateBack(ctx)
}

// Capture records url, title, DOM and screenshot. A failed screenshot only
// degrades the capture; a failed DOM read is a CaptureError.
func (a *Actor) Capture(ctx context.Context) (*Capture, error) {
	currentURL, err := a.page.URL(ctx)
	if err != nil {
		return nil, &schemas.CaptureError{What: "url", Err: err}
	}
	dom, err := a.page.HTML(ctx)
	if err != nil {
		return nil, &schemas.CaptureError{What: "dom", Err: err}
	}
	title, err := a.page.Title(ctx)
	if err != nil {
		a.logger.Warn("Could not read page title.", zap.String("url", currentURL), zap.Error(err))
	}
	shot, err := a.page.Screenshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn("Screenshot failed, continuing without image.", zap.String("url", currentURL), zap.Error(err))
		shot = nil
	}
	return &Capture{URL: currentURL, Title: title, DOM: dom, Screenshot: shot}, nil
}

// ExtractElements reads the live DOM and returns its actionable elements.
func (a *Actor) ExtractElements(ctx context.Context) ([]schemas.Element, error) {
	dom, err := a.page.HTML(ctx)
	if err != nil {
		return nil, &schemas.CaptureError{What: "dom", Err: err}
	}
	return ExtractElements(dom)
}
