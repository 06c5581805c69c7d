// internal/browser/cdp.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
)

// CDPEngine drives Chromium through chromedp. Every page gets its own browser
// process allocated from the shared allocator, so pages never share cookies or storage.
type CDPEngine struct {
	name        string
	cfg         config.BrowserConfig
	allocCtx    context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewCDPEngine prepares the allocator. No browser is launched until the first page is opened.
func NewCDPEngine(cfg config.BrowserConfig, ec config.EngineConfig, logger *zap.Logger) *CDPEngine {
	if logger == nil {
		logger = zap.NewNop()
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if ec.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), ec.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg, ec)...)
	}

	return &CDPEngine{
		name:        ec.Name,
		cfg:         cfg,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("cdp_engine").With(zap.String("engine", ec.Name)),
	}
}

func allocatorOptions(cfg config.BrowserConfig, ec config.EngineConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if ec.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(ec.ExecPath))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

func (e *CDPEngine) Name() string { return e.name }

// NewPage allocates a fresh browser and its first tab.
func (e *CDPEngine) NewPage(ctx context.Context) (schemas.BrowserPage, error) {
	tabCtx, tabCancel := chromedp.NewContext(e.allocCtx)

	// Run with no actions starts the browser.
	startCtx, startCancel := targetContext(tabCtx, ctx)
	defer startCancel()
	if err := chromedp.Run(startCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to start %s page: %w", e.name, err)
	}

	e.logger.Debug("Page opened.")
	return &cdpPage{
		ctx:    tabCtx,
		cancel: tabCancel,
		cfg:    e.cfg,
		logger: e.logger,
	}, nil
}

// Close releases the allocator and every browser it started.
func (e *CDPEngine) Close() error {
	e.allocCancel()
	return nil
}

// cdpPage implements schemas.BrowserPage over one chromedp target.
type cdpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// run executes actions on the page target, bounded by the operational ctx and timeout.
// Context errors are prioritized over the action error.
func (p *cdpPage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := targetContext(p.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		opCtx, tcancel = context.WithTimeout(opCtx, timeout)
		defer tcancel()
	}

	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.ctx.Err() != nil {
		return fmt.Errorf("page closed: %w", p.ctx.Err())
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %v: %w", timeout, err)
	}
	return err
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	actions := []chromedp.Action{chromedp.Navigate(url)}
	if p.cfg.PostLoadWait > 0 {
		actions = append(actions, chromedp.Sleep(p.cfg.PostLoadWait))
	}
	if err := p.run(ctx, p.cfg.NavigationTimeout, actions...); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (p *cdpPage) NavigateBack(ctx context.Context) error {
	actions := []chromedp.Action{chromedp.NavigateBack()}
	if p.cfg.PostLoadWait > 0 {
		actions = append(actions, chromedp.Sleep(p.cfg.PostLoadWait))
	}
	return p.run(ctx, p.cfg.NavigationTimeout, actions...)
}

func (p *cdpPage) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Location(&u))
	return u, err
}

func (p *cdpPage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Title(&title))
	return title, err
}

func (p *cdpPage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, p.cfg.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *cdpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, p.cfg.ActionTimeout, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *cdpPage) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := p.run(ctx, p.cfg.ActionTimeout,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector)), &n))
	return n, err
}

func (p *cdpPage) Click(ctx context.Context, selector string, mode schemas.ClickMode) error {
	switch mode {
	case schemas.ClickForced:
		var nodes []*cdp.Node
		if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("no element matches %q", selector)
		}
		return p.run(ctx, p.cfg.ActionTimeout, chromedp.MouseClickNode(nodes[0]))
	case schemas.ClickScript:
		return p.evalOnElement(ctx, selector, `el.click()`)
	default:
		return p.run(ctx, p.cfg.ActionTimeout,
			chromedp.ScrollIntoView(selector, chromedp.ByQuery),
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Click(selector, chromedp.ByQuery),
		)
	}
}

func (p *cdpPage) Fill(ctx context.Context, selector, value string) error {
	// Clear via script first; SendKeys appends to existing content.
	if err := p.evalOnElement(ctx, selector, `el.focus(); el.value = ""`); err != nil {
		return err
	}
	return p.run(ctx, p.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *cdpPage) SelectOption(ctx context.Context, selector, value string) error {
	script := fmt.Sprintf(`
		const want = %s;
		const opt = Array.from(el.options || []).find(o => o.value === want || o.text.trim() === want);
		if (!opt) { throw new Error("no option " + want); }
		el.value = opt.value;
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new Event("change", { bubbles: true }));`, jsString(value))
	return p.evalOnElement(ctx, selector, script)
}

func (p *cdpPage) Check(ctx context.Context, selector string) error {
	return p.evalOnElement(ctx, selector, `if (!el.checked) { el.click(); }`)
}

func (p *cdpPage) Hover(ctx context.Context, selector string) error {
	return p.evalOnElement(ctx, selector, `
		el.scrollIntoView({ block: "center" });
		for (const type of ["mouseover", "mouseenter", "mousemove"]) {
			el.dispatchEvent(new MouseEvent(type, { bubbles: true }));
		}`)
}

func (p *cdpPage) Submit(ctx context.Context, selector string) error {
	actions := []chromedp.Action{chromedp.Submit(selector, chromedp.ByQuery)}
	if p.cfg.PostLoadWait > 0 {
		actions = append(actions, chromedp.Sleep(p.cfg.PostLoadWait))
	}
	return p.run(ctx, p.cfg.ActionTimeout, actions...)
}

func (p *cdpPage) Close() error {
	p.cancel()
	return nil
}

// evalOnElement runs body with `el` bound to the first element matching selector.
func (p *cdpPage) evalOnElement(ctx context.Context, selector, body string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) { throw new Error("no element matches " + %s); }
		%s
		return true;
	})()`, jsString(selector), jsString(selector), body)
	var ok bool
	return p.run(ctx, p.cfg.ActionTimeout, chromedp.Evaluate(script, &ok))
}

// Selectors like "a > b" must survive unescaped.
var jsLiteral = json.Config{EscapeHTML: false}.Froze()

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	out, err := jsLiteral.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}
