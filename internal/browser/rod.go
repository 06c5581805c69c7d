// internal/browser/rod.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
)

// RodEngine drives Chromium through go-rod. One browser process is shared by the
// engine and every page lives in its own incognito browser context.
type RodEngine struct {
	name   string
	cfg    config.BrowserConfig
	ec     config.EngineConfig
	logger *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// launcherFlag splits a chrome switch such as "--proxy-server=host:1" into the
// launcher's flag name and values.
func launcherFlag(arg string) (flags.Flag, []string) {
	arg = strings.TrimLeft(arg, "-")
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return flags.Flag(name), nil
	}
	return flags.Flag(name), strings.Split(value, ",")
}

// NewRodEngine creates the engine. The browser is launched lazily by the first NewPage.
func NewRodEngine(cfg config.BrowserConfig, ec config.EngineConfig, logger *zap.Logger) *RodEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RodEngine{
		name:   ec.Name,
		cfg:    cfg,
		ec:     ec,
		logger: logger.Named("rod_engine").With(zap.String("engine", ec.Name)),
	}
}

func (e *RodEngine) Name() string { return e.name }

func (e *RodEngine) connect() (*rod.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		return e.browser, nil
	}

	wsURL := e.ec.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(e.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", fmt.Sprintf("%d,%d", e.cfg.ViewportWidth, e.cfg.ViewportHeight))
		if e.ec.ExecPath != "" {
			l = l.Bin(e.ec.ExecPath)
		}
		for _, arg := range e.cfg.Args {
			name, values := launcherFlag(arg)
			l = l.Set(name, values...)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch: %w", err)
		}
		wsURL = u
		e.lnch = l
		e.logger.Info("Launched local browser.", zap.Bool("stealth", e.ec.Stealth))
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if e.cfg.IgnoreTLSErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			e.logger.Warn("Could not ignore certificate errors.", zap.Error(err))
		}
	}
	e.browser = b
	return b, nil
}

// NewPage opens a page in a fresh incognito context.
func (e *RodEngine) NewPage(ctx context.Context) (schemas.BrowserPage, error) {
	b, err := e.connect()
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", e.name, err)
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create incognito context: %w", err)
	}

	var page *rod.Page
	if e.ec.Stealth {
		page, err = stealth.Page(incognito)
	} else {
		page, err = incognito.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if e.cfg.ViewportWidth > 0 && e.cfg.ViewportHeight > 0 {
		_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  e.cfg.ViewportWidth,
			Height: e.cfg.ViewportHeight,
		})
	}

	return &rodPage{page: page, incognito: incognito, cfg: e.cfg}, nil
}

// Close shuts down the browser and the launcher process.
func (e *RodEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.browser != nil {
		err = e.browser.Close()
		e.browser = nil
	}
	if e.lnch != nil {
		e.lnch.Cleanup()
		e.lnch = nil
	}
	return err
}

// rodPage implements schemas.BrowserPage over a rod page.
type rodPage struct {
	page      *rod.Page
	incognito *rod.Browser
	cfg       config.BrowserConfig
}

func (p *rodPage) op(ctx context.Context) (*rod.Page, context.CancelFunc) {
	if p.cfg.ActionTimeout > 0 {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.ActionTimeout)
		return p.page.Context(opCtx), cancel
	}
	return p.page.Context(ctx), func() {}
}

// element finds the first match without waiting for it to appear.
func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, context.CancelFunc, error) {
	page, cancel := p.op(ctx)
	el, err := page.Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		cancel()
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("no element matches %q", selector)
		}
		return nil, nil, err
	}
	return el, cancel, nil
}

func (p *rodPage) settle(page *rod.Page) {
	if p.cfg.PostLoadWait > 0 {
		select {
		case <-page.GetContext().Done():
		case <-time.After(p.cfg.PostLoadWait):
		}
	}
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	navCtx := ctx
	if p.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, p.cfg.NavigationTimeout)
		defer cancel()
	}
	page := p.page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	p.settle(page)
	return nil
}

func (p *rodPage) NavigateBack(ctx context.Context) error {
	page, cancel := p.op(ctx)
	defer cancel()
	if err := page.NavigateBack(); err != nil {
		return err
	}
	if err := page.WaitLoad(); err != nil {
		return err
	}
	p.settle(page)
	return nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	page, cancel := p.op(ctx)
	defer cancel()
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	page, cancel := p.op(ctx)
	defer cancel()
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	page, cancel := p.op(ctx)
	defer cancel()
	return page.HTML()
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	page, cancel := p.op(ctx)
	defer cancel()
	return page.Screenshot(false, nil)
}

func (p *rodPage) Count(ctx context.Context, selector string) (int, error) {
	page, cancel := p.op(ctx)
	defer cancel()
	res, err := page.Eval(`(s) => document.querySelectorAll(s).length`, selector)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (p *rodPage) Click(ctx context.Context, selector string, mode schemas.ClickMode) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()

	switch mode {
	case schemas.ClickForced:
		shape, err := el.Shape()
		if err != nil {
			return err
		}
		pt := shape.OnePointInside()
		if pt == nil {
			return fmt.Errorf("element %q has no clickable area", selector)
		}
		page := el.Page()
		if err := page.Mouse.MoveTo(*pt); err != nil {
			return err
		}
		return page.Mouse.Click(proto.InputMouseButtonLeft, 1)
	case schemas.ClickScript:
		_, err := el.Eval(`() => this.click()`)
		return err
	default:
		if err := el.WaitVisible(); err != nil {
			return err
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	}
}

func (p *rodPage) Fill(ctx context.Context, selector, value string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	if _, err := el.Eval(`() => { this.focus(); this.value = "" }`); err != nil {
		return err
	}
	return el.Input(value)
}

func (p *rodPage) SelectOption(ctx context.Context, selector, value string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err == nil {
		return nil
	}
	// Fall back to matching the option value attribute.
	_, err = el.Eval(`(want) => {
		const opt = Array.from(this.options || []).find(o => o.value === want);
		if (!opt) { throw new Error("no option " + want); }
		this.value = opt.value;
		this.dispatchEvent(new Event("change", { bubbles: true }));
	}`, value)
	return err
}

func (p *rodPage) Check(ctx context.Context, selector string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = el.Eval(`() => { if (!this.checked) { this.click() } }`)
	return err
}

func (p *rodPage) Hover(ctx context.Context, selector string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	return el.Hover()
}

func (p *rodPage) Submit(ctx context.Context, selector string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = el.Eval(`() => {
		const form = this.form || this;
		if (form.requestSubmit) { form.requestSubmit() } else { form.submit() }
	}`)
	if err != nil {
		return err
	}
	p.settle(el.Page())
	return nil
}

func (p *rodPage) Close() error {
	err := p.page.Close()
	if cerr := p.incognito.Close(); err == nil {
		err = cerr
	}
	return err
}
