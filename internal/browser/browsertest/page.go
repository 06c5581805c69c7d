package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// Engine opens Pages on a Site. It implements schemas.BrowserEngine.
type Engine struct {
	name string
	site *Site

	// StandardClickErr, when set, fails every standard-mode click on this engine,
	// simulating an engine where elements are covered by an overlay.
	StandardClickErr error
	// NewPageErr, when set, fails NewPage.
	NewPageErr error

	mu     sync.Mutex
	opened int
	closed bool
}

// NewEngine returns an engine named name serving site.
func NewEngine(name string, site *Site) *Engine {
	return &Engine{name: name, site: site}
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) NewPage(ctx context.Context) (schemas.BrowserPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.NewPageErr != nil {
		return nil, e.NewPageErr
	}
	e.mu.Lock()
	e.opened++
	e.mu.Unlock()
	return &Page{engine: e, site: e.site}, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Opened reports how many pages were opened.
func (e *Engine) Opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Page is a scripted browser page. It implements schemas.BrowserPage.
type Page struct {
	engine *Engine
	site   *Site

	mu      sync.Mutex
	history []string
	url     string
	doc     *goquery.Document
	closed  bool
	actions []string
}

// ErrNoHistory is returned by NavigateBack on the first history entry.
var ErrNoHistory = errors.New("no previous history entry")

// -- helpers usable from handlers (the page lock is not held while a handler runs) --

// Goto navigates to rawURL, resolved against the current URL, and pushes it onto history.
func (p *Page) Goto(rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotoLocked(p.resolveLocked(rawURL), true)
}

// SetHTML replaces the current document without changing the URL.
func (p *Page) SetHTML(doc string) error {
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = parsed
	return nil
}

// Mutate edits the current document in place.
func (p *Page) Mutate(fn func(doc *goquery.Document)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc != nil {
		fn(p.doc)
	}
}

// Actions returns a log of the interactions performed on the page.
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

// Value returns the value attribute of the first element matching selector.
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return ""
	}
	v, _ := p.doc.Find(selector).First().Attr("value")
	return v
}

// -- schemas.BrowserPage --

func (p *Page) Navigate(ctx context.Context, rawURL string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotoLocked(rawURL, true)
}

func (p *Page) NavigateBack(ctx context.Context) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) < 2 {
		return ErrNoHistory
	}
	if p.site.backFails(p.url) {
		return fmt.Errorf("history navigation away from %s failed", p.url)
	}
	p.history = p.history[:len(p.history)-1]
	return p.gotoLocked(p.history[len(p.history)-1], false)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return "", nil
	}
	return strings.TrimSpace(p.doc.Find("title").First().Text()), nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return "<html><head></head><body></body></html>", nil
	}
	return p.doc.Html()
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	if err := p.site.screenshotError(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return []byte("png:" + p.url), nil
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	if err := p.check(ctx); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return 0, nil
	}
	return p.doc.Find(selector).Length(), nil
}

// Click honours two markers in the page HTML: data-obscured elements reject
// standard clicks and data-inert elements reject standard and forced clicks.
// Anchors without a handler follow their href.
func (p *Page) Click(ctx context.Context, selector string, mode schemas.ClickMode) error {
	node, err := p.target(ctx, selector)
	if err != nil {
		return err
	}
	sel := goquery.NewDocumentFromNode(node).Selection
	if mode == schemas.ClickStandard {
		if p.engine.StandardClickErr != nil {
			return p.engine.StandardClickErr
		}
		if hidden(node) {
			return fmt.Errorf("element %q is not visible", selector)
		}
		if _, ok := sel.Attr("data-obscured"); ok {
			return fmt.Errorf("element %q is obscured by another element", selector)
		}
	}
	if _, ok := sel.Attr("data-inert"); ok && mode != schemas.ClickScript {
		return fmt.Errorf("element %q did not receive the %s click", selector, mode)
	}
	p.record("click " + selector)

	if handled, err := p.dispatch(Click, node); handled {
		return err
	}

	if node.Data == "input" {
		if t, _ := sel.Attr("type"); t == "checkbox" || t == "radio" {
			p.Mutate(func(*goquery.Document) { setAttr(node, "checked", "checked") })
			return nil
		}
	}
	if node.Data == "a" {
		if href, ok := sel.Attr("href"); ok && href != "" && !strings.HasPrefix(href, "#") && !strings.HasPrefix(href, "javascript:") {
			return p.Goto(href)
		}
	}
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	node, err := p.target(ctx, selector)
	if err != nil {
		return err
	}
	if node.Data != "input" && node.Data != "textarea" {
		return fmt.Errorf("element %q is not fillable", selector)
	}
	if _, ro := goquery.NewDocumentFromNode(node).Attr("readonly"); ro {
		return fmt.Errorf("element %q is read-only", selector)
	}
	p.Mutate(func(*goquery.Document) { setAttr(node, "value", value) })
	p.record("fill " + selector + " = " + value)
	_, err = p.dispatch(Fill, node)
	return err
}

func (p *Page) SelectOption(ctx context.Context, selector, value string) error {
	node, err := p.target(ctx, selector)
	if err != nil {
		return err
	}
	if node.Data != "select" {
		return fmt.Errorf("element %q is not a select", selector)
	}
	found := false
	goquery.NewDocumentFromNode(node).Find("option").EachWithBreak(func(_ int, opt *goquery.Selection) bool {
		v, ok := opt.Attr("value")
		if !ok {
			v = strings.TrimSpace(opt.Text())
		}
		if v == value || strings.TrimSpace(opt.Text()) == value {
			p.Mutate(func(*goquery.Document) { setAttr(node, "value", v) })
			found = true
			return false
		}
		return true
	})
	if !found {
		return fmt.Errorf("select %q has no option %q", selector, value)
	}
	p.record("select " + selector + " = " + value)
	return nil
}

func (p *Page) Check(ctx context.Context, selector string) error {
	node, err := p.target(ctx, selector)
	if err != nil {
		return err
	}
	p.Mutate(func(*goquery.Document) { setAttr(node, "checked", "checked") })
	p.record("check " + selector)
	_, err = p.dispatch(Click, node)
	return err
}

func (p *Page) Hover(ctx context.Context, selector string) error {
	node, err := p.target(ctx, selector)
	if err != nil {
		return err
	}
	p.record("hover " + selector)
	_, err = p.dispatch(Hover, node)
	return err
}

// Submit dispatches to a handler on the element or its enclosing form, falling
// back to navigating to the form action.
func (p *Page) Submit(ctx context.Context, selector string) error {
	node, err := p.target(ctx, selector)
	if err != nil {
		return err
	}
	p.record("submit " + selector)
	if handled, err := p.dispatch(Submit, node); handled {
		return err
	}
	form := goquery.NewDocumentFromNode(node).Selection
	if node.Data != "form" {
		form = p.closest(node, "form")
	}
	if form != nil {
		for _, n := range form.Nodes {
			if handled, err := p.dispatch(Submit, n); handled {
				return err
			}
		}
		if action, ok := form.Attr("action"); ok && action != "" {
			return p.Goto(action)
		}
	}
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// -- internals --

func (p *Page) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("page is closed")
	}
	return nil
}

func (p *Page) gotoLocked(rawURL string, push bool) error {
	doc, err := p.site.load(rawURL)
	if err != nil {
		return err
	}
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return err
	}
	p.doc = parsed
	p.url = rawURL
	if push {
		p.history = append(p.history, rawURL)
	}
	return nil
}

func (p *Page) resolveLocked(ref string) string {
	base, err := url.Parse(p.url)
	if err != nil || p.url == "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

func (p *Page) target(ctx context.Context, selector string) (*html.Node, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	found := p.doc.Find(selector)
	if found.Length() == 0 {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	return found.Get(0), nil
}

func (p *Page) closest(node *html.Node, selector string) *goquery.Selection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil
	}
	var match *goquery.Selection
	p.doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for n := node.Parent; n != nil; n = n.Parent {
			if n == s.Get(0) {
				match = s
				return false
			}
		}
		return true
	})
	return match
}

// dispatch runs the first handler registered for event whose selector matches node.
func (p *Page) dispatch(event Event, node *html.Node) (bool, error) {
	p.mu.Lock()
	current := p.url
	doc := p.doc
	var chosen Handler
	if doc != nil {
		for _, h := range p.site.handlersFor(event, current) {
			if doc.Find(h.key.selector).IsNodes(node) {
				chosen = h.handler
				break
			}
		}
	}
	p.mu.Unlock()

	if chosen == nil {
		return false, nil
	}
	return true, chosen(p)
}

func (p *Page) record(action string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, action)
}

func hidden(node *html.Node) bool {
	for n := node; n != nil; n = n.Parent {
		for _, a := range n.Attr {
			switch a.Key {
			case "hidden":
				return true
			case "style":
				style := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
				if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
					return true
				}
			}
		}
	}
	return false
}

func setAttr(node *html.Node, key, val string) {
	for i := range node.Attr {
		if node.Attr[i].Key == key {
			node.Attr[i].Val = val
			return
		}
	}
	node.Attr = append(node.Attr, html.Attribute{Key: key, Val: val})
}
