package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/page"
)

// ErrUnknownAction is returned for steps whose action is outside the closed set.
var ErrUnknownAction = errors.New("unknown action")

var errNoMatch = errors.New("no matching element")

const (
	fillableSelector   = `input:not([type="hidden"]):not([readonly]):not([disabled]), textarea:not([readonly]):not([disabled]), [contenteditable="true"]`
	suggestionSelector = `[role="option"], [role="listbox"] li, .suggestion, .suggestions li, .autocomplete li, .dropdown-item`
)

// Resolution reports how a step was carried out.
type Resolution struct {
	Candidate Candidate
	// Selector is the CSS selector the action was applied to.
	Selector string
	Mode     schemas.ClickMode
	// Overlay is set when a fill or select went through an opened overlay input.
	Overlay    bool
	SelfHealed bool
	Tried      []string
}

// Locator applies steps to a page.
type Locator struct {
	logger *zap.Logger
}

// New creates a locator.
func New(logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{logger: logger.Named("locator")}
}

// Act performs step on bp. With healing, every candidate is tried in order, clicks
// escalate from standard to forced to script mode, and fill/select fall back to
// an overlay input opened by clicking the target. Without healing only the
// primary candidate in standard mode is used.
func (l *Locator) Act(ctx context.Context, bp schemas.BrowserPage, step schemas.Step, healing bool) (*Resolution, error) {
	if !step.Action.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
	}
	target := ParseTarget(step.Target.Selector, step.Target.Hints)
	candidates := Candidates(target, healing)

	var tried []string
	var lastErr error = errNoMatch
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tried = append(tried, cand.String())

		selector, err := l.resolve(ctx, bp, cand)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		res, err := l.apply(ctx, bp, step, selector, healing)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Debug("Candidate failed.", zap.String("candidate", cand.String()), zap.Error(err))
			lastErr = err
			continue
		}
		res.Candidate = cand
		res.Selector = selector
		res.Tried = tried
		res.SelfHealed = i > 0 || res.Mode != schemas.ClickStandard || res.Overlay
		if res.SelfHealed {
			l.logger.Info("Target healed.",
				zap.String("action", string(step.Action)),
				zap.String("original", step.Target.Selector),
				zap.String("candidate", cand.String()),
				zap.String("mode", res.Mode.String()),
				zap.Bool("overlay", res.Overlay))
		}
		return res, nil
	}

	return nil, &schemas.ResolutionFailure{Target: step.Target, Action: step.Action, Tried: tried, Err: lastErr}
}

// resolve turns a candidate into a selector that currently matches at least one element.
func (l *Locator) resolve(ctx context.Context, bp schemas.BrowserPage, cand Candidate) (string, error) {
	switch cand.Kind {
	case KindText, KindTagText:
		dom, err := bp.HTML(ctx)
		if err != nil {
			return "", err
		}
		return findByText(dom, cand.Text, cand.Tag)
	default:
		n, err := bp.Count(ctx, cand.Selector)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("%w for %s", errNoMatch, cand.Selector)
		}
		return cand.Selector, nil
	}
}

func (l *Locator) apply(ctx context.Context, bp schemas.BrowserPage, step schemas.Step, selector string, healing bool) (*Resolution, error) {
	switch step.Action {
	case schemas.ActionClick:
		mode, err := click(ctx, bp, selector, healing)
		return &Resolution{Mode: mode}, err
	case schemas.ActionFill:
		err := bp.Fill(ctx, selector, step.Value)
		if err == nil || !healing {
			return &Resolution{}, err
		}
		return l.viaOverlay(ctx, bp, selector, step.Value, false, err)
	case schemas.ActionSelect:
		err := bp.SelectOption(ctx, selector, step.Value)
		if err == nil || !healing {
			return &Resolution{}, err
		}
		return l.viaOverlay(ctx, bp, selector, step.Value, true, err)
	case schemas.ActionCheck:
		return &Resolution{}, bp.Check(ctx, selector)
	case schemas.ActionHover:
		return &Resolution{}, bp.Hover(ctx, selector)
	case schemas.ActionSubmit:
		return &Resolution{}, bp.Submit(ctx, selector)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
}

// click escalates through the click modes, returning the one that worked.
func click(ctx context.Context, bp schemas.BrowserPage, selector string, healing bool) (schemas.ClickMode, error) {
	modes := []schemas.ClickMode{schemas.ClickStandard}
	if healing {
		modes = append(modes, schemas.ClickForced, schemas.ClickScript)
	}
	var err error
	for _, mode := range modes {
		if err = bp.Click(ctx, selector, mode); err == nil {
			return mode, nil
		}
		if ctx.Err() != nil {
			return mode, ctx.Err()
		}
	}
	return modes[len(modes)-1], err
}

// viaOverlay handles custom widgets that replace a native control: clicking the
// target opens a fresh input, the value is typed there and the first suggestion
// is accepted. For selects an option matching the value is clicked directly
// when the overlay lists one.
func (l *Locator) viaOverlay(ctx context.Context, bp schemas.BrowserPage, selector, value string, isSelect bool, cause error) (*Resolution, error) {
	before, err := visibleSelectors(ctx, bp, fillableSelector)
	if err != nil {
		return nil, err
	}
	beforeSuggestions, err := visibleSelectors(ctx, bp, suggestionSelector)
	if err != nil {
		return nil, err
	}
	mode, err := click(ctx, bp, selector, true)
	if err != nil {
		return nil, fmt.Errorf("opening overlay after %v: %w", cause, err)
	}

	if isSelect {
		if opt, ok, err := freshMatch(ctx, bp, suggestionSelector, beforeSuggestions, value); err != nil {
			return nil, err
		} else if ok {
			if _, err := click(ctx, bp, opt, true); err != nil {
				return nil, err
			}
			return &Resolution{Mode: mode, Overlay: true}, nil
		}
	}

	input, ok, err := freshMatch(ctx, bp, fillableSelector, before, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no overlay input appeared after %v", cause)
	}
	beforeSuggestions, err = visibleSelectors(ctx, bp, suggestionSelector)
	if err != nil {
		return nil, err
	}
	if err := bp.Fill(ctx, input, value); err != nil {
		return nil, fmt.Errorf("filling overlay input %s: %w", input, err)
	}
	if sugg, ok, err := freshMatch(ctx, bp, suggestionSelector, beforeSuggestions, ""); err != nil {
		return nil, err
	} else if ok {
		if _, err := click(ctx, bp, sugg, true); err != nil {
			return nil, fmt.Errorf("accepting suggestion %s: %w", sugg, err)
		}
	}
	return &Resolution{Mode: mode, Overlay: true}, nil
}

// visibleSelectors returns the unique selectors of the visible elements matching css.
func visibleSelectors(ctx context.Context, bp schemas.BrowserPage, css string) (map[string]struct{}, error) {
	dom, err := bp.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	doc.Find(css).Each(func(_ int, s *goquery.Selection) {
		if !page.Hidden(s.Get(0)) {
			out[page.UniqueSelector(doc, s)] = struct{}{}
		}
	})
	return out, nil
}

// freshMatch finds the first visible element matching css that is not in
// before, optionally requiring its text to equal text.
func freshMatch(ctx context.Context, bp schemas.BrowserPage, css string, before map[string]struct{}, text string) (string, bool, error) {
	dom, err := bp.HTML(ctx)
	if err != nil {
		return "", false, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return "", false, err
	}
	var found string
	doc.Find(css).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if page.Hidden(s.Get(0)) {
			return true
		}
		sel := page.UniqueSelector(doc, s)
		if _, old := before[sel]; old && text == "" {
			return true
		}
		if text != "" && !strings.EqualFold(page.VisibleText(s, 0), strings.TrimSpace(text)) {
			return true
		}
		found = sel
		return false
	})
	return found, found != "", nil
}

// findByText returns a unique selector for the visible element whose text best
// matches text: an exact match on the innermost element wins over a substring match.
func findByText(dom, text, tag string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return "", err
	}
	want := strings.ToLower(strings.Join(strings.Fields(text), " "))
	scope := "body *"
	if tag != "" {
		scope = tag
	}

	var exact, partial *goquery.Selection
	doc.Find(scope).Each(func(_ int, s *goquery.Selection) {
		switch s.Get(0).Data {
		case "script", "style", "noscript", "template":
			return
		}
		if page.Hidden(s.Get(0)) {
			return
		}
		got := strings.ToLower(page.VisibleText(s, 0))
		switch {
		case got == want:
			if exact == nil || exact.Contains(s.Get(0)) {
				exact = s
			}
		case strings.Contains(got, want):
			if partial == nil || partial.Contains(s.Get(0)) {
				partial = s
			}
		}
	})
	match := exact
	if match == nil {
		match = partial
	}
	if match == nil {
		return "", fmt.Errorf("%w with text %q", errNoMatch, text)
	}
	return page.UniqueSelector(doc, match), nil
}
