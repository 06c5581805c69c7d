package oracle

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/page"
)

// HeuristicOracle proposes scenarios from the page structure alone: every form
// is filled and submitted, then buttons are clicked, then in-site links opened.
// It needs no network access and is deterministic.
type HeuristicOracle struct {
	logger *zap.Logger
}

// NewHeuristicOracle creates a heuristic oracle.
func NewHeuristicOracle(logger *zap.Logger) *HeuristicOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeuristicOracle{logger: logger.Named("oracle.heuristic")}
}

// ProposeScenarios implements schemas.Oracle.
func (h *HeuristicOracle) ProposeScenarios(ctx context.Context, in schemas.OracleInput) ([]schemas.ScenarioProposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, &schemas.OracleError{Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.DOM))
	if err != nil {
		return nil, &schemas.OracleError{Err: err}
	}

	var out []schemas.ScenarioProposal
	names := make(map[string]int)
	add := func(p schemas.ScenarioProposal) {
		names[p.Name]++
		if n := names[p.Name]; n > 1 {
			p.Name = fmt.Sprintf("%s (%d)", p.Name, n)
		}
		out = append(out, p)
	}

	inForm := make(map[string]struct{})
	doc.Find("form").Each(func(i int, form *goquery.Selection) {
		if page.Hidden(form.Get(0)) {
			return
		}
		p, fields := formScenario(doc, form, i)
		for _, sel := range fields {
			inForm[sel] = struct{}{}
		}
		if p != nil {
			add(*p)
		}
	})

	for _, el := range in.Elements {
		if !el.Visible {
			continue
		}
		if _, ok := inForm[el.Selector]; ok {
			continue
		}
		switch {
		case el.Tag == "button" || el.Role == "button" || el.Role == "tab" || el.Role == "menuitem" || el.Tag == "summary":
			if el.Type == "submit" || isDestructive(el.Text) {
				continue
			}
			add(schemas.ScenarioProposal{
				Name:     "Click " + label(el),
				Priority: string(schemas.PriorityMedium),
				Steps:    []schemas.RawStep{{Action: "click", Selector: el.Selector, Text: el.Text}},
			})
		case el.Tag == "a":
			if !sameSite(in.URL, el.Attributes["href"]) || isDestructive(el.Text) {
				continue
			}
			add(schemas.ScenarioProposal{
				Name:     "Open " + label(el),
				Priority: string(schemas.PriorityLow),
				Steps:    []schemas.RawStep{{Action: "click", Selector: el.Selector, Text: el.Text}},
			})
		}
	}

	h.logger.Debug("Proposed scenarios.", zap.String("url", in.URL), zap.Int("count", len(out)))
	return out, nil
}

// formScenario fills every visible field of form and submits it. It also
// returns the selectors of the controls it covered.
func formScenario(doc *goquery.Document, form *goquery.Selection, index int) (*schemas.ScenarioProposal, []string) {
	var steps []schemas.RawStep
	var covered []string
	form.Find("input, select, textarea, button").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		sel := page.UniqueSelector(doc, s)
		covered = append(covered, sel)
		if page.Hidden(node) {
			return
		}
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}
		typ := strings.ToLower(s.AttrOr("type", ""))
		switch node.Data {
		case "select":
			opt := s.Find("option").FilterFunction(func(_ int, o *goquery.Selection) bool {
				return strings.TrimSpace(o.AttrOr("value", o.Text())) != ""
			}).First()
			if opt.Length() == 0 {
				return
			}
			steps = append(steps, schemas.RawStep{Action: "select", Selector: sel, Value: strings.TrimSpace(opt.AttrOr("value", opt.Text()))})
		case "textarea":
			steps = append(steps, schemas.RawStep{Action: "fill", Selector: sel, Value: "Automated exploration test."})
		case "input":
			switch typ {
			case "hidden", "submit", "button", "reset", "image", "file":
			case "checkbox", "radio":
				steps = append(steps, schemas.RawStep{Action: "check", Selector: sel})
			default:
				steps = append(steps, schemas.RawStep{Action: "fill", Selector: sel, Value: sampleValue(typ, s.AttrOr("name", ""))})
			}
		}
	})
	if len(steps) == 0 {
		return nil, covered
	}
	formSel := page.UniqueSelector(doc, form)
	steps = append(steps, schemas.RawStep{Action: "submit", Selector: formSel})

	name := strings.TrimSpace(form.AttrOr("aria-label", form.AttrOr("name", form.AttrOr("id", ""))))
	if name == "" {
		if heading := strings.TrimSpace(form.Find("h1, h2, h3, legend").First().Text()); heading != "" {
			name = heading
		} else {
			name = fmt.Sprintf("form %d", index+1)
		}
	}
	return &schemas.ScenarioProposal{
		Name:     "Submit " + name,
		Priority: string(schemas.PriorityHigh),
		Steps:    steps,
	}, covered
}

func sampleValue(typ, name string) string {
	n := strings.ToLower(name)
	switch {
	case typ == "email" || strings.Contains(n, "email"):
		return "scout@example.com"
	case typ == "password" || strings.Contains(n, "pass"):
		return "Scout-Passw0rd!"
	case typ == "number" || typ == "range":
		return "42"
	case typ == "tel" || strings.Contains(n, "phone"):
		return "+15555550100"
	case typ == "url":
		return "https://example.com"
	case typ == "date":
		return "2024-01-15"
	case typ == "search" || strings.Contains(n, "search") || n == "q":
		return "test"
	case strings.Contains(n, "name"):
		return "Scout Tester"
	default:
		return "scout test"
	}
}

var destructiveWords = []string{"delete", "remove", "logout", "log out", "sign out", "unsubscribe", "destroy"}

func isDestructive(text string) bool {
	t := strings.ToLower(text)
	for _, w := range destructiveWords {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

func sameSite(pageURL, href string) bool {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	ref, err := base.Parse(href)
	if err != nil {
		return false
	}
	return (ref.Scheme == "http" || ref.Scheme == "https") && strings.EqualFold(ref.Hostname(), base.Hostname())
}

func label(el schemas.Element) string {
	if el.Text != "" {
		return el.Text
	}
	if v := el.Attributes["aria-label"]; v != "" {
		return v
	}
	return el.Selector
}
