package oracle

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	json "github.com/json-iterator/go"
	"github.com/microcosm-cc/bluemonday"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/llmutil"
)

const systemPrompt = `You are a QA engineer exploring a web application to find the interactions worth turning into regression tests.
Given a page (URL, title, a screenshot, an inventory of actionable elements and a sanitized DOM), propose interaction scenarios ranked from most to least valuable.

Respond with a JSON array and nothing else. Each element:
{"name": "short unique name", "priority": "high" | "medium" | "low",
 "steps": [{"action": "click" | "fill" | "select" | "check" | "hover" | "submit",
            "selector": "CSS selector", "text": "visible text of the target", "value": "value for fill or select"}]}

Rules:
- Prefer selectors from the element inventory. Always include the visible text of the target.
- Forms: fill every required field with realistic test data, then submit.
- Do not propose destructive actions such as deleting data or logging out.
- Propose at most 10 scenarios.`

// promptBuilder turns a page into the text part of an oracle request.
type promptBuilder struct {
	policy      *bluemonday.Policy
	md          *converter.Converter
	maxDOMChars int
}

func newPromptBuilder(maxDOMChars int) *promptBuilder {
	if maxDOMChars <= 0 {
		maxDOMChars = 40000
	}
	policy := bluemonday.NewPolicy()
	policy.AllowElements(
		"html", "body", "main", "header", "footer", "nav", "section", "article", "aside",
		"div", "span", "p", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li",
		"table", "thead", "tbody", "tr", "th", "td", "a", "button", "form", "label",
		"input", "select", "option", "textarea", "details", "summary", "dialog", "img",
	)
	policy.AllowAttrs("id", "class", "name", "role", "type", "placeholder", "aria-label",
		"title", "value", "for", "href", "action", "alt", "data-testid").Globally()

	return &promptBuilder{
		policy: policy,
		md: converter.NewConverter(
			converter.WithPlugins(base.NewBasePlugin(), commonmark.NewCommonmarkPlugin()),
		),
		maxDOMChars: maxDOMChars,
	}
}

// sanitize drops scripts, styles, event handlers and presentational attributes.
func (b *promptBuilder) sanitize(dom string) string {
	return strings.TrimSpace(b.policy.Sanitize(dom))
}

// summary renders the readable content of the page as markdown.
func (b *promptBuilder) summary(cleanDOM, pageURL string) string {
	out, err := b.md.ConvertString(cleanDOM, converter.WithDomain(pageURL))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func (b *promptBuilder) build(in schemas.OracleInput) (string, error) {
	clean := b.sanitize(in.DOM)
	inventory, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(in.Elements, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding element inventory: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nTitle: %s\n\n", in.URL, in.Title)
	fmt.Fprintf(&sb, "## Actionable elements\n%s\n\n", inventory)
	if md := b.summary(clean, in.URL); md != "" {
		fmt.Fprintf(&sb, "## Page content\n%s\n\n", llmutil.Truncate(md, b.maxDOMChars/4))
	}
	fmt.Fprintf(&sb, "## Sanitized DOM\n%s\n", llmutil.Truncate(clean, b.maxDOMChars))
	return sb.String(), nil
}
