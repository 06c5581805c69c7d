// Package locator resolves logical UI targets to concrete elements, falling
// back through attribute, text and click-mode alternatives when the primary
// selector no longer works.
package locator

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// Kind classifies how a candidate finds its element.
type Kind string

const (
	KindPrimary   Kind = "primary"
	KindAttribute Kind = "attribute"
	KindText      Kind = "text"
	KindTagText   Kind = "tag_text"
)

// Candidate is one way of finding the target. CSS candidates carry a selector;
// text candidates carry the text (and optional tag) to look up in the DOM.
type Candidate struct {
	Kind     Kind
	Selector string
	Text     string
	Tag      string
}

// String renders the candidate for logs and failure reports.
func (c Candidate) String() string {
	switch c.Kind {
	case KindText:
		return `text="` + c.Text + `"`
	case KindTagText:
		return c.Tag + `:text("` + c.Text + `")`
	default:
		return c.Selector
	}
}

var (
	textEquals  = regexp.MustCompile(`^\s*text\s*=\s*(.+?)\s*$`)
	textPseudo  = regexp.MustCompile(`^(.*?):(?:has-text|contains|text)\(\s*["']?(.*?)["']?\s*\)\s*$`)
	leadingTag  = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9-]*)`)
	idPart      = regexp.MustCompile(`#([A-Za-z0-9_-]+)`)
	classPart   = regexp.MustCompile(`\.([A-Za-z_][A-Za-z0-9_-]*)`)
	attrPart    = regexp.MustCompile(`\[\s*([a-zA-Z-]+)\s*[*^$~|]?=\s*["']?([^"'\]]*)["']?\s*\]`)
	quotedValue = regexp.MustCompile(`^["'](.*)["']$`)
)

// ParseTarget derives hints from selector and rewrites text-match pseudo syntax
// (text=…, :has-text(…), :contains(…), :text(…)) into a text lookup, which leaves
// the returned target without a CSS selector. Hints passed in take precedence
// over derived ones.
func ParseTarget(selector string, hints schemas.TargetHints) schemas.Target {
	sel := strings.TrimSpace(selector)
	derived := schemas.TargetHints{}

	if m := textEquals.FindStringSubmatch(sel); m != nil {
		derived.Text = unquote(m[1])
		sel = ""
	} else if m := textPseudo.FindStringSubmatch(sel); m != nil {
		derived.Text = m[2]
		derived.Tag = strings.ToLower(leadingTag.FindString(lastCompound(m[1])))
		sel = ""
	}

	last := lastCompound(sel)
	if tag := leadingTag.FindString(last); tag != "" {
		derived.Tag = strings.ToLower(tag)
	}
	if m := idPart.FindStringSubmatch(last); m != nil {
		derived.ID = m[1]
	}
	if m := classPart.FindStringSubmatch(last); m != nil {
		derived.Class = m[1]
	}
	for _, m := range attrPart.FindAllStringSubmatch(last, -1) {
		switch strings.ToLower(m[1]) {
		case "id":
			derived.ID = m[2]
		case "name":
			derived.Name = m[2]
		case "aria-label":
			derived.AriaLabel = m[2]
		case "placeholder":
			derived.Placeholder = m[2]
		case "class":
			derived.Class = m[2]
		}
	}

	return schemas.Target{Selector: sel, Hints: merge(hints, derived)}
}

// Candidates lists the ways of finding target, most specific first: the primary
// selector, contains-then-exact attribute variants for id, name, aria-label,
// placeholder and class, a text lookup, then a tag-scoped text lookup. Without
// healing only the first candidate is returned.
func Candidates(target schemas.Target, healing bool) []Candidate {
	h := target.Hints
	var out []Candidate
	seen := make(map[string]struct{})
	add := func(c Candidate) {
		key := string(c.Kind) + "|" + c.String()
		if c.Kind == KindPrimary || c.Kind == KindAttribute {
			key = c.Selector
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}

	if target.Selector != "" {
		add(Candidate{Kind: KindPrimary, Selector: target.Selector})
	}
	for _, a := range []struct{ attr, val string }{
		{"id", h.ID},
		{"name", h.Name},
		{"aria-label", h.AriaLabel},
		{"placeholder", h.Placeholder},
		{"class", h.Class},
	} {
		if a.val == "" {
			continue
		}
		q := quote(a.val)
		add(Candidate{Kind: KindAttribute, Selector: "[" + a.attr + "*=" + q + "]"})
		if a.attr == "class" {
			add(Candidate{Kind: KindAttribute, Selector: "[class~=" + q + "]"})
		} else {
			add(Candidate{Kind: KindAttribute, Selector: "[" + a.attr + "=" + q + "]"})
		}
	}
	if h.Text != "" {
		add(Candidate{Kind: KindText, Text: h.Text})
		if h.Tag != "" {
			add(Candidate{Kind: KindTagText, Text: h.Text, Tag: h.Tag})
		}
	}

	if !healing && len(out) > 1 {
		out = out[:1]
	}
	return out
}

// lastCompound returns the rightmost compound selector, the part that names the element itself.
func lastCompound(sel string) string {
	depth := 0
	start := 0
	for i, r := range sel {
		switch r {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ' ', '>', '+', '~':
			if depth == 0 {
				start = i + 1
			}
		}
	}
	return strings.TrimSpace(sel[start:])
}

func merge(explicit, derived schemas.TargetHints) schemas.TargetHints {
	pick := func(a, b string) string {
		if strings.TrimSpace(a) != "" {
			return strings.TrimSpace(a)
		}
		return b
	}
	return schemas.TargetHints{
		ID:          pick(explicit.ID, derived.ID),
		Class:       pick(explicit.Class, derived.Class),
		Name:        pick(explicit.Name, derived.Name),
		AriaLabel:   pick(explicit.AriaLabel, derived.AriaLabel),
		Placeholder: pick(explicit.Placeholder, derived.Placeholder),
		Text:        pick(explicit.Text, derived.Text),
		Tag:         strings.ToLower(pick(explicit.Tag, derived.Tag)),
	}
}

func unquote(s string) string {
	if m := quotedValue.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

func quote(v string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}
