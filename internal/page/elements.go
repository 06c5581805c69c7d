package page

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

// MaxElements caps the inventory handed to the Oracle.
const MaxElements = 200

const actionableSelector = `a[href], button, input:not([type="hidden"]), select, textarea, summary, ` +
	`[role="button"], [role="link"], [role="tab"], [role="menuitem"], [role="checkbox"], [onclick], [contenteditable="true"]`

var keptAttributes = []string{"id", "name", "type", "href", "placeholder", "aria-label", "title", "role", "class", "value", "action"}

var cssIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ExtractElements parses dom and returns its actionable controls in document
// order, each with a selector that resolves to exactly that element.
func ExtractElements(dom string) ([]schemas.Element, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return nil, &schemas.CaptureError{What: "dom parse", Err: err}
	}

	var out []schemas.Element
	doc.Find(actionableSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		node := s.Get(0)
		el := schemas.Element{
			Index:      len(out),
			Tag:        node.Data,
			Role:       attr(s, "role"),
			Type:       attr(s, "type"),
			Text:       VisibleText(s, 80),
			Selector:   UniqueSelector(doc, s),
			Attributes: map[string]string{},
			Visible:    !Hidden(node),
		}
		for _, key := range keptAttributes {
			if v, ok := s.Attr(key); ok && v != "" {
				el.Attributes[key] = v
			}
		}
		if el.Role == "" {
			el.Role = impliedRole(node.Data, el.Type)
		}
		out = append(out, el)
		return len(out) < MaxElements
	})
	return out, nil
}

// UniqueSelector builds a CSS selector matching only s: the id when it is a
// plain identifier and unique, then a unique name or aria-label attribute, then
// a child path of nth-of-type steps from the nearest ancestor with an id.
func UniqueSelector(doc *goquery.Document, s *goquery.Selection) string {
	node := s.Get(0)
	tag := node.Data
	if id := attr(s, "id"); id != "" && cssIdent.MatchString(id) && doc.Find("#"+id).Length() == 1 {
		return "#" + id
	}
	for _, key := range []string{"name", "aria-label", "data-testid"} {
		if v := attr(s, key); v != "" {
			sel := fmt.Sprintf(`%s[%s=%s]`, tag, key, quoteCSS(v))
			if doc.Find(sel).Length() == 1 {
				return sel
			}
		}
	}

	var parts []string
	for n := node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n != node {
			if id := nodeAttr(n, "id"); id != "" && cssIdent.MatchString(id) && doc.Find("#"+id).Length() == 1 {
				parts = append(parts, "#"+id)
				break
			}
		}
		if n.Data == "html" {
			parts = append(parts, "html")
			break
		}
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", n.Data, nthOfType(n)))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// VisibleText returns the collapsed text of s, or its label-like attributes when
// it has none, truncated to max runes.
func VisibleText(s *goquery.Selection, max int) string {
	text := strings.Join(strings.Fields(s.Text()), " ")
	if text == "" {
		for _, key := range []string{"aria-label", "value", "placeholder", "title", "alt"} {
			if v := attr(s, key); v != "" {
				text = strings.Join(strings.Fields(v), " ")
				break
			}
		}
	}
	if r := []rune(text); max > 0 && len(r) > max {
		text = string(r[:max])
	}
	return text
}

// Hidden reports whether node or an ancestor is hidden through attributes or inline style.
func Hidden(node *html.Node) bool {
	for n := node; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		for _, a := range n.Attr {
			switch a.Key {
			case "hidden":
				return true
			case "aria-hidden":
				if a.Val == "true" {
					return true
				}
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

func impliedRole(tag, typ string) string {
	switch tag {
	case "a":
		return "link"
	case "button", "summary":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch typ {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset", "image":
			return "button"
		default:
			return "textbox"
		}
	}
	return ""
}

func nthOfType(n *html.Node) int {
	i := 1
	for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode && sib.Data == n.Data {
			i++
		}
	}
	return i
}

func attr(s *goquery.Selection, key string) string {
	v, _ := s.Attr(key)
	return strings.TrimSpace(v)
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func quoteCSS(v string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}
