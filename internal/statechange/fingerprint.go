// Package statechange decides whether an interaction changed the UI state of a
// page without changing its URL, and names the resulting state.
package statechange

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scout-cli/internal/page"
)

// ElementCounts tallies the interactive structure of a document.
type ElementCounts struct {
	Links   int `json:"links"`
	Buttons int `json:"buttons"`
	Inputs  int `json:"inputs"`
	Forms   int `json:"forms"`
	Dialogs int `json:"dialogs"`
}

// Fingerprint is a comparable summary of a rendered document.
type Fingerprint struct {
	URL       string
	TagCounts map[string]int
	Counts    ElementCounts
	TextHash  string
	TextLines []string
	// Dialogs holds a signature per visible dialog.
	Dialogs []string
}

const dialogSelector = `dialog[open], [role="dialog"], [role="alertdialog"], [aria-modal="true"], .modal.show, .modal.open`

// Compute parses dom and fingerprints it.
func Compute(url, dom string) (*Fingerprint, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
	if err != nil {
		return nil, err
	}

	fp := &Fingerprint{URL: url, TagCounts: make(map[string]int)}
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body.Find("*").Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		switch n.Data {
		case "script", "style", "noscript", "template":
			return
		}
		fp.TagCounts[n.Data]++
	})

	fp.Counts = ElementCounts{
		Links:   body.Find("a[href]").Length(),
		Buttons: body.Find(`button, [role="button"], input[type="submit"], input[type="button"]`).Length(),
		Inputs:  body.Find(`input:not([type="hidden"]), select, textarea`).Length(),
		Forms:   body.Find("form").Length(),
	}
	body.Find(dialogSelector).Each(func(_ int, s *goquery.Selection) {
		if page.Hidden(s.Get(0)) {
			return
		}
		fp.Dialogs = append(fp.Dialogs, dialogSignature(s))
	})
	fp.Counts.Dialogs = len(fp.Dialogs)

	fp.TextLines = visibleLines(body)
	h := sha256.New()
	for _, line := range fp.TextLines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	fp.TextHash = hex.EncodeToString(h.Sum(nil))
	return fp, nil
}

func dialogSignature(s *goquery.Selection) string {
	id, _ := s.Attr("id")
	role, _ := s.Attr("role")
	text := page.VisibleText(s, 40)
	return strings.Join([]string{s.Get(0).Data, id, role, text}, "|")
}

// visibleLines returns the text of every visible text node, whitespace
// collapsed, in document order. Duplicates are kept once.
func visibleLines(body *goquery.Selection) []string {
	seen := make(map[string]struct{})
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			}
			if page.Hidden(n) {
				return
			}
		}
		if n.Type == html.TextNode {
			line := strings.Join(strings.Fields(n.Data), " ")
			if line != "" {
				if _, dup := seen[line]; !dup {
					seen[line] = struct{}{}
					lines = append(lines, line)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range body.Nodes {
		walk(n)
	}
	return lines
}

// sortedKeys returns the keys of m in order.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
