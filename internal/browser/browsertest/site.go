// Package browsertest provides a scripted, in-memory browser for exercising the
// discovery and execution engines without Chrome. Pages are plain HTML parsed
// with goquery; interactions are driven by handlers registered on the Site.
package browsertest

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Event names the interaction a handler reacts to.
type Event string

const (
	Click  Event = "click"
	Hover  Event = "hover"
	Submit Event = "submit"
	Fill   Event = "fill"
)

// Handler reacts to an interaction on the page. It may navigate (Goto) or
// mutate the current document (SetHTML, Mutate).
type Handler func(p *Page) error

type handlerKey struct {
	event    Event
	url      string
	selector string
}

type handlerEntry struct {
	key     handlerKey
	handler Handler
}

// Site is a set of pages shared by every Page opened on an Engine.
type Site struct {
	mu            sync.Mutex
	pages         map[string]string
	handlers      []handlerEntry
	navFailures   map[string]int
	backFailures  map[string]bool
	visits        map[string]int
	screenshotErr error
}

// NewSite returns an empty site.
func NewSite() *Site {
	return &Site{
		pages:        make(map[string]string),
		navFailures:  make(map[string]int),
		backFailures: make(map[string]bool),
		visits:       make(map[string]int),
	}
}

// AddPage registers the HTML served at rawURL.
func (s *Site) AddPage(rawURL, html string) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[canonical(rawURL)] = html
	return s
}

// On registers a handler for event on elements matching selector while the page
// at rawURL is displayed. An empty rawURL matches every page.
func (s *Site) On(event Event, rawURL, selector string, h Handler) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := handlerKey{event: event, selector: selector}
	if rawURL != "" {
		key.url = canonical(rawURL)
	}
	s.handlers = append(s.handlers, handlerEntry{key: key, handler: h})
	return s
}

// OnClick is shorthand for On(Click, ...).
func (s *Site) OnClick(rawURL, selector string, h Handler) *Site {
	return s.On(Click, rawURL, selector, h)
}

// FailNavigation makes the next n navigations to rawURL fail. n < 0 fails forever.
func (s *Site) FailNavigation(rawURL string, n int) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navFailures[canonical(rawURL)] = n
	return s
}

// FailBackFrom makes history navigation away from rawURL fail.
func (s *Site) FailBackFrom(rawURL string) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backFailures[canonical(rawURL)] = true
	return s
}

// FailScreenshots makes every screenshot fail with err.
func (s *Site) FailScreenshots(err error) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenshotErr = err
	return s
}

// Visits reports how many navigations reached rawURL, including history navigations.
func (s *Site) Visits(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[canonical(rawURL)]
}

func (s *Site) load(rawURL string) (string, error) {
	key := canonical(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.navFailures[key]; ok && n != 0 {
		if n > 0 {
			s.navFailures[key] = n - 1
		}
		return "", fmt.Errorf("net::ERR_CONNECTION_REFUSED at %s", rawURL)
	}
	s.visits[key]++
	if html, ok := s.pages[key]; ok {
		return html, nil
	}
	return notFoundHTML, nil
}

func (s *Site) backFails(rawURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backFailures[canonical(rawURL)]
}

func (s *Site) screenshotError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenshotErr
}

func (s *Site) handlersFor(event Event, rawURL string) []handlerEntry {
	key := canonical(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []handlerEntry
	for _, h := range s.handlers {
		if h.key.event == event && (h.key.url == "" || h.key.url == key) {
			out = append(out, h)
		}
	}
	return out
}

const notFoundHTML = `<html><head><title>404 Not Found</title></head><body><h1>Not Found</h1></body></html>`

// canonical drops the fragment and gives an empty path the root slash.
func canonical(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return strings.TrimSuffix(u.String(), "#")
}
