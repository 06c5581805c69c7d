package schemas

import "time"

// QueueItem is a unit of discovery work: a URL at a given depth and priority.
// Items are never deleted; their status is the audit trail of the crawl.
type QueueItem struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	URL        string      `json:"url"`
	Depth      int         `json:"depth"`
	FromPageID string      `json:"from_page_id,omitempty"`
	ScenarioID string      `json:"scenario_id,omitempty"`
	Priority   Priority    `json:"priority"`
	Status     QueueStatus `json:"status"`

	// Seq records insertion order and breaks priority ties.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DiscoveredPage is a node of the navigation graph. Real pages have a navigable URL.
// Virtual pages represent an in-page UI state and share their parent's URL plus a
// synthetic fragment.
type DiscoveredPage struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	URL             string    `json:"url"`
	Title           string    `json:"title"`
	Screenshot      []byte    `json:"-"`
	DOMSnapshot     string    `json:"-"`
	Depth           int       `json:"depth"`
	IsVirtual       bool      `json:"is_virtual"`
	StateIdentifier string    `json:"state_identifier,omitempty"`
	ParentPageID    string    `json:"parent_page_id,omitempty"`

	// TriggerScenarioID is the scenario whose execution produced a virtual page.
	TriggerScenarioID string    `json:"trigger_scenario_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// EdgeKind classifies a PageEdge.
type EdgeKind string

const (
	EdgeNavigation  EdgeKind = "navigation"
	EdgeStateChange EdgeKind = "state_change"
	EdgeDeadEnd     EdgeKind = "dead_end"
)

// PageEdge connects two pages of the navigation graph. Dead-end edges have no target.
type PageEdge struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	FromPageID string    `json:"from_page_id"`
	ToPageID   string    `json:"to_page_id,omitempty"`
	Action     string    `json:"action"`
	Kind       EdgeKind  `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// Element is one actionable control of a page inventory, passed verbatim to the Oracle.
type Element struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Role       string            `json:"role,omitempty"`
	Type       string            `json:"type,omitempty"`
	Text       string            `json:"text,omitempty"`
	Selector   string            `json:"selector"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Visible    bool              `json:"visible"`
}
