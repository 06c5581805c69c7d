package schemas

import (
	"strings"
	"time"
)

// Action is the closed set of interactions a Step may perform.
type Action string

const (
	ActionClick  Action = "click"
	ActionFill   Action = "fill"
	ActionSelect Action = "select"
	ActionCheck  Action = "check"
	ActionHover  Action = "hover"
	ActionSubmit Action = "submit"
)

// Known reports whether the action belongs to the closed set.
func (a Action) Known() bool {
	switch a {
	case ActionClick, ActionFill, ActionSelect, ActionCheck, ActionHover, ActionSubmit:
		return true
	}
	return false
}

// actionAliases maps the loose vocabulary used by LLM output onto actions.
var actionAliases = map[string]Action{
	"click":  ActionClick,
	"tap":    ActionClick,
	"press":  ActionClick,
	"fill":   ActionFill,
	"type":   ActionFill,
	"input":  ActionFill,
	"enter":  ActionFill,
	"select": ActionSelect,
	"choose": ActionSelect,
	"check":  ActionCheck,
	"toggle": ActionCheck,
	"hover":  ActionHover,
	"submit": ActionSubmit,
}

// ParseAction normalizes a loosely typed action name. Unrecognized names are kept
// verbatim so they can be persisted unmodified and skipped at execution time.
func ParseAction(s string) Action {
	key := strings.ToLower(strings.TrimSpace(s))
	if a, ok := actionAliases[key]; ok {
		return a
	}
	return Action(key)
}

// TargetHints are semantic attributes derived from, or supplied alongside, a selector.
type TargetHints struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Class       string `json:"class,omitempty" yaml:"class,omitempty"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	AriaLabel   string `json:"aria_label,omitempty" yaml:"aria_label,omitempty"`
	Placeholder string `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Text        string `json:"text,omitempty" yaml:"text,omitempty"`
	Tag         string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// Target is a logical UI target: a primary selector plus hints.
type Target struct {
	Selector string      `json:"selector" yaml:"selector"`
	Hints    TargetHints `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// Step is one interaction of a scenario or test case.
type Step struct {
	Action Action `json:"action" yaml:"action"`
	Target Target `json:"target" yaml:"target"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Describe renders a short human readable form of the step for logs and edges.
func (s Step) Describe() string {
	label := s.Target.Selector
	if label == "" {
		label = s.Target.Hints.Text
	}
	if s.Value != "" {
		return string(s.Action) + " " + label + " = " + s.Value
	}
	return string(s.Action) + " " + label
}

// ScenarioOutcome records what executing a scenario did to the page.
type ScenarioOutcome string

const (
	OutcomeNavigated    ScenarioOutcome = "navigated"
	OutcomeStateChanged ScenarioOutcome = "state_changed"
	OutcomeNoChange     ScenarioOutcome = "no_change"
	OutcomeFailed       ScenarioOutcome = "failed"
)

// InteractionScenario is a named, ordered sequence of Steps planned for one page.
// Steps are immutable once persisted and Executed flips false -> true exactly once.
type InteractionScenario struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	PageID    string          `json:"page_id"`
	Name      string          `json:"name"`
	Steps     []Step          `json:"steps"`
	Priority  Priority        `json:"priority"`
	Rank      int             `json:"rank"`
	Executed  bool            `json:"executed"`
	Outcome   ScenarioOutcome `json:"outcome,omitempty"`
	ResultURL string          `json:"result_url,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// -- Oracle contract --

// OracleInput is everything the Oracle sees about one page.
type OracleInput struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	DOM        string    `json:"dom"`
	Screenshot []byte    `json:"-"`
	Elements   []Element `json:"elements"`
}

// RawStep is a step as proposed by the Oracle, before it is closed into a Step.
type RawStep struct {
	Action   string `json:"action"`
	Selector string `json:"selector"`
	Text     string `json:"text,omitempty" yaml:"text,omitempty"`
	Value    string `json:"value,omitempty"`
}

// ScenarioProposal is one ranked scenario suggested by the Oracle.
type ScenarioProposal struct {
	Name     string    `json:"name"`
	Priority string    `json:"priority"`
	Steps    []RawStep `json:"steps"`
}

// ToStep closes a raw step into the Step type.
func (r RawStep) ToStep() Step {
	return Step{
		Action: ParseAction(r.Action),
		Target: Target{
			Selector: strings.TrimSpace(r.Selector),
			Hints:    TargetHints{Text: strings.TrimSpace(r.Text)},
		},
		Value: r.Value,
	}
}
