package statechange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/queue"
)

// Delta describes what changed between two fingerprints.
type Delta struct {
	Significant    bool
	Reason         string
	URLChanged     bool
	DialogAppeared bool
	// ElementDelta is the sum of absolute per-tag count differences.
	ElementDelta int
	// TextChurn is the share of visible text lines added or removed.
	TextChurn float64
	AddedText []string
	// StateIdentifier names the resulting state under its parent page.
	StateIdentifier string
}

// Detector snapshots a page under caller chosen tags and compares snapshots.
type Detector struct {
	page   schemas.BrowserPage
	cfg    config.StateConfig
	logger *zap.Logger

	mu        sync.Mutex
	snapshots map[string]*Fingerprint
}

// NewDetector creates a detector over bp.
func NewDetector(bp schemas.BrowserPage, cfg config.StateConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinElementDelta <= 0 {
		cfg.MinElementDelta = 8
	}
	if cfg.MinTextChurn <= 0 {
		cfg.MinTextChurn = 0.3
	}
	return &Detector{
		page:      bp,
		cfg:       cfg,
		logger:    logger.Named("statechange"),
		snapshots: make(map[string]*Fingerprint),
	}
}

// Snapshot fingerprints the current page and stores it under tag.
func (d *Detector) Snapshot(ctx context.Context, tag string) (*Fingerprint, error) {
	url, err := d.page.URL(ctx)
	if err != nil {
		return nil, &schemas.CaptureError{What: "url", Err: err}
	}
	dom, err := d.page.HTML(ctx)
	if err != nil {
		return nil, &schemas.CaptureError{What: "dom", Err: err}
	}
	fp, err := Compute(url, dom)
	if err != nil {
		return nil, &schemas.CaptureError{What: "fingerprint", Err: err}
	}
	d.mu.Lock()
	d.snapshots[tag] = fp
	d.mu.Unlock()
	return fp, nil
}

// Detect compares the snapshots stored under beforeTag and afterTag.
func (d *Detector) Detect(beforeTag, afterTag string) (*Delta, error) {
	d.mu.Lock()
	before, okB := d.snapshots[beforeTag]
	after, okA := d.snapshots[afterTag]
	d.mu.Unlock()
	if !okB || !okA {
		return nil, fmt.Errorf("missing snapshot %q or %q", beforeTag, afterTag)
	}
	delta := Compare(before, after, d.cfg)
	if delta.Significant {
		d.logger.Debug("Significant state change.",
			zap.String("url", after.URL),
			zap.String("reason", delta.Reason),
			zap.Int("element_delta", delta.ElementDelta),
			zap.Float64("text_churn", delta.TextChurn),
			zap.String("state", delta.StateIdentifier))
	}
	return delta, nil
}

// Forget drops stored snapshots.
func (d *Detector) Forget(tags ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range tags {
		delete(d.snapshots, t)
	}
}

// Compare computes the delta from before to after. A change is significant only
// on the same document, and when a dialog appeared, the element delta reached
// cfg.MinElementDelta or the text churn reached cfg.MinTextChurn.
func Compare(before, after *Fingerprint, cfg config.StateConfig) *Delta {
	delta := &Delta{URLChanged: !queue.SameDocument(before.URL, after.URL)}

	tagDeltas := make(map[string]int)
	for tag, n := range after.TagCounts {
		if diff := n - before.TagCounts[tag]; diff != 0 {
			tagDeltas[tag] = diff
		}
	}
	for tag, n := range before.TagCounts {
		if _, ok := after.TagCounts[tag]; !ok {
			tagDeltas[tag] = -n
		}
	}
	for _, diff := range tagDeltas {
		delta.ElementDelta += abs(diff)
	}

	beforeDialogs := toSet(before.Dialogs)
	var newDialogs []string
	for _, sig := range after.Dialogs {
		if _, ok := beforeDialogs[sig]; !ok {
			newDialogs = append(newDialogs, sig)
		}
	}
	sort.Strings(newDialogs)
	delta.DialogAppeared = len(newDialogs) > 0

	beforeLines, afterLines := toSet(before.TextLines), toSet(after.TextLines)
	removed := 0
	for line := range beforeLines {
		if _, ok := afterLines[line]; !ok {
			removed++
		}
	}
	for _, line := range after.TextLines {
		if _, ok := beforeLines[line]; !ok {
			delta.AddedText = append(delta.AddedText, line)
		}
	}
	union := len(beforeLines) + len(delta.AddedText)
	if union > 0 {
		delta.TextChurn = float64(len(delta.AddedText)+removed) / float64(union)
	}

	if delta.URLChanged {
		return delta
	}
	switch {
	case delta.DialogAppeared:
		delta.Reason = "dialog appeared"
	case delta.ElementDelta >= cfg.MinElementDelta:
		delta.Reason = fmt.Sprintf("element delta %d", delta.ElementDelta)
	case delta.TextChurn >= cfg.MinTextChurn:
		delta.Reason = fmt.Sprintf("text churn %.2f", delta.TextChurn)
	default:
		return delta
	}
	delta.Significant = true
	delta.StateIdentifier = stateIdentifier(newDialogs, tagDeltas, delta.AddedText)
	return delta
}

// stateIdentifier hashes the order independent parts of a delta so the same UI
// state reached twice gets the same name.
func stateIdentifier(dialogs []string, tagDeltas map[string]int, added []string) string {
	h := sha256.New()
	for _, sig := range dialogs {
		fmt.Fprintf(h, "dialog:%s\n", sig)
	}
	for _, tag := range sortedKeys(tagDeltas) {
		fmt.Fprintf(h, "tag:%s:%+d\n", tag, tagDeltas[tag])
	}
	lines := append([]string(nil), added...)
	sort.Strings(lines)
	fmt.Fprintf(h, "text:%s\n", strings.Join(lines, "\n"))
	return hex.EncodeToString(h.Sum(nil))
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
