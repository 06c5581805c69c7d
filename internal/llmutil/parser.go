// Package llmutil extracts structured data from free-form model output.
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"
)

// ErrEmptyResponse is returned when the model produced no text at all.
var ErrEmptyResponse = errors.New("empty model response")

// fencedBlock matches a markdown code fence, with or without a language tag.
// \x60 is a backtick; raw strings cannot contain one.
var fencedBlock = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ParseJSONResponse decodes a model response into T. The JSON may be wrapped in a
// markdown fence or surrounded by conversational text.
func ParseJSONResponse[T any](response string) (*T, error) {
	raw := ExtractJSON(response)
	if raw == "" {
		return nil, ErrEmptyResponse
	}
	var result T
	if err := json.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model JSON: %w. Extracted (truncated): %s", err, Truncate(raw, 500))
	}
	return &result, nil
}

// ExtractJSON returns the outermost JSON object or array in s, preferring the
// contents of a code fence when there is one.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if s == "" || s[0] == '{' || s[0] == '[' {
		return s
	}

	obj := span(s, '{', '}')
	arr := span(s, '[', ']')
	switch {
	case obj == "":
		if arr == "" {
			return s
		}
		return arr
	case arr == "":
		return obj
	case strings.Index(s, "[") < strings.Index(s, "{"):
		return arr
	default:
		return obj
	}
}

func span(s string, open, closing byte) string {
	first := strings.IndexByte(s, open)
	last := strings.LastIndexByte(s, closing)
	if first == -1 || last <= first {
		return ""
	}
	return s[first : last+1]
}

// Truncate cuts s to at most maxLen bytes, marking the cut with an ellipsis.
// The cut never splits a multi-byte rune.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
