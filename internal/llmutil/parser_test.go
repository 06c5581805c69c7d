package llmutil

import (
	"strings"
	"testing"
	"unicode/utf8"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Name string `json:"name"`
}

func TestParseJSONResponse(t *testing.T) {
	testCases := []struct {
		name     string
		response string
		want     []item
	}{
		{"bare array", `[{"name":"a"}]`, []item{{"a"}}},
		{"fenced", "```json\n[{\"name\":\"b\"}]\n```", []item{{"b"}}},
		{"fenced without tag", "```\n[{\"name\":\"c\"}]\n```", []item{{"c"}}},
		{"conversational", `Sure! Here you go: [{"name":"d"}] Let me know.`, []item{{"d"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseJSONResponse[[]item](tc.response)
			require.NoError(t, err)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestParseJSONResponseObjectInText(t *testing.T) {
	type wrapper struct {
		Items []item `json:"items"`
	}
	got, err := ParseJSONResponse[wrapper](`The result is {"items":[{"name":"x"}]}.`)
	require.NoError(t, err)
	assert.Equal(t, []item{{"x"}}, got.Items)
}

func TestParseJSONResponseErrors(t *testing.T) {
	_, err := ParseJSONResponse[[]item]("   ")
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = ParseJSONResponse[[]item]("no json here")
	assert.Error(t, err)

	_, err = ParseJSONResponse[[]item](`[{"name": }]`)
	assert.ErrorContains(t, err, "failed to unmarshal")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("abc", 0))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes and "日" three.
	assert.Equal(t, "caf...", Truncate("café au lait", 4))
	assert.Equal(t, "café...", Truncate("café au lait", 5))
	assert.Equal(t, "...", Truncate("日本語", 2))
	assert.Equal(t, "日...", Truncate("日本語", 4))

	out := Truncate(strings.Repeat("ü", 300), 500)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, strings.Repeat("ü", 250)+"...", out)
}

// FuzzExtractJSON checks that extraction never panics and only ever returns
// text taken from its input.
func FuzzExtractJSON(f *testing.F) {
	f.Add("```json\n[{\"name\":\"b\"}]\n```")
	f.Add(`Sure! Here you go: [{"name":"d"}] Let me know.`)
	f.Add(`The result is {"items":[{"name":"x"}]}.`)
	f.Add(`}{][`)
	f.Add("```")

	f.Fuzz(func(t *testing.T, s string) {
		out := ExtractJSON(s)
		assert.True(t, strings.Contains(s, out), "extracted %q from %q", out, s)
		_, _ = ParseJSONResponse[[]item](s)
	})
}

// FuzzTruncate feeds Truncate a string and a limit carved from the same input.
func FuzzTruncate(f *testing.F) {
	f.Add([]byte("café au lait, 日本語"))
	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		s, err := c.GetString()
		if err != nil {
			return
		}
		n, err := c.GetInt()
		if err != nil {
			return
		}
		maxLen := n % 1024

		out := Truncate(s, maxLen)
		if maxLen <= 0 {
			assert.Empty(t, out)
			return
		}
		if len(s) <= maxLen {
			assert.Equal(t, s, out)
			return
		}
		body := strings.TrimSuffix(out, "...")
		assert.LessOrEqual(t, len(body), maxLen)
		assert.True(t, strings.HasPrefix(s, body))
		if utf8.ValidString(s) {
			assert.True(t, utf8.ValidString(out))
		}
	})
}
