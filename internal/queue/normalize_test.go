package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		base     string
		expected string
	}{
		{"drops fragment", "https://example.com/a#b", "", "https://example.com/a"},
		{"drops default https port", "https://example.com:443/a", "", "https://example.com/a"},
		{"drops default http port", "http://example.com:80/", "", "http://example.com/"},
		{"keeps custom port", "http://localhost:8080/x", "", "http://localhost:8080/x"},
		{"lowercases host", "HTTPS://Example.COM/Path", "", "https://example.com/Path"},
		{"empty path", "https://example.com", "", "https://example.com/"},
		{"sorts query", "https://example.com/?b=2&a=1", "", "https://example.com/?a=1&b=2"},
		{"resolves relative", "../c?x=1", "https://example.com/a/b/", "https://example.com/a/c?x=1"},
		{"scheme relative", "//example.com/p", "", "https://example.com/p"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeString(tc.raw, tc.base)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, raw := range []string{"javascript:void(0)", "https://example.com/app.js", "ftp://example.com/"} {
		_, err := Normalize(raw, "")
		assert.ErrorIs(t, err, ErrIgnored, raw)
	}
	_, err := Normalize("/no-base", "")
	assert.Error(t, err)
}

func TestSameDocument(t *testing.T) {
	assert.True(t, SameDocument("https://example.com/a#x", "https://example.com/a#y"))
	assert.True(t, SameDocument("https://example.com", "https://example.com/"))
	assert.False(t, SameDocument("https://example.com/a", "https://example.com/b"))
}

// FuzzNormalize resolves arbitrary links against arbitrary bases. Accepted
// URLs always come back crawlable.
func FuzzNormalize(f *testing.F) {
	f.Add("/about#team", "https://example.com/")
	f.Add("HTTP://Example.COM:80", "")
	f.Add("../b?z=1&a=2", "https://example.com/x/y/")
	f.Add("mailto:someone@example.com", "https://example.com/")
	f.Add("//cdn.example.com/app.js", "")
	f.Add("%zz", "::")

	f.Fuzz(func(t *testing.T, raw, base string) {
		u, err := Normalize(raw, base)
		if err != nil {
			return
		}
		assert.Contains(t, []string{"http", "https"}, u.Scheme)
		assert.Empty(t, u.Fragment)
		assert.NotEmpty(t, u.Path)
		assert.True(t, SameDocument(u.String(), u.String()))
	})
}
