package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genai"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
)

const proposalsJSON = `[
  {"name": "Submit login", "priority": "high", "steps": [
    {"action": "fill", "selector": "#email", "text": "Email", "value": "a@b.test"},
    {"action": "submit", "selector": "form#login"}]},
  {"name": "Open menu", "priority": "low", "steps": [{"action": "click", "selector": "#menu", "text": "Menu"}]}
]`

// modelReply wraps text the way the Gemini API returns a candidate.
func modelReply(text string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
			"finishReason": "STOP",
		}},
		"usageMetadata": map[string]any{"promptTokenCount": 120, "candidatesTokenCount": 40, "totalTokenCount": 160},
	})
	return string(body)
}

func apiError(code int, status string) string {
	return fmt.Sprintf(`{"error":{"code":%d,"message":"simulated","status":%q}}`, code, status)
}

type reply struct {
	status int
	body   string
}

// setupGemini serves replies in order, repeating the last one.
func setupGemini(t *testing.T, replies ...reply) (*GeminiOracle, *atomic.Int32, *[]string, *observer.ObservedLogs) {
	t.Helper()
	var calls atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/test-model:generateContent"), "unexpected path %s", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))

		rep := replies[len(replies)-1]
		if n <= len(replies) {
			rep = replies[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		_, _ = w.Write([]byte(rep.body))
	}))
	t.Cleanup(srv.Close)

	core, logs := observer.New(zap.DebugLevel)
	o, err := NewGeminiOracle(context.Background(), config.OracleConfig{
		Provider:    ProviderGemini,
		Model:       "test-model",
		APIKey:      "test-key",
		Endpoint:    srv.URL,
		MaxRetries:  2,
		MaxDOMChars: 2000,
	}, zap.New(core))
	require.NoError(t, err)
	o.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return o, &calls, &bodies, logs
}

var loginPage = schemas.OracleInput{
	URL:        "https://site.test/login",
	Title:      "Login",
	DOM:        `<html><body><form id="login"><input id="email" name="email"><button>Sign in</button></form><script>secret()</script></body></html>`,
	Screenshot: []byte{0x89, 'P', 'N', 'G'},
	Elements:   []schemas.Element{{Index: 0, Tag: "input", Selector: "#email", Visible: true}},
}

func TestGeminiProposeScenarios(t *testing.T) {
	o, calls, bodies, logs := setupGemini(t, reply{http.StatusOK, modelReply("```json\n" + proposalsJSON + "\n```")})

	got, err := o.ProposeScenarios(context.Background(), loginPage)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Submit login", got[0].Name)
	assert.Equal(t, "high", got[0].Priority)
	assert.Equal(t, "submit", got[0].Steps[1].Action)
	assert.Equal(t, "Menu", got[1].Steps[0].Text)
	assert.EqualValues(t, 1, calls.Load())

	body := (*bodies)[0]
	assert.Contains(t, body, "image/png", "screenshot is sent as an inline image")
	assert.Contains(t, body, "#email")
	assert.NotContains(t, body, "secret()", "scripts are sanitized away")
	assert.Equal(t, 1, logs.FilterMessage("Oracle responded.").Len())
}

func TestGeminiRetriesTransientErrors(t *testing.T) {
	o, calls, _, logs := setupGemini(t,
		reply{http.StatusServiceUnavailable, apiError(503, "UNAVAILABLE")},
		reply{http.StatusTooManyRequests, apiError(429, "RESOURCE_EXHAUSTED")},
		reply{http.StatusOK, modelReply(proposalsJSON)},
	)

	got, err := o.ProposeScenarios(context.Background(), loginPage)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 2, logs.FilterMessage("Transient oracle error, retrying.").Len())
}

func TestGeminiGivesUpAfterMaxRetries(t *testing.T) {
	o, calls, _, _ := setupGemini(t, reply{http.StatusTooManyRequests, apiError(429, "RESOURCE_EXHAUSTED")})

	_, err := o.ProposeScenarios(context.Background(), loginPage)
	var oerr *schemas.OracleError
	require.ErrorAs(t, err, &oerr)
	assert.EqualValues(t, 3, calls.Load(), "one attempt plus two retries")
}

func TestGeminiPermanentError(t *testing.T) {
	o, calls, _, _ := setupGemini(t, reply{http.StatusBadRequest, apiError(400, "INVALID_ARGUMENT")})

	_, err := o.ProposeScenarios(context.Background(), loginPage)
	var oerr *schemas.OracleError
	require.ErrorAs(t, err, &oerr)
	var apiErr genai.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Code)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGeminiMalformedOutput(t *testing.T) {
	o, _, _, _ := setupGemini(t, reply{http.StatusOK, modelReply("I could not find anything to click.")})

	_, err := o.ProposeScenarios(context.Background(), loginPage)
	var oerr *schemas.OracleError
	assert.ErrorAs(t, err, &oerr)
}

func TestGeminiRequiresAPIKey(t *testing.T) {
	_, err := NewGeminiOracle(context.Background(), config.OracleConfig{Model: "m"}, nil)
	assert.Error(t, err)
}

func TestParseProposalsEnvelope(t *testing.T) {
	got, err := ParseProposals(`{"scenarios": [{"name": "x", "steps": [{"action": "hover", "selector": "nav"}]}]}`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hover", got[0].Steps[0].Action)
}

func TestPromptBuilderTruncatesDOM(t *testing.T) {
	b := newPromptBuilder(100)
	dom := "<html><body><p>" + strings.Repeat("lorem ipsum ", 100) + `</p><button onclick="evil()" style="color:red">Go</button></body></html>`
	prompt, err := b.build(schemas.OracleInput{URL: "https://site.test/", Title: "T", DOM: dom})
	require.NoError(t, err)
	assert.Contains(t, prompt, "URL: https://site.test/")
	assert.Contains(t, prompt, "...")
	assert.NotContains(t, b.sanitize(dom), "onclick")
	assert.NotContains(t, b.sanitize(dom), "style=")
	assert.Contains(t, b.sanitize(dom), "<button>Go</button>")
}

func TestNewFactory(t *testing.T) {
	o, err := New(context.Background(), config.OracleConfig{Provider: ProviderHeuristic}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HeuristicOracle{}, o)

	_, err = New(context.Background(), config.OracleConfig{Provider: "openai"}, nil)
	assert.ErrorContains(t, err, "unsupported oracle provider")
}
