package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/browser/browsertest"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/oracle"
	"github.com/xkilldash9x/scout-cli/internal/orchestrator"
	"github.com/xkilldash9x/scout-cli/internal/store"
)

const (
	rootURL  = "https://site.test/"
	aboutURL = "https://site.test/about"
	secret   = "test-secret"
)

func site() *browsertest.Site {
	return browsertest.NewSite().
		AddPage(rootURL, `<html><head><title>Home</title></head><body>
  <h1>Home</h1><a id="about" href="/about">About</a>
</body></html>`).
		AddPage(aboutURL, `<html><head><title>About</title></head><body><h1>About us</h1></body></html>`)
}

type gatedEngine struct {
	schemas.BrowserEngine
	gate chan struct{}
}

func (g *gatedEngine) NewPage(ctx context.Context) (schemas.BrowserPage, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.BrowserEngine.NewPage(ctx)
}

type harness struct {
	orch   *orchestrator.Orchestrator
	server *Server
	gate   chan struct{}
}

type options struct {
	autoExecute bool
	gated       bool
	secret      string
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	cfg.DiscoveryCfg.NavigationRetryDelay = time.Millisecond
	cfg.ExecutionCfg.AutoExecute = opts.autoExecute
	cfg.ServerCfg.JWTSecret = opts.secret

	s := site()
	h := &harness{}
	var crawl schemas.BrowserEngine = browsertest.NewEngine("crawl", s)
	if opts.gated {
		h.gate = make(chan struct{})
		crawl = &gatedEngine{BrowserEngine: crawl, gate: h.gate}
	}
	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:       store.NewMemory(),
		Oracle:      oracle.NewHeuristicOracle(logger),
		CrawlEngine: crawl,
		Engines:     []schemas.BrowserEngine{browsertest.NewEngine("chromium", s)},
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, orch.Shutdown(ctx))
	})
	h.orch = orch
	h.server = NewServer(orch, cfg.ServerCfg, logger)
	return h
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *harness) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (h *harness) wait(t *testing.T, runID string) *schemas.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := h.orch.Wait(ctx, runID)
	require.NoError(t, err)
	return run
}

func (h *harness) create(t *testing.T, token string) string {
	t.Helper()
	rec, env := h.do(t, http.MethodPost, "/api/v1/runs", `{"root_url":"`+rootURL+`"}`, token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run schemas.Run
	require.NoError(t, json.Unmarshal(env.Data, &run))
	require.NotEmpty(t, run.ID)
	return run.ID
}

func TestHealth(t *testing.T) {
	h := newHarness(t, options{secret: secret})
	rec, env := h.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")
	assert.Equal(t, "success", env.Message)
}

func TestBearerAuth(t *testing.T) {
	h := newHarness(t, options{secret: secret})
	token, err := GenerateToken([]byte(secret), "tester", time.Hour)
	require.NoError(t, err)

	rec, _ := h.do(t, http.MethodGet, "/api/v1/runs/nope", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := GenerateToken([]byte("other"), "tester", time.Hour)
	require.NoError(t, err)
	rec, _ = h.do(t, http.MethodGet, "/api/v1/runs/nope", "", other)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/v1/runs/nope", "", token)
	assert.Equal(t, http.StatusNotFound, rec.Code, "authorized requests reach the handler")

	rec, _ = h.do(t, http.MethodGet, "/api/v1/runs/nope?token="+token, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwdw==")
	basic := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(basic, req)
	assert.Equal(t, http.StatusUnauthorized, basic.Code)
}

func TestValidateToken(t *testing.T) {
	key := []byte(secret)
	_, err := GenerateToken(nil, "x", time.Hour)
	assert.Error(t, err)

	expired, err := GenerateToken(key, "x", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(key, expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(key)
	require.NoError(t, err)
	_, err = ValidateToken(key, hs512)
	assert.Error(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: issuer}).SignedString(key)
	require.NoError(t, err)
	_, err = ValidateToken(key, noExpiry)
	assert.Error(t, err)

	good, err := GenerateToken(key, "tester", time.Hour)
	require.NoError(t, err)
	claims, err := ValidateToken(key, good)
	require.NoError(t, err)
	assert.Equal(t, "tester", claims.Subject)
}

func TestCreateRunAndReadResults(t *testing.T) {
	h := newHarness(t, options{autoExecute: true})
	id := h.create(t, "")
	run := h.wait(t, id)
	require.Equal(t, schemas.RunCompleted, run.Status)

	rec, env := h.do(t, http.MethodGet, "/api/v1/runs/"+id, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got schemas.Run
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, schemas.RunCompleted, got.Status)
	assert.Equal(t, 1, got.Counters.Passed)

	_, env = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/pages", "", "")
	var pages []schemas.DiscoveredPage
	require.NoError(t, json.Unmarshal(env.Data, &pages))
	assert.Len(t, pages, 2)

	_, env = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/edges", "", "")
	var edges []schemas.PageEdge
	require.NoError(t, json.Unmarshal(env.Data, &edges))
	assert.NotEmpty(t, edges)

	_, env = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/scenarios", "", "")
	var scenarios []schemas.InteractionScenario
	require.NoError(t, json.Unmarshal(env.Data, &scenarios))
	assert.NotEmpty(t, scenarios)

	_, env = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/test-cases", "", "")
	var tcs []schemas.TestCase
	require.NoError(t, json.Unmarshal(env.Data, &tcs))
	require.Len(t, tcs, 1)

	_, env = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/test-cases?status=failed", "", "")
	var failed []schemas.TestCase
	if len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, &failed))
	}
	assert.Empty(t, failed)

	_, env = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/test-cases/"+tcs[0].ID+"/executions", "", "")
	var execs []schemas.TestCaseExecution
	require.NoError(t, json.Unmarshal(env.Data, &execs))
	assert.Len(t, execs, 1)

	rec, env = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/progress", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var last schemas.ProgressEvent
	require.NoError(t, json.Unmarshal(env.Data, &last))
	assert.Equal(t, id, last.RunID)

	rec, _ = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/export", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "root_url: "+rootURL)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), id+".yaml")

	rec, _ = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/export?format=xml", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/v1/runs/"+id+"/pause", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "finished runs cannot be controlled")
}

func TestCreateRunValidation(t *testing.T) {
	h := newHarness(t, options{})
	for name, body := range map[string]string{
		"missing url":    `{}`,
		"bad scheme":     `{"root_url":"ftp://site.test"}`,
		"negative depth": `{"root_url":"` + rootURL + `","max_depth":-1}`,
		"malformed":      `{"root_url":`,
	} {
		rec, env := h.do(t, http.MethodPost, "/api/v1/runs", body, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.NotEmpty(t, env.Message, name)
	}
}

func TestUnknownRun(t *testing.T) {
	h := newHarness(t, options{})
	for _, path := range []string{"", "/pages", "/test-cases", "/progress", "/export"} {
		rec, _ := h.do(t, http.MethodGet, "/api/v1/runs/nope"+path, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec, _ := h.do(t, http.MethodPost, "/api/v1/runs/nope/stop", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = h.do(t, http.MethodPost, "/api/v1/runs/nope/execute", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlEndpoints(t *testing.T) {
	h := newHarness(t, options{autoExecute: true, gated: true})
	id := h.create(t, "")

	rec, env := h.do(t, http.MethodPost, "/api/v1/runs/"+id+"/pause", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run schemas.Run
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, schemas.RunPaused, run.Status)

	rec, _ = h.do(t, http.MethodPost, "/api/v1/runs/"+id+"/pause", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/v1/runs/"+id+"/cancel", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	close(h.gate)
	assert.Equal(t, schemas.RunCancelled, h.wait(t, id).Status)
}

func TestExecuteEndpoint(t *testing.T) {
	h := newHarness(t, options{autoExecute: false})
	id := h.create(t, "")
	require.Equal(t, schemas.RunReadyForExecution, h.wait(t, id).Status)

	rec, _ := h.do(t, http.MethodPost, "/api/v1/runs/"+id+"/execute", `{"test_case_ids":[`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/v1/runs/"+id+"/execute", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := h.wait(t, id)
	assert.Equal(t, schemas.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Counters.Passed)

	rec, _ = h.do(t, http.MethodPost, "/api/v1/runs/"+id+"/execute", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func dial(t *testing.T, ts *httptest.Server, runID, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/" + runID + "/stream"
	if token != "" {
		u += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilFinished returns every event up to the terminal lifecycle event.
func readUntilFinished(t *testing.T, conn *websocket.Conn) []schemas.ProgressEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var events []schemas.ProgressEvent
	for {
		var e schemas.ProgressEvent
		require.NoError(t, conn.ReadJSON(&e))
		events = append(events, e)
		if finished(e) {
			return events
		}
	}
}

func TestStream(t *testing.T) {
	h := newHarness(t, options{autoExecute: true, gated: true, secret: secret})
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()
	token, err := GenerateToken([]byte(secret), "tester", time.Hour)
	require.NoError(t, err)

	id := h.create(t, token)
	conn := dial(t, ts, id, token)
	close(h.gate)

	events := readUntilFinished(t, conn)
	last := events[len(events)-1]
	assert.Equal(t, schemas.RunCompleted, last.Status)
	for _, e := range events {
		assert.Equal(t, id, e.RunID)
	}
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// A finished run answers with a single snapshot.
	again := dial(t, ts, id, token)
	events = readUntilFinished(t, again)
	require.Len(t, events, 1)
	assert.Equal(t, schemas.RunCompleted, events[0].Status)
	assert.Equal(t, 2, events[0].DiscoveredCount)
}

func TestStreamRejectsUnknownRun(t *testing.T) {
	h := newHarness(t, options{})
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/nope/stream"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeShutsDownWithContext(t *testing.T) {
	h := newHarness(t, options{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
	select {
	case <-h.server.closing:
	default:
		t.Fatal("streams were not told to close")
	}
}
