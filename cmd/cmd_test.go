// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/api"
	"github.com/xkilldash9x/scout-cli/internal/browser/browsertest"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/export"
	"github.com/xkilldash9x/scout-cli/internal/store"
)

const (
	rootURL  = "https://site.test/"
	aboutURL = "https://site.test/about"
)

func TestMain(m *testing.M) {
	homedir.DisableCache = true
	os.Exit(m.Run())
}

func testSite() *browsertest.Site {
	return browsertest.NewSite().
		AddPage(rootURL, `<html><head><title>Home</title></head><body>
  <h1>Home</h1><a id="about" href="/about">About</a>
</body></html>`).
		AddPage(aboutURL, `<html><head><title>About</title></head><body><h1>About us</h1></body></html>`)
}

type memoryStores struct{ st *store.Memory }

func (p memoryStores) Create(context.Context, config.Interface, *zap.Logger) (schemas.Store, func(), error) {
	return p.st, func() {}, nil
}

type fakeEngines struct{ site *browsertest.Site }

func (p fakeEngines) Create(config.Interface, *zap.Logger) (schemas.BrowserEngine, []schemas.BrowserEngine, error) {
	return browsertest.NewEngine("crawl", p.site),
		[]schemas.BrowserEngine{browsertest.NewEngine("chromium", p.site), browsertest.NewEngine("chromium-rod", p.site)},
		nil
}

type cli struct {
	st   *store.Memory
	site *browsertest.Site
}

// isolate keeps host config files and env out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("SCOUT_DISCOVERY_NAVIGATION_RETRY_DELAY", "1ms")
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	isolate(t)
	return &cli{st: store.NewMemory(), site: testSite()}
}

func (c *cli) run(ctx context.Context, args ...string) (string, error) {
	root, a := newRootCmd()
	a.stores = memoryStores{c.st}
	a.engines = fakeEngines{c.site}
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// runOf loads the run whose id the command printed.
func (c *cli) runOf(t *testing.T, out string) *schemas.Run {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "Run" {
			run, err := c.st.GetRun(context.Background(), fields[1])
			require.NoError(t, err)
			return run
		}
	}
	t.Fatalf("no run id in output:\n%s", out)
	return nil
}

func TestVersion(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "scout-cli version "+Version)

	out, err = c.run(context.Background(), "--version")
	require.NoError(t, err)
	assert.Equal(t, "scout-cli version "+Version+"\n", out)
}

func TestDiscoverRunsEndToEnd(t *testing.T) {
	c := newCLI(t)
	suitePath := filepath.Join(t.TempDir(), "suite.yaml")

	out, err := c.run(context.Background(), "discover", rootURL, "-o", suitePath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "passed 1")

	run := c.runOf(t, out)
	assert.Equal(t, schemas.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Counters.PagesDiscovered)

	data, err := os.ReadFile(suitePath)
	require.NoError(t, err)
	var suite export.Suite
	require.NoError(t, yaml.Unmarshal(data, &suite))
	assert.Equal(t, run.ID, suite.Run.ID)
	assert.Len(t, suite.TestCases, 1)
}

func TestDiscoverNoExecuteThenExecute(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(context.Background(), "discover", rootURL, "--no-execute")
	require.NoError(t, err, out)
	assert.Contains(t, out, "ready_for_execution")
	assert.Contains(t, out, "scout-cli export --run-id")

	run := c.runOf(t, out)
	assert.Equal(t, schemas.RunReadyForExecution, run.Status)
	out, err = c.run(context.Background(), "execute", "--run-id", run.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")
	assert.Equal(t, schemas.RunCompleted, c.runOf(t, out).Status)

	_, err = c.run(context.Background(), "execute", "--run-id", run.ID)
	assert.Error(t, err, "a completed run cannot be executed again")

	_, err = c.run(context.Background(), "execute")
	assert.ErrorContains(t, err, "run-id")
}

func TestDiscoverFailsWhenRootUnreachable(t *testing.T) {
	c := newCLI(t)
	c.site.FailNavigation(rootURL, -1)
	out, err := c.run(context.Background(), "discover", rootURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, "failed")
}

func TestDiscoverRejectsBadInput(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(context.Background(), "discover")
	assert.Error(t, err)
	out, err := c.run(context.Background(), "discover", "ftp://site.test")
	assert.Error(t, err)
	assert.NotContains(t, out, "Run ")
}

func TestConfigPrecedence(t *testing.T) {
	c := newCLI(t)
	cfgPath := filepath.Join(t.TempDir(), "scout.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("discovery:\n  max_depth: 5\n  max_pages: 7\n"), 0o600))

	out, err := c.run(context.Background(), "discover", rootURL, "--no-execute", "-c", cfgPath)
	require.NoError(t, err)
	run := c.runOf(t, out)
	assert.Equal(t, 5, run.MaxDepth, "config file")
	assert.Equal(t, 7, run.MaxPages)

	t.Setenv("SCOUT_DISCOVERY_MAX_PAGES", "9")
	out, err = c.run(context.Background(), "discover", rootURL, "--no-execute", "-c", cfgPath, "--depth", "1")
	require.NoError(t, err)
	run = c.runOf(t, out)
	assert.Equal(t, 1, run.MaxDepth, "flags beat the config file")
	assert.Equal(t, 9, run.MaxPages, "env beats the config file")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	c := newCLI(t)
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  driver: sqlite\n"), 0o600))
	_, err := c.run(context.Background(), "discover", rootURL, "-c", cfgPath)
	assert.ErrorContains(t, err, "database.driver")
}

func TestExportToStdout(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(context.Background(), "discover", rootURL)
	require.NoError(t, err)
	run := c.runOf(t, out)

	out, err = c.run(context.Background(), "export", "--run-id", run.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "root_url: "+rootURL)
	assert.Contains(t, out, "test_cases:")

	out, err = c.run(context.Background(), "export", "--run-id", run.ID, "-f", "json", "--status", "failed")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"test_cases": []`)

	_, err = c.run(context.Background(), "export", "--run-id", run.ID, "-f", "xml")
	assert.Error(t, err)
	_, err = c.run(context.Background(), "export", "--run-id", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestToken(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(context.Background(), "token")
	assert.ErrorContains(t, err, "jwt_secret")

	t.Setenv("SCOUT_SERVER_JWT_SECRET", "s3cret")
	out, err := c.run(context.Background(), "token", "--subject", "ci", "--ttl", "1h")
	require.NoError(t, err)
	claims, err := api.ValidateToken([]byte("s3cret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
}

func TestMigrateNeedsPostgres(t *testing.T) {
	c := newCLI(t)
	t.Setenv("SCOUT_DATABASE_DRIVER", "memory")
	_, err := c.run(context.Background(), "migrate")
	assert.ErrorContains(t, err, "postgres")

	t.Setenv("SCOUT_DATABASE_DRIVER", "postgres")
	_, err = c.run(context.Background(), "migrate")
	assert.ErrorContains(t, err, "SCOUT_DATABASE_URL")
}

func TestServeUntilCancelled(t *testing.T) {
	c := newCLI(t)
	t.Setenv("SCOUT_SERVER_JWT_SECRET", "s3cret")

	root, a := newRootCmd()
	a.stores = memoryStores{c.st}
	a.engines = fakeEngines{c.site}
	listeners := make(chan net.Listener, 1)
	a.listen = func(network, _ string) (net.Listener, error) {
		ln, err := net.Listen(network, "127.0.0.1:0")
		if err == nil {
			listeners <- ln
		}
		return ln, err
	}
	root.SetArgs([]string{"serve"})
	root.SetOut(&bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	var ln net.Listener
	select {
	case ln = <-listeners:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve never listened")
	}

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/api/v1/runs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not stop")
	}
}
