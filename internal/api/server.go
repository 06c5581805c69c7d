// Package api exposes run control, results and live progress over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/config"
	"github.com/xkilldash9x/scout-cli/internal/orchestrator"
	"github.com/xkilldash9x/scout-cli/internal/progress"
)

// Runs is the run control the server exposes.
type Runs interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*schemas.Run, error)
	Get(ctx context.Context, runID string) (*schemas.Run, error)
	Pause(runID string) error
	Resume(runID string) error
	Stop(runID string) error
	Cancel(runID string) error
	Execute(ctx context.Context, runID string, testCaseIDs []string) error
	Active() []string
	Hub() *progress.Hub
	Store() schemas.Store
}

var _ Runs = (*orchestrator.Orchestrator)(nil)

// Server is the HTTP control surface.
type Server struct {
	runs     Runs
	cfg      config.ServerConfig
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer builds the router. Routes under /api/v1/runs require a bearer
// token when cfg.JWTSecret is set.
func NewServer(runs Runs, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		runs:   runs,
		cfg:    cfg,
		router: gin.New(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		logger:  logger.Named("api"),
		closing: make(chan struct{}),
	}
	s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(gin.Recovery(), requestLogger(s.logger))

	v1 := r.Group("/api/v1")
	v1.GET("/health", s.health)

	runs := v1.Group("/runs")
	if s.cfg.JWTSecret != "" {
		runs.Use(bearerAuth([]byte(s.cfg.JWTSecret)))
	}
	{
		runs.POST("", s.createRun)
		runs.GET("/:id", s.getRun)
		runs.POST("/:id/pause", s.control(Runs.Pause))
		runs.POST("/:id/resume", s.control(Runs.Resume))
		runs.POST("/:id/stop", s.control(Runs.Stop))
		runs.POST("/:id/cancel", s.control(Runs.Cancel))
		runs.POST("/:id/execute", s.execute)
		runs.GET("/:id/progress", s.lastProgress)
		runs.GET("/:id/stream", s.stream)
		runs.GET("/:id/pages", s.listPages)
		runs.GET("/:id/edges", s.listEdges)
		runs.GET("/:id/scenarios", s.listScenarios)
		runs.GET("/:id/test-cases", s.listTestCases)
		runs.GET("/:id/test-cases/:tc/executions", s.listExecutions)
		runs.GET("/:id/export", s.exportSuite)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request served.",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("API listening.", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("Shutting down API server.")
		// streams hold their connections open, end them before waiting on idle
		s.close()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// close ends open progress streams.
func (s *Server) close() {
	s.closeOnce.Do(func() { close(s.closing) })
}
