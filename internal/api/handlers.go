package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/export"
	"github.com/xkilldash9x/scout-cli/internal/orchestrator"
)

type startRunRequest struct {
	RootURL  string `json:"root_url" binding:"required"`
	MaxDepth int    `json:"max_depth" binding:"min=0"`
	MaxPages int    `json:"max_pages" binding:"min=0"`
}

type executeRequest struct {
	TestCaseIDs []string `json:"test_case_ids"`
}

func (s *Server) health(c *gin.Context) {
	success(c, http.StatusOK, gin.H{"status": "ok", "active_runs": len(s.runs.Active())})
}

func (s *Server) createRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.runs.Start(c.Request.Context(), orchestrator.StartRequest{
		RootURL:  req.RootURL,
		MaxDepth: req.MaxDepth,
		MaxPages: req.MaxPages,
	})
	if err != nil {
		var perr *schemas.PersistenceError
		if errors.As(err, &perr) {
			failWith(c, err)
			return
		}
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	success(c, http.StatusCreated, run)
}

// loadRun answers 404 for unknown runs.
func (s *Server) loadRun(c *gin.Context) (*schemas.Run, bool) {
	run, err := s.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err)
		return nil, false
	}
	return run, true
}

func (s *Server) getRun(c *gin.Context) {
	if run, ok := s.loadRun(c); ok {
		success(c, http.StatusOK, run)
	}
}

func (s *Server) control(fn func(Runs, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.loadRun(c); !ok {
			return
		}
		if err := fn(s.runs, c.Param("id")); err != nil {
			failWith(c, err)
			return
		}
		if run, ok := s.loadRun(c); ok {
			success(c, http.StatusOK, run)
		}
	}
}

func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := s.runs.Execute(c.Request.Context(), c.Param("id"), req.TestCaseIDs); err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusAccepted, gin.H{"run_id": c.Param("id"), "test_case_ids": req.TestCaseIDs})
}

func (s *Server) lastProgress(c *gin.Context) {
	if _, ok := s.loadRun(c); !ok {
		return
	}
	e, ok := s.runs.Hub().Last(c.Param("id"))
	if !ok {
		fail(c, http.StatusNotFound, "no progress reported yet")
		return
	}
	success(c, http.StatusOK, e)
}

func (s *Server) listPages(c *gin.Context) {
	if _, ok := s.loadRun(c); !ok {
		return
	}
	pages, err := s.runs.Store().ListPages(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, pages)
}

func (s *Server) listEdges(c *gin.Context) {
	if _, ok := s.loadRun(c); !ok {
		return
	}
	edges, err := s.runs.Store().ListEdges(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, edges)
}

func (s *Server) listScenarios(c *gin.Context) {
	if _, ok := s.loadRun(c); !ok {
		return
	}
	scenarios, err := s.runs.Store().ListScenarios(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, scenarios)
}

func (s *Server) listTestCases(c *gin.Context) {
	if _, ok := s.loadRun(c); !ok {
		return
	}
	tcs, err := s.runs.Store().ListTestCases(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		kept := tcs[:0]
		for _, tc := range tcs {
			if string(tc.Status) == status {
				kept = append(kept, tc)
			}
		}
		tcs = kept
	}
	success(c, http.StatusOK, tcs)
}

func (s *Server) listExecutions(c *gin.Context) {
	if _, ok := s.loadRun(c); !ok {
		return
	}
	execs, err := s.runs.Store().ListExecutions(c.Request.Context(), c.Param("tc"))
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, execs)
}

type responseWriteCloser struct {
	http.ResponseWriter
}

func (responseWriteCloser) Close() error { return nil }

func (s *Server) exportSuite(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "yaml"))
	if format != "yaml" && format != "json" {
		fail(c, http.StatusBadRequest, "format must be yaml or json")
		return
	}
	var filter export.Filter
	if status := c.Query("status"); status != "" {
		filter.Verdicts = []schemas.Verdict{schemas.Verdict(status)}
	}
	suite, err := export.Build(c.Request.Context(), s.runs.Store(), c.Param("id"), filter)
	if err != nil {
		failWith(c, err)
		return
	}

	contentType := "application/yaml"
	if format == "json" {
		contentType = "application/json"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="scout-`+c.Param("id")+`.`+format+`"`)
	c.Status(http.StatusOK)
	w := export.NewWriter(format, responseWriteCloser{c.Writer})
	if err := w.Write(suite); err != nil {
		s.logger.Warn("Export failed mid-stream.", zap.String("run_id", c.Param("id")), zap.Error(err))
	}
}
