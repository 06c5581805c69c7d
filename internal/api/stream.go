package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scout-cli/api/schemas"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// snapshot describes a stored run as a lifecycle event.
func snapshot(run *schemas.Run) schemas.ProgressEvent {
	msg := "run " + string(run.Status)
	if run.Error != "" {
		msg = run.Error
	}
	return schemas.ProgressEvent{
		RunID:           run.ID,
		Phase:           schemas.PhaseLifecycle,
		DiscoveredCount: run.Counters.PagesDiscovered,
		Percentage:      100,
		Message:         msg,
		Status:          run.Status,
		Timestamp:       run.UpdatedAt,
	}
}

func finished(e schemas.ProgressEvent) bool {
	return e.Phase == schemas.PhaseLifecycle && e.Status.IsTerminal()
}

// stream pushes the run's progress events over a websocket until the run
// reaches a terminal status or the client goes away.
func (s *Server) stream(c *gin.Context) {
	if _, ok := s.loadRun(c); !ok {
		return
	}
	runID := c.Param("id")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("Websocket upgrade failed.", zap.String("run_id", runID), zap.Error(err))
		return
	}
	logger := s.logger.With(zap.String("run_id", runID))

	events, unsubscribe := s.runs.Hub().Subscribe(runID)
	defer unsubscribe()

	// The reader only services control frames and notices the client leaving.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-closed
	}()

	send := func(e schemas.ProgressEvent) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			logger.Debug("Progress write failed.", zap.Error(err))
			return false
		}
		return true
	}
	bye := func(reason string) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}

	// Re-read after subscribing so a run finishing in between is not missed.
	run, err := s.runs.Get(c.Request.Context(), runID)
	if err != nil {
		bye("run unavailable")
		return
	}
	if run.Status.IsTerminal() {
		if send(snapshot(run)) {
			bye("run finished")
		}
		return
	}
	if last, ok := s.runs.Hub().Last(runID); ok {
		if !send(last) {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				bye("server closing")
				return
			}
			if !send(e) {
				return
			}
			if finished(e) {
				bye("run finished")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.closing:
			bye("server closing")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
