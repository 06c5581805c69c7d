package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xkilldash9x/scout-cli/internal/orchestrator"
	"github.com/xkilldash9x/scout-cli/internal/runstate"
	"github.com/xkilldash9x/scout-cli/internal/store"
)

// Response is the envelope of every JSON answer.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func success(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Code: status, Message: "success", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: message})
}

// failWith maps domain errors onto HTTP statuses.
func failWith(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrRunNotActive),
		errors.Is(err, orchestrator.ErrRunBusy),
		errors.Is(err, orchestrator.ErrNotReady),
		errors.Is(err, runstate.ErrInvalidTransition):
		fail(c, http.StatusConflict, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}
