package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botvisor/botvisor/internal/orchestrator"
)

// ErrorResponse carries the error kind plus the bot's lifecycle state and
// reason when the failure is tied to a bot.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Name    string              `json:"bot_name,omitempty"`
	State   orchestrator.State  `json:"state,omitempty"`
	Reason  orchestrator.Reason `json:"reason,omitempty"`
}

func respondError(c *gin.Context, statusCode int, body ErrorResponse) {
	writeJSON(c, statusCode, body)
}

// statusFor maps an orchestrator error kind to an HTTP status.
func statusFor(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.KindConfig:
		return http.StatusBadRequest
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindDuplicateName:
		return http.StatusConflict
	case orchestrator.KindRuntime:
		return http.StatusBadGateway
	case orchestrator.KindPersistence, orchestrator.KindBrokerDisconnect,
		orchestrator.KindArchival, orchestrator.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(name string, err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: "InternalError", Message: err.Error(), Name: name}
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		return http.StatusInternalServerError, body
	}
	body.Error = string(oe.Kind)
	if oe.Bot != "" {
		body.Name = oe.Bot
	}
	body.State = oe.State
	body.Reason = oe.Reason
	if oe.Err != nil {
		body.Message = oe.Err.Error()
	}
	return statusFor(oe.Kind), body
}
