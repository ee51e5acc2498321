package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/querychat/internal/ai"
	"github.com/suPer8Hu/querychat/internal/chat"
	"github.com/suPer8Hu/querychat/internal/common"
	"github.com/suPer8Hu/querychat/internal/connection"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"github.com/suPer8Hu/querychat/internal/httpapi/middleware"
	"github.com/suPer8Hu/querychat/internal/stream"
)

// JobQueue hands async turns to the worker.
type JobQueue interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	Conns *connection.Service
	Chat  *chat.Service
	Hub   *stream.Hub
	Jobs  JobQueue
	Log   *slog.Logger

	// Heartbeat is the interval of SSE keep-alive pings.
	Heartbeat time.Duration
}

func NewHandler(conns *connection.Service, chatSvc *chat.Service, hub *stream.Hub, jobs JobQueue, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Conns:     conns,
		Chat:      chatSvc,
		Hub:       hub,
		Jobs:      jobs,
		Log:       log,
		Heartbeat: 15 * time.Second,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

// errorStatus maps service errors to an HTTP status and an envelope code.
func errorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidSource),
		errors.Is(err, connection.ErrInvalid):
		return http.StatusBadRequest, 10002
	case errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound, 40401
	case errors.Is(err, connection.ErrNotFound):
		return http.StatusNotFound, 40403
	case errors.Is(err, chat.ErrJobNotFound):
		return http.StatusNotFound, 40402
	case errors.Is(err, chat.ErrTurnInProgress):
		return http.StatusConflict, 40901
	case errors.Is(err, chat.ErrUnsupportedSource), errors.Is(err, datasource.ErrUnsupportedEngine):
		return http.StatusUnprocessableEntity, 42201
	case errors.Is(err, chat.ErrTurnAbandoned):
		return http.StatusRequestTimeout, 40801
	case errors.Is(err, datasource.ErrQueryExecution):
		return http.StatusUnprocessableEntity, 42202
	case errors.Is(err, ai.ErrGeneration),
		errors.Is(err, datasource.ErrConnection),
		errors.Is(err, datasource.ErrSchemaIntrospection):
		return http.StatusBadGateway, 50201
	}
	return http.StatusInternalServerError, 50001
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(op, "request_id", c.GetString(middleware.RequestIDKey), "err", err)
	}
	common.Fail(c, status, code, publicMessage(err))
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, connection.ErrInvalid), errors.Is(err, chat.ErrInvalidSource):
		return err.Error()
	case errors.Is(err, connection.ErrNotFound):
		return "connection not found"
	case errors.Is(err, chat.ErrJobNotFound):
		return "job not found"
	case errors.Is(err, datasource.ErrQueryExecution):
		// the caller's own query; the engine message is the answer
		return datasource.NativeMessage(err)
	}
	return chat.PublicError(err)
}
