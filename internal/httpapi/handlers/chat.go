package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/suPer8Hu/querychat/internal/chat"
	"github.com/suPer8Hu/querychat/internal/common"
	"github.com/suPer8Hu/querychat/internal/stream"
)

const maxIdempotencyKey = 128

// bindTurn reads the turn request and the optional Idempotency-Key header.
func bindTurn(c *gin.Context) (chat.TurnRequest, bool) {
	var req chat.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return req, false
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(key) > maxIdempotencyKey {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return req, false
	}
	req.IdempotencyKey = key
	return req, true
}

// SendChatMessage answers a turn in one response, without chunks.
func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	req, ok := bindTurn(c)
	if !ok {
		return
	}

	res, err := h.Chat.RunTurn(c.Request.Context(), uid, req, false)
	if err != nil {
		h.fail(c, "chat turn", err)
		return
	}

	completion := res.Completion()
	common.OK(c, gin.H{
		"turn_id":           res.TurnID,
		"conversation_id":   req.ConversationID,
		"user_message":      res.UserMessage,
		"assistant_message": completion.AssistantMessage,
		"query_result":      completion.QueryResult,
		"query_error":       completion.QueryError,
		"tokens_used":       completion.TokensUsed,
	})
}

type turnOutcome struct {
	res *chat.TurnResult
	err error
}

// SendChatMessageStream runs a turn and relays its events as SSE until the
// terminal event. Errors raised before the turn starts are plain JSON.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	req, ok := bindTurn(c)
	if !ok {
		return
	}
	w, ok := newSSEWriter(c)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}

	req.TurnID = uuid.NewString()
	sub := h.Hub.Subscribe(req.ConversationID)
	defer sub.Close()

	ctx := c.Request.Context()
	done := make(chan turnOutcome, 1)
	go func() {
		res, err := h.Chat.RunTurn(ctx, uid, req, true)
		done <- turnOutcome{res: res, err: err}
	}()

	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	// relay writes one event of this turn and reports whether it was the last.
	relay := func(ev stream.Event) bool {
		if ev.TurnID != req.TurnID {
			return false
		}
		w.send(ev)
		return ev.Type.Terminal()
	}

	for {
		select {
		case ev := <-sub.Events():
			if relay(ev) {
				return
			}

		case out := <-done:
			// RunTurn publishes synchronously, so the rest of the turn is buffered.
		drain:
			for {
				select {
				case ev := <-sub.Events():
					if relay(ev) {
						return
					}
				default:
					break drain
				}
			}
			if out.err == nil {
				return
			}
			if !w.started {
				h.fail(c, "chat stream", out.err)
				return
			}
			ev, err := stream.NewEvent(stream.StreamError, req.ConversationID, req.TurnID, gin.H{"error": chat.PublicError(out.err)})
			if err == nil {
				w.send(ev)
			}
			return

		case <-ticker.C:
			w.ping()

		case <-ctx.Done():
			return
		}
	}
}

// SendChatMessageAsync queues the turn for the worker and returns its job id.
// With an Idempotency-Key, repeating the request returns the same job.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if h.Jobs == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async processing is not configured")
		return
	}
	req, ok := bindTurn(c)
	if !ok {
		return
	}

	j, created, err := h.Chat.SubmitJob(c.Request.Context(), uid, req, req.IdempotencyKey)
	if err != nil {
		h.fail(c, "submit job", err)
		return
	}

	// a repeated request re-enqueues a job that never left the queue; the
	// worker claims each job once
	if created || j.Status == chat.JobQueued {
		if err := h.Jobs.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.Log.Error("publish job", "job_id", j.ID, "err", err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID, "status": j.Status})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.Chat.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		h.fail(c, "get job", err)
		return
	}

	common.OK(c, gin.H{"job": j})
}
