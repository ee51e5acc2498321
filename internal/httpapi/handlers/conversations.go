package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/querychat/internal/chat"
	"github.com/suPer8Hu/querychat/internal/common"
)

func (h *Handler) CreateConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req chat.NewConversation
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.Chat.CreateConversation(c.Request.Context(), uid, req)
	if err != nil {
		h.fail(c, "create conversation", err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	convs, err := h.Chat.ListConversations(c.Request.Context(), uid, limit)
	if err != nil {
		h.fail(c, "list conversations", err)
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}

	conversationID := c.Param("id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeIDStr := c.Query("before_id")
	var beforeID uint64
	if beforeIDStr != "" {
		if n, err := strconv.ParseUint(beforeIDStr, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.Chat.ListMessages(c.Request.Context(), uid, conversationID, limit, beforeID)
	if err != nil {
		h.fail(c, "list messages", err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

// ConversationEvents streams every turn event of the conversation, from
// this instance or any other, until the viewer goes away.
func (h *Handler) ConversationEvents(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")
	ctx := c.Request.Context()
	if err := h.Chat.ValidateConversationOwner(ctx, uid, conversationID); err != nil {
		h.fail(c, "conversation events", err)
		return
	}

	w, ok := newSSEWriter(c)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}
	sub := h.Hub.Subscribe(conversationID)
	defer sub.Close()
	w.start()

	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.Events():
			w.send(ev)
		case <-ticker.C:
			w.ping()
		case <-ctx.Done():
			return
		}
	}
}
