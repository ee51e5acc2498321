package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/querychat/internal/common"
	"github.com/suPer8Hu/querychat/internal/connection"
)

func (h *Handler) CreateConnection(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req connection.NewConnection
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conn, err := h.Conns.Create(c.Request.Context(), uid, req)
	if err != nil {
		h.fail(c, "create connection", err)
		return
	}
	common.OK(c, gin.H{"connection": conn})
}

func (h *Handler) ListConnections(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	conns, err := h.Conns.List(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, "list connections", err)
		return
	}
	common.OK(c, gin.H{"connections": conns})
}

func (h *Handler) DeleteConnection(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if err := h.Conns.Delete(c.Request.Context(), uid, c.Param("id")); err != nil {
		h.fail(c, "delete connection", err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) TestConnection(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	reachable, err := h.Conns.Test(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.fail(c, "test connection", err)
		return
	}
	common.OK(c, gin.H{"ok": reachable})
}

func (h *Handler) GetSchema(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	schema, err := h.Conns.StructuredSchema(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.fail(c, "structured schema", err)
		return
	}
	common.OK(c, gin.H{"schema": schema})
}

func (h *Handler) GetRawSchema(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	raw, err := h.Conns.RawSchema(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.fail(c, "raw schema", err)
		return
	}
	common.OK(c, gin.H{"schema": raw})
}

// RefreshSchema drops the cached schema used by conversations and reads it again.
func (h *Handler) RefreshSchema(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	raw, err := h.Chat.RefreshSchema(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.fail(c, "refresh schema", err)
		return
	}
	common.OK(c, gin.H{"schema": raw})
}

type runQueryReq struct {
	Query string `json:"query" binding:"required"`
}

func (h *Handler) RunQuery(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var req runQueryReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	res, err := h.Conns.Query(c.Request.Context(), uid, c.Param("id"), req.Query)
	if err != nil {
		h.fail(c, "run query", err)
		return
	}
	common.OK(c, gin.H{"result": res})
}
