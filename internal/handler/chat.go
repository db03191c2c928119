package handler

import (
	"net/http"
	"strconv"

	"canvas-gateway/internal/middleware"
	"canvas-gateway/internal/store"
	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	Store *store.Store
}

func (h *ChatHandler) Messages(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		after = v
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		limit = v
	}

	msgs := h.Store.ListChatMessages(userID, after, limit)
	resp := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, gin.H{
			"id":        m.ID,
			"seq":       m.Seq,
			"role":      m.Role,
			"content":   m.Content,
			"createdAt": m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}
