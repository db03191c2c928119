package handler

import (
	"net/http"

	"canvas-gateway/internal/middleware"
	"canvas-gateway/internal/store"
	"github.com/gin-gonic/gin"
)

type DeviceHandler struct {
	Store *store.Store
}

func (h *DeviceHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	devices := h.Store.ListDevices(userID)
	resp := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, gin.H{
			"id":         d.ID,
			"type":       d.Type,
			"pairedAt":   d.PairedAt,
			"lastSeenAt": d.LastSeenAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": resp})
}

func (h *DeviceHandler) Remove(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	deviceID := c.Param("id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device id"})
		return
	}

	if !h.Store.RemoveDevice(userID, deviceID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
