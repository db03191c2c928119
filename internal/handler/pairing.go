package handler

import (
	"net/http"
	"time"

	"canvas-gateway/internal/auth"
	"canvas-gateway/internal/middleware"
	"canvas-gateway/internal/store"
	"github.com/gin-gonic/gin"
)

type PairingHandler struct {
	Store         *store.Store
	TokenConfig   auth.TokenConfig
	VerifyLimiter *middleware.RateLimiter
}

type verifyPairingBody struct {
	Code       string `json:"code"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
}

// Verify consumes a pairing code on behalf of a device that has no token
// yet. On success the device is registered and receives its first token.
func (h *PairingHandler) Verify(c *gin.Context) {
	if h.VerifyLimiter != nil && !h.VerifyLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	var body verifyPairingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Code == "" || body.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	device, err := h.Store.VerifyPairingCode(body.Code, body.DeviceID, body.DeviceType, now)
	if err != nil {
		switch err {
		case store.ErrPairingCodeNotFound, store.ErrPairingCodeExpired, store.ErrPairingCodeConsumed:
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case store.ErrDeviceLimitReached, store.ErrDeviceOwnedByOther:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	token, err := auth.CreateToken(device.UserID, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "device": device})
}
