package server

import (
	"time"

	"canvas-gateway/internal/auth"
	"canvas-gateway/internal/gateway"
	"canvas-gateway/internal/handler"
	"canvas-gateway/internal/middleware"
	"canvas-gateway/internal/store"
	"github.com/gin-gonic/gin"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Chat        gateway.ChatBackend
	Images      gateway.ImageAnalyzer
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	versionHandler := &handler.VersionHandler{}
	r.GET("/version", versionHandler.Check)

	authRequestLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, AuthRequestLimiter: authRequestLimiter}

	r.POST("/v1/auth", authHandler.Auth)
	r.POST("/v1/auth/request", authHandler.Request)
	r.GET("/v1/auth/request/status", authHandler.RequestStatus)

	verifyLimiter := middleware.NewRateLimiter(10, time.Minute)
	pairingHandler := &handler.PairingHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, VerifyLimiter: verifyLimiter}
	r.POST("/v1/pairing/verify", pairingHandler.Verify)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.POST("/auth/response", authHandler.Response)

	deviceHandler := &handler.DeviceHandler{Store: deps.Store}
	protected.GET("/devices", deviceHandler.List)
	protected.DELETE("/devices/:id", deviceHandler.Remove)

	chatHandler := &handler.ChatHandler{Store: deps.Store}
	protected.GET("/chat/messages", chatHandler.Messages)

	pairingCodeLimiter := middleware.NewRateLimiter(10, time.Minute)
	gw := gateway.NewServer(gateway.Deps{
		Store:          deps.Store,
		TokenConfig:    deps.TokenConfig,
		Chat:           deps.Chat,
		Images:         deps.Images,
		PairingLimiter: pairingCodeLimiter,
	})
	r.GET("/ws/node", gw.Serve)

	return r
}
