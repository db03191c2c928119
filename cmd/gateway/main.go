package main

import (
	"fmt"
	"log"

	"canvas-gateway/internal/auth"
	"canvas-gateway/internal/config"
	"canvas-gateway/internal/server"
	"canvas-gateway/internal/store"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)
	st := store.NewWithOptions(store.Options{
		DevicesStateFile: cfg.DevicesStateFile,
		PairingCodeTTL:   cfg.PairingCodeTTL,
		MaxDevices:       cfg.MaxDevices,
	})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "canvas-gateway",
	}

	// Chat and image backends are wired by the deployment; the gateway
	// answers with an envelope error until they are.
	router := server.NewRouter(server.Deps{Store: st, TokenConfig: tokenCfg})
	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, router))
}
