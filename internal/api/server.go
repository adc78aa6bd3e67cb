// Package api exposes the ops surface: auth, status and state reads,
// manual intents, emergency toggles and a websocket event stream.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"copytrade-core/internal/engine"
	"copytrade-core/pkg/config"
)

// Server is the HTTP front of the core.
type Server struct {
	engine    *engine.Engine
	jwtSecret string
	httpSrv   *http.Server
}

// NewServer builds the router around a running engine.
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	s := &Server{engine: eng, jwtSecret: cfg.JWTSecret}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Logger(), CORS(), RateLimit(20, 40))

	r.GET("/health", s.handleHealth)
	r.POST("/api/auth/register", s.handleRegister)
	r.POST("/api/auth/login", s.handleLogin)

	authed := r.Group("/api", AuthRequired(cfg.JWTSecret))
	// The websocket stream stays outside the timeout; it is long-lived.
	authed.GET("/ws", s.handleWebsocket)

	rest := authed.Group("", Timeout(15*time.Second))
	{
		rest.GET("/status", s.handleStatus)
		rest.GET("/accounts", s.handleAccounts)
		rest.GET("/positions", s.handlePositions)
		rest.GET("/reservations", s.handleReservations)
		rest.GET("/drift", s.handleDrift)
		rest.GET("/incidents", s.handleIncidents)

		rest.POST("/intents", s.handleSubmitIntent)
		rest.POST("/positions/:id/close", s.handleClosePosition)

		rest.POST("/emergency/liquidate-only", s.handleSetLiquidateOnly)
		rest.POST("/emergency/buy-disable", s.handleSetBuyDisable)
		rest.POST("/emergency/liquidate-all", s.handleLiquidateAll)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Printf("api listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
