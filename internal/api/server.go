// Package api is the HTTP surface of the gateway: route handlers, the
// middleware chain and the WebSocket quote stream.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/gateway"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/quotes"
	"github.com/Abhishek37-dulat/ctrader-gateway/pkg/config"
)

// Server wires the HTTP routes around the gateway.
type Server struct {
	Router *gin.Engine
	log    *zap.Logger
	gw     *gateway.Gateway
	bus    *quotes.Bus
	cfg    *config.Config
}

func NewServer(gw *gateway.Gateway, bus *quotes.Bus, cfg *config.Config, log *zap.Logger) *Server {
	if cfg.NodeEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	s := &Server{Router: r, log: log, gw: gw, bus: bus, cfg: cfg}

	// Order matters: recovery first, then the request id every later stage
	// logs under.
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log))
	r.Use(RateLimit())

	// Liveness and metrics stay open even when an internal key is required.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", InternalKey(cfg.InternalAPIKey))
	authed.POST("/oauth/exchange", s.handle(s.oauthExchange))
	authed.POST("/oauth/refresh", s.handle(s.oauthRefresh))
	authed.GET("/accounts", s.handle(s.listAccounts))
	authed.POST("/auth/account", s.handle(s.authorizeAccount))
	authed.GET("/symbols", s.handle(s.listSymbols))
	authed.GET("/quote", s.handle(s.getQuote))
	authed.GET("/account", s.handle(s.accountInfo))
	authed.POST("/trade", s.handle(s.placeTrade))
	authed.GET("/ws/quotes", s.quoteStream)

	return s
}
