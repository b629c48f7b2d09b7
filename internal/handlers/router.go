package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mossy-p/pairchat/config"
	"github.com/mossy-p/pairchat/internal/matchmaking"
	"github.com/mossy-p/pairchat/internal/middleware"
)

type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
	Moderator      config.ModeratorConfig
	Store          matchmaking.Store
	Relay          *Relay
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", Health)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/online", Online(cfg.Store))
		apiGroup.POST("/auth/login", Login(cfg.Moderator, cfg.JWTSecret))
		apiGroup.GET("/reports", middleware.JWTAuth(cfg.JWTSecret, middleware.RoleModerator), Reports(cfg.Store))
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/relay", cfg.Relay.HandleWebSocket)
	}

	return router
}
