package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/config"
	"github.com/terminal-bench/saferoute/internal/middleware"
	"github.com/terminal-bench/saferoute/internal/riskzone"
)

// Dependencies carries everything the router needs wired.
type Dependencies struct {
	Config    *config.Config
	Log       *logrus.Logger
	Routes    RouteCalculator
	ZoneStore riskzone.Store
	Feed      *ZoneFeed
	Health    *HealthHandler
	Blacklist middleware.Blacklist
	RateLimit gin.HandlerFunc
}

// NewRouter builds the gin engine with the full API surface.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())

	routeHandler := NewRouteHandler(deps.Routes, deps.Config, deps.Log)
	zoneHandler := NewRiskZoneHandler(deps.ZoneStore, deps.Log)

	v1 := router.Group("/api/v1")

	health := v1.Group("/health")
	{
		health.GET("", deps.Health.Live)
		health.GET("/db", deps.Health.Database)
		health.GET("/ready", deps.Health.Ready)
	}

	api := v1.Group("")
	if deps.RateLimit != nil {
		api.Use(deps.RateLimit)
	}
	api.Use(middleware.Auth(deps.Config, deps.Blacklist, deps.Log))
	{
		routes := api.Group("/routes")
		{
			routes.POST("/calculate", routeHandler.Calculate)
			routes.POST("/alternatives", routeHandler.Alternatives)
			routes.GET("/:id/elevation", routeHandler.Elevation)
		}

		zones := api.Group("/risk-zones")
		{
			zones.GET("", zoneHandler.List)
			zones.GET("/near", zoneHandler.Near)
			zones.GET("/live", deps.Feed.Handle)
			zones.GET("/:id", zoneHandler.Get)
		}
	}

	return router
}
