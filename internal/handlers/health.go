package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/config"
)

// HealthCheck probes one dependency. Critical checks gate readiness;
// non-critical ones are reported but do not fail the probe.
type HealthCheck struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	cfg    *config.Config
	checks []HealthCheck
	log    *logrus.Entry
}

// NewHealthHandler wires the health endpoints over a set of dependency
// probes.
func NewHealthHandler(cfg *config.Config, checks []HealthCheck, log *logrus.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, checks: checks, log: log.WithField("component", "handlers.health")}
}

// Live handles GET /api/v1/health: process liveness only.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     "saferoute",
		"environment": h.cfg.Environment,
	})
}

// Database handles GET /api/v1/health/db.
func (h *HealthHandler) Database(c *gin.Context) {
	for _, check := range h.checks {
		if check.Name != "database" {
			continue
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := check.Probe(ctx); err != nil {
			h.log.WithError(err).Warn("database health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unconfigured"})
}

// Ready handles GET /api/v1/health/ready: probes every dependency and
// fails when a critical one is down.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := make(gin.H, len(h.checks))
	ready := true
	for _, check := range h.checks {
		if err := check.Probe(ctx); err != nil {
			components[check.Name] = "unavailable"
			if check.Critical {
				ready = false
			}
			h.log.WithError(err).WithField("check", check.Name).Warn("readiness probe failed")
			continue
		}
		components[check.Name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{"status": state, "components": components})
}
