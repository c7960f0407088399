// Package handlers maps the HTTP surface onto the routing, risk zone
// and bike lane services.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/apierrors"
	"github.com/terminal-bench/saferoute/internal/config"
	"github.com/terminal-bench/saferoute/internal/middleware"
	"github.com/terminal-bench/saferoute/internal/models"
	"github.com/terminal-bench/saferoute/internal/routing"
)

// RouteCalculator is the orchestrator surface the route handlers use.
type RouteCalculator interface {
	Calculate(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error)
	Alternatives(ctx context.Context, req *models.RouteRequest) (*models.AlternativesResponse, error)
	StoredRoute(id uuid.UUID) (*routing.StoredRoute, bool)
}

// RouteHandler serves route calculation and inspection endpoints.
type RouteHandler struct {
	routes RouteCalculator
	cfg    *config.Config
	log    *logrus.Entry
}

// NewRouteHandler wires the route endpoints.
func NewRouteHandler(routes RouteCalculator, cfg *config.Config, log *logrus.Logger) *RouteHandler {
	return &RouteHandler{routes: routes, cfg: cfg, log: log.WithField("component", "handlers.routes")}
}

// respondError writes the shared error envelope with the request id.
func respondError(c *gin.Context, err error) {
	c.JSON(apierrors.Status(err), apierrors.Envelope(err, middleware.GetRequestID(c)))
}

// inServiceArea rejects coordinates far outside the served city.
func (h *RouteHandler) inServiceArea(coord models.Coordinate) bool {
	return coord.Longitude >= h.cfg.MinLon && coord.Longitude <= h.cfg.MaxLon &&
		coord.Latitude >= h.cfg.MinLat && coord.Latitude <= h.cfg.MaxLat
}

func (h *RouteHandler) bindRouteRequest(c *gin.Context) (*models.RouteRequest, bool) {
	var req models.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.Validation("invalid route request: "+err.Error()))
		return nil, false
	}
	if !h.inServiceArea(req.Origin) || !h.inServiceArea(req.Destination) {
		respondError(c, apierrors.Validation("coordinates are outside the service area"))
		return nil, false
	}
	return &req, true
}

// Calculate handles POST /api/v1/routes/calculate.
func (h *RouteHandler) Calculate(c *gin.Context) {
	req, ok := h.bindRouteRequest(c)
	if !ok {
		return
	}

	resp, err := h.routes.Calculate(c.Request.Context(), req)
	if err != nil {
		h.log.WithError(err).WithField("request_id", middleware.GetRequestID(c)).Warn("route calculation failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Alternatives handles POST /api/v1/routes/alternatives.
func (h *RouteHandler) Alternatives(c *gin.Context) {
	req, ok := h.bindRouteRequest(c)
	if !ok {
		return
	}

	resp, err := h.routes.Alternatives(c.Request.Context(), req)
	if err != nil {
		h.log.WithError(err).WithField("request_id", middleware.GetRequestID(c)).Warn("alternatives calculation failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Elevation handles GET /api/v1/routes/:id/elevation, serving the
// profile of a recently computed route.
func (h *RouteHandler) Elevation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.Validation("invalid route id"))
		return
	}

	stored, ok := h.routes.StoredRoute(id)
	if !ok {
		respondError(c, apierrors.NotFound("route"))
		return
	}

	profile := models.ElevationProfile{
		RouteID:             id,
		Points:              make([]models.ElevationPoint, 0, len(stored.Elevation)),
		ElevationGainMeters: stored.Summary.ElevationGainMeters,
		ElevationLossMeters: stored.Summary.ElevationLossMeters,
		MaxGradePercent:     stored.Summary.MaxGradePercent,
	}
	for i, elevation := range stored.Elevation {
		profile.Points = append(profile.Points, models.ElevationPoint{
			DistanceMeters:  float64(i) * stored.IntervalMeters,
			ElevationMeters: elevation,
		})
	}
	c.JSON(http.StatusOK, profile)
}
