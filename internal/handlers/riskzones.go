package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/apierrors"
	"github.com/terminal-bench/saferoute/internal/geo"
	"github.com/terminal-bench/saferoute/internal/middleware"
	"github.com/terminal-bench/saferoute/internal/models"
	"github.com/terminal-bench/saferoute/internal/riskzone"
)

// ZoneResponse is the wire form of a risk zone.
type ZoneResponse struct {
	ID                string            `json:"id"`
	Center            models.Coordinate `json:"center"`
	AlertRadiusMeters float64           `json:"alert_radius_meters"`
	Severity          string            `json:"severity"`
	ReportedCount     int               `json:"reported_count"`
	HazardType        string            `json:"hazard_type,omitempty"`
	Name              string            `json:"name,omitempty"`
	IsActive          bool              `json:"is_active"`
	DistanceMeters    *float64          `json:"distance_meters,omitempty"`
}

func toZoneResponse(z riskzone.Zone) ZoneResponse {
	return ZoneResponse{
		ID:                z.ID,
		Center:            models.Coordinate{Latitude: z.Center.Lat, Longitude: z.Center.Lon},
		AlertRadiusMeters: z.AlertRadiusMeters,
		Severity:          string(z.Severity),
		ReportedCount:     z.ReportedCount,
		HazardType:        z.HazardType,
		Name:              z.Name,
		IsActive:          z.IsActive,
	}
}

// RiskZoneHandler serves the zone query endpoints.
type RiskZoneHandler struct {
	store riskzone.Store
	log   *logrus.Entry
}

// NewRiskZoneHandler wires the zone endpoints.
func NewRiskZoneHandler(store riskzone.Store, log *logrus.Logger) *RiskZoneHandler {
	return &RiskZoneHandler{store: store, log: log.WithField("component", "handlers.riskzones")}
}

// List handles GET /api/v1/risk-zones. Accepts an optional bbox query
// ("minLon,minLat,maxLon,maxLat"), a severity floor and a comma
// separated types filter. Responds with a JSON array of zones.
func (h *RiskZoneHandler) List(c *gin.Context) {
	box := geo.BBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}
	if bbox := c.Query("bbox"); bbox != "" {
		parsed, err := parseBBox(bbox)
		if err != nil {
			// A malformed bbox is a bad request, not an unprocessable body.
			c.JSON(http.StatusBadRequest, apierrors.Envelope(
				apierrors.Validation(err.Error()), middleware.GetRequestID(c)))
			return
		}
		box = parsed
	}

	// An absent severity means no floor at all, not a LOW floor.
	minSeverity := riskzone.Severity(strings.ToUpper(c.Query("severity")))
	switch minSeverity {
	case "", riskzone.SeverityLow, riskzone.SeverityMedium, riskzone.SeverityHigh, riskzone.SeverityCritical:
	default:
		respondError(c, apierrors.Validation("severity must be one of LOW, MEDIUM, HIGH, CRITICAL"))
		return
	}

	var hazardTypes []string
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				hazardTypes = append(hazardTypes, t)
			}
		}
	}

	zones, err := h.store.ZonesInBBox(c.Request.Context(), box, minSeverity, hazardTypes)
	if err != nil {
		h.log.WithError(err).Error("zone query failed")
		respondError(c, apierrors.Wrap(apierrors.ErrRiskZoneUnavailable, "bbox query: %v", err))
		return
	}

	responses := make([]ZoneResponse, 0, len(zones))
	for _, z := range zones {
		responses = append(responses, toZoneResponse(z))
	}
	c.JSON(http.StatusOK, responses)
}

// NearbyZonesResponse is the wire form of a proximity query: the
// matched zones plus the query echo.
type NearbyZonesResponse struct {
	Zones             []ZoneResponse    `json:"zones"`
	Total             int               `json:"total"`
	QueryLocation     models.Coordinate `json:"query_location"`
	QueryRadiusMeters int               `json:"query_radius_meters"`
}

// Near handles GET /api/v1/risk-zones/near with lat, lon and an
// optional radius (meters, 10 to 1000). Out-of-range parameters are a
// bad request.
func (h *RiskZoneHandler) Near(c *gin.Context) {
	badRequest := func(msg string) {
		c.JSON(http.StatusBadRequest, apierrors.Envelope(
			apierrors.Validation(msg), middleware.GetRequestID(c)))
	}

	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		badRequest("lat must be a number in [-90, 90]")
		return
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil || lon < -180 || lon > 180 {
		badRequest("lon must be a number in [-180, 180]")
		return
	}

	radius := 100
	if raw := c.Query("radius"); raw != "" {
		radius, err = strconv.Atoi(raw)
		if err != nil {
			badRequest("radius must be an integer")
			return
		}
	}
	if radius < 10 || radius > 1000 {
		badRequest("radius must be between 10 and 1000 meters")
		return
	}

	nearby, err := h.store.ZonesNear(c.Request.Context(), geo.Point{Lon: lon, Lat: lat}, radius)
	if err != nil {
		h.log.WithError(err).Error("nearby zone query failed")
		respondError(c, apierrors.Wrap(apierrors.ErrRiskZoneUnavailable, "near query: %v", err))
		return
	}

	zones := make([]ZoneResponse, 0, len(nearby))
	for _, n := range nearby {
		resp := toZoneResponse(n.Zone)
		distance := n.DistanceMeters
		resp.DistanceMeters = &distance
		zones = append(zones, resp)
	}
	c.JSON(http.StatusOK, NearbyZonesResponse{
		Zones:             zones,
		Total:             len(zones),
		QueryLocation:     models.Coordinate{Latitude: lat, Longitude: lon},
		QueryRadiusMeters: radius,
	})
}

// Get handles GET /api/v1/risk-zones/:id.
func (h *RiskZoneHandler) Get(c *gin.Context) {
	zone, err := h.store.ZoneByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, apierrors.NotFound("risk zone"))
			return
		}
		h.log.WithError(err).Error("zone lookup failed")
		respondError(c, apierrors.Wrap(apierrors.ErrRiskZoneUnavailable, "zone lookup: %v", err))
		return
	}
	if zone == nil {
		respondError(c, apierrors.NotFound("risk zone"))
		return
	}
	c.JSON(http.StatusOK, toZoneResponse(*zone))
}

// parseBBox parses "minLon,minLat,maxLon,maxLat".
func parseBBox(raw string) (geo.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return geo.BBox{}, errors.New("bbox must be minLon,minLat,maxLon,maxLat")
	}
	values := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geo.BBox{}, errors.New("bbox values must be numbers")
		}
		values[i] = v
	}
	box := geo.BBox{MinLon: values[0], MinLat: values[1], MaxLon: values[2], MaxLat: values[3]}
	if box.MinLon > box.MaxLon || box.MinLat > box.MaxLat {
		return geo.BBox{}, errors.New("bbox minimum exceeds maximum")
	}
	return box, nil
}
