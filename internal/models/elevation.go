package models

import "github.com/google/uuid"

// ElevationPoint is one sample of a route's elevation profile.
type ElevationPoint struct {
	DistanceMeters  float64 `json:"distance_meters"`
	ElevationMeters float64 `json:"elevation_meters"`
}

// ElevationProfile is the body of GET /api/v1/routes/:id/elevation.
type ElevationProfile struct {
	RouteID             uuid.UUID        `json:"route_id"`
	Points              []ElevationPoint `json:"points"`
	ElevationGainMeters int              `json:"elevation_gain_meters"`
	ElevationLossMeters int              `json:"elevation_loss_meters"`
	MaxGradePercent     float64          `json:"max_grade_percent"`
}
