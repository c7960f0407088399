// Package models holds the wire-level request and response types shared
// by the handlers and the routing services.
package models

import (
	"time"

	"github.com/google/uuid"
)

// VehicleType is the kind of micromobility vehicle. All current types
// map to bicycle costing at the engine.
type VehicleType string

const (
	VehicleScooter VehicleType = "scooter"
	VehicleBike    VehicleType = "bike"
	VehicleEBike   VehicleType = "ebike"
)

// RouteProfile selects the optimization profile.
type RouteProfile string

const (
	ProfileSafest   RouteProfile = "safest"
	ProfileFastest  RouteProfile = "fastest"
	ProfileBalanced RouteProfile = "balanced"
	ProfileScenic   RouteProfile = "scenic"
)

// Coordinate is a WGS84 position.
type Coordinate struct {
	Latitude  float64 `json:"latitude" binding:"required,gte=-90,lte=90"`
	Longitude float64 `json:"longitude" binding:"required,gte=-180,lte=180"`
}

// GeoJSONLineString is the geometry wire format for routes.
type GeoJSONLineString struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
}

// NewLineString builds a GeoJSON LineString from [lon, lat] pairs.
func NewLineString(coords [][]float64) GeoJSONLineString {
	return GeoJSONLineString{Type: "LineString", Coordinates: coords}
}

// RoutePreferences are the rider's tuning knobs.
type RoutePreferences struct {
	Profile         RouteProfile `json:"profile"`
	AvoidHills      bool         `json:"avoid_hills"`
	MaxGradePercent float64      `json:"max_grade_percent"`
	PreferBikeLanes bool         `json:"prefer_bike_lanes"`
	BikeLaneWeight  float64      `json:"bike_lane_weight"`
}

// DefaultPreferences mirrors the defaults the API applies when the
// client omits the preferences block.
func DefaultPreferences() RoutePreferences {
	return RoutePreferences{
		Profile:         ProfileBalanced,
		MaxGradePercent: 15.0,
		PreferBikeLanes: true,
		BikeLaneWeight:  0.7,
	}
}

// RouteRequest is the body of POST /api/v1/routes/calculate.
type RouteRequest struct {
	Origin         Coordinate        `json:"origin" binding:"required"`
	Destination    Coordinate        `json:"destination" binding:"required"`
	VehicleType    VehicleType       `json:"vehicle_type"`
	Preferences    *RoutePreferences `json:"preferences"`
	AvoidRiskZones *bool             `json:"avoid_risk_zones"`
	DepartureTime  *time.Time        `json:"departure_time"`
}

// EffectivePreferences returns the request preferences with defaults
// applied.
func (r *RouteRequest) EffectivePreferences() RoutePreferences {
	if r.Preferences == nil {
		return DefaultPreferences()
	}
	prefs := *r.Preferences
	if prefs.Profile == "" {
		prefs.Profile = ProfileBalanced
	}
	return prefs
}

// ShouldAvoidRiskZones defaults to true when the flag is omitted.
func (r *RouteRequest) ShouldAvoidRiskZones() bool {
	return r.AvoidRiskZones == nil || *r.AvoidRiskZones
}

// ManeuverType enumerates turn-by-turn instruction kinds.
type ManeuverType string

const (
	ManeuverDepart      ManeuverType = "depart"
	ManeuverArrive      ManeuverType = "arrive"
	ManeuverTurnLeft    ManeuverType = "turn_left"
	ManeuverTurnRight   ManeuverType = "turn_right"
	ManeuverSlightLeft  ManeuverType = "slight_left"
	ManeuverSlightRight ManeuverType = "slight_right"
	ManeuverStraight    ManeuverType = "straight"
	ManeuverUTurn       ManeuverType = "u_turn"
	ManeuverMerge       ManeuverType = "merge"
	ManeuverFork        ManeuverType = "fork"
	ManeuverRoundabout  ManeuverType = "roundabout"
)

// Maneuver is a single turn-by-turn instruction.
type Maneuver struct {
	Type              ManeuverType `json:"type"`
	Instruction       string       `json:"instruction"`
	VerbalInstruction string       `json:"verbal_instruction"`
	Location          Coordinate   `json:"location"`
	DistanceMeters    int          `json:"distance_meters"`
	StreetName        string       `json:"street_name,omitempty"`
}

// RouteLeg is one leg of a route.
type RouteLeg struct {
	Geometry        GeoJSONLineString `json:"geometry"`
	DistanceMeters  int               `json:"distance_meters"`
	DurationSeconds int               `json:"duration_seconds"`
	Maneuvers       []Maneuver        `json:"maneuvers"`
}

// RouteSummary holds the aggregate statistics for a route.
type RouteSummary struct {
	DistanceMeters      int     `json:"distance_meters"`
	DurationSeconds     int     `json:"duration_seconds"`
	ElevationGainMeters int     `json:"elevation_gain_meters"`
	ElevationLossMeters int     `json:"elevation_loss_meters"`
	MaxGradePercent     float64 `json:"max_grade_percent"`
	BikeLanePercentage  float64 `json:"bike_lane_percentage"`
	RiskScore           float64 `json:"risk_score"`
}

// RouteRiskAnalysis summarizes the zones a route intersects.
type RouteRiskAnalysis struct {
	TotalRiskZones    int      `json:"total_risk_zones"`
	HighSeverityZones int      `json:"high_severity_zones"`
	RiskZoneIDs       []string `json:"risk_zone_ids"`
}

// RouteWarning flags a degraded or noteworthy condition on the route.
type RouteWarning struct {
	Type     string      `json:"type"`
	Message  string      `json:"message"`
	Location *Coordinate `json:"location,omitempty"`
}

// RouteResponse is the body returned by route calculation.
type RouteResponse struct {
	RouteID      uuid.UUID         `json:"route_id"`
	Geometry     GeoJSONLineString `json:"geometry"`
	Summary      RouteSummary      `json:"summary"`
	Legs         []RouteLeg        `json:"legs"`
	RiskAnalysis RouteRiskAnalysis `json:"risk_analysis"`
	Warnings     []RouteWarning    `json:"warnings"`
}

// RouteComparison indexes the routes of an alternatives response.
type RouteComparison struct {
	FastestIndex     int `json:"fastest_index"`
	SafestIndex      int `json:"safest_index"`
	RecommendedIndex int `json:"recommended_index"`
}

// AlternativesResponse is the body of POST /api/v1/routes/alternatives.
type AlternativesResponse struct {
	Routes     []*RouteResponse `json:"routes"`
	Comparison RouteComparison  `json:"comparison"`
}
