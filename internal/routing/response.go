package routing

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/terminal-bench/saferoute/internal/engine"
	"github.com/terminal-bench/saferoute/internal/geo"
	"github.com/terminal-bench/saferoute/internal/models"
	"github.com/terminal-bench/saferoute/internal/riskzone"
)

// fallbackSpeedMetersPerSecond estimates duration when the engine omits
// a trip time: roughly 15 km/h.
const fallbackSpeedMetersPerSecond = 4.17

// assembleResponse turns the selected candidate into the wire response:
// geometry, elevation statistics, bike lane coverage, risk analysis and
// turn-by-turn legs.
func (s *Service) assembleResponse(ctx context.Context, c *candidate, zones []riskzone.Zone, radiusFactor float64, warnings []models.RouteWarning) *models.RouteResponse {
	path := c.path

	duration := c.durationSeconds
	if duration <= 0 {
		// Only a missing or zero engine time falls back to the fixed-speed
		// estimate; a non-zero engine time is always used verbatim.
		duration = c.distanceMeters / fallbackSpeedMetersPerSecond
	}

	elevation, interval := collectElevation(c.trip)
	gain, loss, maxGrade := elevationStats(elevation, interval)

	lanePct, laneStats := s.lanes.Coverage(ctx, path)
	if lanePct == 0 && c.distanceMeters > 0 {
		if fallbackPct, ok := s.traceCoverage(ctx, path); ok {
			lanePct = fallbackPct
			laneStats.Fallback = true
		}
	}
	if laneStats.Fallback {
		warnings = append(warnings, models.RouteWarning{
			Type:    "coverage_fallback",
			Message: "Bike lane coverage was estimated from engine edge attributes.",
		})
	}

	score, passes, zoneIDs := riskzone.Score(path, zones, radiusFactor)

	summary := models.RouteSummary{
		DistanceMeters:      int(math.Round(c.distanceMeters)),
		DurationSeconds:     int(math.Round(duration)),
		ElevationGainMeters: int(math.Round(gain)),
		ElevationLossMeters: int(math.Round(loss)),
		MaxGradePercent:     math.Round(maxGrade*10) / 10,
		BikeLanePercentage:  lanePct,
		RiskScore:           score,
	}

	resp := &models.RouteResponse{
		RouteID:  uuid.New(),
		Geometry: models.NewLineString(pathCoordinates(path)),
		Summary:  summary,
		Legs:     buildLegs(c.trip),
		RiskAnalysis: models.RouteRiskAnalysis{
			TotalRiskZones:    passes,
			HighSeverityZones: countHighSeverity(zones, zoneIDs),
			RiskZoneIDs:       zoneIDs,
		},
		Warnings: warnings,
	}

	s.remember(resp.RouteID, &StoredRoute{
		Path:           path,
		Elevation:      elevation,
		IntervalMeters: interval,
		Summary:        summary,
	})
	return resp
}

// traceCoverage estimates bike lane share from the engine's map-matched
// edge attributes. Separated and dedicated lanes count, as do cycleway
// and path edges; shared-lane markings do not.
func (s *Service) traceCoverage(ctx context.Context, path []geo.Point) (float64, bool) {
	trace, err := s.engine.TraceAttributes(ctx, path)
	if err != nil {
		s.log.WithError(err).Debug("trace attributes fallback failed")
		return 0, false
	}

	var total, onNetwork float64
	for _, edge := range trace.Edges {
		total += edge.LengthKm
		if edge.CycleLane == "separated" || edge.CycleLane == "dedicated" ||
			edge.Use == "cycleway" || edge.Use == "path" {
			onNetwork += edge.LengthKm
		}
	}
	if total == 0 {
		return 0, false
	}
	pct := math.Min(100, onNetwork/total*100)
	return math.Round(pct*10) / 10, true
}

// collectElevation concatenates per-leg elevation samples and returns
// the sampling interval.
func collectElevation(trip *engine.Trip) ([]float64, float64) {
	interval := engine.DefaultElevationInterval
	var samples []float64
	for _, leg := range trip.Legs {
		if leg.ElevationInterval > 0 {
			interval = leg.ElevationInterval
		}
		samples = append(samples, leg.Elevation...)
	}
	return samples, interval
}

// elevationStats computes independent gain and loss plus the maximum
// grade, each from consecutive sample deltas over the interval.
func elevationStats(samples []float64, interval float64) (gain, loss, maxGrade float64) {
	if interval <= 0 {
		return 0, 0, 0
	}
	for i := 0; i+1 < len(samples); i++ {
		delta := samples[i+1] - samples[i]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
		if grade := math.Abs(delta) / interval * 100; grade > maxGrade {
			maxGrade = grade
		}
	}
	return gain, loss, maxGrade
}

func pathCoordinates(path []geo.Point) [][]float64 {
	coords := make([][]float64, len(path))
	for i, p := range path {
		coords[i] = []float64{p.Lon, p.Lat}
	}
	return coords
}

func countHighSeverity(zones []riskzone.Zone, ids []string) int {
	severe := make(map[string]bool, len(zones))
	for _, z := range zones {
		if z.Severity == riskzone.SeverityHigh || z.Severity == riskzone.SeverityCritical {
			severe[z.ID] = true
		}
	}
	count := 0
	for _, id := range ids {
		if severe[id] {
			count++
		}
	}
	return count
}

// buildLegs converts engine legs into wire legs with mapped maneuvers.
func buildLegs(trip *engine.Trip) []models.RouteLeg {
	legs := make([]models.RouteLeg, 0, len(trip.Legs))
	for _, leg := range trip.Legs {
		shape := geo.DecodePolyline(leg.Shape, geo.DefaultPolylinePrecision)

		maneuvers := make([]models.Maneuver, 0, len(leg.Maneuvers))
		for _, m := range leg.Maneuvers {
			maneuver := models.Maneuver{
				Type:              maneuverType(m.Type),
				Instruction:       m.Instruction,
				VerbalInstruction: m.Instruction,
				DistanceMeters:    int(math.Round(m.Length * 1000)),
			}
			if len(m.StreetNames) > 0 {
				maneuver.StreetName = m.StreetNames[0]
			}
			if m.BeginShapeIndex >= 0 && m.BeginShapeIndex < len(shape) {
				p := shape[m.BeginShapeIndex]
				maneuver.Location = models.Coordinate{Latitude: p.Lat, Longitude: p.Lon}
			}
			maneuvers = append(maneuvers, maneuver)
		}

		legs = append(legs, models.RouteLeg{
			Geometry:        models.NewLineString(pathCoordinates(shape)),
			DistanceMeters:  int(math.Round(leg.Summary.Length * 1000)),
			DurationSeconds: int(math.Round(leg.Summary.Time)),
			Maneuvers:       maneuvers,
		})
	}
	return legs
}

// maneuverType maps the engine's numeric maneuver types onto the wire
// enum.
func maneuverType(engineType int) models.ManeuverType {
	switch engineType {
	case 1, 2, 3:
		return models.ManeuverDepart
	case 4, 5, 6:
		return models.ManeuverArrive
	case 9:
		return models.ManeuverSlightRight
	case 10, 11:
		return models.ManeuverTurnRight
	case 12, 13:
		return models.ManeuverUTurn
	case 14, 15:
		return models.ManeuverTurnLeft
	case 16:
		return models.ManeuverSlightLeft
	case 22, 23, 24:
		return models.ManeuverFork
	case 25:
		return models.ManeuverMerge
	case 26, 27:
		return models.ManeuverRoundabout
	default:
		return models.ManeuverStraight
	}
}

// mockRoute synthesizes a straight-line route for development when the
// engine is unreachable. Never served outside development mode.
func (s *Service) mockRoute(origin, dest geo.Point) *models.RouteResponse {
	const steps = 10
	path := make([]geo.Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		t := float64(i) / steps
		path = append(path, geo.Point{
			Lon: origin.Lon + (dest.Lon-origin.Lon)*t,
			Lat: origin.Lat + (dest.Lat-origin.Lat)*t,
		})
	}

	distance := geo.PathLength(path)
	summary := models.RouteSummary{
		DistanceMeters:  int(math.Round(distance)),
		DurationSeconds: int(math.Round(distance / fallbackSpeedMetersPerSecond)),
	}

	resp := &models.RouteResponse{
		RouteID:      uuid.New(),
		Geometry:     models.NewLineString(pathCoordinates(path)),
		Summary:      summary,
		Legs:         []models.RouteLeg{},
		RiskAnalysis: models.RouteRiskAnalysis{},
		Warnings: []models.RouteWarning{{
			Type:    "mock_route",
			Message: "Routing engine unavailable; returning a synthetic development route.",
		}},
	}
	s.remember(resp.RouteID, &StoredRoute{Path: path, Summary: summary})
	return resp
}
