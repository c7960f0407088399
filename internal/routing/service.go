// Package routing is the orchestrator: it biases the engine toward safe
// paths, rejects candidates that cut through hazard zones, re-routes
// iteratively to escape violations and assembles the annotated response.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/apierrors"
	"github.com/terminal-bench/saferoute/internal/bikelane"
	"github.com/terminal-bench/saferoute/internal/engine"
	"github.com/terminal-bench/saferoute/internal/geo"
	"github.com/terminal-bench/saferoute/internal/models"
	"github.com/terminal-bench/saferoute/internal/riskzone"
)

// EngineAPI is the engine client surface the orchestrator uses.
type EngineAPI interface {
	Route(ctx context.Context, input engine.RouteInput) (*engine.Trip, []*engine.Trip, error)
	TraceAttributes(ctx context.Context, shape []geo.Point) (*engine.TraceResult, error)
}

// ZoneSource provides the active risk zone snapshot.
type ZoneSource interface {
	Zones(ctx context.Context) ([]riskzone.Zone, error)
}

// LaneSource measures bike infrastructure coverage for a path.
type LaneSource interface {
	Coverage(ctx context.Context, path []geo.Point) (float64, bikelane.Stats)
}

// recentRouteLimit bounds the per-process cache backing the elevation
// profile endpoint.
const recentRouteLimit = 256

// StoredRoute is the cached detail kept per computed route.
type StoredRoute struct {
	Path           []geo.Point
	Elevation      []float64
	IntervalMeters float64
	Summary        models.RouteSummary
}

// Service is the routing orchestrator. Stateless per request; the only
// mutable state is the bounded recent-route cache.
type Service struct {
	engine        EngineAPI
	zones         ZoneSource
	lanes         LaneSource
	devMockRoutes bool
	log           *logrus.Entry

	mu          sync.Mutex
	recent      map[uuid.UUID]*StoredRoute
	recentOrder []uuid.UUID
}

// NewService wires the orchestrator.
func NewService(engineClient EngineAPI, zones ZoneSource, lanes LaneSource, devMockRoutes bool, log *logrus.Logger) *Service {
	return &Service{
		engine:        engineClient,
		zones:         zones,
		lanes:         lanes,
		devMockRoutes: devMockRoutes,
		log:           log.WithField("component", "routing.service"),
		recent:        make(map[uuid.UUID]*StoredRoute),
	}
}

// Calculate computes one route for the request. Zone data is loaded up
// front and its absence is fatal: a route is never computed against an
// empty zone list.
func (s *Service) Calculate(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	origin := geo.Point{Lon: req.Origin.Longitude, Lat: req.Origin.Latitude}
	dest := geo.Point{Lon: req.Destination.Longitude, Lat: req.Destination.Latitude}
	if origin == dest {
		return nil, apierrors.Validation("origin and destination must differ")
	}

	zones, err := s.zones.Zones(ctx)
	if err != nil {
		return nil, err
	}

	prefs := req.EffectivePreferences()
	base := profileCosting(prefs, req.VehicleType)

	var (
		cand   *candidate
		clean  = true
		factor float64
	)
	switch {
	case prefs.Profile == models.ProfileFastest:
		factor = avoidanceRadiusFactor(riskzone.SeverityHigh)
		cand, err = s.fastestRoute(ctx, origin, dest, base)
	case !req.ShouldAvoidRiskZones():
		factor = avoidanceRadiusFactor(riskzone.SeverityHigh)
		cand, err = s.plainRoute(ctx, origin, dest, base)
	case prefs.Profile == models.ProfileSafest && prefs.PreferBikeLanes:
		factor = avoidanceRadiusFactor(riskzone.SeverityLow)
		cand, clean, err = s.bikeLanePreferred(ctx, origin, dest, base, zones)
	case prefs.Profile == models.ProfileSafest, prefs.Profile == models.ProfileScenic:
		factor = avoidanceRadiusFactor(riskzone.SeverityLow)
		cand, clean, err = s.avoidanceRoute(ctx, origin, dest, base, zones, riskzone.SeverityLow)
	default:
		factor = avoidanceRadiusFactor(riskzone.SeverityHigh)
		cand, clean, err = s.avoidanceRoute(ctx, origin, dest, base, zones, riskzone.SeverityHigh)
	}
	if err != nil {
		if s.devMockRoutes && errors.Is(err, apierrors.ErrEngineUnavailable) {
			s.log.Warn("engine unavailable, serving development mock route")
			return s.mockRoute(origin, dest), nil
		}
		return nil, err
	}

	var warnings []models.RouteWarning
	if !clean {
		if prefs.Profile == models.ProfileBalanced && !balancedAcceptable(cand) {
			return nil, apierrors.Wrap(apierrors.ErrRouteNotFound,
				"no candidate within the balanced violation budget (%d violations)", len(cand.violations))
		}
		warnings = append(warnings, models.RouteWarning{
			Type:    "degraded_route",
			Message: "No route fully clear of risk zones was found; the returned route minimizes exposure.",
		})
	}

	resp := s.assembleResponse(ctx, cand, zones, factor, warnings)
	if prefs.MaxGradePercent > 0 && resp.Summary.MaxGradePercent > prefs.MaxGradePercent {
		resp.Warnings = append(resp.Warnings, models.RouteWarning{
			Type:    "steep_grade",
			Message: fmt.Sprintf("Route includes grades up to %.1f%%, above your %.0f%% preference.",
				resp.Summary.MaxGradePercent, prefs.MaxGradePercent),
		})
	}
	return resp, nil
}

// balancedAcceptable allows a degraded BALANCED route only when at most
// one LOW-tier violation remains.
func balancedAcceptable(c *candidate) bool {
	if len(c.violations) > 1 {
		return false
	}
	for _, v := range c.violations {
		if riskzone.SeverityFromReportCount(v.ReportedCount) != riskzone.SeverityLow {
			return false
		}
	}
	return true
}

// fastestRoute sweeps full-speed costing variants plus an alternates
// request and picks the minimum duration. No avoidance logic.
func (s *Service) fastestRoute(ctx context.Context, origin, dest geo.Point, base engine.BicycleCosting) (*candidate, error) {
	endpoints := []engine.Location{engine.Break(origin), engine.Break(dest)}

	var inputs []engine.RouteInput
	for _, costing := range fastestVariants(base) {
		inputs = append(inputs, engine.RouteInput{Locations: endpoints, Costing: costing})
	}
	fast := base
	fast.UseRoads, fast.UseHills, fast.AvoidBadSurfaces = 1.0, 1.0, 0.0
	inputs = append(inputs, engine.RouteInput{Locations: endpoints, Costing: fast, Alternates: 2})

	candidates, err := s.fanOut(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apierrors.Wrap(apierrors.ErrRouteNotFound, "no fastest candidate produced a path")
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.durationSeconds < best.durationSeconds {
			best = c
		}
	}
	return best, nil
}

// plainRoute is the avoid_risk_zones=false path: one request with the
// profile costing, no exclusions.
func (s *Service) plainRoute(ctx context.Context, origin, dest geo.Point, base engine.BicycleCosting) (*candidate, error) {
	candidates, err := s.fanOut(ctx, []engine.RouteInput{{
		Locations:  []engine.Location{engine.Break(origin), engine.Break(dest)},
		Costing:    base,
		Alternates: 2,
	}})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apierrors.Wrap(apierrors.ErrRouteNotFound, "no candidate produced a path")
	}
	return candidates[0], nil
}

// bikeLanePreferred maximizes bike lane share among clean candidates,
// with a distance penalty so marginal coverage gains cannot justify
// large detours.
func (s *Service) bikeLanePreferred(ctx context.Context, origin, dest geo.Point, base engine.BicycleCosting, zones []riskzone.Zone) (*candidate, bool, error) {
	factor := avoidanceRadiusFactor(riskzone.SeverityLow)
	exclusions := riskzone.BuildExclusionPolygons(zones, riskzone.SeverityLow)
	endpoints := []engine.Location{engine.Break(origin), engine.Break(dest)}

	var inputs []engine.RouteInput
	for _, costing := range bikeLaneVariants(base) {
		inputs = append(inputs, engine.RouteInput{
			Locations: endpoints, Costing: costing, ExcludePolygons: exclusions.Polygons,
		})
	}
	inputs = append(inputs, engine.RouteInput{
		Locations: endpoints, Costing: base, ExcludePolygons: exclusions.Polygons, Alternates: 2,
	})

	candidates, err := s.fanOut(ctx, inputs)
	if err != nil {
		return nil, false, err
	}
	if len(candidates) == 0 {
		return nil, false, apierrors.Wrap(apierrors.ErrRouteNotFound, "no bike lane candidate produced a path")
	}

	coverage := make([]float64, len(candidates))
	for i, c := range candidates {
		c.evaluate(zones, riskzone.SeverityLow, factor)
		coverage[i], _ = s.lanes.Coverage(ctx, c.path)
	}

	valid, _ := splitByValidity(candidates)
	if len(valid) > 0 {
		minDistance := valid[0].distanceMeters
		for _, c := range valid[1:] {
			if c.distanceMeters < minDistance {
				minDistance = c.distanceMeters
			}
		}

		var best *candidate
		bestScore := 0.0
		for i, c := range candidates {
			if !c.valid {
				continue
			}
			penalty := 0.0
			if minDistance > 0 && c.distanceMeters > minDistance {
				penalty = 50 * (c.distanceMeters/minDistance - 1)
			}
			score := coverage[i] - penalty
			if best == nil || score > bestScore {
				best, bestScore = c, score
			}
		}
		return best, true, nil
	}

	// No clean candidate: fewest violations, then highest coverage.
	var best *candidate
	bestCoverage := 0.0
	for i, c := range candidates {
		switch {
		case best == nil,
			len(c.violations) < len(best.violations),
			len(c.violations) == len(best.violations) && coverage[i] > bestCoverage:
			best, bestCoverage = c, coverage[i]
		}
	}
	return best, false, nil
}

// Alternatives returns up to three routes ordered balanced, safest,
// fastest. The fastest slot always holds the lowest duration among the
// returned routes.
func (s *Service) Alternatives(ctx context.Context, req *models.RouteRequest) (*models.AlternativesResponse, error) {
	profiles := []models.RouteProfile{models.ProfileBalanced, models.ProfileSafest, models.ProfileFastest}

	var (
		routes []*models.RouteResponse
		slots  []models.RouteProfile
	)
	for _, profile := range profiles {
		alt := *req
		prefs := req.EffectivePreferences()
		prefs.Profile = profile
		alt.Preferences = &prefs

		resp, err := s.Calculate(ctx, &alt)
		if err != nil {
			if errors.Is(err, apierrors.ErrRiskZoneUnavailable) || errors.Is(err, apierrors.ErrEngineUnavailable) {
				return nil, err
			}
			s.log.WithError(err).WithField("profile", profile).Warn("alternative profile failed")
			continue
		}
		routes = append(routes, resp)
		slots = append(slots, profile)
	}
	if len(routes) == 0 {
		return nil, apierrors.Wrap(apierrors.ErrRouteNotFound, "no alternative profile produced a route")
	}

	// Keep the fastest slot's invariant: lowest duration among returned
	// routes.
	fastestSlot := -1
	for i, profile := range slots {
		if profile == models.ProfileFastest {
			fastestSlot = i
		}
	}
	if fastestSlot >= 0 {
		minIdx := fastestSlot
		for i, r := range routes {
			if r.Summary.DurationSeconds < routes[minIdx].Summary.DurationSeconds {
				minIdx = i
			}
		}
		if minIdx != fastestSlot {
			routes[minIdx], routes[fastestSlot] = routes[fastestSlot], routes[minIdx]
			slots[minIdx], slots[fastestSlot] = slots[fastestSlot], slots[minIdx]
		}
	}

	comparison := models.RouteComparison{}
	for i, r := range routes {
		if r.Summary.DurationSeconds < routes[comparison.FastestIndex].Summary.DurationSeconds {
			comparison.FastestIndex = i
		}
		if r.Summary.RiskScore < routes[comparison.SafestIndex].Summary.RiskScore {
			comparison.SafestIndex = i
		}
		if slots[i] == models.ProfileBalanced {
			comparison.RecommendedIndex = i
		}
	}

	return &models.AlternativesResponse{Routes: routes, Comparison: comparison}, nil
}

// StoredRoute returns the cached detail for a recently computed route.
func (s *Service) StoredRoute(id uuid.UUID) (*StoredRoute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recent[id]
	return r, ok
}

func (s *Service) remember(id uuid.UUID, route *StoredRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recentOrder) >= recentRouteLimit {
		oldest := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recent, oldest)
	}
	s.recent[id] = route
	s.recentOrder = append(s.recentOrder, id)
}
