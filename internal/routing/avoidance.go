package routing

import (
	"context"
	"math"
	"sort"

	"github.com/terminal-bench/saferoute/internal/apierrors"
	"github.com/terminal-bench/saferoute/internal/engine"
	"github.com/terminal-bench/saferoute/internal/geo"
	"github.com/terminal-bench/saferoute/internal/riskzone"
)

const (
	// maxWaypointIterations bounds the side-step loop of the iterative
	// avoidance stage.
	maxWaypointIterations = 5

	// focusedZoneLimit caps how many of the most-violated zones get an
	// enlarged exclusion polygon in the focused re-exclusion stage.
	focusedZoneLimit = 5

	// maxDetourRatio decides whether a zone sits "between" origin and
	// destination for the broad avoidance stage.
	maxDetourRatio = 1.5
)

// avoidanceRadiusFactor separates the true danger core from the
// rider-alert perimeter: 0.25 for LOW-severity floors, 0.2 otherwise.
func avoidanceRadiusFactor(min riskzone.Severity) float64 {
	if min == riskzone.SeverityLow {
		return 0.25
	}
	return 0.2
}

// avoidanceRoute runs the staged avoidance pipeline: batched hard
// exclusion, focused re-exclusion, iterative waypoint side-stepping and
// broad waypoint detours. Returns the best candidate found and whether
// it is clean of zone-core violations.
func (s *Service) avoidanceRoute(ctx context.Context, origin, dest geo.Point, base engine.BicycleCosting, zones []riskzone.Zone, min riskzone.Severity) (*candidate, bool, error) {
	factor := avoidanceRadiusFactor(min)
	endpoints := []engine.Location{engine.Break(origin), engine.Break(dest)}

	// Stage 1: hard exclusion batches covering every qualifying zone,
	// each swept with costing variants plus an alternates request.
	batches := riskzone.BuildExclusionBatches(zones, min)
	var inputs []engine.RouteInput
	if len(batches) == 0 {
		inputs = append(inputs, engine.RouteInput{Locations: endpoints, Costing: base, Alternates: 2})
	}
	for _, batch := range batches {
		for _, costing := range avoidanceVariants(base) {
			inputs = append(inputs, engine.RouteInput{
				Locations: endpoints, Costing: costing, ExcludePolygons: batch.Polygons,
			})
		}
		inputs = append(inputs, engine.RouteInput{
			Locations: endpoints, Costing: base, ExcludePolygons: batch.Polygons, Alternates: 2,
		})
		if batch.CoversAll {
			shortest := base
			shortest.Shortest = true
			inputs = append(inputs, engine.RouteInput{
				Locations: endpoints, Costing: shortest, ExcludePolygons: batch.Polygons,
			})
		}
	}

	candidates, err := s.fanOut(ctx, inputs)
	if err != nil {
		return nil, false, err
	}
	for _, c := range candidates {
		c.evaluate(zones, min, factor)
	}
	valid, fallback := splitByValidity(candidates)
	if len(valid) > 0 {
		return bestCandidate(valid), true, nil
	}
	if len(fallback) == 0 {
		return nil, false, apierrors.Wrap(apierrors.ErrRouteNotFound,
			"no engine candidate produced a usable path")
	}

	// Stage 2: focused re-exclusion around the most-violated zones with
	// enlarged polygons.
	focusedZones := zonesByID(zones, mostViolatedZones(fallback, focusedZoneLimit))
	focused := riskzone.BuildFocusedExclusions(focusedZones, factor)

	var focusedInputs []engine.RouteInput
	for _, costing := range avoidanceVariants(base) {
		focusedInputs = append(focusedInputs, engine.RouteInput{
			Locations: endpoints, Costing: costing, ExcludePolygons: focused.Polygons,
		})
	}
	focusedInputs = append(focusedInputs, engine.RouteInput{
		Locations: endpoints, Costing: base, ExcludePolygons: focused.Polygons, Alternates: 2,
	})

	if refined, err := s.fanOut(ctx, focusedInputs); err == nil {
		for _, c := range refined {
			c.evaluate(zones, min, factor)
			if c.valid {
				return c, true, nil
			}
			fallback = append(fallback, c)
		}
	} else if ctx.Err() != nil {
		return nil, false, ctx.Err()
	} else {
		s.log.WithError(err).Warn("focused re-exclusion sweep failed, continuing with fallbacks")
	}

	best := bestCandidate(fallback)

	// Stage 3: iterative side-stepping. Each iteration places a through
	// waypoint perpendicular to the route at every violated zone and
	// pushes progressively farther out.
	current := best
	for iter := 0; iter < maxWaypointIterations; iter++ {
		waypoints := sideStepWaypoints(current, zones, iter)
		if len(waypoints) == 0 {
			break
		}
		locations := make([]engine.Location, 0, len(waypoints)+2)
		locations = append(locations, engine.Break(origin))
		for _, w := range waypoints {
			locations = append(locations, engine.Through(w))
		}
		locations = append(locations, engine.Break(dest))

		stepped, err := s.fanOut(ctx, []engine.RouteInput{{
			Locations: locations, Costing: base, ExcludePolygons: focused.Polygons,
		}})
		if err != nil {
			// A cancelled request must not keep degrading through the
			// remaining stages.
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			break
		}
		if len(stepped) == 0 {
			break
		}
		c := stepped[0]
		c.evaluate(zones, min, factor)
		if c.valid {
			return c, true, nil
		}
		if len(c.violations) < len(current.violations) {
			current = c
		} else {
			break
		}
	}
	if current.less(best) {
		best = current
	}

	// Stage 4: broad detours around the zone cluster between origin and
	// destination.
	c, clean, err := s.broadAvoidance(ctx, origin, dest, base, zones, min, factor, focused.Polygons, best)
	if err != nil {
		return nil, false, err
	}
	if clean {
		return c, true, nil
	}
	if c != nil && c.less(best) {
		best = c
	}

	return best, false, nil
}

// broadAvoidance offers single-waypoint detours at growing multiples of
// the cluster's largest zone radius, then multi-waypoint chains with one
// waypoint per in-cluster zone. Returns the best attempt and whether it
// is clean; a cancelled context surfaces as an error.
func (s *Service) broadAvoidance(ctx context.Context, origin, dest geo.Point, base engine.BicycleCosting, zones []riskzone.Zone, min riskzone.Severity, factor float64, polygons [][][]float64, best *candidate) (*candidate, bool, error) {
	cluster := clusterBetween(origin, dest, riskzone.FilterBySeverity(zones, min))
	if len(cluster) == 0 {
		return best, false, nil
	}

	maxRadius := 0.0
	for _, z := range cluster {
		maxRadius = math.Max(maxRadius, z.AlertRadiusMeters)
	}
	mid := geo.Point{Lon: (origin.Lon + dest.Lon) / 2, Lat: (origin.Lat + dest.Lat) / 2}
	left, right := geo.PerpendicularOffsets(origin, dest)
	side := betterSide(mid, left, right, maxRadius*3/geo.MetersPerDegreeLat, cluster)

	route := func(waypoints []geo.Point) *candidate {
		locations := make([]engine.Location, 0, len(waypoints)+2)
		locations = append(locations, engine.Break(origin))
		for _, w := range waypoints {
			locations = append(locations, engine.Through(w))
		}
		locations = append(locations, engine.Break(dest))
		cands, err := s.fanOut(ctx, []engine.RouteInput{{
			Locations: locations, Costing: base, ExcludePolygons: polygons,
		}})
		if err != nil || len(cands) == 0 {
			return nil
		}
		c := cands[0]
		c.evaluate(zones, min, factor)
		return c
	}

	for _, mult := range []float64{2, 3, 4, 5} {
		offset := maxRadius * mult / geo.MetersPerDegreeLat
		waypoint := geo.Point{Lon: mid.Lon + side.Lon*offset, Lat: mid.Lat + side.Lat*offset}
		c := route([]geo.Point{waypoint})
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if c != nil {
			if c.valid {
				return c, true, nil
			}
			if c.less(best) {
				best = c
			}
		}
	}

	// Multi-waypoint chains: one waypoint per in-cluster zone, ordered
	// along the trip axis, pushed farther out on each attempt.
	ordered := orderAlongAxis(origin, dest, cluster)
	for attempt := 1; attempt <= 4; attempt++ {
		waypoints := make([]geo.Point, 0, len(ordered))
		for _, z := range ordered {
			offset := z.AlertRadiusMeters * (1.5 + float64(attempt)) / geo.MetersPerDegreeLat
			waypoints = append(waypoints, geo.Point{
				Lon: z.Center.Lon + side.Lon*offset,
				Lat: z.Center.Lat + side.Lat*offset,
			})
		}
		c := route(waypoints)
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if c != nil {
			if c.valid {
				return c, true, nil
			}
			if c.less(best) {
				best = c
			}
		}
	}
	return best, false, nil
}

// sideStepWaypoints places one waypoint per violated zone, perpendicular
// to the route's local direction at the closest approach, on the side
// farther from every other zone. Offsets grow with the iteration count.
func sideStepWaypoints(c *candidate, zones []riskzone.Zone, iteration int) []geo.Point {
	violated := make([]string, 0, len(c.violations))
	for _, v := range c.violations {
		violated = append(violated, v.ZoneID)
	}

	type placed struct {
		idx   int
		point geo.Point
	}
	var waypoints []placed
	for _, z := range zonesByID(zones, violated) {
		_, idx := geo.ClosestApproach(c.path, z.Center)
		if idx < 0 {
			continue
		}
		a, b := localDirection(c.path, idx)
		leftDir, rightDir := geo.PerpendicularOffsets(a, b)

		offset := z.AlertRadiusMeters * (2.5 + float64(iteration)) / geo.MetersPerDegreeLat
		leftPoint := geo.Point{Lon: a.Lon + leftDir.Lon*offset, Lat: a.Lat + leftDir.Lat*offset}
		rightPoint := geo.Point{Lon: a.Lon + rightDir.Lon*offset, Lat: a.Lat + rightDir.Lat*offset}

		point := leftPoint
		if zoneClearance(rightPoint, zones, z.ID) > zoneClearance(leftPoint, zones, z.ID) {
			point = rightPoint
		}
		waypoints = append(waypoints, placed{idx: idx, point: point})
	}

	sort.Slice(waypoints, func(i, j int) bool { return waypoints[i].idx < waypoints[j].idx })
	points := make([]geo.Point, len(waypoints))
	for i, w := range waypoints {
		points[i] = w.point
	}
	return points
}

// localDirection returns the path segment giving the route's direction
// at vertex idx.
func localDirection(path []geo.Point, idx int) (a, b geo.Point) {
	if idx+1 < len(path) {
		return path[idx], path[idx+1]
	}
	if idx > 0 {
		return path[idx-1], path[idx]
	}
	return path[idx], path[idx]
}

// zoneClearance scores a waypoint by its distance to the nearest zone
// center other than the one being stepped around.
func zoneClearance(p geo.Point, zones []riskzone.Zone, excludeID string) float64 {
	clearance := math.Inf(1)
	for _, z := range zones {
		if z.ID == excludeID {
			continue
		}
		clearance = math.Min(clearance, geo.Distance(p, z.Center))
	}
	return clearance
}

// betterSide picks the perpendicular direction whose probe point has the
// larger clearance from the cluster.
func betterSide(mid, left, right geo.Point, offsetDegrees float64, cluster []riskzone.Zone) geo.Point {
	leftProbe := geo.Point{Lon: mid.Lon + left.Lon*offsetDegrees, Lat: mid.Lat + left.Lat*offsetDegrees}
	rightProbe := geo.Point{Lon: mid.Lon + right.Lon*offsetDegrees, Lat: mid.Lat + right.Lat*offsetDegrees}
	if zoneClearance(rightProbe, cluster, "") > zoneClearance(leftProbe, cluster, "") {
		return right
	}
	return left
}

// clusterBetween selects the zones that sit between origin and
// destination: inside the trip bounding box (expanded by the zone
// radius) and with a detour ratio within bounds.
func clusterBetween(origin, dest geo.Point, zones []riskzone.Zone) []riskzone.Zone {
	direct := geo.Distance(origin, dest)
	if direct == 0 {
		return nil
	}

	var cluster []riskzone.Zone
	for _, z := range zones {
		box := geo.PathBBox([]geo.Point{origin, dest}, z.AlertRadiusMeters)
		if !box.Contains(z.Center) {
			continue
		}
		detour := (geo.Distance(origin, z.Center) + geo.Distance(z.Center, dest)) / direct
		if detour <= maxDetourRatio {
			cluster = append(cluster, z)
		}
	}
	return cluster
}

// orderAlongAxis sorts zones by their projection onto the origin to
// destination axis so waypoint chains follow travel order.
func orderAlongAxis(origin, dest geo.Point, zones []riskzone.Zone) []riskzone.Zone {
	dx := dest.Lon - origin.Lon
	dy := dest.Lat - origin.Lat
	lenSq := dx*dx + dy*dy

	ordered := make([]riskzone.Zone, len(zones))
	copy(ordered, zones)
	if lenSq == 0 {
		return ordered
	}
	projection := func(z riskzone.Zone) float64 {
		return ((z.Center.Lon-origin.Lon)*dx + (z.Center.Lat-origin.Lat)*dy) / lenSq
	}
	sort.SliceStable(ordered, func(i, j int) bool { return projection(ordered[i]) < projection(ordered[j]) })
	return ordered
}
