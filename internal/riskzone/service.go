package riskzone

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/terminal-bench/saferoute/internal/apierrors"
	"github.com/terminal-bench/saferoute/internal/geo"
)

// Exclusion polygon policy. The radius cap compresses polygons so more
// zone centers fit under the engine's circumference budget; validation
// always runs against each zone's true radius.
const (
	ExclusionBufferMultiplier = 1.5
	ExclusionRadiusCapMeters  = 150.0
	MaxExclusionCircumference = 9500.0
	ExclusionPolygonVertices  = 8
)

// Service caches the active zone snapshot and serves the geometry
// operations built on it. The snapshot is read-mostly: refreshes run
// through a singleflight group and publish atomically under the lock.
type Service struct {
	store          Store
	ttl            time.Duration
	refreshTimeout time.Duration
	log            *logrus.Entry

	group singleflight.Group

	mu          sync.RWMutex
	snapshot    []Zone
	loadedAt    time.Time
	hasSnapshot bool
}

// NewService builds a zone service over a store.
func NewService(store Store, ttl, refreshTimeout time.Duration, log *logrus.Logger) *Service {
	return &Service{
		store:          store,
		ttl:            ttl,
		refreshTimeout: refreshTimeout,
		log:            log.WithField("component", "riskzone.service"),
	}
}

// Zones returns the active zone snapshot, refreshing it when expired.
// A refresh failure degrades to the stale snapshot with a warning; with
// no snapshot at all the request fails with ErrRiskZoneUnavailable so a
// route is never computed against an empty zone list.
func (s *Service) Zones(ctx context.Context) ([]Zone, error) {
	s.mu.RLock()
	snapshot, fresh, exists := s.snapshot, time.Since(s.loadedAt) < s.ttl, s.hasSnapshot
	s.mu.RUnlock()

	if exists && fresh {
		return snapshot, nil
	}

	if exists {
		// Stale snapshot: serve it now, refresh in the background so a
		// slow source never blocks request threads.
		go func() {
			if _, err := s.refresh(); err != nil {
				s.log.WithError(err).Warn("background risk zone refresh failed, serving stale snapshot")
			}
		}()
		return snapshot, nil
	}

	// No snapshot at all: this load is safety-critical and must block.
	zones, err := s.refresh()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrRiskZoneUnavailable, "initial zone load failed: %v", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return zones, nil
}

// refresh loads the zone set once even under concurrent callers.
func (s *Service) refresh() ([]Zone, error) {
	v, err, _ := s.group.Do("zones", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
		defer cancel()

		zones, err := s.store.ActiveZones(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.snapshot = zones
		s.loadedAt = time.Now()
		s.hasSnapshot = true
		s.mu.Unlock()

		s.log.WithField("zones", len(zones)).Info("loaded risk zone snapshot")
		return zones, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Zone), nil
}

// Invalidate expires the snapshot. Called when a hazard report is
// verified so the next request sees the new zone set.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// ExclusionSet is a batch of exclusion polygons bound for one engine
// request, with the zone ids it covers and its spent circumference.
type ExclusionSet struct {
	Polygons      [][][]float64
	ZoneIDs       []string
	Circumference float64
	// CoversAll reports whether every qualifying zone fit in the batch.
	CoversAll bool
}

// BuildExclusionPolygons builds one circumference-bounded batch of
// 8-vertex exclusion polygons covering as many qualifying zones as the
// budget allows, highest report count first.
func BuildExclusionPolygons(zones []Zone, min Severity) ExclusionSet {
	ordered := sortedBySeverity(FilterBySeverity(zones, min))

	set := ExclusionSet{CoversAll: true}
	for _, z := range ordered {
		radius := math.Min(z.AlertRadiusMeters, ExclusionRadiusCapMeters) * ExclusionBufferMultiplier
		circumference := 2 * math.Pi * radius
		if set.Circumference+circumference > MaxExclusionCircumference {
			set.CoversAll = false
			break
		}
		set.Polygons = append(set.Polygons, geo.CircularPolygon(z.Center, radius, ExclusionPolygonVertices))
		set.ZoneIDs = append(set.ZoneIDs, z.ID)
		set.Circumference += circumference
	}
	return set
}

// BuildExclusionBatches splits the full qualifying zone set into batches
// that each fit the circumference budget, so stage 1 can cover every
// zone across several engine calls.
func BuildExclusionBatches(zones []Zone, min Severity) []ExclusionSet {
	ordered := sortedBySeverity(FilterBySeverity(zones, min))
	if len(ordered) == 0 {
		return nil
	}

	var batches []ExclusionSet
	current := ExclusionSet{}
	for _, z := range ordered {
		radius := math.Min(z.AlertRadiusMeters, ExclusionRadiusCapMeters) * ExclusionBufferMultiplier
		circumference := 2 * math.Pi * radius
		if current.Circumference+circumference > MaxExclusionCircumference {
			if len(current.Polygons) > 0 {
				batches = append(batches, current)
			}
			current = ExclusionSet{}
		}
		current.Polygons = append(current.Polygons, geo.CircularPolygon(z.Center, radius, ExclusionPolygonVertices))
		current.ZoneIDs = append(current.ZoneIDs, z.ID)
		current.Circumference += circumference
	}
	if len(current.Polygons) > 0 {
		batches = append(batches, current)
	}
	if len(batches) == 1 {
		batches[0].CoversAll = true
	}
	return batches
}

// BuildFocusedExclusions builds an exclusion set for a specific handful
// of zones using an enlarged radius (3x the avoidance core), for the
// focused re-exclusion stage. Still budget-bounded.
func BuildFocusedExclusions(zones []Zone, radiusFactor float64) ExclusionSet {
	ordered := sortedBySeverity(zones)

	set := ExclusionSet{CoversAll: true}
	for _, z := range ordered {
		radius := z.AlertRadiusMeters * radiusFactor * 3.0
		circumference := 2 * math.Pi * radius
		if set.Circumference+circumference > MaxExclusionCircumference {
			set.CoversAll = false
			break
		}
		set.Polygons = append(set.Polygons, geo.CircularPolygon(z.Center, radius, ExclusionPolygonVertices))
		set.ZoneIDs = append(set.ZoneIDs, z.ID)
		set.Circumference += circumference
	}
	return set
}

func sortedBySeverity(zones []Zone) []Zone {
	ordered := make([]Zone, len(zones))
	copy(ordered, zones)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ReportedCount > ordered[j].ReportedCount
	})
	return ordered
}

// Violation records a route point entering a zone's avoidance core.
type Violation struct {
	ZoneID                string
	ReportedCount         int
	DistanceMeters        float64
	ZoneRadiusMeters      float64
	AvoidanceRadiusMeters float64
}

// Validate checks that no point of path lies within radiusFactor of the
// alert radius of any qualifying zone. SAFEST validates with 0.25,
// BALANCED with 0.2; the factor separates the true danger core from the
// rider-alert perimeter.
func Validate(path []geo.Point, zones []Zone, min Severity, radiusFactor float64) (bool, []Violation) {
	qualifying := FilterBySeverity(zones, min)
	if len(path) == 0 || len(qualifying) == 0 {
		return true, nil
	}

	// Bounding-box pre-filter: zones whose avoidance circle cannot touch
	// the path are skipped before the point loop.
	maxRadius := 0.0
	for _, z := range qualifying {
		if r := z.AlertRadiusMeters * radiusFactor; r > maxRadius {
			maxRadius = r
		}
	}
	box := geo.PathBBox(path, maxRadius)

	var violations []Violation
	for _, z := range qualifying {
		if !box.Contains(z.Center) {
			continue
		}
		avoidance := z.AlertRadiusMeters * radiusFactor
		if dist, idx := geo.ClosestApproach(path, z.Center); idx >= 0 && dist < avoidance {
			violations = append(violations, Violation{
				ZoneID:                z.ID,
				ReportedCount:         z.ReportedCount,
				DistanceMeters:        math.Round(dist*10) / 10,
				ZoneRadiusMeters:      z.AlertRadiusMeters,
				AvoidanceRadiusMeters: math.Round(avoidance*10) / 10,
			})
		}
	}
	return len(violations) == 0, violations
}

// Score rates a route's proximity to zone cores on [0, 1]. Each zone the
// route enters contributes closeness times its severity weight; the
// total is normalized by |zones| * 0.3 and clamped.
func Score(path []geo.Point, zones []Zone, radiusFactor float64) (score float64, passes int, zoneIDs []string) {
	if len(path) == 0 || len(zones) == 0 {
		return 0, 0, nil
	}

	maxRadius := 0.0
	for _, z := range zones {
		if r := z.AlertRadiusMeters * radiusFactor; r > maxRadius {
			maxRadius = r
		}
	}
	box := geo.PathBBox(path, maxRadius)

	var totalRiskPoints float64
	for _, z := range zones {
		if !box.Contains(z.Center) {
			continue
		}
		core := z.AlertRadiusMeters * radiusFactor
		dist, idx := geo.ClosestApproach(path, z.Center)
		if idx < 0 || dist >= core {
			continue
		}
		passes++
		zoneIDs = append(zoneIDs, z.ID)
		closeness := 1.0
		if core > 0 {
			closeness = 1 - dist/core
		}
		totalRiskPoints += closeness * SeverityWeight(z.Severity)
	}

	score = math.Min(1.0, totalRiskPoints/(float64(len(zones))*0.3))
	return score, passes, zoneIDs
}
