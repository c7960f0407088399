package routing

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/saferoute/internal/engine"
	"github.com/terminal-bench/saferoute/internal/geo"
	"github.com/terminal-bench/saferoute/internal/riskzone"
)

// maxConcurrentEngineCalls bounds the candidate fan-out so a broad batch
// sweep cannot saturate the engine.
const maxConcurrentEngineCalls = 8

// candidate is one parsed engine trip under evaluation. Order preserves
// the enumeration position so selection ties break deterministically for
// identical inputs.
type candidate struct {
	trip            *engine.Trip
	path            []geo.Point
	distanceMeters  float64
	durationSeconds float64
	order           int

	valid      bool
	violations []riskzone.Violation
	riskScore  float64
}

func newCandidate(trip *engine.Trip, order int) *candidate {
	c := &candidate{trip: trip, path: trip.Geometry(), order: order}
	c.distanceMeters = trip.Summary.Length * 1000
	if c.distanceMeters <= 0 {
		c.distanceMeters = geo.PathLength(c.path)
	}
	c.durationSeconds = trip.Summary.Time
	return c
}

// evaluate scores the candidate against the zone snapshot.
func (c *candidate) evaluate(zones []riskzone.Zone, min riskzone.Severity, radiusFactor float64) {
	c.valid, c.violations = riskzone.Validate(c.path, zones, min, radiusFactor)
	c.riskScore, _, _ = riskzone.Score(c.path, zones, radiusFactor)
}

// less orders candidates best-first: fewest violations, then lowest
// risk, then shortest distance, then enumeration order.
func (c *candidate) less(other *candidate) bool {
	if len(c.violations) != len(other.violations) {
		return len(c.violations) < len(other.violations)
	}
	if c.riskScore != other.riskScore {
		return c.riskScore < other.riskScore
	}
	if c.distanceMeters != other.distanceMeters {
		return c.distanceMeters < other.distanceMeters
	}
	return c.order < other.order
}

func bestCandidate(candidates []*candidate) *candidate {
	var best *candidate
	for _, c := range candidates {
		if best == nil || c.less(best) {
			best = c
		}
	}
	return best
}

// fanOut issues the candidate requests concurrently and collects every
// main trip and alternate, preserving request order. Individual engine
// failures are tolerated; only a total failure surfaces as an error.
func (s *Service) fanOut(ctx context.Context, inputs []engine.RouteInput) ([]*candidate, error) {
	type result struct {
		trips []*engine.Trip
	}
	results := make([]result, len(inputs))

	var mu sync.Mutex
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEngineCalls)
	for i := range inputs {
		i := i
		g.Go(func() error {
			trip, alternates, err := s.engine.Route(gctx, inputs[i])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				s.log.WithError(err).Debug("candidate request failed")
				return nil
			}
			results[i].trips = append([]*engine.Trip{trip}, alternates...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var candidates []*candidate
	for _, r := range results {
		for _, trip := range r.trips {
			if len(trip.Legs) == 0 {
				continue
			}
			c := newCandidate(trip, len(candidates))
			if len(c.path) == 0 {
				continue
			}
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return candidates, nil
}

// splitByValidity partitions evaluated candidates into clean routes and
// fallbacks.
func splitByValidity(candidates []*candidate) (valid, fallback []*candidate) {
	for _, c := range candidates {
		if c.valid {
			valid = append(valid, c)
		} else {
			fallback = append(fallback, c)
		}
	}
	return valid, fallback
}

// mostViolatedZones returns up to limit zone ids ordered by how often
// the fallback candidates violated them.
func mostViolatedZones(fallbacks []*candidate, limit int) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for _, c := range fallbacks {
		for _, v := range c.violations {
			if _, seen := counts[v.ZoneID]; !seen {
				first[v.ZoneID] = len(first)
			}
			counts[v.ZoneID]++
		}
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return first[ids[i]] < first[ids[j]]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func zonesByID(zones []riskzone.Zone, ids []string) []riskzone.Zone {
	byID := make(map[string]riskzone.Zone, len(zones))
	for _, z := range zones {
		byID[z.ID] = z
	}
	selected := make([]riskzone.Zone, 0, len(ids))
	for _, id := range ids {
		if z, ok := byID[id]; ok {
			selected = append(selected, z)
		}
	}
	return selected
}
