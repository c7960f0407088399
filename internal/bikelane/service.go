package bikelane

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/terminal-bench/saferoute/internal/geo"
)

// MaxLaneDistanceMeters is the slack for counting a sample as "on" the
// bikeway network. It absorbs street width and source coordinate error;
// it is a contract, not a tunable (tightening breaks recall, widening
// over-credits parallel roads).
const MaxLaneDistanceMeters = 25.0

// Stats describes how a coverage figure was measured.
type Stats struct {
	TotalDistanceMeters    float64
	BikeLaneDistanceMeters float64
	SegmentsChecked        int
	SegmentsOnBikeLane     int
	// Fallback marks coverage derived from the engine's edge attributes
	// rather than from the municipal source data.
	Fallback bool
}

// Service caches the prepared bikeway network and measures coverage.
// Unlike the risk-zone snapshot, a missing bikeway source is not fatal:
// coverage degrades to zero and the orchestrator falls back to the
// engine's trace attributes.
type Service struct {
	store          Store
	ttl            time.Duration
	refreshTimeout time.Duration
	log            *logrus.Entry

	group singleflight.Group

	mu       sync.RWMutex
	network  *network
	loadedAt time.Time
}

// NewService builds a bike lane service over a store.
func NewService(store Store, ttl, refreshTimeout time.Duration, log *logrus.Logger) *Service {
	return &Service{
		store:          store,
		ttl:            ttl,
		refreshTimeout: refreshTimeout,
		log:            log.WithField("component", "bikelane.service"),
	}
}

// Coverage measures the fraction of the route traveled on real bike
// infrastructure, as a percentage clamped to [0, 100].
//
// Each consecutive segment is sampled at parametric positions 0, 1/3,
// 2/3 and 1; a sample is on-network when its degree-space distance to
// the lane union is within the 25 m slack, and a segment counts when at
// least 2 of its 4 samples are on.
func (s *Service) Coverage(ctx context.Context, path []geo.Point) (float64, Stats) {
	if len(path) < 2 {
		return 0, Stats{}
	}

	net := s.currentNetwork(ctx)
	if net == nil || len(net.edges) == 0 {
		s.log.Warn("no bike lane network available for coverage measurement")
		return 0, Stats{}
	}

	maxDegrees := MaxLaneDistanceMeters / geo.MetersPerDegreeSF

	stats := Stats{}
	for i := 0; i+1 < len(path); i++ {
		a, b := path[i], path[i+1]
		segmentLength := geo.Distance(a, b)
		stats.TotalDistanceMeters += segmentLength
		stats.SegmentsChecked++

		onSamples := 0
		for _, t := range [4]float64{0, 1.0 / 3, 2.0 / 3, 1} {
			sample := geo.Point{
				Lon: a.Lon + (b.Lon-a.Lon)*t,
				Lat: a.Lat + (b.Lat-a.Lat)*t,
			}
			if net.withinDegrees(sample, maxDegrees) {
				onSamples++
			}
		}
		if onSamples >= 2 {
			stats.BikeLaneDistanceMeters += segmentLength
			stats.SegmentsOnBikeLane++
		}
	}

	if stats.TotalDistanceMeters == 0 {
		return 0, stats
	}
	pct := stats.BikeLaneDistanceMeters / stats.TotalDistanceMeters * 100
	pct = math.Max(0, math.Min(100, pct))
	return math.Round(pct*10) / 10, stats
}

// currentNetwork returns the cached prepared network, loading or
// refreshing it as needed. Returns nil when no data can be loaded.
func (s *Service) currentNetwork(ctx context.Context) *network {
	s.mu.RLock()
	net, fresh := s.network, time.Since(s.loadedAt) < s.ttl
	s.mu.RUnlock()

	if net != nil && fresh {
		return net
	}
	if net != nil {
		go func() {
			if err := s.refresh(); err != nil {
				s.log.WithError(err).Warn("background bike lane refresh failed, serving stale network")
			}
		}()
		return net
	}

	if err := s.refresh(); err != nil {
		s.log.WithError(err).Error("failed to load bike lane network")
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.network
}

func (s *Service) refresh() error {
	_, err, _ := s.group.Do("bikelanes", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
		defer cancel()

		segments, err := s.store.Segments(ctx)
		if err != nil {
			return nil, err
		}
		net := buildNetwork(segments)

		s.mu.Lock()
		s.network = net
		s.loadedAt = time.Now()
		s.mu.Unlock()

		s.log.WithField("edges", len(net.edges)).Info("built bike lane network index")
		return nil, nil
	})
	return err
}
