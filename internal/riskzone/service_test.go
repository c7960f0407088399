package riskzone

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/saferoute/internal/apierrors"
	"github.com/terminal-bench/saferoute/internal/geo"
)

type fakeStore struct {
	mu    sync.Mutex
	zones []Zone
	err   error
	loads int
}

func (f *fakeStore) ActiveZones(ctx context.Context) ([]Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.zones, nil
}

func (f *fakeStore) ZonesInBBox(ctx context.Context, box geo.BBox, min Severity, types []string) ([]Zone, error) {
	return f.zones, nil
}

func (f *fakeStore) ZonesNear(ctx context.Context, center geo.Point, radius int) ([]NearbyZone, error) {
	return nil, nil
}

func (f *fakeStore) ZoneByID(ctx context.Context, id string) (*Zone, error) { return nil, nil }

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func testZone(id string, lon, lat, radius float64, count int) Zone {
	return Zone{
		ID:                id,
		Center:            geo.Point{Lon: lon, Lat: lat},
		AlertRadiusMeters: radius,
		ReportedCount:     count,
		Severity:          SeverityFromReportCount(count),
		IsActive:          true,
	}
}

func newTestService(store Store) *Service {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewService(store, time.Hour, 5*time.Second, log)
}

func TestSeverityFromReportCount(t *testing.T) {
	cases := []struct {
		count int
		want  Severity
	}{
		{0, SeverityLow},
		{159, SeverityLow},
		{160, SeverityMedium},
		{179, SeverityMedium},
		{180, SeverityHigh},
		{229, SeverityHigh},
		{230, SeverityCritical},
		{500, SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SeverityFromReportCount(tc.count), "count %d", tc.count)
	}
}

func TestFilterBySeverity(t *testing.T) {
	zones := []Zone{
		testZone("a", -122.41, 37.78, 100, 139),
		testZone("b", -122.42, 37.78, 100, 150),
		testZone("c", -122.43, 37.78, 100, 185),
		testZone("d", -122.44, 37.78, 100, 240),
	}

	t.Run("LOW keeps everything above the visible floor", func(t *testing.T) {
		filtered := FilterBySeverity(zones, SeverityLow)
		require.Len(t, filtered, 3)
		assert.Equal(t, "b", filtered[0].ID)
	})

	t.Run("HIGH keeps only 180 and above", func(t *testing.T) {
		filtered := FilterBySeverity(zones, SeverityHigh)
		require.Len(t, filtered, 2)
	})

	t.Run("CRITICAL keeps only 230 and above", func(t *testing.T) {
		filtered := FilterBySeverity(zones, SeverityCritical)
		require.Len(t, filtered, 1)
		assert.Equal(t, "d", filtered[0].ID)
	})
}

func TestZoneSnapshotCache(t *testing.T) {
	t.Run("caches the first load", func(t *testing.T) {
		store := &fakeStore{zones: []Zone{testZone("a", -122.41, 37.78, 100, 200)}}
		svc := newTestService(store)

		first, err := svc.Zones(context.Background())
		require.NoError(t, err)
		second, err := svc.Zones(context.Background())
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, store.loadCount())
	})

	t.Run("invalidate forces a reload", func(t *testing.T) {
		store := &fakeStore{zones: []Zone{testZone("a", -122.41, 37.78, 100, 200)}}
		svc := newTestService(store)

		_, err := svc.Zones(context.Background())
		require.NoError(t, err)

		svc.Invalidate()
		_, err = svc.Zones(context.Background())
		require.NoError(t, err)

		// The stale path refreshes in the background.
		assert.Eventually(t, func() bool { return store.loadCount() == 2 }, time.Second, 10*time.Millisecond)
	})

	t.Run("source failure with no cache is fatal", func(t *testing.T) {
		store := &fakeStore{err: errors.New("connection refused")}
		svc := newTestService(store)

		_, err := svc.Zones(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, apierrors.ErrRiskZoneUnavailable))
	})

	t.Run("source failure with a stale cache serves stale", func(t *testing.T) {
		store := &fakeStore{zones: []Zone{testZone("a", -122.41, 37.78, 100, 200)}}
		svc := newTestService(store)

		_, err := svc.Zones(context.Background())
		require.NoError(t, err)

		store.mu.Lock()
		store.err = errors.New("connection refused")
		store.mu.Unlock()
		svc.Invalidate()

		zones, err := svc.Zones(context.Background())
		require.NoError(t, err)
		assert.Len(t, zones, 1)
	})

	t.Run("concurrent cold loads coalesce", func(t *testing.T) {
		store := &fakeStore{zones: []Zone{testZone("a", -122.41, 37.78, 100, 200)}}
		svc := newTestService(store)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Zones(context.Background())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, store.loadCount(), 2)
	})
}

func TestBuildExclusionPolygons(t *testing.T) {
	t.Run("respects the circumference budget", func(t *testing.T) {
		var zones []Zone
		for i := 0; i < 40; i++ {
			zones = append(zones, testZone(
				fmt.Sprintf("z%d", i), -122.41-float64(i)*0.001, 37.78, 200, 200+i))
		}

		set := BuildExclusionPolygons(zones, SeverityLow)
		assert.LessOrEqual(t, set.Circumference, MaxExclusionCircumference)
		assert.False(t, set.CoversAll)
		assert.NotEmpty(t, set.Polygons)

		// Recompute the spent circumference from the policy radii.
		var total float64
		for range set.Polygons {
			total += 2 * math.Pi * math.Min(200, ExclusionRadiusCapMeters) * ExclusionBufferMultiplier
		}
		assert.InDelta(t, set.Circumference, total, 1e-6)
	})

	t.Run("caps each zone radius at 150m before the buffer", func(t *testing.T) {
		zones := []Zone{testZone("big", -122.41, 37.78, 500, 250)}
		set := BuildExclusionPolygons(zones, SeverityLow)
		require.Len(t, set.Polygons, 1)
		assert.InDelta(t, 2*math.Pi*150*1.5, set.Circumference, 1e-6)
	})

	t.Run("highest report count first", func(t *testing.T) {
		zones := []Zone{
			testZone("low", -122.41, 37.78, 100, 150),
			testZone("high", -122.42, 37.78, 100, 300),
		}
		set := BuildExclusionPolygons(zones, SeverityLow)
		require.NotEmpty(t, set.ZoneIDs)
		assert.Equal(t, "high", set.ZoneIDs[0])
	})

	t.Run("polygons are closed 8-vertex rings", func(t *testing.T) {
		zones := []Zone{testZone("a", -122.41, 37.78, 100, 250)}
		set := BuildExclusionPolygons(zones, SeverityLow)
		require.Len(t, set.Polygons, 1)
		poly := set.Polygons[0]
		require.Len(t, poly, ExclusionPolygonVertices+1)
		assert.Equal(t, poly[0], poly[len(poly)-1])
	})
}

func TestBuildExclusionBatches(t *testing.T) {
	var zones []Zone
	for i := 0; i < 40; i++ {
		zones = append(zones, testZone(
			fmt.Sprintf("z%d", i), -122.41-float64(i)*0.001, 37.78, 200, 200+i))
	}

	batches := BuildExclusionBatches(zones, SeverityLow)
	require.Greater(t, len(batches), 1)

	covered := map[string]bool{}
	for _, b := range batches {
		assert.LessOrEqual(t, b.Circumference, MaxExclusionCircumference)
		for _, id := range b.ZoneIDs {
			covered[id] = true
		}
	}
	// Every qualifying zone appears in some batch.
	assert.Len(t, covered, len(zones))
}

func TestValidate(t *testing.T) {
	// Route running east along 37.78.
	path := []geo.Point{
		{Lon: -122.43, Lat: 37.78},
		{Lon: -122.42, Lat: 37.78},
		{Lon: -122.41, Lat: 37.78},
	}

	t.Run("clean route passes", func(t *testing.T) {
		zones := []Zone{testZone("far", -122.42, 37.90, 400, 250)}
		ok, violations := Validate(path, zones, SeverityLow, 0.25)
		assert.True(t, ok)
		assert.Empty(t, violations)
	})

	t.Run("point inside the core is a violation", func(t *testing.T) {
		// Zone centered on a path vertex: distance 0 < 0.25 * 400.
		zones := []Zone{testZone("hit", -122.42, 37.78, 400, 250)}
		ok, violations := Validate(path, zones, SeverityLow, 0.25)
		assert.False(t, ok)
		require.Len(t, violations, 1)
		assert.Equal(t, "hit", violations[0].ZoneID)
		assert.InDelta(t, 100.0, violations[0].AvoidanceRadiusMeters, 0.1)
	})

	t.Run("point inside the alert radius but outside the core passes", func(t *testing.T) {
		// ~150m north of the path; core is 0.25*400 = 100m.
		zones := []Zone{testZone("near", -122.42, 37.78135, 400, 250)}
		ok, _ := Validate(path, zones, SeverityLow, 0.25)
		assert.True(t, ok)
	})

	t.Run("severity floor excludes weaker zones", func(t *testing.T) {
		zones := []Zone{testZone("yellow", -122.42, 37.78, 400, 170)}
		ok, _ := Validate(path, zones, SeverityHigh, 0.2)
		assert.True(t, ok)

		ok, _ = Validate(path, zones, SeverityLow, 0.25)
		assert.False(t, ok)
	})

	t.Run("empty inputs validate", func(t *testing.T) {
		ok, violations := Validate(nil, nil, SeverityLow, 0.25)
		assert.True(t, ok)
		assert.Empty(t, violations)
	})
}

func TestScore(t *testing.T) {
	path := []geo.Point{
		{Lon: -122.43, Lat: 37.78},
		{Lon: -122.42, Lat: 37.78},
		{Lon: -122.41, Lat: 37.78},
	}

	t.Run("clean route scores zero", func(t *testing.T) {
		zones := []Zone{testZone("far", -122.42, 37.90, 400, 250)}
		score, passes, ids := Score(path, zones, 0.25)
		assert.Equal(t, 0.0, score)
		assert.Equal(t, 0, passes)
		assert.Empty(t, ids)
	})

	t.Run("direct hit on a critical zone saturates its contribution", func(t *testing.T) {
		zones := []Zone{testZone("crit", -122.42, 37.78, 400, 250)}
		score, passes, ids := Score(path, zones, 0.25)
		// closeness 1.0 * weight 1.5 / (1 * 0.3) clamps to 1.
		assert.Equal(t, 1.0, score)
		assert.Equal(t, 1, passes)
		assert.Equal(t, []string{"crit"}, ids)
	})

	t.Run("score stays within the unit interval", func(t *testing.T) {
		var zones []Zone
		for i := 0; i < 10; i++ {
			zones = append(zones, testZone(fmt.Sprintf("z%d", i), -122.42, 37.78, 400, 250))
		}
		score, _, _ := Score(path, zones, 0.25)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	})

	t.Run("empty inputs score zero", func(t *testing.T) {
		score, passes, ids := Score(nil, nil, 0.25)
		assert.Equal(t, 0.0, score)
		assert.Equal(t, 0, passes)
		assert.Nil(t, ids)
	})
}

func TestBuildFocusedExclusions(t *testing.T) {
	zones := []Zone{
		testZone("a", -122.41, 37.78, 200, 250),
		testZone("b", -122.42, 37.78, 200, 200),
	}

	set := BuildFocusedExclusions(zones, 0.25)
	require.Len(t, set.Polygons, 2)
	assert.True(t, set.CoversAll)
	// Enlarged radius: 200 * 0.25 * 3 = 150m per zone.
	assert.InDelta(t, 2*(2*math.Pi*150), set.Circumference, 1e-6)
}
