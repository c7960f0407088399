package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/saferoute/internal/apierrors"
	"github.com/terminal-bench/saferoute/internal/config"
	"github.com/terminal-bench/saferoute/internal/geo"
	"github.com/terminal-bench/saferoute/internal/models"
	"github.com/terminal-bench/saferoute/internal/riskzone"
	"github.com/terminal-bench/saferoute/internal/routing"
)

type fakeCalculator struct {
	response *models.RouteResponse
	alts     *models.AlternativesResponse
	err      error
	stored   map[uuid.UUID]*routing.StoredRoute
}

func (f *fakeCalculator) Calculate(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeCalculator) Alternatives(ctx context.Context, req *models.RouteRequest) (*models.AlternativesResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.alts, nil
}

func (f *fakeCalculator) StoredRoute(id uuid.UUID) (*routing.StoredRoute, bool) {
	r, ok := f.stored[id]
	return r, ok
}

type fakeZoneStore struct {
	zones  []riskzone.Zone
	nearby []riskzone.NearbyZone
	byID   map[string]*riskzone.Zone
	err    error
}

func (f *fakeZoneStore) ActiveZones(ctx context.Context) ([]riskzone.Zone, error) {
	return f.zones, f.err
}

func (f *fakeZoneStore) ZonesInBBox(ctx context.Context, box geo.BBox, min riskzone.Severity, types []string) ([]riskzone.Zone, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.zones, nil
}

func (f *fakeZoneStore) ZonesNear(ctx context.Context, center geo.Point, radius int) ([]riskzone.NearbyZone, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.nearby, nil
}

func (f *fakeZoneStore) ZoneByID(ctx context.Context, id string) (*riskzone.Zone, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[id], nil
}

func (f *fakeZoneStore) Ping(ctx context.Context) error { return f.err }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		MinLon:      -122.52, MinLat: 37.70, MaxLon: -122.35, MaxLat: 37.82,
		JWTSecret: "test-secret", JWTIssuer: "saferoute",
	}
}

func newRouter(calc RouteCalculator, store riskzone.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := testLogger()
	cfg := testConfig()
	return NewRouter(Dependencies{
		Config:    cfg,
		Log:       log,
		Routes:    calc,
		ZoneStore: store,
		Feed:      NewZoneFeed(log),
		Health: NewHealthHandler(cfg, []HealthCheck{
			{Name: "database", Critical: true, Probe: func(ctx context.Context) error { return nil }},
		}, log),
	})
}

func calculateBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(models.RouteRequest{
		Origin:      models.Coordinate{Latitude: 37.77, Longitude: -122.43},
		Destination: models.Coordinate{Latitude: 37.78, Longitude: -122.41},
		VehicleType: models.VehicleBike,
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func decodeEnvelope(t *testing.T, body []byte) (code, message, requestID string) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.Error.Code, envelope.Error.Message, envelope.Error.RequestID
}

func TestCalculateEndpoint(t *testing.T) {
	t.Run("returns the computed route", func(t *testing.T) {
		calc := &fakeCalculator{response: &models.RouteResponse{
			RouteID: uuid.New(),
			Summary: models.RouteSummary{DistanceMeters: 2000, DurationSeconds: 480},
		}}
		router := newRouter(calc, &fakeZoneStore{})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/routes/calculate", calculateBody(t))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp models.RouteResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2000, resp.Summary.DistanceMeters)
	})

	t.Run("engine outage surfaces a 503 envelope", func(t *testing.T) {
		calc := &fakeCalculator{err: apierrors.Wrap(apierrors.ErrEngineUnavailable, "dial tcp: connection refused")}
		router := newRouter(calc, &fakeZoneStore{})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/routes/calculate", calculateBody(t))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		code, message, requestID := decodeEnvelope(t, w.Body.Bytes())
		assert.Equal(t, "SERVICE_UNAVAILABLE", code)
		assert.NotContains(t, message, "dial tcp")
		assert.NotEmpty(t, requestID)
	})

	t.Run("risk zone outage surfaces a 503 envelope", func(t *testing.T) {
		calc := &fakeCalculator{err: apierrors.Wrap(apierrors.ErrRiskZoneUnavailable, "pq: connection reset")}
		router := newRouter(calc, &fakeZoneStore{})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/routes/calculate", calculateBody(t))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		code, message, _ := decodeEnvelope(t, w.Body.Bytes())
		assert.Equal(t, "SERVICE_UNAVAILABLE", code)
		assert.NotContains(t, message, "pq:")
	})

	t.Run("unroutable pair surfaces 422", func(t *testing.T) {
		calc := &fakeCalculator{err: apierrors.Wrap(apierrors.ErrRouteNotFound, "no candidate")}
		router := newRouter(calc, &fakeZoneStore{})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/routes/calculate", calculateBody(t))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		code, _, _ := decodeEnvelope(t, w.Body.Bytes())
		assert.Equal(t, "ROUTING_ERROR", code)
	})

	t.Run("out-of-area coordinates are rejected", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{})

		body, err := json.Marshal(models.RouteRequest{
			Origin:      models.Coordinate{Latitude: 40.71, Longitude: -74.00},
			Destination: models.Coordinate{Latitude: 37.78, Longitude: -122.41},
		})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/routes/calculate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		code, _, _ := decodeEnvelope(t, w.Body.Bytes())
		assert.Equal(t, "VALIDATION_ERROR", code)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/routes/calculate", bytes.NewBufferString(`{"origin":`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestElevationEndpoint(t *testing.T) {
	id := uuid.New()
	calc := &fakeCalculator{stored: map[uuid.UUID]*routing.StoredRoute{
		id: {
			Elevation:      []float64{10, 13, 12},
			IntervalMeters: 30,
			Summary:        models.RouteSummary{ElevationGainMeters: 3, ElevationLossMeters: 1, MaxGradePercent: 10},
		},
	}}
	router := newRouter(calc, &fakeZoneStore{})

	t.Run("serves the profile of a cached route", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/routes/"+id.String()+"/elevation", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var profile models.ElevationProfile
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &profile))
		require.Len(t, profile.Points, 3)
		assert.Equal(t, 30.0, profile.Points[1].DistanceMeters)
		assert.Equal(t, 13.0, profile.Points[1].ElevationMeters)
		assert.Equal(t, 3, profile.ElevationGainMeters)
	})

	t.Run("unknown route id is 404", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/routes/"+uuid.NewString()+"/elevation", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed route id is 422", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/routes/not-a-uuid/elevation", nil))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestRiskZoneEndpoints(t *testing.T) {
	zone := riskzone.Zone{
		ID:                "zone-1",
		Center:            geo.Point{Lon: -122.42, Lat: 37.77},
		AlertRadiusMeters: 250,
		Severity:          riskzone.SeverityHigh,
		ReportedCount:     200,
		HazardType:        "collision",
		IsActive:          true,
	}

	t.Run("list with bbox returns a zone array", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{zones: []riskzone.Zone{zone}})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
			"/api/v1/risk-zones?bbox=-122.52,37.70,-122.35,37.82&severity=high&types=collision", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp []ZoneResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp, 1)
		assert.Equal(t, "zone-1", resp[0].ID)
		assert.Equal(t, "HIGH", resp[0].Severity)
	})

	t.Run("list rejects an unknown severity", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
			"/api/v1/risk-zones?severity=EXTREME", nil))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("wrong bbox arity is 400", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/risk-zones?bbox=1,2,3", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("near rejects an out-of-range radius with 400", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{})
		for _, radius := range []string{"5", "5000", "abc"} {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
				"/api/v1/risk-zones/near?lat=37.77&lon=-122.42&radius="+radius, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, "radius=%s", radius)
		}
	})

	t.Run("near returns distances and the query echo", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{
			nearby: []riskzone.NearbyZone{{Zone: zone, DistanceMeters: 42.5}},
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
			"/api/v1/risk-zones/near?lat=37.77&lon=-122.42&radius=500", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp NearbyZonesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Zones, 1)
		require.NotNil(t, resp.Zones[0].DistanceMeters)
		assert.Equal(t, 42.5, *resp.Zones[0].DistanceMeters)
		assert.Equal(t, 1, resp.Total)
		assert.Equal(t, 37.77, resp.QueryLocation.Latitude)
		assert.Equal(t, -122.42, resp.QueryLocation.Longitude)
		assert.Equal(t, 500, resp.QueryRadiusMeters)
	})

	t.Run("get by id", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{
			byID: map[string]*riskzone.Zone{"zone-1": &zone},
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/risk-zones/zone-1", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{byID: map[string]*riskzone.Zone{}})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/risk-zones/zone-9", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("store outage is a 503 envelope", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{err: errors.New("pq: connection reset")})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/risk-zones", nil))

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		code, message, _ := decodeEnvelope(t, w.Body.Bytes())
		assert.Equal(t, "SERVICE_UNAVAILABLE", code)
		assert.NotContains(t, message, "pq:")
	})
}

func TestHealthEndpoints(t *testing.T) {
	t.Run("liveness", func(t *testing.T) {
		router := newRouter(&fakeCalculator{}, &fakeZoneStore{})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ok")
	})

	t.Run("readiness fails on a critical probe", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		log := testLogger()
		cfg := testConfig()
		router := NewRouter(Dependencies{
			Config:    cfg,
			Log:       log,
			Routes:    &fakeCalculator{},
			ZoneStore: &fakeZoneStore{},
			Feed:      NewZoneFeed(log),
			Health: NewHealthHandler(cfg, []HealthCheck{
				{Name: "database", Critical: true, Probe: func(ctx context.Context) error { return errors.New("down") }},
				{Name: "engine", Critical: false, Probe: func(ctx context.Context) error { return nil }},
			}, log),
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "not_ready")
	})

	t.Run("readiness requires db, engine and redis together", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		log := testLogger()
		cfg := testConfig()
		healthy := func(ctx context.Context) error { return nil }
		router := NewRouter(Dependencies{
			Config:    cfg,
			Log:       log,
			Routes:    &fakeCalculator{},
			ZoneStore: &fakeZoneStore{},
			Feed:      NewZoneFeed(log),
			Health: NewHealthHandler(cfg, []HealthCheck{
				{Name: "database", Critical: true, Probe: healthy},
				{Name: "engine", Critical: true, Probe: healthy},
				{Name: "redis", Critical: true, Probe: func(ctx context.Context) error { return errors.New("connection refused") }},
			}, log),
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "redis")
	})
}
