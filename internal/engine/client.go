// Package engine is a thin client for a Valhalla-compatible routing
// engine. It speaks the /route and /trace_attributes JSON endpoints and
// maps transport failures onto the service error taxonomy.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/apierrors"
	"github.com/terminal-bench/saferoute/internal/geo"
)

// DefaultElevationInterval is the sampling interval, in meters, the
// engine is asked to use for per-leg elevation arrays.
const DefaultElevationInterval = 30.0

// Location is one engine waypoint. Break locations split the trip into
// legs; through locations force the path without splitting it.
type Location struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Type string  `json:"type,omitempty"`
}

// Break and Through are the two waypoint roles the orchestrator uses.
func Break(p geo.Point) Location   { return Location{Lat: p.Lat, Lon: p.Lon, Type: "break"} }
func Through(p geo.Point) Location { return Location{Lat: p.Lat, Lon: p.Lon, Type: "through"} }

// BicycleCosting carries the bicycle costing knobs, all in [0, 1] except
// the subtype and the shortest flag.
type BicycleCosting struct {
	BicycleType      string  `json:"bicycle_type,omitempty"`
	UseRoads         float64 `json:"use_roads"`
	UseHills         float64 `json:"use_hills"`
	AvoidBadSurfaces float64 `json:"avoid_bad_surfaces"`
	Shortest         bool    `json:"shortest,omitempty"`
}

// RouteInput is one /route call: waypoints, costing, optional exclusion
// polygons ([[lon,lat],...] rings) and an alternates request.
type RouteInput struct {
	Locations       []Location
	Costing         BicycleCosting
	ExcludePolygons [][][]float64
	Alternates      int
}

type routeRequest struct {
	Locations         []Location        `json:"locations"`
	Costing           string            `json:"costing"`
	CostingOptions    costingOptions    `json:"costing_options"`
	ExcludePolygons   [][][]float64     `json:"exclude_polygons,omitempty"`
	Alternates        int               `json:"alternates,omitempty"`
	ElevationInterval float64           `json:"elevation_interval"`
	DirectionsOptions directionsOptions `json:"directions_options"`
	Format            string            `json:"format"`
}

type costingOptions struct {
	Bicycle BicycleCosting `json:"bicycle"`
}

type directionsOptions struct {
	Units    string `json:"units"`
	Language string `json:"language"`
}

// Maneuver is one turn-by-turn instruction from the engine. Length is in
// kilometers, time in seconds; shape indices address the decoded leg
// geometry.
type Maneuver struct {
	Type            int      `json:"type"`
	Instruction     string   `json:"instruction"`
	StreetNames     []string `json:"street_names,omitempty"`
	Length          float64  `json:"length"`
	Time            float64  `json:"time"`
	BeginShapeIndex int      `json:"begin_shape_index"`
	EndShapeIndex   int      `json:"end_shape_index"`
}

// Summary carries per-trip or per-leg totals: length in kilometers, time
// in seconds.
type Summary struct {
	Length float64 `json:"length"`
	Time   float64 `json:"time"`
}

// Leg is one trip leg: encoded shape (polyline-6), maneuvers and the
// elevation samples taken every ElevationInterval meters.
type Leg struct {
	Summary           Summary    `json:"summary"`
	Shape             string     `json:"shape"`
	Maneuvers         []Maneuver `json:"maneuvers"`
	Elevation         []float64  `json:"elevation,omitempty"`
	ElevationInterval float64    `json:"elevation_interval,omitempty"`
}

// Trip is one routed path.
type Trip struct {
	Summary Summary `json:"summary"`
	Legs    []Leg   `json:"legs"`
}

type routeResponse struct {
	Trip       *Trip `json:"trip"`
	Alternates []struct {
		Trip *Trip `json:"trip"`
	} `json:"alternates,omitempty"`
}

// Geometry decodes and concatenates the trip's leg shapes.
func (t *Trip) Geometry() []geo.Point {
	var path []geo.Point
	for _, leg := range t.Legs {
		points := geo.DecodePolyline(leg.Shape, geo.DefaultPolylinePrecision)
		if len(path) > 0 && len(points) > 0 && path[len(path)-1] == points[0] {
			points = points[1:]
		}
		path = append(path, points...)
	}
	return path
}

// Edge is one matched road edge from /trace_attributes. CycleLane is
// the lane classification ("separated", "dedicated", "shared", "none");
// Use is the edge use ("cycleway", "path", "road", ...).
type Edge struct {
	LengthKm  float64 `json:"length"`
	CycleLane string  `json:"cycle_lane"`
	Use       string  `json:"use"`
}

// TraceResult is the /trace_attributes response subset the service uses.
type TraceResult struct {
	Edges []Edge `json:"edges"`
}

type traceRequest struct {
	Shape      []Location  `json:"shape"`
	Costing    string      `json:"costing"`
	ShapeMatch string      `json:"shape_match"`
	Filters    traceFilter `json:"filters"`
}

type traceFilter struct {
	Attributes []string `json:"attributes"`
	Action     string   `json:"action"`
}

// Client issues JSON requests to the engine. It is safe for concurrent
// use; the underlying http.Client pools connections.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
}

// NewClient builds an engine client with a per-call timeout. Calls are
// never retried: the orchestrator already fans out many candidates and a
// retry storm against a degraded engine makes things worse.
func NewClient(baseURL string, timeout time.Duration, log *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.WithField("component", "engine.client"),
	}
}

// Route asks the engine for a path. Returns the main trip and any
// alternates the engine produced.
func (c *Client) Route(ctx context.Context, input RouteInput) (*Trip, []*Trip, error) {
	req := routeRequest{
		Locations:         input.Locations,
		Costing:           "bicycle",
		CostingOptions:    costingOptions{Bicycle: input.Costing},
		ExcludePolygons:   input.ExcludePolygons,
		Alternates:        input.Alternates,
		ElevationInterval: DefaultElevationInterval,
		DirectionsOptions: directionsOptions{Units: "meters", Language: "en-US"},
		Format:            "json",
	}

	var resp routeResponse
	if err := c.post(ctx, "/route", req, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Trip == nil || len(resp.Trip.Legs) == 0 {
		return nil, nil, apierrors.New(apierrors.KindEngineProtocol, "SERVICE_UNAVAILABLE",
			"Routing engine returned an unexpected response.")
	}

	var alternates []*Trip
	for _, alt := range resp.Alternates {
		if alt.Trip != nil && len(alt.Trip.Legs) > 0 {
			alternates = append(alternates, alt.Trip)
		}
	}
	return resp.Trip, alternates, nil
}

// TraceAttributes map-matches a shape and returns per-edge attributes.
// Used as the bike lane coverage fallback when source data is missing.
func (c *Client) TraceAttributes(ctx context.Context, shape []geo.Point) (*TraceResult, error) {
	locations := make([]Location, len(shape))
	for i, p := range shape {
		locations[i] = Location{Lat: p.Lat, Lon: p.Lon}
	}
	req := traceRequest{
		Shape:      locations,
		Costing:    "bicycle",
		ShapeMatch: "map_snap",
		Filters: traceFilter{
			Attributes: []string{"edge.length", "edge.cycle_lane", "edge.use"},
			Action:     "include",
		},
	}

	var resp TraceResult
	if err := c.post(ctx, "/trace_attributes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping checks engine reachability for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrEngineUnavailable, "build status request: %v", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrEngineUnavailable, "engine status: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return apierrors.Wrap(apierrors.ErrEngineUnavailable, "engine status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal engine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apierrors.Wrap(apierrors.ErrEngineUnavailable, "build engine request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrEngineUnavailable, "engine %s: %v", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrEngineUnavailable, "read engine response: %v", err)
	}

	c.log.WithFields(logrus.Fields{
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("engine call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierrors.Wrap(apierrors.ErrEngineUnavailable, "engine %s returned %d: %s",
			path, resp.StatusCode, truncate(raw, 300))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return apierrors.Wrap(
			apierrors.New(apierrors.KindEngineProtocol, "SERVICE_UNAVAILABLE",
				"Routing engine returned an unexpected response."),
			"decode engine %s response: %v", path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
