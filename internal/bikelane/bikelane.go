// Package bikelane loads the municipal bikeway network and measures how
// much of a route actually travels on real bike infrastructure.
package bikelane

import (
	"math"

	"github.com/terminal-bench/saferoute/internal/geo"
)

// FacilityClass is the municipal bikeway classification.
type FacilityClass string

const (
	ClassI   FacilityClass = "CLASS I"   // off-street path
	ClassII  FacilityClass = "CLASS II"  // painted lane
	ClassIII FacilityClass = "CLASS III" // sharrows, excluded
	ClassIV  FacilityClass = "CLASS IV"  // protected lane
)

// RealInfrastructure reports whether a facility class counts as a real
// bike lane. Class III shared-lane markings never do.
func RealInfrastructure(c FacilityClass) bool {
	return c == ClassI || c == ClassII || c == ClassIV
}

// Segment is one bikeway feature: a polyline tagged with its class.
type Segment struct {
	FacilityClass FacilityClass
	Path          []geo.Point
}

// network is the prepared form of the lane set: per-edge bounding boxes
// let the distance check skip edges that cannot be within the slack.
type network struct {
	edges []edge
}

type edge struct {
	a, b geo.Point
	box  geo.BBox
}

func buildNetwork(segments []Segment) *network {
	n := &network{}
	for _, s := range segments {
		if !RealInfrastructure(s.FacilityClass) {
			continue
		}
		for i := 0; i+1 < len(s.Path); i++ {
			a, b := s.Path[i], s.Path[i+1]
			n.edges = append(n.edges, edge{
				a: a,
				b: b,
				box: geo.BBox{
					MinLon: math.Min(a.Lon, b.Lon),
					MinLat: math.Min(a.Lat, b.Lat),
					MaxLon: math.Max(a.Lon, b.Lon),
					MaxLat: math.Max(a.Lat, b.Lat),
				},
			})
		}
	}
	return n
}

// withinDegrees reports whether p lies within maxDegrees of the network.
// Distances are raw-degree Euclidean, matching the 90 000 m/degree
// conversion the coverage slack is tuned against.
func (n *network) withinDegrees(p geo.Point, maxDegrees float64) bool {
	for _, e := range n.edges {
		if p.Lon < e.box.MinLon-maxDegrees || p.Lon > e.box.MaxLon+maxDegrees ||
			p.Lat < e.box.MinLat-maxDegrees || p.Lat > e.box.MaxLat+maxDegrees {
			continue
		}
		if pointSegmentDistance(p, e.a, e.b) <= maxDegrees {
			return true
		}
	}
	return false
}

// pointSegmentDistance is the Euclidean distance in degree space from p
// to the segment ab.
func pointSegmentDistance(p, a, b geo.Point) float64 {
	dx := b.Lon - a.Lon
	dy := b.Lat - a.Lat
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.Lon-a.Lon, p.Lat-a.Lat)
	}
	t := ((p.Lon-a.Lon)*dx + (p.Lat-a.Lat)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.Lon-(a.Lon+t*dx), p.Lat-(a.Lat+t*dy))
}
