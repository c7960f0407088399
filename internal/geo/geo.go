// Package geo provides the geodesy primitives the routing stack is built
// on: haversine distances, bearings, perpendicular offsets and circular
// polygon synthesis around zone centers.
package geo

import "math"

const (
	// EarthRadiusMeters is the mean earth radius used for haversine.
	EarthRadiusMeters = 6371000.0

	// MetersPerDegreeLat is the flat-earth conversion used when turning
	// radii into degree offsets. Longitude offsets divide this by
	// cos(lat).
	MetersPerDegreeLat = 111000.0

	// MetersPerDegreeSF is the averaged degree length used for
	// degree-space distance checks at San Francisco latitudes. The bike
	// lane coverage slack (25 m) is tuned against this exact value.
	MetersPerDegreeSF = 90000.0
)

// Point is a WGS84 coordinate stored as [lon, lat], matching GeoJSON
// ordering and the engine's decoded polylines.
type Point struct {
	Lon float64
	Lat float64
}

// Haversine returns the great-circle distance in meters between two
// coordinates given as (lat, lon) pairs.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1r := lat1 * math.Pi / 180
	lat2r := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1r)*math.Cos(lat2r)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Distance returns the haversine distance in meters between two points.
func Distance(a, b Point) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// PathLength returns the summed segment lengths of a polyline in meters.
func PathLength(path []Point) float64 {
	var total float64
	for i := 0; i+1 < len(path); i++ {
		total += Distance(path[i], path[i+1])
	}
	return total
}

// Bearing returns the initial bearing in degrees from north, clockwise,
// from point a to point b.
func Bearing(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dlon := (b.Lon - a.Lon) * math.Pi / 180

	y := math.Sin(dlon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// PerpendicularOffsets returns the two unit direction vectors, in degree
// space, perpendicular to the local direction from a to b. The vectors
// are corrected for longitude compression at the segment's latitude so
// that equal multipliers produce equal ground offsets on either axis.
func PerpendicularOffsets(a, b Point) (left, right Point) {
	cosLat := math.Cos(a.Lat * math.Pi / 180)
	if cosLat == 0 {
		cosLat = 1e-9
	}
	// Direction in locally-scaled degree space.
	dx := (b.Lon - a.Lon) * cosLat
	dy := b.Lat - a.Lat
	norm := math.Hypot(dx, dy)
	if norm == 0 {
		// Degenerate segment, pick an arbitrary axis.
		return Point{Lon: -1 / cosLat, Lat: 0}, Point{Lon: 1 / cosLat, Lat: 0}
	}
	dx /= norm
	dy /= norm
	left = Point{Lon: -dy / cosLat, Lat: dx}
	right = Point{Lon: dy / cosLat, Lat: -dx}
	return left, right
}

// CircularPolygon approximates a circle of radiusMeters around center as
// a closed polygon with n vertices (the first vertex is repeated at the
// end). Eight vertices are the standard for engine exclusion polygons:
// more starves the circumference budget, four leaves corner gaps.
func CircularPolygon(center Point, radiusMeters float64, n int) [][]float64 {
	latOff := radiusMeters / MetersPerDegreeLat
	lonOff := radiusMeters / (MetersPerDegreeLat * math.Cos(center.Lat*math.Pi/180))

	coords := make([][]float64, 0, n+1)
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		coords = append(coords, []float64{
			center.Lon + lonOff*math.Cos(angle),
			center.Lat + latOff*math.Sin(angle),
		})
	}
	coords = append(coords, []float64{coords[0][0], coords[0][1]})
	return coords
}

// ClosestApproach returns the minimum haversine distance in meters from
// any vertex of path to target, and the index of that vertex. Returns
// (+Inf, -1) for an empty path.
func ClosestApproach(path []Point, target Point) (float64, int) {
	minDist := math.Inf(1)
	minIdx := -1
	for i, p := range path {
		if d := Distance(p, target); d < minDist {
			minDist = d
			minIdx = i
		}
	}
	return minDist, minIdx
}

// BBox is an axis-aligned bounding box in degrees.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// PathBBox computes the bounding box of a polyline, expanded by
// marginMeters on every side.
func PathBBox(path []Point, marginMeters float64) BBox {
	box := BBox{
		MinLon: math.Inf(1), MinLat: math.Inf(1),
		MaxLon: math.Inf(-1), MaxLat: math.Inf(-1),
	}
	for _, p := range path {
		box.MinLon = math.Min(box.MinLon, p.Lon)
		box.MinLat = math.Min(box.MinLat, p.Lat)
		box.MaxLon = math.Max(box.MaxLon, p.Lon)
		box.MaxLat = math.Max(box.MaxLat, p.Lat)
	}
	if marginMeters > 0 && len(path) > 0 {
		latMargin := marginMeters / MetersPerDegreeLat
		midLat := (box.MinLat + box.MaxLat) / 2
		lonMargin := marginMeters / (MetersPerDegreeLat * math.Cos(midLat*math.Pi/180))
		box.MinLon -= lonMargin
		box.MaxLon += lonMargin
		box.MinLat -= latMargin
		box.MaxLat += latMargin
	}
	return box
}

// Contains reports whether the box contains p.
func (b BBox) Contains(p Point) bool {
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon && p.Lat >= b.MinLat && p.Lat <= b.MaxLat
}
