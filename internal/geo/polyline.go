package geo

import "strings"

// DefaultPolylinePrecision is the engine's shape precision (1e-6 degrees).
const DefaultPolylinePrecision = 6

// DecodePolyline decodes a Google variable-length encoded polyline into
// [lon, lat] points. The engine emits precision-6 shapes.
func DecodePolyline(encoded string, precision int) []Point {
	factor := 1.0
	for i := 0; i < precision; i++ {
		factor *= 10
	}

	var points []Point
	var lat, lon int64
	index := 0

	// readDelta reports false when the input ends mid-chunk. Engine
	// shapes are untrusted wire data, so a truncated tail must end the
	// decode instead of reading past the buffer.
	readDelta := func() (int64, bool) {
		var result int64
		var shift uint
		for {
			if index >= len(encoded) {
				return 0, false
			}
			b := int64(encoded[index]) - 63
			index++
			result |= (b & 0x1F) << shift
			shift += 5
			if b < 0x20 {
				break
			}
		}
		if result&1 != 0 {
			return ^(result >> 1), true
		}
		return result >> 1, true
	}

	for index < len(encoded) {
		dLat, ok := readDelta()
		if !ok {
			break
		}
		dLon, ok := readDelta()
		if !ok {
			break
		}
		lat += dLat
		lon += dLon
		points = append(points, Point{
			Lon: float64(lon) / factor,
			Lat: float64(lat) / factor,
		})
	}
	return points
}

// EncodePolyline is the inverse of DecodePolyline. Decoding then
// re-encoding an engine shape yields the original byte sequence.
func EncodePolyline(points []Point, precision int) string {
	factor := 1.0
	for i := 0; i < precision; i++ {
		factor *= 10
	}

	var sb strings.Builder
	var prevLat, prevLon int64

	writeDelta := func(delta int64) {
		v := delta << 1
		if delta < 0 {
			v = ^v
		}
		for v >= 0x20 {
			sb.WriteByte(byte((0x20 | (v & 0x1F)) + 63))
			v >>= 5
		}
		sb.WriteByte(byte(v + 63))
	}

	for _, p := range points {
		lat := roundHalfAway(p.Lat * factor)
		lon := roundHalfAway(p.Lon * factor)
		writeDelta(lat - prevLat)
		writeDelta(lon - prevLon)
		prevLat, prevLon = lat, lon
	}
	return sb.String()
}

func roundHalfAway(v float64) int64 {
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}
