package bikelane

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/geo"
)

// Store is the read interface for the bikeway network.
type Store interface {
	Segments(ctx context.Context) ([]Segment, error)
}

// Repository reads the bikeway network from Postgres. Geometry comes
// back as GeoJSON so no WKB parsing happens client-side.
type Repository struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewRepository wraps an existing connection pool; the bikeway table
// lives in the same spatial database as the risk zones.
func NewRepository(db *sql.DB, log *logrus.Logger) *Repository {
	return &Repository{db: db, log: log.WithField("component", "bikelane.repository")}
}

const segmentsQuery = `
	SELECT facility_class, ST_AsGeoJSON(geometry)
	FROM bike_lanes
	WHERE facility_class IN ('CLASS I', 'CLASS II', 'CLASS IV')`

type geoJSONLine struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Segments fetches all class I/II/IV bikeway features.
func (r *Repository) Segments(ctx context.Context) ([]Segment, error) {
	rows, err := r.db.QueryContext(ctx, segmentsQuery)
	if err != nil {
		return nil, fmt.Errorf("query bike lanes: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var class string
		var rawGeom []byte
		if err := rows.Scan(&class, &rawGeom); err != nil {
			r.log.WithError(err).Warn("failed to scan bike lane row")
			continue
		}

		var line geoJSONLine
		if err := json.Unmarshal(rawGeom, &line); err != nil {
			r.log.WithError(err).Warn("failed to parse bike lane geometry")
			continue
		}

		for _, path := range decodeLinePaths(line) {
			if len(path) >= 2 {
				segments = append(segments, Segment{
					FacilityClass: FacilityClass(class),
					Path:          path,
				})
			}
		}
	}
	return segments, rows.Err()
}

// decodeLinePaths flattens LineString and MultiLineString geometry into
// coordinate paths.
func decodeLinePaths(line geoJSONLine) [][]geo.Point {
	switch line.Type {
	case "LineString":
		var coords [][]float64
		if err := json.Unmarshal(line.Coordinates, &coords); err != nil {
			return nil
		}
		return [][]geo.Point{toPoints(coords)}
	case "MultiLineString":
		var multi [][][]float64
		if err := json.Unmarshal(line.Coordinates, &multi); err != nil {
			return nil
		}
		paths := make([][]geo.Point, 0, len(multi))
		for _, coords := range multi {
			paths = append(paths, toPoints(coords))
		}
		return paths
	default:
		return nil
	}
}

func toPoints(coords [][]float64) []geo.Point {
	points := make([]geo.Point, 0, len(coords))
	for _, c := range coords {
		if len(c) >= 2 {
			points = append(points, geo.Point{Lon: c[0], Lat: c[1]})
		}
	}
	return points
}
