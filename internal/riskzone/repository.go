package riskzone

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/geo"
)

// Store is the read interface the service needs. The Postgres
// implementation below is the production one; tests substitute fakes.
type Store interface {
	ActiveZones(ctx context.Context) ([]Zone, error)
	ZonesInBBox(ctx context.Context, box geo.BBox, minSeverity Severity, types []string) ([]Zone, error)
	ZonesNear(ctx context.Context, center geo.Point, radiusMeters int) ([]NearbyZone, error)
	ZoneByID(ctx context.Context, id string) (*Zone, error)
	Ping(ctx context.Context) error
}

// NearbyZone pairs a zone with its distance from a query point.
type NearbyZone struct {
	Zone           Zone
	DistanceMeters float64
}

// Repository reads risk zones from Postgres/PostGIS. Zone geometry is
// stored as point or polygon; centroids are extracted server-side so the
// service only ever sees (lon, lat) centers.
type Repository struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewRepository opens a pooled connection to the spatial database.
func NewRepository(databaseURL string, log *logrus.Logger) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open risk zone database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return &Repository{db: db, log: log.WithField("component", "riskzone.repository")}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// DB exposes the underlying pool so sibling repositories on the same
// spatial database can share it.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const activeZonesQuery = `
	SELECT id::text,
	       ST_X(ST_Centroid(geometry)) AS lon,
	       ST_Y(ST_Centroid(geometry)) AS lat,
	       COALESCE(alert_radius_meters, 100),
	       COALESCE(reported_count, 0),
	       COALESCE(hazard_type, ''),
	       COALESCE(name, '')
	FROM risk_zones
	WHERE is_active = TRUE`

// ActiveZones fetches every active zone.
func (r *Repository) ActiveZones(ctx context.Context) ([]Zone, error) {
	rows, err := r.db.QueryContext(ctx, activeZonesQuery)
	if err != nil {
		return nil, fmt.Errorf("query active risk zones: %w", err)
	}
	defer rows.Close()
	return r.scanZones(rows)
}

// ZonesInBBox fetches active zones inside a bounding box, optionally
// filtered by minimum severity and hazard types.
func (r *Repository) ZonesInBBox(ctx context.Context, box geo.BBox, minSeverity Severity, types []string) ([]Zone, error) {
	query := activeZonesQuery + `
	  AND geometry && ST_MakeEnvelope($1, $2, $3, $4, 4326)`
	args := []interface{}{box.MinLon, box.MinLat, box.MaxLon, box.MaxLat}

	if minSeverity != "" {
		floor, ok := filterThresholds[minSeverity]
		if !ok {
			floor = mediumReportCount
		}
		query += fmt.Sprintf(" AND COALESCE(reported_count, 0) >= $%d", len(args)+1)
		args = append(args, floor)
	}
	if len(types) > 0 {
		placeholders := ""
		for i, t := range types {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", len(args)+1)
			args = append(args, t)
		}
		query += " AND hazard_type IN (" + placeholders + ")"
	}
	query += " LIMIT 500"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query risk zones in bbox: %w", err)
	}
	defer rows.Close()
	return r.scanZones(rows)
}

const zonesNearQuery = `
	SELECT id::text,
	       ST_X(ST_Centroid(geometry)) AS lon,
	       ST_Y(ST_Centroid(geometry)) AS lat,
	       COALESCE(alert_radius_meters, 100),
	       COALESCE(reported_count, 0),
	       COALESCE(hazard_type, ''),
	       COALESCE(name, ''),
	       ST_Distance(geometry::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) AS distance
	FROM risk_zones
	WHERE is_active = TRUE
	  AND ST_DWithin(geometry::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
	ORDER BY distance`

// ZonesNear fetches active zones within radiusMeters of a point,
// ordered by distance.
func (r *Repository) ZonesNear(ctx context.Context, center geo.Point, radiusMeters int) ([]NearbyZone, error) {
	rows, err := r.db.QueryContext(ctx, zonesNearQuery, center.Lon, center.Lat, radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("query risk zones near point: %w", err)
	}
	defer rows.Close()

	var result []NearbyZone
	for rows.Next() {
		var z Zone
		var lon, lat, distance float64
		if err := rows.Scan(&z.ID, &lon, &lat, &z.AlertRadiusMeters, &z.ReportedCount, &z.HazardType, &z.Name, &distance); err != nil {
			r.log.WithError(err).Warn("failed to scan nearby risk zone row")
			continue
		}
		z.Center = geo.Point{Lon: lon, Lat: lat}
		z.Severity = SeverityFromReportCount(z.ReportedCount)
		z.IsActive = true
		result = append(result, NearbyZone{Zone: z, DistanceMeters: distance})
	}
	return result, rows.Err()
}

// ZoneByID fetches a single zone. Returns nil when the id is unknown.
func (r *Repository) ZoneByID(ctx context.Context, id string) (*Zone, error) {
	query := activeZonesQuery + " AND id::text = $1"
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query risk zone by id: %w", err)
	}
	defer rows.Close()

	zones, err := r.scanZones(rows)
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		return nil, nil
	}
	return &zones[0], nil
}

func (r *Repository) scanZones(rows *sql.Rows) ([]Zone, error) {
	var zones []Zone
	for rows.Next() {
		var z Zone
		var lon, lat float64
		if err := rows.Scan(&z.ID, &lon, &lat, &z.AlertRadiusMeters, &z.ReportedCount, &z.HazardType, &z.Name); err != nil {
			// A malformed row should not sink the whole snapshot.
			r.log.WithError(err).Warn("failed to scan risk zone row")
			continue
		}
		z.Center = geo.Point{Lon: lon, Lat: lat}
		z.Severity = SeverityFromReportCount(z.ReportedCount)
		z.IsActive = true
		zones = append(zones, z)
	}
	return zones, rows.Err()
}
