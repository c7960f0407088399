// Package riskzone loads and caches the active hazard-zone set and
// provides the exclusion-polygon, validation and scoring operations the
// routing orchestrator is built on.
package riskzone

import (
	"github.com/terminal-bench/saferoute/internal/geo"
)

// Severity classifies a zone by how hazardous it is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Report-count thresholds. Deriving severity from reported_count keeps
// the API consistent with the map legend: 160-179 yellow, 180-229 light
// red, 230+ dark red.
const (
	mediumReportCount   = 160
	highReportCount     = 180
	criticalReportCount = 230
)

// SeverityFromReportCount derives a severity from a zone's report count.
func SeverityFromReportCount(count int) Severity {
	switch {
	case count >= criticalReportCount:
		return SeverityCritical
	case count >= highReportCount:
		return SeverityHigh
	case count >= mediumReportCount:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// filterThresholds maps a minimum severity to the report count floor
// used when selecting zones for avoidance and validation.
var filterThresholds = map[Severity]int{
	SeverityLow:      140,
	SeverityMedium:   140,
	SeverityHigh:     180,
	SeverityCritical: 230,
}

// SeverityWeight is the scoring weight for a zone pass.
func SeverityWeight(s Severity) float64 {
	switch s {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 1.0
	case SeverityCritical:
		return 1.5
	default:
		return 0.5
	}
}

// Zone is an immutable snapshot of one active hazard zone.
type Zone struct {
	ID                string
	Center            geo.Point
	AlertRadiusMeters float64
	Severity          Severity
	ReportedCount     int
	HazardType        string
	Name              string
	IsActive          bool
}

// FilterBySeverity retains zones whose report count meets the floor for
// the given minimum severity.
func FilterBySeverity(zones []Zone, min Severity) []Zone {
	floor, ok := filterThresholds[min]
	if !ok {
		floor = mediumReportCount
	}
	filtered := make([]Zone, 0, len(zones))
	for _, z := range zones {
		if z.ReportedCount >= floor {
			filtered = append(filtered, z)
		}
	}
	return filtered
}
