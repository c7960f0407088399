package routing

import (
	"math"

	"github.com/terminal-bench/saferoute/internal/engine"
	"github.com/terminal-bench/saferoute/internal/models"
)

// Costing profiles bias the engine before any geometry is validated.
// All knobs live in [0, 1]; the table is part of the routing contract.
//
//	SAFEST   roads 0.5  hills 0.3  surfaces 0.6
//	BALANCED roads 0.5  hills 0.5  surfaces 0.5
//	FASTEST  roads 1.0  hills 1.0  surfaces 0.0 (never shortest)
//	SCENIC   roads 0.3  hills 0.4  surfaces 0.6
func profileCosting(prefs models.RoutePreferences, vehicle models.VehicleType) engine.BicycleCosting {
	costing := engine.BicycleCosting{BicycleType: bicycleType(vehicle)}

	switch prefs.Profile {
	case models.ProfileSafest:
		costing.UseRoads, costing.UseHills, costing.AvoidBadSurfaces = 0.5, 0.3, 0.6
	case models.ProfileFastest:
		costing.UseRoads, costing.UseHills, costing.AvoidBadSurfaces = 1.0, 1.0, 0.0
	case models.ProfileScenic:
		costing.UseRoads, costing.UseHills, costing.AvoidBadSurfaces = 0.3, 0.4, 0.6
	default:
		costing.UseRoads, costing.UseHills, costing.AvoidBadSurfaces = 0.5, 0.5, 0.5
	}

	if prefs.AvoidHills {
		costing.UseHills = 0.1
	}
	if prefs.PreferBikeLanes {
		costing.UseRoads = 0.0
	}
	return costing
}

// bicycleType picks the engine's bicycle subtype: Road for actual bikes,
// Hybrid for scooters and e-bikes whose handling is closer to an upright
// commuter.
func bicycleType(vehicle models.VehicleType) string {
	if vehicle == models.VehicleBike {
		return "Road"
	}
	return "Hybrid"
}

// avoidanceVariants spreads the base costing across bicycle subtypes and
// knob mixes so exclusion-constrained requests explore different parts
// of the street graph.
func avoidanceVariants(base engine.BicycleCosting) []engine.BicycleCosting {
	hybrid := base
	hybrid.BicycleType = "Hybrid"
	hybrid.UseRoads = math.Max(0, base.UseRoads-0.2)

	road := base
	road.BicycleType = "Road"
	road.UseRoads = math.Max(0, base.UseRoads-0.3)

	cross := base
	cross.BicycleType = "Cross"
	cross.AvoidBadSurfaces = math.Min(1, base.AvoidBadSurfaces+0.2)

	quiet := base
	quiet.UseRoads = math.Max(0, base.UseRoads-0.4)
	quiet.UseHills = math.Min(1, base.UseHills+0.2)

	return []engine.BicycleCosting{base, hybrid, road, cross, quiet}
}

// bikeLaneVariants aggressively depresses use_roads toward zero across
// subtypes, steering the engine onto cycleway-tagged edges.
func bikeLaneVariants(base engine.BicycleCosting) []engine.BicycleCosting {
	variants := make([]engine.BicycleCosting, 4)
	for i, subtype := range []string{"Hybrid", "Road", "Cross", "Hybrid"} {
		v := base
		v.BicycleType = subtype
		v.UseRoads = 0.0
		if i == 3 {
			v.UseRoads = 0.1
		}
		variants[i] = v
	}
	return variants
}

// fastestVariants varies the subtype under full-speed knobs.
func fastestVariants(base engine.BicycleCosting) []engine.BicycleCosting {
	variants := make([]engine.BicycleCosting, 4)
	for i, subtype := range []string{base.BicycleType, "Road", "Hybrid", "Cross"} {
		v := base
		v.BicycleType = subtype
		v.UseRoads, v.UseHills, v.AvoidBadSurfaces = 1.0, 1.0, 0.0
		variants[i] = v
	}
	return variants
}
