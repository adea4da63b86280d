package hub

// ProximityModel maps a pair distance to a [0,1] proximity value.
// Distances at or inside Near map to 1, the value falls linearly to 0 at
// Far, and everything at or beyond Cutoff is 0. The model depends only
// on distance; measurement quality gates whether a distance is accepted
// at all, it never scales the proximity.
type ProximityModel struct {
	Near   float64
	Far    float64
	Cutoff float64
}

// DefaultProximityModel matches the deployment defaults: full proximity
// within 1.5 m, fading out by 4 m, hard zero past 5 m.
func DefaultProximityModel() ProximityModel {
	return ProximityModel{Near: 1.5, Far: 4.0, Cutoff: 5.0}
}

// Proximity computes the proximity value for a distance in meters.
func (m ProximityModel) Proximity(distance float64) float64 {
	switch {
	case distance >= m.Cutoff:
		return 0
	case distance <= m.Near:
		return 1
	case distance >= m.Far:
		return 0
	}
	return 1 - (distance-m.Near)/(m.Far-m.Near)
}
