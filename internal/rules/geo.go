package rules

import "math"

// earthRadiusMeters is the WGS-84 mean Earth radius used for haversine.
const earthRadiusMeters = 6371000.0

// Position is a decoded lat/lon pair.
type Position struct {
	Latitude  float64
	Longitude float64
}

// HaversineMeters returns the great-circle distance between two positions.
func HaversineMeters(a, b Position) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// positionFrom decodes a {latitude, longitude} object.
func positionFrom(v interface{}) (Position, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Position{}, false
	}
	lat, okLat := asFloat(m["latitude"])
	lon, okLon := asFloat(m["longitude"])
	if !okLat || !okLon {
		return Position{}, false
	}
	return Position{Latitude: lat, Longitude: lon}, true
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
