package mapping

import (
	"encoding/json"
	"math"
)

const (
	earthRadiusMeters = 6371000
	// DefaultRouteTolerance is how far, in meters, a position may sit from the route and still count as on it.
	DefaultRouteTolerance = 100.0
)

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b Coordinate) float64 {
	lat1 := rad(a.Latitude)
	lat2 := rad(b.Latitude)
	dLat := rad(b.Latitude - a.Latitude)
	dLng := rad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing is the initial compass bearing from a to b in degrees, [0, 360).
func Bearing(a, b Coordinate) float64 {
	lat1 := rad(a.Latitude)
	lat2 := rad(b.Latitude)
	dLng := rad(b.Longitude - a.Longitude)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	return math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
}

// OnRoute reports whether at lies within tolerance meters of any vertex of a GeoJSON
// LineString. Anything that is not a LineString is never on route.
func OnRoute(at Coordinate, geometry json.RawMessage, tolerance float64) bool {
	var line struct {
		Type        string      `json:"type"`
		Coordinates [][]float64 `json:"coordinates"`
	}
	if len(geometry) == 0 || json.Unmarshal(geometry, &line) != nil || line.Type != "LineString" {
		return false
	}
	for _, p := range line.Coordinates {
		if len(p) < 2 {
			continue
		}
		if Distance(at, Coordinate{Longitude: p[0], Latitude: p[1]}) <= tolerance {
			return true
		}
	}
	return false
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
