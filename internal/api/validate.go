package api

import (
	"fmt"
	"strconv"

	"dispatch/internal/mapping"
)

const maxOptimizeStops = 12

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer: %q", v)
	}
	return n, nil
}

func parseCoordinate(lat, lng string) (mapping.Coordinate, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return mapping.Coordinate{}, fmt.Errorf("invalid lat: %q", lat)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return mapping.Coordinate{}, fmt.Errorf("invalid lng: %q", lng)
	}
	c := mapping.Coordinate{Latitude: la, Longitude: ln}
	if !c.Valid() {
		return c, fmt.Errorf("coordinate out of range: %v,%v", la, ln)
	}
	return c, nil
}

func validateRouteRequest(req *mapping.RouteRequest) error {
	if !req.Origin.Valid() {
		return fmt.Errorf("origin out of range")
	}
	if !req.Destination.Valid() {
		return fmt.Errorf("destination out of range")
	}
	if req.Origin == req.Destination && len(req.Waypoints) == 0 {
		return fmt.Errorf("origin and destination must differ")
	}
	for i, wp := range req.Waypoints {
		if !wp.Valid() {
			return fmt.Errorf("waypoint %d out of range", i)
		}
	}
	// the directions API accepts at most 25 coordinates
	if len(req.Waypoints) > 23 {
		return fmt.Errorf("at most 23 waypoints allowed, got %d", len(req.Waypoints))
	}
	return nil
}

func validateStops(stops []mapping.Coordinate) error {
	if len(stops) < 2 || len(stops) > maxOptimizeStops {
		return fmt.Errorf("optimize needs between 2 and %d coordinates, got %d", maxOptimizeStops, len(stops))
	}
	for i, c := range stops {
		if !c.Valid() {
			return fmt.Errorf("coordinate %d out of range", i)
		}
	}
	return nil
}
