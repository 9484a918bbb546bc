package mapping

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	sf := Coordinate{Longitude: -122.4194, Latitude: 37.7749}
	la := Coordinate{Longitude: -118.2437, Latitude: 34.0522}
	assert.InDelta(t, 559_000, Distance(sf, la), 2_000)
	assert.Zero(t, Distance(sf, sf))
}

func TestBearing(t *testing.T) {
	o := Coordinate{}
	assert.InDelta(t, 0, Bearing(o, Coordinate{Latitude: 1}), 1e-9)
	assert.InDelta(t, 90, Bearing(o, Coordinate{Longitude: 1}), 1e-9)
	assert.InDelta(t, 180, Bearing(o, Coordinate{Latitude: -1}), 1e-9)
	assert.InDelta(t, 270, Bearing(o, Coordinate{Longitude: -1}), 1e-9)
}

func TestOnRoute(t *testing.T) {
	line := json.RawMessage(`{"type":"LineString","coordinates":[[0,0],[0,0.01]]}`)
	assert.True(t, OnRoute(Coordinate{Latitude: 0.0005}, line, DefaultRouteTolerance))
	assert.False(t, OnRoute(Coordinate{Latitude: 0.005}, line, DefaultRouteTolerance))
	assert.False(t, OnRoute(Coordinate{}, json.RawMessage(`{"type":"Point","coordinates":[0,0]}`), DefaultRouteTolerance))
	assert.False(t, OnRoute(Coordinate{}, nil, DefaultRouteTolerance))
}
