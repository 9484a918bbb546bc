package model

import (
    "errors"
    "fmt"
    "time"
)

// DriverLocation is the last known position of a driver.
type DriverLocation struct {
    DriverID  string    `json:"driver_id"`
    Latitude  float64   `json:"latitude"`
    Longitude float64   `json:"longitude"`
    Heading   *float64  `json:"heading,omitempty"`
    Speed     *float64  `json:"speed,omitempty"`
    Accuracy  *float64  `json:"accuracy,omitempty"`
    Altitude  *float64  `json:"altitude,omitempty"`
    Timestamp time.Time `json:"timestamp"`
}

func (l DriverLocation) Point() GeoPoint { return GeoPoint{Lat: l.Latitude, Lng: l.Longitude} }

// LocationPayload is a location report as sent by a driver. Both latitude/longitude and
// the short lat/lng spelling are accepted.
type LocationPayload struct {
    Latitude  *float64   `json:"latitude,omitempty"`
    Longitude *float64   `json:"longitude,omitempty"`
    Lat       *float64   `json:"lat,omitempty"`
    Lng       *float64   `json:"lng,omitempty"`
    Heading   *float64   `json:"heading,omitempty"`
    Speed     *float64   `json:"speed,omitempty"`
    Accuracy  *float64   `json:"accuracy,omitempty"`
    Altitude  *float64   `json:"altitude,omitempty"`
    Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Location validates the payload and binds it to driverID. A missing timestamp becomes now.
func (p LocationPayload) Location(driverID string, now time.Time) (DriverLocation, error) {
    lat, lng := p.Latitude, p.Longitude
    if lat == nil { lat = p.Lat }
    if lng == nil { lng = p.Lng }
    if lat == nil || lng == nil {
        return DriverLocation{}, errors.New("latitude and longitude are required")
    }
    if *lat < -90 || *lat > 90 {
        return DriverLocation{}, fmt.Errorf("latitude %v out of range", *lat)
    }
    if *lng < -180 || *lng > 180 {
        return DriverLocation{}, fmt.Errorf("longitude %v out of range", *lng)
    }
    if p.Speed != nil && *p.Speed < 0 {
        return DriverLocation{}, errors.New("speed must be non-negative")
    }
    ts := now.UTC()
    if p.Timestamp != nil && !p.Timestamp.IsZero() {
        ts = p.Timestamp.UTC()
    }
    return DriverLocation{
        DriverID:  driverID,
        Latitude:  *lat,
        Longitude: *lng,
        Heading:   p.Heading,
        Speed:     p.Speed,
        Accuracy:  p.Accuracy,
        Altitude:  p.Altitude,
        Timestamp: ts,
    }, nil
}

type NavigationStep struct {
    Instruction string  `json:"instruction"`
    Maneuver    string  `json:"maneuver,omitempty"`
    Distance    float64 `json:"distance"`
    Duration    float64 `json:"duration"`
}

// NavigationProgress is a driver's progress along the route of one delivery.
// Distances are meters, durations seconds.
type NavigationProgress struct {
    DeliveryID        string          `json:"delivery_id"`
    DriverID          string          `json:"driver_id,omitempty"`
    DistanceRemaining float64         `json:"distance_remaining"`
    DurationRemaining float64         `json:"duration_remaining"`
    FractionTraveled  float64         `json:"fraction_traveled"`
    DistanceTraveled  float64         `json:"distance_traveled"`
    CurrentStep       *NavigationStep `json:"current_step,omitempty"`
    Timestamp         time.Time       `json:"timestamp"`
}

func (p *NavigationProgress) Validate() error {
    if p.DeliveryID == "" {
        return errors.New("delivery_id is required")
    }
    if p.DistanceRemaining < 0 || p.DurationRemaining < 0 || p.DistanceTraveled < 0 {
        return errors.New("distances and durations must be non-negative")
    }
    if p.FractionTraveled < 0 || p.FractionTraveled > 1 {
        return errors.New("fraction_traveled must be within [0,1]")
    }
    return nil
}

// EstimatedArrival is now plus the remaining duration.
func (p NavigationProgress) EstimatedArrival(now time.Time) time.Time {
    return now.Add(time.Duration(p.DurationRemaining * float64(time.Second))).UTC()
}
