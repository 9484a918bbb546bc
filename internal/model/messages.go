package model

import (
    "encoding/json"
    "time"
)

// Wire message types exchanged over persistent connections.
const (
    MsgLocationUpdate     = "location_update"
    MsgNavigationProgress = "navigation_progress"
    MsgPing               = "ping"

    MsgLocationAck    = "location_ack"
    MsgLocationError  = "location_error"
    MsgProgressAck    = "progress_ack"
    MsgPong           = "pong"

    MsgInitialData      = "initial_data"
    MsgNavigationUpdate = "navigation_update"
    MsgDeliveryStarted  = "delivery_started"
    MsgStatusUpdate     = "status_update"

    MsgNewDelivery      = "new_delivery"
    MsgDeliveryAssigned = "delivery_assigned"
    MsgDeliveryUpdated  = "delivery_updated"
)

// Inbound is a message received from a client. Payload fields are read from Data when
// present, otherwise from the message itself.
type Inbound struct {
    Type string          `json:"type"`
    Data json.RawMessage `json:"data,omitempty"`
}

type Ack struct {
    Type      string    `json:"type"`
    Timestamp time.Time `json:"timestamp"`
    Status    string    `json:"status,omitempty"`
}

type ErrorMessage struct {
    Type    string `json:"type"`
    Message string `json:"message"`
}

// InitialData is the snapshot a tracker receives right after connecting.
type InitialData struct {
    Type               string              `json:"type"`
    DeliveryID         string              `json:"delivery_id"`
    DriverLocation     *DriverLocation     `json:"driver_location,omitempty"`
    NavigationProgress *NavigationProgress `json:"navigation_progress,omitempty"`
    DeliveryStatus     Status              `json:"delivery_status"`
    EstimatedArrival   *time.Time          `json:"estimated_arrival,omitempty"`
}

type LocationBroadcast struct {
    Type             string         `json:"type"`
    DeliveryID       string         `json:"delivery_id"`
    DriverID         string         `json:"driver_id"`
    DriverLocation   DriverLocation `json:"driver_location"`
    EstimatedArrival *time.Time     `json:"estimated_arrival,omitempty"`
}

type NavigationBroadcast struct {
    Type               string             `json:"type"`
    DeliveryID         string             `json:"delivery_id"`
    NavigationProgress NavigationProgress `json:"navigation_progress"`
    EstimatedArrival   time.Time          `json:"estimated_arrival"`
}

type DeliveryMessage struct {
    Type     string   `json:"type"`
    Delivery Delivery `json:"delivery"`
}

type DeliveryStarted struct {
    Type       string `json:"type"`
    DeliveryID string `json:"delivery_id"`
}

type StatusChanged struct {
    Type           string `json:"type"`
    DeliveryID     string `json:"delivery_id"`
    DeliveryStatus Status `json:"delivery_status"`
}
