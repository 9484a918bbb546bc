package model

import (
    "errors"
    "strings"
    "time"
)

// Status is the lifecycle state of a delivery.
type Status string

const (
    StatusCreated   Status = "created"
    StatusAssigned  Status = "assigned"
    StatusPickedUp  Status = "picked_up"
    StatusInTransit Status = "in_transit"
    StatusDelivered Status = "delivered"
    StatusCancelled Status = "cancelled"
)

// legacy clients still send in_progress for in_transit
const legacyInProgress = "in_progress"

var transitions = map[Status][]Status{
    StatusCreated:   {StatusAssigned, StatusCancelled},
    StatusAssigned:  {StatusPickedUp, StatusInTransit, StatusCancelled},
    StatusPickedUp:  {StatusInTransit, StatusCancelled},
    StatusInTransit: {StatusDelivered, StatusCancelled},
}

// ParseStatus normalizes s into a known Status.
func ParseStatus(s string) (Status, bool) {
    v := strings.ToLower(strings.TrimSpace(s))
    if v == legacyInProgress {
        return StatusInTransit, true
    }
    switch st := Status(v); st {
    case StatusCreated, StatusAssigned, StatusPickedUp, StatusInTransit, StatusDelivered, StatusCancelled:
        return st, true
    }
    return "", false
}

// Active reports whether a driver is currently working the delivery.
func (s Status) Active() bool {
    return s == StatusAssigned || s == StatusPickedUp || s == StatusInTransit
}

func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusCancelled }

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
    for _, next := range transitions[from] {
        if next == to {
            return true
        }
    }
    return false
}

type GeoPoint struct {
    Lat float64 `json:"lat"`
    Lng float64 `json:"lng"`
}

// Delivery is the persisted delivery record; it is also the payload of admin notifications.
type Delivery struct {
    ID               string     `json:"id"`
    CustomerName     string     `json:"customer_name"`
    CustomerPhone    string     `json:"customer_phone"`
    PickupAddress    string     `json:"pickup_address"`
    Pickup           *GeoPoint  `json:"pickup_location,omitempty"`
    DeliveryAddress  string     `json:"delivery_address"`
    Dropoff          *GeoPoint  `json:"delivery_location,omitempty"`
    DriverID         string     `json:"driver_id,omitempty"`
    Status           Status     `json:"status"`
    TrackingID       string     `json:"tracking_id,omitempty"`
    EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
    Notes            string     `json:"notes,omitempty"`
    CreatedAt        time.Time  `json:"created_at"`
    AssignedAt       *time.Time `json:"assigned_at,omitempty"`
    PickedUpAt       *time.Time `json:"picked_up_at,omitempty"`
    StartedAt        *time.Time `json:"started_at,omitempty"`
    CompletedAt      *time.Time `json:"completed_at,omitempty"`
    CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

// Stamp records the timestamp that belongs to entering status st.
func (d *Delivery) Stamp(st Status, at time.Time) {
    t := at
    switch st {
    case StatusAssigned:
        d.AssignedAt = &t
    case StatusPickedUp:
        d.PickedUpAt = &t
    case StatusInTransit:
        d.StartedAt = &t
    case StatusDelivered:
        d.CompletedAt = &t
    case StatusCancelled:
        d.CancelledAt = &t
    }
}

type DeliveryCreate struct {
    CustomerName    string    `json:"customer_name"`
    CustomerPhone   string    `json:"customer_phone"`
    PickupAddress   string    `json:"pickup_address"`
    DeliveryAddress string    `json:"delivery_address"`
    Pickup          *GeoPoint `json:"pickup_location,omitempty"`
    Dropoff         *GeoPoint `json:"delivery_location,omitempty"`
    Notes           string    `json:"notes,omitempty"`
}

func (in DeliveryCreate) Validate() error {
    var errs []error
    if strings.TrimSpace(in.CustomerName) == "" { errs = append(errs, errors.New("customer_name is required")) }
    if strings.TrimSpace(in.CustomerPhone) == "" { errs = append(errs, errors.New("customer_phone is required")) }
    if strings.TrimSpace(in.PickupAddress) == "" { errs = append(errs, errors.New("pickup_address is required")) }
    if strings.TrimSpace(in.DeliveryAddress) == "" { errs = append(errs, errors.New("delivery_address is required")) }
    return errors.Join(errs...)
}

type StatusUpdate struct {
    Status string `json:"status"`
    Notes  string `json:"notes,omitempty"`
}

const (
    RoleAdmin  = "admin"
    RoleDriver = "driver"
)

// User is a driver or admin profile. Credentials live with the identity provider.
type User struct {
    ID        string    `json:"id"`
    Email     string    `json:"email"`
    Name      string    `json:"name"`
    Phone     string    `json:"phone,omitempty"`
    Role      string    `json:"role"`
    CreatedAt time.Time `json:"created_at"`
}

type UserCreate struct {
    Email string `json:"email"`
    Name  string `json:"name"`
    Phone string `json:"phone,omitempty"`
    Role  string `json:"role"`
}

func (in UserCreate) Validate() error {
    if strings.TrimSpace(in.Email) == "" || strings.TrimSpace(in.Name) == "" {
        return errors.New("email and name are required")
    }
    if in.Role != RoleAdmin && in.Role != RoleDriver {
        return errors.New("role must be admin or driver")
    }
    return nil
}
