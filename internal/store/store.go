package store

import (
    "context"
    "errors"
    "time"

    "dispatch/internal/model"
)

// Store is the delivery state store used by the API server and the realtime layer.
type Store interface {
    // Deliveries
    CreateDelivery(ctx context.Context, in model.DeliveryCreate) (model.Delivery, error)
    GetDelivery(ctx context.Context, id string) (model.Delivery, error)
    ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.Delivery, error)
    // AssignDelivery binds the delivery to driverID and moves it to assigned.
    AssignDelivery(ctx context.Context, id, driverID string, at time.Time) (model.Delivery, error)
    // UpdateStatus applies a status transition and/or notes change. It returns the updated
    // delivery and the status it had before. An empty to leaves the status untouched.
    UpdateStatus(ctx context.Context, id string, to model.Status, notes string, at time.Time) (model.Delivery, model.Status, error)
    SetEstimatedArrival(ctx context.Context, id string, eta time.Time) error

    // Tracking ids are write-once. SetTrackingID returns the stored delivery, whose
    // TrackingID is the earlier value if one was already issued.
    SetTrackingID(ctx context.Context, id, trackingID string) (model.Delivery, error)
    DeliveryByTrackingID(ctx context.Context, trackingID string) (model.Delivery, error)
    ActiveDeliveriesForDriver(ctx context.Context, driverID string) ([]model.Delivery, error)

    // Users
    CreateUser(ctx context.Context, in model.UserCreate) (model.User, error)
    GetUser(ctx context.Context, id string) (model.User, error)
    ListUsers(ctx context.Context, role string) ([]model.User, error)

    Ping(ctx context.Context) error
}

type DeliveryFilter struct {
    DriverID string
    Status   model.Status
    Limit    int
}

var (
    ErrNotFound          = errors.New("not found")
    ErrDriverNotFound    = errors.New("driver not found")
    ErrInvalidTransition = errors.New("invalid status transition")
    ErrConflict          = errors.New("conflict")
)

const defaultListLimit = 500

// applyStatus validates and applies a transition on d in place.
func applyStatus(d *model.Delivery, to model.Status, at time.Time) error {
    if !model.CanTransition(d.Status, to) {
        return ErrInvalidTransition
    }
    if to.Active() && d.DriverID == "" {
        return ErrInvalidTransition
    }
    d.Status = to
    d.Stamp(to, at)
    return nil
}

// applyAssign validates and applies a driver assignment on d in place. Re-assigning an
// assigned delivery to another driver is allowed until pickup.
func applyAssign(d *model.Delivery, driverID string, at time.Time) error {
    switch d.Status {
    case model.StatusCreated, model.StatusAssigned:
    default:
        return ErrInvalidTransition
    }
    d.DriverID = driverID
    d.Status = model.StatusAssigned
    d.Stamp(model.StatusAssigned, at)
    return nil
}
