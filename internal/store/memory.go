package store

import (
    "context"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"
    "dispatch/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu         sync.Mutex
    deliveries map[string]model.Delivery // id -> delivery
    byTracking map[string]string         // tracking id -> delivery id
    users      map[string]model.User     // id -> user
    emails     map[string]string         // lower(email) -> user id
    now        func() time.Time
}

func NewMemory() *Memory {
    return &Memory{
        deliveries: map[string]model.Delivery{},
        byTracking: map[string]string{},
        users:      map[string]model.User{},
        emails:     map[string]string{},
        now:        time.Now,
    }
}

func (m *Memory) CreateDelivery(ctx context.Context, in model.DeliveryCreate) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d := model.Delivery{
        ID:              uuid.NewString(),
        CustomerName:    in.CustomerName,
        CustomerPhone:   in.CustomerPhone,
        PickupAddress:   in.PickupAddress,
        Pickup:          in.Pickup,
        DeliveryAddress: in.DeliveryAddress,
        Dropoff:         in.Dropoff,
        Status:          model.StatusCreated,
        Notes:           in.Notes,
        CreatedAt:       m.now().UTC(),
    }
    m.deliveries[d.ID] = d
    return d, nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return model.Delivery{}, ErrNotFound }
    return d, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Delivery{}
    for _, d := range m.deliveries {
        if f.DriverID != "" && d.DriverID != f.DriverID { continue }
        if f.Status != "" && d.Status != f.Status { continue }
        out = append(out, d)
    }
    // newest first, matching the postgres ordering
    sort.Slice(out, func(i, j int) bool {
        if out[i].CreatedAt.Equal(out[j].CreatedAt) { return out[i].ID < out[j].ID }
        return out[i].CreatedAt.After(out[j].CreatedAt)
    })
    limit := f.Limit
    if limit <= 0 || limit > defaultListLimit { limit = defaultListLimit }
    if len(out) > limit { out = out[:limit] }
    return out, nil
}

func (m *Memory) AssignDelivery(ctx context.Context, id, driverID string, at time.Time) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return model.Delivery{}, ErrNotFound }
    if u, ok := m.users[driverID]; !ok || u.Role != model.RoleDriver {
        return model.Delivery{}, ErrDriverNotFound
    }
    if err := applyAssign(&d, driverID, at.UTC()); err != nil { return model.Delivery{}, err }
    m.deliveries[id] = d
    return d, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, to model.Status, notes string, at time.Time) (model.Delivery, model.Status, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return model.Delivery{}, "", ErrNotFound }
    prev := d.Status
    if to != "" {
        if err := applyStatus(&d, to, at.UTC()); err != nil { return model.Delivery{}, prev, err }
    }
    if notes != "" { d.Notes = notes }
    m.deliveries[id] = d
    return d, prev, nil
}

func (m *Memory) SetEstimatedArrival(ctx context.Context, id string, eta time.Time) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return ErrNotFound }
    t := eta.UTC()
    d.EstimatedArrival = &t
    m.deliveries[id] = d
    return nil
}

func (m *Memory) SetTrackingID(ctx context.Context, id, trackingID string) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return model.Delivery{}, ErrNotFound }
    if d.TrackingID != "" { return d, nil }
    if _, taken := m.byTracking[trackingID]; taken { return model.Delivery{}, ErrConflict }
    d.TrackingID = trackingID
    m.deliveries[id] = d
    m.byTracking[trackingID] = id
    return d, nil
}

func (m *Memory) DeliveryByTrackingID(ctx context.Context, trackingID string) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id, ok := m.byTracking[trackingID]
    if !ok { return model.Delivery{}, ErrNotFound }
    return m.deliveries[id], nil
}

func (m *Memory) ActiveDeliveriesForDriver(ctx context.Context, driverID string) ([]model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Delivery{}
    for _, d := range m.deliveries {
        if d.DriverID == driverID && d.Status.Active() { out = append(out, d) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
    return out, nil
}

func (m *Memory) CreateUser(ctx context.Context, in model.UserCreate) (model.User, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    key := strings.ToLower(strings.TrimSpace(in.Email))
    if _, dup := m.emails[key]; dup { return model.User{}, ErrConflict }
    u := model.User{ID: uuid.NewString(), Email: in.Email, Name: in.Name, Phone: in.Phone, Role: in.Role, CreatedAt: m.now().UTC()}
    m.users[u.ID] = u
    m.emails[key] = u.ID
    return u, nil
}

// PutUser stores u under its own id. Used to seed known drivers in dev mode and tests.
func (m *Memory) PutUser(u model.User) {
    m.mu.Lock(); defer m.mu.Unlock()
    if u.CreatedAt.IsZero() { u.CreatedAt = m.now().UTC() }
    m.users[u.ID] = u
    if u.Email != "" { m.emails[strings.ToLower(u.Email)] = u.ID }
}

func (m *Memory) GetUser(ctx context.Context, id string) (model.User, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    u, ok := m.users[id]
    if !ok { return model.User{}, ErrNotFound }
    return u, nil
}

func (m *Memory) ListUsers(ctx context.Context, role string) ([]model.User, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.User{}
    for _, u := range m.users {
        if role != "" && u.Role != role { continue }
        out = append(out, u)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
