package api

import (
    "context"
    "errors"
    "net/http"
    "strconv"
    "time"

    "github.com/go-chi/chi/v5"

    "dispatch/internal/mapping"
    "dispatch/internal/model"
    "dispatch/internal/notify"
    "dispatch/internal/store"
)

// storeProblem maps store errors onto problem responses.
func (s *Server) storeProblem(w http.ResponseWriter, r *http.Request, title string, err error) {
    switch {
    case errors.Is(err, store.ErrDriverNotFound):
        writeProblem(w, http.StatusNotFound, "Driver not found", err.Error(), r.URL.Path)
    case errors.Is(err, store.ErrNotFound):
        writeProblem(w, http.StatusNotFound, "Not found", err.Error(), r.URL.Path)
    case errors.Is(err, store.ErrInvalidTransition):
        writeProblem(w, http.StatusConflict, "Invalid status transition", err.Error(), r.URL.Path)
    case errors.Is(err, store.ErrConflict):
        writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
    default:
        s.log.Error().Err(err).Str("path", r.URL.Path).Msg(title)
        writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
    }
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler checks the store. The cache is optional and only reported.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    if err := s.Store.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    cacheState := "absent"
    if s.Cache.Present() {
        cacheState = "ok"
        if err := s.Cache.Ping(ctx); err != nil { cacheState = "unreachable" }
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "cache": cacheState})
}

func (s *Server) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
    var in model.UserCreate
    if !decode(w, r, &in) { return }
    if err := in.Validate(); err != nil { writeProblem(w, http.StatusBadRequest, "Invalid user", err.Error(), r.URL.Path); return }
    u, err := s.Store.CreateUser(r.Context(), in)
    if err != nil { s.storeProblem(w, r, "Create user failed", err); return }
    writeJSON(w, http.StatusCreated, u)
}

func (s *Server) ListDriversHandler(w http.ResponseWriter, r *http.Request) {
    users, err := s.Store.ListUsers(r.Context(), model.RoleDriver)
    if err != nil { s.storeProblem(w, r, "List drivers failed", err); return }
    writeJSON(w, http.StatusOK, users)
}

// CreateDeliveryHandler handles POST /api/deliveries. Missing coordinates are geocoded
// from the addresses; a geocoding failure leaves them empty.
func (s *Server) CreateDeliveryHandler(w http.ResponseWriter, r *http.Request) {
    var in model.DeliveryCreate
    if !decode(w, r, &in) { return }
    if err := in.Validate(); err != nil { writeProblem(w, http.StatusBadRequest, "Invalid delivery", err.Error(), r.URL.Path); return }
    if in.Pickup == nil { in.Pickup = s.geocode(r.Context(), in.PickupAddress) }
    if in.Dropoff == nil { in.Dropoff = s.geocode(r.Context(), in.DeliveryAddress) }
    d, err := s.Store.CreateDelivery(r.Context(), in)
    if err != nil { s.storeProblem(w, r, "Create delivery failed", err); return }
    s.RT.DeliveryCreated(r.Context(), d)
    writeJSON(w, http.StatusCreated, d)
}

func (s *Server) geocode(ctx context.Context, address string) *model.GeoPoint {
    c, err := s.Maps.Geocode(ctx, address)
    if err != nil {
        s.log.Warn().Err(err).Str("address", address).Msg("geocoding failed")
        return nil
    }
    return &model.GeoPoint{Lat: c.Latitude, Lng: c.Longitude}
}

// ListDeliveriesHandler lists all deliveries for admins and only their own for drivers.
func (s *Server) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    p := principal(r)
    q := r.URL.Query()
    f := store.DeliveryFilter{DriverID: q.Get("driver_id")}
    if v := q.Get("status"); v != "" {
        st, ok := model.ParseStatus(v)
        if !ok { writeProblem(w, http.StatusBadRequest, "Invalid status", v, r.URL.Path); return }
        f.Status = st
    }
    if v := q.Get("limit"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil || n < 0 { writeProblem(w, http.StatusBadRequest, "Invalid limit", v, r.URL.Path); return }
        f.Limit = n
    }
    switch {
    case p.IsAdmin():
    case p.IsDriver():
        f.DriverID = p.UserID
    default:
        writeProblem(w, http.StatusForbidden, "Forbidden", "admin or driver required", r.URL.Path)
        return
    }
    items, err := s.Store.ListDeliveries(r.Context(), f)
    if err != nil { s.storeProblem(w, r, "List deliveries failed", err); return }
    writeJSON(w, http.StatusOK, items)
}

// visibleDelivery loads the delivery named in the path if the caller may see it.
func (s *Server) visibleDelivery(w http.ResponseWriter, r *http.Request) (model.Delivery, bool) {
    d, err := s.Store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
    if err != nil { s.storeProblem(w, r, "Get delivery failed", err); return d, false }
    p := principal(r)
    if !p.IsAdmin() && !(p.IsDriver() && d.DriverID == p.UserID) {
        writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for this delivery", r.URL.Path)
        return d, false
    }
    return d, true
}

func (s *Server) GetDeliveryHandler(w http.ResponseWriter, r *http.Request) {
    d, ok := s.visibleDelivery(w, r)
    if !ok { return }
    writeJSON(w, http.StatusOK, d)
}

// AssignHandler handles PUT /api/deliveries/{id}/assign/{driver_id}. The assignment
// succeeds whether or not the driver is connected.
func (s *Server) AssignHandler(w http.ResponseWriter, r *http.Request) {
    d, err := s.Store.AssignDelivery(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "driver_id"), s.now())
    if err != nil { s.storeProblem(w, r, "Assign delivery failed", err); return }
    s.RT.DeliveryAssigned(r.Context(), d)
    writeJSON(w, http.StatusOK, d)
}

// StatusHandler handles PUT /api/deliveries/{id}/status for admins and the assigned driver.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
    cur, ok := s.visibleDelivery(w, r)
    if !ok { return }
    var in model.StatusUpdate
    if !decode(w, r, &in) { return }
    var to model.Status
    if in.Status != "" {
        st, ok := model.ParseStatus(in.Status)
        if !ok { writeProblem(w, http.StatusBadRequest, "Invalid status", in.Status, r.URL.Path); return }
        to = st
    } else if in.Notes == "" {
        writeProblem(w, http.StatusBadRequest, "Invalid status update", "status or notes required", r.URL.Path)
        return
    }
    d, prev, err := s.Store.UpdateStatus(r.Context(), cur.ID, to, in.Notes, s.now())
    if err != nil { s.storeProblem(w, r, "Update status failed", err); return }
    if d.Status == model.StatusInTransit && prev != model.StatusInTransit {
        d = s.startTracking(r.Context(), d)
    }
    s.RT.DeliveryUpdated(r.Context(), d, prev)
    writeJSON(w, http.StatusOK, d)
}

// startTracking issues the tracking link and queues the customer SMS. Neither failure
// blocks the transition that triggered it.
func (s *Server) startTracking(ctx context.Context, d model.Delivery) model.Delivery {
    out, err := s.Tracking.Issue(ctx, d)
    if err != nil {
        s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("tracking link not issued")
        return d
    }
    s.Notifier.Enqueue(notify.TrackingMessage(out, s.Tracking.URL(out.TrackingID)))
    return out
}

// CreateTrackingHandler handles POST /api/deliveries/{id}/tracking. Repeated calls return the same link.
func (s *Server) CreateTrackingHandler(w http.ResponseWriter, r *http.Request) {
    d, err := s.Store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
    if err != nil { s.storeProblem(w, r, "Get delivery failed", err); return }
    d, err = s.Tracking.Issue(r.Context(), d)
    if err != nil { s.storeProblem(w, r, "Create tracking failed", err); return }
    writeJSON(w, http.StatusOK, map[string]string{
        "tracking_id":  d.TrackingID,
        "tracking_url": s.Tracking.URL(d.TrackingID),
    })
}

// DeliveryRouteHandler returns the route from pickup to drop-off.
func (s *Server) DeliveryRouteHandler(w http.ResponseWriter, r *http.Request) {
    d, ok := s.visibleDelivery(w, r)
    if !ok { return }
    if d.Pickup == nil || d.Dropoff == nil {
        writeProblem(w, http.StatusUnprocessableEntity, "Delivery has no coordinates", "pickup and delivery locations are required", r.URL.Path)
        return
    }
    route, err := s.Maps.Directions(r.Context(), mapping.RouteRequest{
        Origin:      mapping.Coordinate{Longitude: d.Pickup.Lng, Latitude: d.Pickup.Lat},
        Destination: mapping.Coordinate{Longitude: d.Dropoff.Lng, Latitude: d.Dropoff.Lat},
    })
    if err != nil { s.mappingProblem(w, r, err); return }
    writeJSON(w, http.StatusOK, route)
}

func (s *Server) SendSMSHandler(w http.ResponseWriter, r *http.Request) {
    var in struct {
        PhoneNumber string `json:"phone_number"`
        Message     string `json:"message"`
    }
    if !decode(w, r, &in) { return }
    if in.PhoneNumber == "" || in.Message == "" {
        writeProblem(w, http.StatusBadRequest, "Invalid SMS", "phone_number and message are required", r.URL.Path)
        return
    }
    if err := s.Notifier.SendNow(r.Context(), notify.Message{To: in.PhoneNumber, Body: in.Message}); err != nil {
        writeProblem(w, http.StatusBadRequest, "SMS sending failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"message": "SMS sent successfully"})
}
