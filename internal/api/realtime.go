package api

import (
    "errors"
    "net/http"
    "time"

    "github.com/go-chi/chi/v5"

    "dispatch/internal/model"
    "dispatch/internal/realtime"
    "dispatch/internal/store"
)

func (s *Server) DriverWSHandler(w http.ResponseWriter, r *http.Request) {
    s.RT.ServeDriver(w, r, principal(r).UserID)
}

func (s *Server) AdminWSHandler(w http.ResponseWriter, r *http.Request) {
    s.RT.ServeAdmin(w, r)
}

// TrackerWSHandler upgrades every request; unknown tracking ids are refused in-band.
func (s *Server) TrackerWSHandler(w http.ResponseWriter, r *http.Request) {
    s.RT.ServeTracker(w, r, chi.URLParam(r, "tracking_id"))
}

func (s *Server) TrackEventsHandler(w http.ResponseWriter, r *http.Request) {
    err := s.RT.ServeTrackerSSE(w, r, chi.URLParam(r, "tracking_id"))
    switch {
    case err == nil:
    case errors.Is(err, realtime.ErrUnknownTracking):
        writeProblem(w, http.StatusNotFound, "Invalid tracking token", "", r.URL.Path)
    default:
        s.storeProblem(w, r, "Tracking stream failed", err)
    }
}

// trackingView is the part of a delivery a customer holding the link may see.
type trackingView struct {
    ID               string          `json:"id"`
    CustomerName     string          `json:"customer_name"`
    DeliveryAddress  string          `json:"delivery_address"`
    Dropoff          *model.GeoPoint `json:"delivery_location,omitempty"`
    Status           model.Status    `json:"status"`
    EstimatedArrival *time.Time      `json:"estimated_arrival,omitempty"`
}

// TrackSummaryHandler handles GET /api/track/{tracking_id}.
func (s *Server) TrackSummaryHandler(w http.ResponseWriter, r *http.Request) {
    d, err := s.Store.DeliveryByTrackingID(r.Context(), chi.URLParam(r, "tracking_id"))
    if errors.Is(err, store.ErrNotFound) { writeProblem(w, http.StatusNotFound, "Invalid tracking token", "", r.URL.Path); return }
    if err != nil { s.storeProblem(w, r, "Tracking lookup failed", err); return }
    snap := s.RT.Snapshot(r.Context(), d)
    view := trackingView{ID: d.ID, CustomerName: d.CustomerName, DeliveryAddress: d.DeliveryAddress, Dropoff: d.Dropoff, Status: d.Status, EstimatedArrival: d.EstimatedArrival}
    writeJSON(w, http.StatusOK, map[string]any{
        "delivery":            view,
        "driver_location":     snap.DriverLocation,
        "navigation_progress": snap.NavigationProgress,
    })
}

// LocationHandler handles POST /api/locations with the same routing as the websocket message.
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
    var in model.LocationPayload
    if !decode(w, r, &in) { return }
    loc, err := s.RT.HandleLocation(r.Context(), principal(r).UserID, in)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid location", err.Error(), r.URL.Path); return }
    writeJSON(w, http.StatusOK, model.Ack{Type: model.MsgLocationAck, Timestamp: loc.Timestamp, Status: "processed"})
}

func (s *Server) ProgressHandler(w http.ResponseWriter, r *http.Request) {
    var in model.NavigationProgress
    if !decode(w, r, &in) { return }
    eta, err := s.RT.HandleProgress(r.Context(), principal(r).UserID, in)
    switch {
    case err == nil:
        writeJSON(w, http.StatusOK, map[string]any{"type": model.MsgProgressAck, "estimated_arrival": eta})
    case errors.Is(err, realtime.ErrNotAssigned):
        writeProblem(w, http.StatusForbidden, "Forbidden", err.Error(), r.URL.Path)
    case errors.Is(err, realtime.ErrInvalidEvent):
        writeProblem(w, http.StatusBadRequest, "Invalid navigation progress", err.Error(), r.URL.Path)
    default:
        s.storeProblem(w, r, "Navigation progress failed", err)
    }
}

// DriverLocationHandler returns the last cached position of a driver.
func (s *Server) DriverLocationHandler(w http.ResponseWriter, r *http.Request) {
    loc, ok := s.Cache.DriverLocation(r.Context(), chi.URLParam(r, "id"))
    if !ok { writeProblem(w, http.StatusNotFound, "No recent location", "", r.URL.Path); return }
    writeJSON(w, http.StatusOK, loc)
}

func (s *Server) DriverHistoryHandler(w http.ResponseWriter, r *http.Request) {
    limit := 50
    if v := r.URL.Query().Get("limit"); v != "" {
        n, err := parsePositive(v)
        if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path); return }
        limit = n
    }
    hist := s.Cache.DriverHistory(r.Context(), chi.URLParam(r, "id"), limit)
    if hist == nil { hist = []model.DriverLocation{} }
    writeJSON(w, http.StatusOK, hist)
}
