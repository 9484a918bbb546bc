package api

import (
    "context"
    "errors"
    "net/http"
    "strings"

    "dispatch/internal/mapping"
)

// mappingProblem maps provider failures onto gateway-style problem responses.
func (s *Server) mappingProblem(w http.ResponseWriter, r *http.Request, err error) {
    var pe *mapping.ProviderError
    switch {
    case errors.Is(err, mapping.ErrNoRoute), errors.Is(err, mapping.ErrNoResult):
        writeProblem(w, http.StatusNotFound, "No result", err.Error(), r.URL.Path)
    case errors.As(err, &pe):
        writeProblem(w, http.StatusBadGateway, "Mapping provider error", err.Error(), r.URL.Path)
    case errors.Is(err, context.DeadlineExceeded):
        writeProblem(w, http.StatusGatewayTimeout, "Mapping provider timeout", err.Error(), r.URL.Path)
    default:
        writeProblem(w, http.StatusBadGateway, "Mapping request failed", err.Error(), r.URL.Path)
    }
}

func (s *Server) CalculateRouteHandler(w http.ResponseWriter, r *http.Request) {
    var req mapping.RouteRequest
    if !decode(w, r, &req) { return }
    if err := validateRouteRequest(&req); err != nil { writeProblem(w, http.StatusBadRequest, "Invalid route request", err.Error(), r.URL.Path); return }
    route, err := s.Maps.Directions(r.Context(), req)
    if err != nil { s.mappingProblem(w, r, err); return }
    writeJSON(w, http.StatusOK, route)
}

func (s *Server) OptimizeRouteHandler(w http.ResponseWriter, r *http.Request) {
    var req struct {
        Coordinates []mapping.Coordinate `json:"coordinates"`
        Profile     string               `json:"profile,omitempty"`
    }
    if !decode(w, r, &req) { return }
    if err := validateStops(req.Coordinates); err != nil { writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path); return }
    profile := req.Profile
    if profile == "" { profile = "mapbox/driving" }
    route, err := s.Maps.Optimize(r.Context(), req.Coordinates, profile)
    if err == nil { writeJSON(w, http.StatusOK, route); return }
    var pe *mapping.ProviderError
    if !errors.As(err, &pe) && !errors.Is(err, context.DeadlineExceeded) { s.mappingProblem(w, r, err); return }

    // provider down: return a straight-line ordering so dispatchers can still sequence stops
    s.log.Warn().Err(err).Int("stops", len(req.Coordinates)).Msg("optimizer unavailable, ordering stops locally")
    order := mapping.OrderStops(req.Coordinates, 50)
    writeJSON(w, http.StatusOK, map[string]any{
        "source":   "local",
        "order":    order,
        "distance": mapping.PathDistance(req.Coordinates, order),
    })
}

func (s *Server) GeocodeHandler(w http.ResponseWriter, r *http.Request) {
    address := strings.TrimSpace(r.URL.Query().Get("address"))
    if address == "" { writeProblem(w, http.StatusBadRequest, "Missing address", "address query parameter is required", r.URL.Path); return }
    c, err := s.Maps.Geocode(r.Context(), address)
    if err != nil { s.mappingProblem(w, r, err); return }
    writeJSON(w, http.StatusOK, c)
}

func (s *Server) ReverseGeocodeHandler(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    c, err := parseCoordinate(q.Get("lat"), q.Get("lng"))
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid coordinate", err.Error(), r.URL.Path); return }
    name, err := s.Maps.Reverse(r.Context(), c)
    if err != nil { s.mappingProblem(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]string{"address": name})
}
