package api

import (
    "net/http"
    "strconv"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "dispatch/internal/metrics"
)

// Routes builds the HTTP handler for the whole service.
func (s *Server) Routes() http.Handler {
    r := chi.NewRouter()
    r.Use(middleware.RequestID)
    r.Use(echoRequestID)
    r.Use(middleware.RealIP)
    r.Use(s.accessLog)
    r.Use(middleware.Recoverer)

    r.Get("/healthz", s.HealthHandler)
    r.Get("/readyz", s.ReadyHandler)
    r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    r.Route("/api", func(r chi.Router) {
        // capability URLs: the tracking id is the credential
        r.Get("/track/{tracking_id}", s.TrackSummaryHandler)
        r.Get("/track/{tracking_id}/events", s.TrackEventsHandler)
        r.Get("/ws/track/{tracking_id}", s.TrackerWSHandler)

        r.Group(func(r chi.Router) {
            r.Use(s.authenticated)

            r.With(requireDriver).Get("/ws/driver", s.DriverWSHandler)
            r.With(requireAdmin).Get("/ws/admin", s.AdminWSHandler)

            r.With(requireAdmin).Post("/users", s.CreateUserHandler)
            r.With(requireAdmin).Get("/drivers", s.ListDriversHandler)
            r.With(requireAdmin).Get("/drivers/{id}/location", s.DriverLocationHandler)
            r.With(requireAdmin).Get("/drivers/{id}/history", s.DriverHistoryHandler)

            r.With(requireAdmin).Post("/deliveries", s.CreateDeliveryHandler)
            r.Get("/deliveries", s.ListDeliveriesHandler)
            r.Get("/deliveries/{id}", s.GetDeliveryHandler)
            r.Get("/deliveries/{id}/route", s.DeliveryRouteHandler)
            r.With(requireAdmin).Put("/deliveries/{id}/assign/{driver_id}", s.AssignHandler)
            r.Put("/deliveries/{id}/status", s.StatusHandler)
            r.With(requireAdmin).Post("/deliveries/{id}/tracking", s.CreateTrackingHandler)

            r.With(requireDriver).Post("/locations", s.LocationHandler)
            r.With(requireDriver).Post("/navigation/progress", s.ProgressHandler)

            r.Post("/routes/calculate", s.CalculateRouteHandler)
            r.Post("/routes/optimize", s.OptimizeRouteHandler)
            r.Get("/geocode", s.GeocodeHandler)
            r.Get("/geocode/reverse", s.ReverseGeocodeHandler)

            r.With(requireAdmin).Post("/sms/send", s.SendSMSHandler)
            r.With(requireAdmin).Get("/admin/debug", s.DebugHandler)
        })
    })
    return r
}

// echoRequestID returns the request id to the caller so problem bodies and logs can be correlated.
func echoRequestID(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if id := middleware.GetReqID(r.Context()); id != "" { w.Header().Set(middleware.RequestIDHeader, id) }
        next.ServeHTTP(w, r)
    })
}

// accessLog records one structured line and the request metrics per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
        next.ServeHTTP(ww, r)
        dur := time.Since(start)
        status := ww.Status()
        if status == 0 { status = http.StatusOK }
        route := r.URL.Path
        if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
            route = rc.RoutePattern()
        }
        code := strconv.Itoa(status)
        metrics.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, route, code).Observe(dur.Seconds())
        s.log.Info().
            Str("method", r.Method).
            Str("path", r.URL.Path).
            Int("status", status).
            Dur("duration", dur).
            Str("request_id", middleware.GetReqID(r.Context())).
            Msg("request")
    })
}
