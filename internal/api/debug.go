package api

import (
    "net/http"
    "time"

    "dispatch/internal/buildinfo"
    "dispatch/internal/realtime"
)

// DebugHandler reports build identity, optional capabilities and live connection counts.
func (s *Server) DebugHandler(w http.ResponseWriter, r *http.Request) {
    reg := s.RT.Registry()
    writeJSON(w, http.StatusOK, map[string]any{
        "build": buildinfo.Info(),
        "time":  s.now().UTC().Format(time.RFC3339),
        "capabilities": map[string]any{
            "auth_mode":     s.Auth.Mode,
            "cache":         s.Cache.Present(),
            "sms":           s.Notifier.Configured(),
            "sms_transport": s.Notifier.Sender.Name(),
        },
        "connections": map[string]int{
            "driver":  reg.Count(realtime.ClassDriver),
            "tracker": reg.Count(realtime.ClassTracker),
            "admin":   reg.Count(realtime.ClassAdmin),
        },
    })
}
