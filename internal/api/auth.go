package api

import (
    "context"
    "net/http"
    "strings"

    "dispatch/internal/auth"
)

type ctxKeyPrincipal struct{}

// getPrincipal extracts the caller from "Authorization: Bearer" or, for browser
// websocket and event-stream clients that cannot set headers, the token query parameter.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
    tok := ""
    if authz := r.Header.Get("Authorization"); len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
        tok = strings.TrimSpace(authz[len("bearer "):])
    } else {
        tok = r.URL.Query().Get("token")
    }
    return s.Auth.Verify(tok)
}

// authenticated rejects requests without a valid credential and stores the principal on the context.
func (s *Server) authenticated(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        p, err := s.getPrincipal(r)
        if err != nil { writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path); return }
        next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal{}, p)))
    })
}

func requireAdmin(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if !principal(r).IsAdmin() { writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path); return }
        next.ServeHTTP(w, r)
    })
}

func requireDriver(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if !principal(r).IsDriver() { writeProblem(w, http.StatusForbidden, "Forbidden", "driver required", r.URL.Path); return }
        next.ServeHTTP(w, r)
    })
}

func principal(r *http.Request) auth.Principal {
    p, _ := r.Context().Value(ctxKeyPrincipal{}).(auth.Principal)
    return p
}
