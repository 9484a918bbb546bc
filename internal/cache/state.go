package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"dispatch/internal/log"
	"dispatch/internal/metrics"
	"dispatch/internal/model"
)

const (
	LocationTTL = 5 * time.Minute
	HistoryTTL  = time.Hour
	HistoryLen  = 100
	ProgressTTL = 10 * time.Minute
	RouteTTL    = 30 * time.Minute

	opTimeout = 2 * time.Second
)

func locationKey(driverID string) string   { return "driver_location:" + driverID }
func historyKey(driverID string) string    { return "driver_history:" + driverID }
func progressKey(deliveryID string) string { return "navigation_progress:" + deliveryID }
func routeKey(key string) string           { return "route:" + key }

// State is the ephemeral state cache as seen by the rest of the service. It is either
// present (backed by a Backend) or absent; in both cases no method reports an error.
// Failures are logged, counted and read as "nothing cached".
type State struct {
	b   Backend
	log zerolog.Logger
}

// New returns a present State over b, or an absent one when b is nil.
func New(b Backend) *State {
	return &State{b: b, log: log.WithComponent("cache")}
}

// Absent returns a State that stores nothing.
func Absent() *State { return New(nil) }

func (s *State) Present() bool { return s != nil && s.b != nil }

// Ping reports backend health. An absent cache is healthy.
func (s *State) Ping(ctx context.Context) error {
	if !s.Present() {
		return nil
	}
	return s.b.Ping(ctx)
}

func (s *State) Close() error {
	if !s.Present() {
		return nil
	}
	return s.b.Close()
}

// PutDriverLocation records loc as the driver's last position and prepends it to the history.
func (s *State) PutDriverLocation(ctx context.Context, loc model.DriverLocation) {
	if !s.Present() {
		return
	}
	b, err := json.Marshal(loc)
	if err != nil {
		s.fail("put_location", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.b.Set(ctx, locationKey(loc.DriverID), b, LocationTTL); err != nil {
		s.fail("put_location", err)
		return
	}
	if err := s.b.PushCapped(ctx, historyKey(loc.DriverID), b, HistoryLen, HistoryTTL); err != nil {
		s.fail("push_history", err)
		return
	}
	metrics.CacheOps.WithLabelValues("put_location", "ok").Inc()
}

func (s *State) DriverLocation(ctx context.Context, driverID string) (model.DriverLocation, bool) {
	var loc model.DriverLocation
	ok := s.getJSON(ctx, "get_location", locationKey(driverID), &loc)
	return loc, ok
}

// DriverHistory returns up to limit recent locations, newest first.
func (s *State) DriverHistory(ctx context.Context, driverID string, limit int) []model.DriverLocation {
	if !s.Present() {
		return nil
	}
	if limit <= 0 || limit > HistoryLen {
		limit = HistoryLen
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := s.b.Range(ctx, historyKey(driverID), limit)
	if err != nil {
		s.fail("get_history", err)
		return nil
	}
	out := make([]model.DriverLocation, 0, len(raw))
	for _, r := range raw {
		var loc model.DriverLocation
		if err := json.Unmarshal(r, &loc); err != nil {
			continue
		}
		out = append(out, loc)
	}
	return out
}

func (s *State) PutProgress(ctx context.Context, p model.NavigationProgress) {
	s.putJSON(ctx, "put_progress", progressKey(p.DeliveryID), p, ProgressTTL)
}

func (s *State) Progress(ctx context.Context, deliveryID string) (model.NavigationProgress, bool) {
	var p model.NavigationProgress
	ok := s.getJSON(ctx, "get_progress", progressKey(deliveryID), &p)
	return p, ok
}

// PutRoute stores a computed route under key for RouteTTL.
func (s *State) PutRoute(ctx context.Context, key string, v any) {
	s.putJSON(ctx, "put_route", routeKey(key), v, RouteTTL)
}

// Route decodes the route stored under key into dst.
func (s *State) Route(ctx context.Context, key string, dst any) bool {
	return s.getJSON(ctx, "get_route", routeKey(key), dst)
}

func (s *State) putJSON(ctx context.Context, op, key string, v any, ttl time.Duration) {
	if !s.Present() {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.fail(op, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.b.Set(ctx, key, b, ttl); err != nil {
		s.fail(op, err)
		return
	}
	metrics.CacheOps.WithLabelValues(op, "ok").Inc()
}

func (s *State) getJSON(ctx context.Context, op, key string, dst any) bool {
	if !s.Present() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	b, err := s.b.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		metrics.CacheOps.WithLabelValues(op, "miss").Inc()
		return false
	}
	if err != nil {
		s.fail(op, err)
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		s.fail(op, err)
		return false
	}
	metrics.CacheOps.WithLabelValues(op, "hit").Inc()
	return true
}

func (s *State) fail(op string, err error) {
	metrics.CacheOps.WithLabelValues(op, "error").Inc()
	s.log.Warn().Err(err).Str("op", op).Msg("cache operation failed")
}
