// Package api implements the HTTP and realtime endpoints of the dispatch service.
package api

import (
    "context"
    "errors"
    "strings"
    "time"

    "github.com/rs/zerolog"

    "dispatch/internal/auth"
    "dispatch/internal/cache"
    "dispatch/internal/config"
    "dispatch/internal/log"
    "dispatch/internal/mapping"
    "dispatch/internal/metrics"
    "dispatch/internal/notify"
    "dispatch/internal/realtime"
    "dispatch/internal/store"
    "dispatch/internal/tracking"
)

type Server struct {
    Store    store.Store
    Cache    *cache.State
    RT       *realtime.Manager
    Maps     *mapping.Client
    Notifier *notify.Dispatcher
    Auth     *auth.Verifier
    Tracking *tracking.Issuer

    now     func() time.Time
    log     zerolog.Logger
    closers []func() error
}

// NewServer wires the service from cfg. Without DATABASE_URL the in-memory store is used;
// without REDIS_URL the cache is absent and fan-out stays local to this instance.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
    metrics.RegisterDefault()
    s := &Server{now: time.Now, log: log.WithComponent("api")}

    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        s.Store = store.NewMemory()
    } else {
        pg, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil { return nil, err }
        s.closers = append(s.closers, pg.Close)
        if cfg.DBMigrate {
            if err := pg.Migrate(ctx); err != nil { _ = s.Close(); return nil, err }
        }
        s.Store = pg
    }

    var rdb *cache.Redis
    if strings.TrimSpace(cfg.RedisURL) == "" {
        s.Cache = cache.Absent()
    } else {
        r, err := cache.NewRedis(cfg.RedisURL)
        if err != nil { _ = s.Close(); return nil, err }
        rdb = r
        s.Cache = cache.New(r)
        s.closers = append(s.closers, s.Cache.Close)
        pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
        if err := s.Cache.Ping(pctx); err != nil {
            s.log.Warn().Err(err).Msg("redis unreachable at startup, cache reads will be empty until it recovers")
        }
        cancel()
    }

    s.RT = realtime.NewManager(s.Store, s.Cache, realtime.Options{
        PingInterval:     cfg.Realtime.PingInterval,
        PongWait:         cfg.Realtime.PongWait,
        WriteWait:        cfg.Realtime.WriteWait,
        SendBuffer:       cfg.Realtime.SendBuffer,
        DriverRatePerSec: cfg.Realtime.DriverRatePerSec,
        DriverRateBurst:  cfg.Realtime.DriverRateBurst,
    })
    if rdb != nil {
        s.RT.SetRelay(realtime.NewRedisRelay(rdb.Client(), cfg.InstanceID))
    }

    s.Maps = mapping.New(cfg.Mapbox, s.Cache)
    s.Auth = auth.NewVerifier(cfg.Auth)
    s.Tracking = tracking.NewIssuer(s.Store, cfg.Tracking.BaseURL)

    sender, err := notify.NewSender(cfg.SMS)
    if err != nil {
        // the SMS gateway is optional; a broken transport must not keep dispatch down
        s.log.Error().Err(err).Str("transport", cfg.SMS.Transport).Msg("sms transport unavailable, notifications disabled")
        sender = notify.NoopSender{}
    }
    if c, ok := sender.(interface{ Close() error }); ok {
        s.closers = append(s.closers, c.Close)
    }
    s.Notifier = notify.NewDispatcher(sender, cfg.SMS)
    return s, nil
}

// Start launches the background workers. They stop when ctx is done.
func (s *Server) Start(ctx context.Context) {
    s.Notifier.Start()
    go func() {
        if err := s.RT.RunRelay(ctx); err != nil && !errors.Is(err, context.Canceled) {
            s.log.Error().Err(err).Msg("relay stopped")
        }
    }()
}

// Shutdown closes realtime connections and stops the workers.
func (s *Server) Shutdown() {
    s.RT.Shutdown()
    s.Notifier.Stop()
}

func (s *Server) Close() error {
    var errs []error
    for i := len(s.closers) - 1; i >= 0; i-- {
        if err := s.closers[i](); err != nil { errs = append(errs, err) }
    }
    s.closers = nil
    return errors.Join(errs...)
}
