package realtime

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dispatch/internal/log"
)

// Relay carries dispatch plans between service instances so a recipient connected to
// one instance receives events produced on another.
type Relay interface {
	Publish(ctx context.Context, plan []Dispatch) error
	// Run delivers plans published by other instances to deliver until ctx is done.
	Run(ctx context.Context, deliver func([]Dispatch)) error
}

type envelope struct {
	Origin string     `json:"origin"`
	Plan   []Dispatch `json:"plan"`
}

const relayChannel = "dispatch:fanout"

// RedisRelay implements Relay over Redis Pub/Sub.
type RedisRelay struct {
	rdb    *redis.Client
	origin string
	log    zerolog.Logger
}

// NewRedisRelay publishes as instance origin; envelopes from the same origin are ignored.
// rdb stays owned by the caller and is not closed by the relay.
func NewRedisRelay(rdb *redis.Client, origin string) *RedisRelay {
	return &RedisRelay{rdb: rdb, origin: origin, log: log.WithComponent("relay")}
}

func (r *RedisRelay) Publish(ctx context.Context, plan []Dispatch) error {
	if len(plan) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	data, err := json.Marshal(envelope{Origin: r.origin, Plan: plan})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, relayChannel, data).Err()
}

func (r *RedisRelay) Run(ctx context.Context, deliver func([]Dispatch)) error {
	ps := r.rdb.Subscribe(ctx, relayChannel)
	defer func() { _ = ps.Close() }()
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if plan, ok := r.decode([]byte(msg.Payload)); ok {
				deliver(plan)
			}
		}
	}
}

// decode returns the plan of an envelope published by another instance.
func (r *RedisRelay) decode(b []byte) ([]Dispatch, bool) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		r.log.Warn().Err(err).Msg("dropping malformed relay envelope")
		return nil, false
	}
	if env.Origin == r.origin || len(env.Plan) == 0 {
		return nil, false
	}
	return env.Plan, true
}
