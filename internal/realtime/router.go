package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"dispatch/internal/log"
	"dispatch/internal/metrics"
	"dispatch/internal/model"
)

// Dispatch is one addressed message. An admin key addresses every admin connection.
type Dispatch struct {
	To      Key             `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// Result is the per-recipient outcome of a send.
type Result int

const (
	Delivered Result = iota
	// RecipientGone means the connection is closed or cannot keep up and must be unregistered.
	RecipientGone
)

func (r Result) String() string {
	if r == Delivered {
		return "delivered"
	}
	return "recipient_gone"
}

type Outcome struct {
	Key    Key
	Conn   Conn
	Result Result
	Err    error
}

// ActiveDeliveryFinder resolves the deliveries a driver is currently working.
type ActiveDeliveryFinder interface {
	ActiveDeliveriesForDriver(ctx context.Context, driverID string) ([]model.Delivery, error)
}

// Router turns events into dispatch plans and executes plans against the registry.
// It only reads the registry; removing gone recipients is left to the caller.
type Router struct {
	reg        *Registry
	deliveries ActiveDeliveryFinder
	log        zerolog.Logger
}

func NewRouter(reg *Registry, deliveries ActiveDeliveryFinder) *Router {
	return &Router{reg: reg, deliveries: deliveries, log: log.WithComponent("router")}
}

// PlanLocation addresses a location_update to the tracker of every active delivery of
// the driver and to all admins, one message per delivery. A driver with no active
// delivery is still shown to admins with an empty delivery_id.
func (r *Router) PlanLocation(ctx context.Context, loc model.DriverLocation) ([]Dispatch, error) {
	active, err := r.deliveries.ActiveDeliveriesForDriver(ctx, loc.DriverID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return ForAdmins(model.LocationBroadcast{
			Type:           model.MsgLocationUpdate,
			DriverID:       loc.DriverID,
			DriverLocation: loc,
		}), nil
	}
	var plan []Dispatch
	for _, d := range active {
		plan = append(plan, ForDelivery(d, model.LocationBroadcast{
			Type:             model.MsgLocationUpdate,
			DeliveryID:       d.ID,
			DriverID:         loc.DriverID,
			DriverLocation:   loc,
			EstimatedArrival: d.EstimatedArrival,
		})...)
	}
	return plan, nil
}

// Execute sends every dispatch to the currently registered recipients and reports
// what happened per recipient. One failing recipient never affects the others.
func (r *Router) Execute(plan []Dispatch) []Outcome {
	var out []Outcome
	for _, d := range plan {
		if len(d.Payload) == 0 {
			continue
		}
		if d.To.Class == ClassAdmin {
			for _, c := range r.reg.Admins() {
				out = append(out, r.send(d.To, c, d.Payload))
			}
			continue
		}
		c, ok := r.reg.Lookup(d.To)
		if !ok {
			continue
		}
		out = append(out, r.send(d.To, c, d.Payload))
	}
	return out
}

func (r *Router) send(k Key, c Conn, payload []byte) Outcome {
	err := c.Send(payload)
	res := Delivered
	if err != nil {
		res = RecipientGone
		if !errors.Is(err, ErrClosed) {
			r.log.Warn().Err(err).Str("class", string(k.Class)).Str("conn", c.ID()).Msg("send failed")
		}
	}
	metrics.Sends.WithLabelValues(string(k.Class), res.String()).Inc()
	return Outcome{Key: k, Conn: c, Result: res, Err: err}
}

func encode(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("encode realtime message", err)
		return nil
	}
	return b
}

func ForAdmins(msg any) []Dispatch {
	return []Dispatch{{To: AdminKey(), Payload: encode(msg)}}
}

func ForDriver(driverID string, msg any) []Dispatch {
	if driverID == "" {
		return nil
	}
	return []Dispatch{{To: DriverKey(driverID), Payload: encode(msg)}}
}

func ForTracker(trackingID string, msg any) []Dispatch {
	if trackingID == "" {
		return nil
	}
	return []Dispatch{{To: TrackerKey(trackingID), Payload: encode(msg)}}
}

// ForDelivery addresses the delivery's tracker (if a link was issued) and all admins.
func ForDelivery(d model.Delivery, msg any) []Dispatch {
	payload := encode(msg)
	plan := []Dispatch{{To: AdminKey(), Payload: payload}}
	if d.TrackingID != "" {
		plan = append(plan, Dispatch{To: TrackerKey(d.TrackingID), Payload: payload})
	}
	return plan
}
