package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dispatch/internal/cache"
	"dispatch/internal/log"
	"dispatch/internal/metrics"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

var (
	// ErrInvalidEvent wraps validation failures of inbound driver events.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrNotAssigned is returned when a driver reports progress for a delivery it does not hold.
	ErrNotAssigned = errors.New("delivery is not assigned to this driver")
	// ErrUnknownTracking is returned when a tracking id resolves to no delivery.
	ErrUnknownTracking = errors.New("invalid tracking token")
)

const subjectStripes = 64

// Manager owns the lifecycle of every connection: accept, validate, register, pump and
// unregister. It is the only component that mutates the registry.
type Manager struct {
	reg    *Registry
	router *Router
	store  store.Store
	cache  *cache.State
	relay  Relay
	opts   Options
	log    zerolog.Logger
	now    func() time.Time

	// serializes event handling per driver so every subscriber sees one driver's
	// events in the order they were accepted
	subjects [subjectStripes]sync.Mutex
}

func NewManager(st store.Store, c *cache.State, opts Options) *Manager {
	if c == nil {
		c = cache.Absent()
	}
	reg := NewRegistry()
	return &Manager{
		reg:    reg,
		router: NewRouter(reg, st),
		store:  st,
		cache:  c,
		opts:   opts.withDefaults(),
		log:    log.WithComponent("realtime"),
		now:    time.Now,
	}
}

// SetRelay enables cross-instance fan-out. Call before serving connections.
func (m *Manager) SetRelay(r Relay) { m.relay = r }

func (m *Manager) Registry() *Registry { return m.reg }

func (m *Manager) subjectLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.subjects[h.Sum32()%subjectStripes]
}

func (m *Manager) register(k Key, c Conn) {
	if prev := m.reg.Register(k, c); prev != nil {
		m.log.Info().Str("class", string(k.Class)).Str("id", k.ID).Str("evicted", prev.ID()).Msg("connection replaced")
	}
	m.log.Debug().Str("class", string(k.Class)).Str("id", k.ID).Str("conn", c.ID()).Msg("connection registered")
}

func (m *Manager) unregister(k Key, c Conn) {
	if m.reg.Unregister(k, c) {
		m.log.Debug().Str("class", string(k.Class)).Str("id", k.ID).Str("conn", c.ID()).Msg("connection unregistered")
	}
}

// reap unregisters and closes every recipient a send could not reach.
func (m *Manager) reap(outcomes []Outcome) {
	for _, o := range outcomes {
		if o.Result != RecipientGone {
			continue
		}
		m.unregister(o.Key, o.Conn)
		code := websocket.CloseGoingAway
		if errors.Is(o.Err, ErrSlowConsumer) {
			code = CloseSlowConsumer
		}
		_ = o.Conn.Close(code, "recipient gone")
	}
}

// dispatch executes plan locally, reaps gone recipients and relays the plan to other instances.
func (m *Manager) dispatch(ctx context.Context, plan []Dispatch) {
	if len(plan) == 0 {
		return
	}
	m.reap(m.router.Execute(plan))
	if m.relay != nil {
		if err := m.relay.Publish(ctx, plan); err != nil {
			m.log.Warn().Err(err).Msg("relay publish failed")
		}
	}
}

// RunRelay delivers plans from other instances to local connections until ctx is done.
func (m *Manager) RunRelay(ctx context.Context) error {
	if m.relay == nil {
		return nil
	}
	return m.relay.Run(ctx, func(plan []Dispatch) {
		m.reap(m.router.Execute(plan))
	})
}

// Shutdown closes every registered connection with a going-away code.
func (m *Manager) Shutdown() {
	for _, e := range m.reg.All() {
		m.unregister(e.Key, e.Conn)
		_ = e.Conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// ServeDriver upgrades r and runs the driver connection until it ends.
func (m *Manager) ServeDriver(w http.ResponseWriter, r *http.Request, driverID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("driver upgrade failed")
		return
	}
	c := newWSConn(ws, m.opts)
	k := DriverKey(driverID)
	m.register(k, c)
	defer m.unregister(k, c)
	metrics.Events.WithLabelValues("driver_connect").Inc()

	limiter := rate.NewLimiter(rate.Limit(m.opts.DriverRatePerSec), m.opts.DriverRateBurst)
	err = c.readLoop(func(raw []byte) {
		if !limiter.Allow() {
			m.reply(c, model.ErrorMessage{Type: model.MsgLocationError, Message: "rate limited"})
			return
		}
		m.handleDriverMessage(r.Context(), c, driverID, raw)
	})
	m.closeAfterRead(c, err)
}

func (m *Manager) handleDriverMessage(ctx context.Context, c Conn, driverID string, raw []byte) {
	var in model.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		m.reply(c, model.ErrorMessage{Type: model.MsgLocationError, Message: "invalid JSON"})
		return
	}
	payload := []byte(in.Data)
	if len(payload) == 0 {
		payload = raw
	}
	switch in.Type {
	case model.MsgLocationUpdate:
		var p model.LocationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			m.reply(c, model.ErrorMessage{Type: model.MsgLocationError, Message: "invalid location payload"})
			return
		}
		loc, err := m.HandleLocation(ctx, driverID, p)
		if err != nil {
			m.reply(c, model.ErrorMessage{Type: model.MsgLocationError, Message: err.Error()})
			return
		}
		m.reply(c, model.Ack{Type: model.MsgLocationAck, Timestamp: loc.Timestamp, Status: "processed"})
	case model.MsgNavigationProgress:
		var p model.NavigationProgress
		if err := json.Unmarshal(payload, &p); err != nil {
			m.reply(c, model.ErrorMessage{Type: model.MsgLocationError, Message: "invalid navigation progress payload"})
			return
		}
		if _, err := m.HandleProgress(ctx, driverID, p); err != nil {
			m.reply(c, model.ErrorMessage{Type: model.MsgLocationError, Message: err.Error()})
			return
		}
		m.reply(c, model.Ack{Type: model.MsgProgressAck, Timestamp: m.now().UTC(), Status: "processed"})
	case model.MsgPing:
		m.reply(c, model.Ack{Type: model.MsgPong, Timestamp: m.now().UTC()})
	default:
		m.reply(c, model.ErrorMessage{Type: model.MsgLocationError, Message: fmt.Sprintf("unsupported message type %q", in.Type)})
	}
}

func (m *Manager) reply(c Conn, msg any) {
	b := encode(msg)
	if b == nil {
		return
	}
	if err := c.Send(b); err != nil && !errors.Is(err, ErrClosed) {
		m.log.Warn().Err(err).Str("conn", c.ID()).Msg("reply dropped")
	}
}

func (m *Manager) closeAfterRead(c *wsConn, err error) {
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		m.log.Debug().Err(err).Str("conn", c.ID()).Msg("connection read ended")
	}
	_ = c.Close(websocket.CloseNormalClosure, "")
}

// ServeAdmin upgrades r and registers it in the admin set until it ends.
func (m *Manager) ServeAdmin(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("admin upgrade failed")
		return
	}
	c := newWSConn(ws, m.opts)
	k := AdminKey()
	m.register(k, c)
	defer m.unregister(k, c)
	err = c.readLoop(func(raw []byte) {
		var in model.Inbound
		if json.Unmarshal(raw, &in) == nil && in.Type == model.MsgPing {
			m.reply(c, model.Ack{Type: model.MsgPong, Timestamp: m.now().UTC()})
		}
	})
	m.closeAfterRead(c, err)
}

// ServeTracker upgrades r for trackingID. Unknown ids are refused with CloseInvalidToken
// and never registered. Accepted trackers first receive an initial_data snapshot.
func (m *Manager) ServeTracker(w http.ResponseWriter, r *http.Request, trackingID string) {
	d, lookupErr := m.store.DeliveryByTrackingID(r.Context(), trackingID)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("tracker upgrade failed")
		return
	}
	if lookupErr != nil {
		if !errors.Is(lookupErr, store.ErrNotFound) {
			m.log.Error().Err(lookupErr).Msg("tracking lookup failed")
		}
		metrics.Events.WithLabelValues("tracker_refused").Inc()
		refuse(ws, CloseInvalidToken, "Invalid tracking token", m.opts.WriteWait)
		return
	}
	c := newWSConn(ws, m.opts)
	k := TrackerKey(trackingID)
	m.admitTracker(r.Context(), k, c, d)
	defer m.unregister(k, c)
	err = c.readLoop(nil)
	m.closeAfterRead(c, err)
}

// ServeTrackerSSE streams tracker messages as server-sent events. It returns
// ErrUnknownTracking without writing anything when trackingID resolves to no delivery.
func (m *Manager) ServeTrackerSSE(w http.ResponseWriter, r *http.Request, trackingID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported")
	}
	d, err := m.store.DeliveryByTrackingID(r.Context(), trackingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownTracking
		}
		return err
	}
	c := newSSEConn(m.opts.SendBuffer)
	k := TrackerKey(trackingID)
	m.admitTracker(r.Context(), k, c, d)
	defer m.unregister(k, c)
	c.Serve(w, flusher, r.Context().Done())
	return nil
}

// admitTracker queues the initial_data snapshot on c and then registers it. Both happen
// under the assigned driver's subject lock, so a concurrent location either lands in the
// snapshot or is delivered after it, never before.
func (m *Manager) admitTracker(ctx context.Context, k Key, c Conn, d model.Delivery) {
	if d.DriverID != "" {
		mu := m.subjectLock(d.DriverID)
		mu.Lock()
		defer mu.Unlock()
	}
	m.reply(c, m.Snapshot(ctx, d))
	m.register(k, c)
}

// Snapshot builds the initial_data message for delivery d from the cache.
func (m *Manager) Snapshot(ctx context.Context, d model.Delivery) model.InitialData {
	msg := model.InitialData{
		Type:             model.MsgInitialData,
		DeliveryID:       d.ID,
		DeliveryStatus:   d.Status,
		EstimatedArrival: d.EstimatedArrival,
	}
	if d.DriverID != "" && d.Status.Active() {
		if loc, ok := m.cache.DriverLocation(ctx, d.DriverID); ok {
			msg.DriverLocation = &loc
		}
	}
	if p, ok := m.cache.Progress(ctx, d.ID); ok {
		msg.NavigationProgress = &p
	}
	return msg
}

// HandleLocation validates a driver location, caches it and fans it out.
func (m *Manager) HandleLocation(ctx context.Context, driverID string, p model.LocationPayload) (model.DriverLocation, error) {
	loc, err := p.Location(driverID, m.now())
	if err != nil {
		return loc, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	metrics.Events.WithLabelValues("location").Inc()

	mu := m.subjectLock(driverID)
	mu.Lock()
	defer mu.Unlock()
	m.cache.PutDriverLocation(ctx, loc)
	plan, err := m.router.PlanLocation(ctx, loc)
	if err != nil {
		m.log.Error().Err(err).Str("driver_id", driverID).Msg("resolve active deliveries")
		return loc, nil
	}
	m.dispatch(ctx, plan)
	return loc, nil
}

// HandleProgress records navigation progress for one of the driver's deliveries,
// updates its estimated arrival and notifies its tracker and the admins.
func (m *Manager) HandleProgress(ctx context.Context, driverID string, p model.NavigationProgress) (time.Time, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	d, err := m.store.GetDelivery(ctx, p.DeliveryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, fmt.Errorf("%w: unknown delivery %s", ErrInvalidEvent, p.DeliveryID)
		}
		return time.Time{}, err
	}
	if d.DriverID != driverID || !d.Status.Active() {
		return time.Time{}, ErrNotAssigned
	}
	now := m.now().UTC()
	p.DriverID = driverID
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	eta := p.EstimatedArrival(now)
	metrics.Events.WithLabelValues("navigation_progress").Inc()

	mu := m.subjectLock(driverID)
	mu.Lock()
	defer mu.Unlock()
	m.cache.PutProgress(ctx, p)
	if err := m.store.SetEstimatedArrival(ctx, d.ID, eta); err != nil {
		m.log.Error().Err(err).Str("delivery_id", d.ID).Msg("persist estimated arrival")
	}
	m.dispatch(ctx, ForDelivery(d, model.NavigationBroadcast{
		Type:               model.MsgNavigationUpdate,
		DeliveryID:         d.ID,
		NavigationProgress: p,
		EstimatedArrival:   eta,
	}))
	return eta, nil
}

// DeliveryCreated tells admins about a new delivery.
func (m *Manager) DeliveryCreated(ctx context.Context, d model.Delivery) {
	m.dispatch(ctx, ForAdmins(model.DeliveryMessage{Type: model.MsgNewDelivery, Delivery: d}))
}

// DeliveryAssigned tells the assigned driver (if connected) and the admins.
func (m *Manager) DeliveryAssigned(ctx context.Context, d model.Delivery) {
	msg := model.DeliveryMessage{Type: model.MsgDeliveryAssigned, Delivery: d}
	plan := ForDriver(d.DriverID, msg)
	plan = append(plan, ForAdmins(msg)...)
	m.dispatch(ctx, plan)
}

// DeliveryUpdated announces a status or notes change. Entering in_transit also sends
// delivery_started to the admins and the delivery's tracker.
func (m *Manager) DeliveryUpdated(ctx context.Context, d model.Delivery, prev model.Status) {
	plan := ForAdmins(model.DeliveryMessage{Type: model.MsgDeliveryUpdated, Delivery: d})
	if d.Status != prev {
		plan = append(plan, ForTracker(d.TrackingID, model.StatusChanged{
			Type: model.MsgStatusUpdate, DeliveryID: d.ID, DeliveryStatus: d.Status,
		})...)
		if d.Status == model.StatusCancelled {
			plan = append(plan, ForDriver(d.DriverID, model.DeliveryMessage{Type: model.MsgDeliveryUpdated, Delivery: d})...)
		}
	}
	if d.Status == model.StatusInTransit && prev != model.StatusInTransit {
		started := model.DeliveryStarted{Type: model.MsgDeliveryStarted, DeliveryID: d.ID}
		plan = append(plan, ForAdmins(started)...)
		plan = append(plan, ForTracker(d.TrackingID, started)...)
	}
	m.dispatch(ctx, plan)
}
