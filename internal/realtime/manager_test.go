package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/cache"
	"dispatch/internal/model"
	"dispatch/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	srv   *httptest.Server
	m     *Manager
	st    *store.Memory
	clock *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, Options{
		PingInterval:     time.Second,
		PongWait:         3 * time.Second,
		WriteWait:        time.Second,
		DriverRatePerSec: 1000,
		DriverRateBurst:  1000,
	})
}

func newHarnessWith(t *testing.T, opts Options) *harness {
	t.Helper()
	clk := &testClock{t: time.Now()}
	st := store.NewMemory()
	m := NewManager(st, cache.New(cache.NewMemoryWithClock(clk.Now)), opts)
	mux := chi.NewRouter()
	mux.HandleFunc("/ws/driver/{id}", func(w http.ResponseWriter, r *http.Request) { m.ServeDriver(w, r, chi.URLParam(r, "id")) })
	mux.HandleFunc("/ws/admin", m.ServeAdmin)
	mux.HandleFunc("/ws/track/{token}", func(w http.ResponseWriter, r *http.Request) { m.ServeTracker(w, r, chi.URLParam(r, "token")) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, m: m, st: st, clock: clk}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) waitCount(t *testing.T, class Class, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.Registry().Count(class) == n },
		2*time.Second, 10*time.Millisecond, "want %d %s connections", n, class)
}

// activeDelivery creates a delivery assigned to driverID with an issued tracking id.
func (h *harness) activeDelivery(t *testing.T, driverID, trackingID string) model.Delivery {
	t.Helper()
	ctx := context.Background()
	h.st.PutUser(model.User{ID: driverID, Name: driverID, Role: model.RoleDriver})
	d, err := h.st.CreateDelivery(ctx, model.DeliveryCreate{CustomerName: "c", CustomerPhone: "+1555", PickupAddress: "a", DeliveryAddress: "b"})
	require.NoError(t, err)
	d, err = h.st.AssignDelivery(ctx, d.ID, driverID, time.Now())
	require.NoError(t, err)
	if trackingID != "" {
		d, err = h.st.SetTrackingID(ctx, d.ID, trackingID)
		require.NoError(t, err)
	}
	return d
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	require.NoError(t, c.ReadJSON(&m))
	return m
}

func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, msg, err := c.ReadMessage()
	require.Error(t, err, "unexpected message %s", msg)
}

func TestDriverLocationReachesAdminOncePerDelivery(t *testing.T) {
	h := newHarness(t)
	d := h.activeDelivery(t, "D1", "")

	admin := h.dial(t, "/ws/admin")
	h.waitCount(t, ClassAdmin, 1)
	drv := h.dial(t, "/ws/driver/D1")
	h.waitCount(t, ClassDriver, 1)

	require.NoError(t, drv.WriteJSON(map[string]any{"type": "location_update", "lat": 37.77, "lng": -122.42, "timestamp": "2024-05-01T12:00:00Z"}))

	ack := readJSON(t, drv)
	assert.Equal(t, model.MsgLocationAck, ack["type"])
	assert.Equal(t, "processed", ack["status"])

	got := readJSON(t, admin)
	assert.Equal(t, model.MsgLocationUpdate, got["type"])
	assert.Equal(t, d.ID, got["delivery_id"])
	loc := got["driver_location"].(map[string]any)
	assert.Equal(t, 37.77, loc["latitude"])
	expectSilence(t, admin)
}

func TestMalformedDriverMessageKeepsConnection(t *testing.T) {
	h := newHarness(t)
	drv := h.dial(t, "/ws/driver/D2")
	h.waitCount(t, ClassDriver, 1)

	require.NoError(t, drv.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, model.MsgLocationError, readJSON(t, drv)["type"])

	require.NoError(t, drv.WriteJSON(map[string]any{"type": "location_update", "data": map[string]any{"latitude": 95.0, "longitude": 1.0}}))
	errMsg := readJSON(t, drv)
	assert.Equal(t, model.MsgLocationError, errMsg["type"])
	assert.Contains(t, errMsg["message"], "latitude")

	require.NoError(t, drv.WriteJSON(map[string]any{"type": "location_update", "data": map[string]any{"latitude": 45.0, "longitude": 1.0}}))
	assert.Equal(t, model.MsgLocationAck, readJSON(t, drv)["type"])
	assert.Equal(t, 1, h.m.Registry().Count(ClassDriver))
}

func TestUnknownTrackingTokenRefused(t *testing.T) {
	h := newHarness(t)
	h.activeDelivery(t, "D3", "")

	c := h.dial(t, "/ws/track/not-a-token")
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	assert.Equal(t, CloseInvalidToken, ce.Code)
	assert.Equal(t, 0, h.m.Registry().Count(ClassTracker))
	_, ok := h.m.Registry().Lookup(TrackerKey("not-a-token"))
	assert.False(t, ok)
}

func TestTrackerInitialDataRespectsLocationTTL(t *testing.T) {
	h := newHarness(t)
	h.activeDelivery(t, "D4", "tok-4")
	_, err := h.m.HandleLocation(context.Background(), "D4", model.LocationPayload{Lat: ptr(10.0), Lng: ptr(20.0)})
	require.NoError(t, err)

	tr := h.dial(t, "/ws/track/tok-4")
	first := readJSON(t, tr)
	assert.Equal(t, model.MsgInitialData, first["type"])
	assert.Equal(t, string(model.StatusAssigned), first["delivery_status"])
	require.Contains(t, first, "driver_location")
	_ = tr.Close()
	h.waitCount(t, ClassTracker, 0)

	h.clock.Advance(cache.LocationTTL + time.Second)
	tr2 := h.dial(t, "/ws/track/tok-4")
	second := readJSON(t, tr2)
	assert.Equal(t, model.MsgInitialData, second["type"])
	assert.NotContains(t, second, "driver_location")
}

func TestPerDriverOrderingPreserved(t *testing.T) {
	h := newHarness(t)
	h.activeDelivery(t, "D5", "tok-5")
	tr := h.dial(t, "/ws/track/tok-5")
	assert.Equal(t, model.MsgInitialData, readJSON(t, tr)["type"])
	drv := h.dial(t, "/ws/driver/D5")
	h.waitCount(t, ClassDriver, 1)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, drv.WriteJSON(map[string]any{"type": "location_update", "latitude": float64(i), "longitude": 0.0}))
	}
	for i := 0; i < n; i++ {
		m := readJSON(t, tr)
		require.Equal(t, model.MsgLocationUpdate, m["type"])
		loc := m["driver_location"].(map[string]any)
		require.Equal(t, float64(i), loc["latitude"], "message %d out of order", i)
	}
}

func TestSecondDriverConnectionReplacesFirst(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "/ws/driver/D6")
	h.waitCount(t, ClassDriver, 1)
	before, _ := h.m.Registry().Lookup(DriverKey("D6"))

	second := h.dial(t, "/ws/driver/D6")
	require.Eventually(t, func() bool {
		cur, ok := h.m.Registry().Lookup(DriverKey("D6"))
		return ok && cur.ID() != before.ID()
	}, 2*time.Second, 10*time.Millisecond)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	assert.Equal(t, CloseReplaced, ce.Code)

	require.NoError(t, second.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, model.MsgPong, readJSON(t, second)["type"])
	assert.Equal(t, 1, h.m.Registry().Count(ClassDriver))
}

func TestFailedRecipientIsUnregistered(t *testing.T) {
	h := newHarness(t)
	h.activeDelivery(t, "D7", "tok-7")
	good, bad := newFakeConn(), newFakeConn()
	bad.failWith = ErrSlowConsumer
	h.m.register(AdminKey(), good)
	h.m.register(TrackerKey("tok-7"), bad)

	_, err := h.m.HandleLocation(context.Background(), "D7", model.LocationPayload{Lat: ptr(1.0), Lng: ptr(1.0)})
	require.NoError(t, err)

	assert.Len(t, good.messages(t), 1)
	_, ok := h.m.Registry().Lookup(TrackerKey("tok-7"))
	assert.False(t, ok)
	closed, code := bad.isClosed()
	assert.True(t, closed)
	assert.Equal(t, CloseSlowConsumer, code)
	assert.Len(t, h.m.Registry().Admins(), 1)
}

func TestDeliveryUpdatedStartsTracking(t *testing.T) {
	h := newHarness(t)
	d := h.activeDelivery(t, "D8", "tok-8")
	tracker, admin := newFakeConn(), newFakeConn()
	h.m.register(TrackerKey("tok-8"), tracker)
	h.m.register(AdminKey(), admin)

	updated, prev, err := h.st.UpdateStatus(context.Background(), d.ID, model.StatusInTransit, "", time.Now())
	require.NoError(t, err)
	h.m.DeliveryUpdated(context.Background(), updated, prev)

	var trackerTypes []any
	for _, m := range tracker.messages(t) {
		trackerTypes = append(trackerTypes, m["type"])
	}
	assert.ElementsMatch(t, []any{model.MsgStatusUpdate, model.MsgDeliveryStarted}, trackerTypes)

	var adminTypes []any
	for _, m := range admin.messages(t) {
		adminTypes = append(adminTypes, m["type"])
	}
	assert.ElementsMatch(t, []any{model.MsgDeliveryUpdated, model.MsgDeliveryStarted}, adminTypes)
}

func TestAssignmentWithoutDriverConnection(t *testing.T) {
	h := newHarness(t)
	admin := newFakeConn()
	h.m.register(AdminKey(), admin)
	d := h.activeDelivery(t, "D9", "")

	assert.NotPanics(t, func() { h.m.DeliveryAssigned(context.Background(), d) })
	msgs := admin.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MsgDeliveryAssigned, msgs[0]["type"])
}

func TestHandleProgressUpdatesETA(t *testing.T) {
	h := newHarness(t)
	d := h.activeDelivery(t, "D10", "tok-10")
	tracker := newFakeConn()
	h.m.register(TrackerKey("tok-10"), tracker)
	h.m.now = h.clock.Now

	eta, err := h.m.HandleProgress(context.Background(), "D10", model.NavigationProgress{DeliveryID: d.ID, DurationRemaining: 300, FractionTraveled: 0.4})
	require.NoError(t, err)
	assert.WithinDuration(t, h.clock.Now().Add(5*time.Minute), eta, time.Second)

	stored, err := h.st.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EstimatedArrival)

	msgs := tracker.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MsgNavigationUpdate, msgs[0]["type"])

	_, err = h.m.HandleProgress(context.Background(), "someone-else", model.NavigationProgress{DeliveryID: d.ID})
	assert.ErrorIs(t, err, ErrNotAssigned)
	_, err = h.m.HandleProgress(context.Background(), "D10", model.NavigationProgress{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestShutdownClosesEverything(t *testing.T) {
	h := newHarness(t)
	a, b := newFakeConn(), newFakeConn()
	h.m.register(AdminKey(), a)
	h.m.register(DriverKey("x"), b)
	h.m.Shutdown()
	assert.Empty(t, h.m.Registry().All())
	closed, _ := a.isClosed()
	assert.True(t, closed)
}

func TestTrackerSnapshotPrecedesConcurrentLocations(t *testing.T) {
	h := newHarness(t)
	h.activeDelivery(t, "D11", "tok-11")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			// strictly increasing latitude, so an older position is detectable
			lat := 89 * float64(i) / float64(i+1000)
			_, _ = h.m.HandleLocation(context.Background(), "D11", model.LocationPayload{Lat: &lat, Lng: ptr(1.0)})
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 100; i++ {
		tr := h.dial(t, "/ws/track/tok-11")
		first := readJSON(t, tr)
		require.Equal(t, model.MsgInitialData, first["type"], "connection %d", i)
		next := readJSON(t, tr)
		require.Equal(t, model.MsgLocationUpdate, next["type"], "connection %d", i)
		if loc, ok := first["driver_location"].(map[string]any); ok {
			lat := next["driver_location"].(map[string]any)["latitude"].(float64)
			assert.GreaterOrEqual(t, lat, loc["latitude"].(float64), "connection %d went back in time", i)
		}
		_ = tr.Close()
	}
}

func TestDriverRateLimitKeepsConnection(t *testing.T) {
	h := newHarnessWith(t, Options{
		PingInterval:     time.Second,
		PongWait:         3 * time.Second,
		WriteWait:        time.Second,
		DriverRatePerSec: 0.01,
		DriverRateBurst:  1,
	})
	drv := h.dial(t, "/ws/driver/D12")
	h.waitCount(t, ClassDriver, 1)

	loc := map[string]any{"type": "location_update", "latitude": 1.0, "longitude": 2.0}
	require.NoError(t, drv.WriteJSON(loc))
	require.NoError(t, drv.WriteJSON(loc))

	assert.Equal(t, model.MsgLocationAck, readJSON(t, drv)["type"])
	second := readJSON(t, drv)
	assert.Equal(t, model.MsgLocationError, second["type"])
	assert.Equal(t, "rate limited", second["message"])

	_, ok := h.m.Registry().Lookup(DriverKey("D12"))
	assert.True(t, ok)
	assert.Equal(t, 1, h.m.Registry().Count(ClassDriver))
}

func ptr(f float64) *float64 { return &f }
