package api

import (
    "bufio"
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "net/http/httptest"
    "net/url"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/gorilla/websocket"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "dispatch/internal/config"
    "dispatch/internal/model"
    "dispatch/internal/notify"
    "dispatch/internal/realtime"
    "dispatch/internal/store"
)

const (
    adminTok  = "admin:A1"
    driverTok = "driver:D1"
)

type recordSender struct {
    mu   sync.Mutex
    sent []notify.Message
}

func (r *recordSender) Name() string { return "record" }
func (r *recordSender) Send(_ context.Context, m notify.Message) error {
    r.mu.Lock(); defer r.mu.Unlock()
    r.sent = append(r.sent, m)
    return nil
}
func (r *recordSender) messages() []notify.Message {
    r.mu.Lock(); defer r.mu.Unlock()
    return append([]notify.Message(nil), r.sent...)
}

type testEnv struct {
    s   *Server
    srv *httptest.Server
    sms *recordSender
}

func mapboxStub() http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        switch {
        case strings.HasPrefix(r.URL.Path, "/geocoding/"):
            if strings.Contains(r.URL.Path, "Nowhere") {
                w.WriteHeader(http.StatusServiceUnavailable)
                return
            }
            _, _ = w.Write([]byte(`{"features":[{"place_name":"1 Main St","geometry":{"coordinates":[-73.9,40.7]}}]}`))
        case strings.HasPrefix(r.URL.Path, "/directions/"):
            _, _ = w.Write([]byte(`{"routes":[{"duration":300,"distance":2000,"geometry":{"type":"LineString","coordinates":[[-73.9,40.7],[-73.8,40.8]]}}]}`))
        default:
            w.WriteHeader(http.StatusNotFound)
        }
    }
}

func newTestEnv(t *testing.T) *testEnv {
    t.Helper()
    maps := httptest.NewServer(mapboxStub())
    t.Cleanup(maps.Close)

    cfg := config.Default()
    cfg.Mapbox.AccessToken = "tok"
    cfg.Mapbox.BaseURL = maps.URL
    cfg.Tracking.BaseURL = "https://t.example/track"
    s, err := NewServer(context.Background(), cfg)
    require.NoError(t, err)

    mem := s.Store.(*store.Memory)
    mem.PutUser(model.User{ID: "D1", Email: "d1@example.com", Name: "Dee", Role: model.RoleDriver})
    mem.PutUser(model.User{ID: "D2", Email: "d2@example.com", Name: "Dos", Role: model.RoleDriver})

    sms := &recordSender{}
    s.Notifier = notify.NewDispatcher(sms, config.SMSConfig{})
    ctx, cancel := context.WithCancel(context.Background())
    s.Start(ctx)

    srv := httptest.NewServer(s.Routes())
    t.Cleanup(func() {
        s.Shutdown()
        srv.Close()
        cancel()
        _ = s.Close()
    })
    return &testEnv{s: s, srv: srv, sms: sms}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
    t.Helper()
    var rd io.Reader
    if body != nil {
        b, err := json.Marshal(body)
        require.NoError(t, err)
        rd = bytes.NewReader(b)
    }
    req, err := http.NewRequest(method, e.srv.URL+path, rd)
    require.NoError(t, err)
    if token != "" { req.Header.Set("Authorization", "Bearer "+token) }
    resp, err := http.DefaultClient.Do(req)
    require.NoError(t, err)
    defer func() { _ = resp.Body.Close() }()
    out, err := io.ReadAll(resp.Body)
    require.NoError(t, err)
    return resp, out
}

func (e *testEnv) dial(t *testing.T, path, token string) *websocket.Conn {
    t.Helper()
    u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
    if token != "" { u += "?token=" + url.QueryEscape(token) }
    c, _, err := websocket.DefaultDialer.Dial(u, nil)
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })
    return c
}

// dialAdmin connects an admin socket and waits until the server has registered it.
func (e *testEnv) dialAdmin(t *testing.T) *websocket.Conn {
    t.Helper()
    before := e.s.RT.Registry().Count(realtime.ClassAdmin)
    c := e.dial(t, "/api/ws/admin", adminTok)
    require.Eventually(t, func() bool {
        return e.s.RT.Registry().Count(realtime.ClassAdmin) > before
    }, time.Second, 5*time.Millisecond)
    return c
}

// readType reads messages until one of the wanted type arrives.
func readType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
    t.Helper()
    for {
        require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
        _, raw, err := c.ReadMessage()
        require.NoError(t, err, "waiting for %s", typ)
        var m map[string]any
        require.NoError(t, json.Unmarshal(raw, &m))
        if m["type"] == typ { return m }
    }
}

func (e *testEnv) createDelivery(t *testing.T) model.Delivery {
    t.Helper()
    resp, body := e.do(t, http.MethodPost, "/api/deliveries", adminTok, model.DeliveryCreate{
        CustomerName: "Cat", CustomerPhone: "+15550001111", PickupAddress: "1 Main St", DeliveryAddress: "2 Main St",
    })
    require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
    var d model.Delivery
    require.NoError(t, json.Unmarshal(body, &d))
    return d
}

func (e *testEnv) setStatus(t *testing.T, id, token, status string) (*http.Response, model.Delivery) {
    t.Helper()
    resp, body := e.do(t, http.MethodPut, "/api/deliveries/"+id+"/status", token, model.StatusUpdate{Status: status})
    var d model.Delivery
    _ = json.Unmarshal(body, &d)
    return resp, d
}

func TestHealthReadyMetrics(t *testing.T) {
    e := newTestEnv(t)
    resp, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
    assert.Equal(t, http.StatusOK, resp.StatusCode)
    resp, body := e.do(t, http.MethodGet, "/readyz", "", nil)
    assert.Equal(t, http.StatusOK, resp.StatusCode)
    assert.JSONEq(t, `{"status":"ready","cache":"absent"}`, string(body))
    resp, _ = e.do(t, http.MethodGet, "/metrics", "", nil)
    assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProblemBodyCarriesRequestID(t *testing.T) {
    e := newTestEnv(t)
    resp, body := e.do(t, http.MethodGet, "/api/deliveries", "", nil)
    require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
    assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
    var p Problem
    require.NoError(t, json.Unmarshal(body, &p))
    assert.Equal(t, http.StatusUnauthorized, p.Status)
    assert.NotEmpty(t, p.RequestID)
    assert.Equal(t, resp.Header.Get("X-Request-Id"), p.RequestID)
}

func TestDecode_RejectsOversizedBody(t *testing.T) {
    big := `{"customer_name":"` + strings.Repeat("x", maxBodyBytes) + `"}`
    rec := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/api/deliveries", strings.NewReader(big))
    var in model.DeliveryCreate
    assert.False(t, decode(rec, req, &in))
    assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
    assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

    rec = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/api/deliveries", strings.NewReader(`{"customer_name":`))
    assert.False(t, decode(rec, req, &in))
    assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDelivery_AuthAndGeocode(t *testing.T) {
    e := newTestEnv(t)
    in := model.DeliveryCreate{CustomerName: "Cat", CustomerPhone: "+1", PickupAddress: "1 Main St", DeliveryAddress: "Nowhere"}

    resp, _ := e.do(t, http.MethodPost, "/api/deliveries", "", in)
    assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
    resp, _ = e.do(t, http.MethodPost, "/api/deliveries", driverTok, in)
    assert.Equal(t, http.StatusForbidden, resp.StatusCode)
    resp, _ = e.do(t, http.MethodPost, "/api/deliveries", adminTok, model.DeliveryCreate{})
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

    admin := e.dialAdmin(t)
    resp, body := e.do(t, http.MethodPost, "/api/deliveries", adminTok, in)
    require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
    var d model.Delivery
    require.NoError(t, json.Unmarshal(body, &d))
    assert.Equal(t, model.StatusCreated, d.Status)
    require.NotNil(t, d.Pickup)
    assert.Equal(t, model.GeoPoint{Lat: 40.7, Lng: -73.9}, *d.Pickup)
    assert.Nil(t, d.Dropoff, "geocoding failure leaves coordinates empty")

    msg := readType(t, admin, model.MsgNewDelivery)
    assert.Equal(t, d.ID, msg["delivery"].(map[string]any)["id"])
}

func TestAssign(t *testing.T) {
    e := newTestEnv(t)
    d := e.createDelivery(t)

    resp, _ := e.do(t, http.MethodPut, "/api/deliveries/"+d.ID+"/assign/ghost", adminTok, nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)
    resp, _ = e.do(t, http.MethodPut, "/api/deliveries/missing/assign/D1", adminTok, nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)

    // no driver connection: still succeeds
    resp, body := e.do(t, http.MethodPut, "/api/deliveries/"+d.ID+"/assign/D1", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

    driver := e.dial(t, "/api/ws/driver", "driver:D2")
    require.Eventually(t, func() bool {
        _, ok := e.s.RT.Registry().Lookup(realtime.DriverKey("D2"))
        return ok
    }, time.Second, 5*time.Millisecond)
    resp, _ = e.do(t, http.MethodPut, "/api/deliveries/"+d.ID+"/assign/D2", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    msg := readType(t, driver, model.MsgDeliveryAssigned)
    assert.Equal(t, "D2", msg["delivery"].(map[string]any)["driver_id"])
}

func TestStatus_TransitionsAndVisibility(t *testing.T) {
    e := newTestEnv(t)
    d := e.createDelivery(t)

    resp, _ := e.setStatus(t, d.ID, adminTok, "delivered")
    assert.Equal(t, http.StatusConflict, resp.StatusCode)
    resp, _ = e.setStatus(t, d.ID, adminTok, "teleported")
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

    resp, _ = e.do(t, http.MethodPut, "/api/deliveries/"+d.ID+"/assign/D2", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    resp, _ = e.setStatus(t, d.ID, driverTok, "picked_up")
    assert.Equal(t, http.StatusForbidden, resp.StatusCode, "not the assigned driver")
    resp, got := e.setStatus(t, d.ID, "driver:D2", "picked_up")
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, model.StatusPickedUp, got.Status)
    assert.NotNil(t, got.PickedUpAt)

    resp, body := e.do(t, http.MethodGet, "/api/deliveries", "driver:D2", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var mine []model.Delivery
    require.NoError(t, json.Unmarshal(body, &mine))
    assert.Len(t, mine, 1)
    resp, body = e.do(t, http.MethodGet, "/api/deliveries", driverTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.JSONEq(t, `[]`, string(body))
}

func TestInTransit_IssuesTrackingAndFansOut(t *testing.T) {
    e := newTestEnv(t)
    d := e.createDelivery(t)
    admin := e.dialAdmin(t)

    resp, _ := e.do(t, http.MethodPut, "/api/deliveries/"+d.ID+"/assign/D1", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    resp, d = e.setStatus(t, d.ID, driverTok, "in_progress")
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, model.StatusInTransit, d.Status)
    require.NotEmpty(t, d.TrackingID)

    started := readType(t, admin, model.MsgDeliveryStarted)
    assert.Equal(t, d.ID, started["delivery_id"])

    require.Eventually(t, func() bool { return len(e.sms.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
    sms := e.sms.messages()[0]
    assert.Equal(t, "+15550001111", sms.To)
    assert.Contains(t, sms.Body, "https://t.example/track/"+d.TrackingID)

    // creating the link again returns the same id
    resp, body := e.do(t, http.MethodPost, "/api/deliveries/"+d.ID+"/tracking", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Contains(t, string(body), d.TrackingID)

    tracker := e.dial(t, "/api/ws/track/"+d.TrackingID, "")
    initial := readType(t, tracker, model.MsgInitialData)
    assert.Equal(t, string(model.StatusInTransit), initial["delivery_status"])

    resp, body = e.do(t, http.MethodPost, "/api/locations", driverTok, map[string]any{"lat": 40.71, "lng": -73.91})
    require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
    assert.Contains(t, string(body), `"status":"processed"`)

    loc := readType(t, tracker, model.MsgLocationUpdate)
    assert.Equal(t, d.ID, loc["delivery_id"])
    assert.Equal(t, "D1", loc["driver_id"])
    loc = readType(t, admin, model.MsgLocationUpdate)
    assert.Equal(t, d.ID, loc["delivery_id"])

    resp, body = e.do(t, http.MethodGet, "/api/track/"+d.TrackingID, "", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.NotContains(t, string(body), "+15550001111", "customer phone is not exposed")

    resp, _ = e.do(t, http.MethodPost, "/api/locations", driverTok, map[string]any{"lat": 123, "lng": 0})
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTracker_UnknownTokenRefused(t *testing.T) {
    e := newTestEnv(t)
    c := e.dial(t, "/api/ws/track/bogus", "")
    require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
    _, _, err := c.ReadMessage()
    var ce *websocket.CloseError
    require.True(t, errors.As(err, &ce), "got %v", err)
    assert.Equal(t, realtime.CloseInvalidToken, ce.Code)
    assert.Zero(t, e.s.RT.Registry().Count(realtime.ClassTracker))

    resp, _ := e.do(t, http.MethodGet, "/api/track/bogus", "", nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)
    resp, _ = e.do(t, http.MethodGet, "/api/track/bogus/events", "", nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type sseEvent struct {
    name string
    data map[string]any
}

// openSSE starts an event stream on path and returns a channel of parsed events.
func (e *testEnv) openSSE(t *testing.T, path string) <-chan sseEvent {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+path, nil)
    require.NoError(t, err)
    resp, err := http.DefaultClient.Do(req)
    require.NoError(t, err)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

    out := make(chan sseEvent, 64)
    go func() {
        defer close(out)
        defer func() { _ = resp.Body.Close() }()
        sc := bufio.NewScanner(resp.Body)
        var ev sseEvent
        for sc.Scan() {
            line := sc.Text()
            switch {
            case strings.HasPrefix(line, "event: "):
                ev.name = strings.TrimPrefix(line, "event: ")
            case strings.HasPrefix(line, "data: "):
                _ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data)
            case line == "":
                if ev.name != "" { out <- ev }
                ev = sseEvent{}
            }
        }
    }()
    return out
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
    t.Helper()
    timeout := time.After(2 * time.Second)
    for {
        select {
        case ev, ok := <-events:
            require.True(t, ok, "stream ended before %s", name)
            if ev.name == name { return ev }
        case <-timeout:
            t.Fatalf("no %s event", name)
        }
    }
}

func TestTrackEvents_StreamAndSlotSharing(t *testing.T) {
    e := newTestEnv(t)
    d := e.createDelivery(t)
    resp, _ := e.do(t, http.MethodPut, "/api/deliveries/"+d.ID+"/assign/D1", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    resp, d = e.setStatus(t, d.ID, driverTok, "in_transit")
    require.Equal(t, http.StatusOK, resp.StatusCode)
    require.NotEmpty(t, d.TrackingID)

    events := e.openSSE(t, "/api/track/"+d.TrackingID+"/events")
    initial := nextEvent(t, events, model.MsgInitialData)
    assert.Equal(t, d.ID, initial.data["delivery_id"])
    assert.Equal(t, string(model.StatusInTransit), initial.data["delivery_status"])
    require.Eventually(t, func() bool {
        return e.s.RT.Registry().Count(realtime.ClassTracker) == 1
    }, time.Second, 5*time.Millisecond)

    resp, body := e.do(t, http.MethodPost, "/api/locations", driverTok, map[string]any{"lat": 40.72, "lng": -73.95})
    require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
    loc := nextEvent(t, events, model.MsgLocationUpdate)
    assert.Equal(t, d.ID, loc.data["delivery_id"])
    assert.Equal(t, "D1", loc.data["driver_id"])

    // a WebSocket tracker on the same link takes over the slot
    ws := e.dial(t, "/api/ws/track/"+d.TrackingID, "")
    readType(t, ws, model.MsgInitialData)
    closed := nextEvent(t, events, "close")
    assert.Equal(t, float64(realtime.CloseReplaced), closed.data["code"])
    assert.Equal(t, 1, e.s.RT.Registry().Count(realtime.ClassTracker))

    resp, _ = e.do(t, http.MethodPost, "/api/locations", driverTok, map[string]any{"lat": 40.73, "lng": -73.95})
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, d.ID, readType(t, ws, model.MsgLocationUpdate)["delivery_id"])
}

func TestProgress_RequiresAssignment(t *testing.T) {
    e := newTestEnv(t)
    d := e.createDelivery(t)
    p := model.NavigationProgress{DeliveryID: d.ID, DistanceRemaining: 1000, DurationRemaining: 120, FractionTraveled: 0.5}
    resp, _ := e.do(t, http.MethodPost, "/api/navigation/progress", driverTok, p)
    assert.Equal(t, http.StatusForbidden, resp.StatusCode)

    resp, _ = e.do(t, http.MethodPut, "/api/deliveries/"+d.ID+"/assign/D1", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    resp, body := e.do(t, http.MethodPost, "/api/navigation/progress", driverTok, p)
    require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
    assert.Contains(t, string(body), model.MsgProgressAck)

    got, err := e.s.Store.GetDelivery(context.Background(), d.ID)
    require.NoError(t, err)
    assert.NotNil(t, got.EstimatedArrival)
}

func TestMappingEndpoints(t *testing.T) {
    e := newTestEnv(t)
    resp, body := e.do(t, http.MethodGet, "/api/geocode?address=1+Main+St", driverTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.JSONEq(t, `{"longitude":-73.9,"latitude":40.7}`, string(body))

    resp, _ = e.do(t, http.MethodGet, "/api/geocode", driverTok, nil)
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
    resp, _ = e.do(t, http.MethodGet, "/api/geocode/reverse?lat=95&lng=0", driverTok, nil)
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
    resp, body = e.do(t, http.MethodGet, "/api/geocode/reverse?lat=40.7&lng=-73.9", driverTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.JSONEq(t, `{"address":"1 Main St"}`, string(body))
    resp, _ = e.do(t, http.MethodGet, "/api/geocode?address=Nowhere", driverTok, nil)
    assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

    req := map[string]any{
        "origin":      map[string]float64{"longitude": -73.9, "latitude": 40.7},
        "destination": map[string]float64{"longitude": -73.8, "latitude": 40.8},
    }
    resp, body = e.do(t, http.MethodPost, "/api/routes/calculate", driverTok, req)
    require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
    assert.Contains(t, string(body), `"duration":300`)

    d := e.createDelivery(t)
    resp, body = e.do(t, http.MethodGet, "/api/deliveries/"+d.ID+"/route", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestOptimize_FallsBackToLocalOrdering(t *testing.T) {
    e := newTestEnv(t)
    // the stub answers optimized-trips with 404, which the client reports as a provider error
    req := map[string]any{"coordinates": []map[string]float64{
        {"longitude": 0, "latitude": 0},
        {"longitude": 0.03, "latitude": 0},
        {"longitude": 0.01, "latitude": 0},
    }}
    resp, body := e.do(t, http.MethodPost, "/api/routes/optimize", adminTok, req)
    require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
    var out struct {
        Source string `json:"source"`
        Order  []int  `json:"order"`
    }
    require.NoError(t, json.Unmarshal(body, &out))
    assert.Equal(t, "local", out.Source)
    assert.Equal(t, []int{0, 2, 1}, out.Order)

    resp, _ = e.do(t, http.MethodPost, "/api/routes/optimize", adminTok, map[string]any{"coordinates": []map[string]float64{{"longitude": 0, "latitude": 0}}})
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSMSSend_NotConfigured(t *testing.T) {
    e := newTestEnv(t)
    e.s.Notifier.Stop()
    e.s.Notifier = notify.NewDispatcher(notify.NoopSender{}, config.SMSConfig{})
    resp, body := e.do(t, http.MethodPost, "/api/sms/send", adminTok, map[string]string{"phone_number": "+1", "message": "hi"})
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
    assert.Contains(t, string(body), "not configured")
}

func TestUsersAndDrivers(t *testing.T) {
    e := newTestEnv(t)
    resp, body := e.do(t, http.MethodPost, "/api/users", adminTok, model.UserCreate{Email: "x@example.com", Name: "X", Role: model.RoleDriver})
    require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
    resp, _ = e.do(t, http.MethodPost, "/api/users", adminTok, model.UserCreate{Email: "x@example.com", Name: "X", Role: model.RoleDriver})
    assert.Equal(t, http.StatusConflict, resp.StatusCode)

    resp, body = e.do(t, http.MethodGet, "/api/drivers", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var drivers []model.User
    require.NoError(t, json.Unmarshal(body, &drivers))
    assert.Len(t, drivers, 3)

    resp, _ = e.do(t, http.MethodGet, "/api/drivers/D1/location", adminTok, nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no cache configured")
    resp, body = e.do(t, http.MethodGet, "/api/drivers/D1/history", adminTok, nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.JSONEq(t, `[]`, string(body))
}
