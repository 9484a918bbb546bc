// Package realtime owns persistent client connections: the subscription registry, the
// event router that fans events out to registered connections, and the lifecycle
// manager that accepts, registers and tears them down.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned by Send once the connection has been closed.
	ErrClosed = errors.New("realtime: connection closed")
	// ErrSlowConsumer is returned by Send when the outbound queue is full.
	ErrSlowConsumer = errors.New("realtime: outbound queue full")
)

// Application close codes sent to clients.
const (
	CloseReplaced     = 4001
	CloseInvalidToken = 4004
	CloseSlowConsumer = 4008
)

// Conn is an open outbound connection handle. Send never blocks on the network.
type Conn interface {
	ID() string
	Send(msg []byte) error
	// Close asks the connection to shut down with the given close code. It is idempotent.
	Close(code int, reason string) error
	Done() <-chan struct{}
}

// outbox is the bounded FIFO shared by all transports. A single writer goroutine drains it.
type outbox struct {
	id          string
	send        chan []byte
	done        chan struct{}
	once        sync.Once
	closeCode   int
	closeReason string
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = 256
	}
	return &outbox{id: uuid.NewString(), send: make(chan []byte, size), done: make(chan struct{})}
}

func (o *outbox) ID() string { return o.id }

func (o *outbox) Done() <-chan struct{} { return o.done }

func (o *outbox) Send(msg []byte) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.send <- msg:
		return nil
	case <-o.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

func (o *outbox) Close(code int, reason string) error {
	o.once.Do(func() {
		o.closeCode = code
		o.closeReason = reason
		close(o.done)
	})
	return nil
}

// drain returns whatever is still queued without blocking.
func (o *outbox) drain() [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-o.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Options tunes connection liveness and buffering.
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// DriverRatePerSec and DriverRateBurst bound inbound driver messages per connection.
	DriverRatePerSec float64
	DriverRateBurst  int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.DriverRatePerSec <= 0 {
		o.DriverRatePerSec = 5
	}
	if o.DriverRateBurst <= 0 {
		o.DriverRateBurst = 10
	}
	return o
}

// wsConn is a Conn over a gorilla websocket.
type wsConn struct {
	*outbox
	ws   *websocket.Conn
	opts Options
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	c := &wsConn{outbox: newOutbox(opts.SendBuffer), ws: ws, opts: opts}
	go c.writePump()
	return c
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				_ = c.Close(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		case <-c.done:
			for _, msg := range c.drain() {
				if err := c.write(msg); err != nil {
					return
				}
			}
			code := c.closeCode
			if code == 0 || code == websocket.CloseAbnormalClosure {
				return
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, c.closeReason), time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}

func (c *wsConn) write(msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// readLoop feeds every inbound text message to onMessage until the peer goes away or
// stops answering pings.
func (c *wsConn) readLoop(onMessage func([]byte)) error {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

// refuse closes a freshly upgraded socket without ever registering it.
func refuse(ws *websocket.Conn, code int, reason string, wait time.Duration) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wait))
	_ = ws.Close()
}

// sseConn is a Conn over a server-sent events response. Serve runs the writer.
type sseConn struct {
	*outbox
	heartbeat time.Duration
}

func newSSEConn(size int) *sseConn {
	return &sseConn{outbox: newOutbox(size), heartbeat: 15 * time.Second}
}

// Serve streams queued messages to w until the connection is closed or the request ends.
func (c *sseConn) Serve(w http.ResponseWriter, flusher http.Flusher, requestDone <-chan struct{}) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	timer := time.NewTimer(c.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-requestDone:
			_ = c.Close(websocket.CloseGoingAway, "client gone")
			return
		case msg := <-c.send:
			writeEvent(w, msg)
			flusher.Flush()
		case <-timer.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
			timer.Reset(c.heartbeat)
		case <-c.done:
			for _, msg := range c.drain() {
				writeEvent(w, msg)
			}
			fmt.Fprintf(w, "event: close\ndata: {\"code\":%d,\"reason\":%q}\n\n", c.closeCode, c.closeReason)
			flusher.Flush()
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, msg []byte) {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(msg, &head)
	if head.Type == "" {
		head.Type = "message"
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, msg)
}
