// Package main simulates a driver app: it connects to the driver WebSocket and reports a
// position every interval while walking a straight line between two points.
package main

import (
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type locationUpdate struct {
	Type      string    `json:"type"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

func main() {
	host := flag.String("host", "localhost:8080", "server host:port")
	driver := flag.String("driver", "driver_1", "driver id used in the dev token")
	token := flag.String("token", "", "bearer token (default driver:<driver>)")
	every := flag.Duration("every", 2*time.Second, "report interval")
	steps := flag.Int("steps", 60, "number of reports between start and end")
	fromLat := flag.Float64("from-lat", 40.7128, "start latitude")
	fromLng := flag.Float64("from-lng", -74.0060, "start longitude")
	toLat := flag.Float64("to-lat", 40.7306, "end latitude")
	toLng := flag.Float64("to-lng", -73.9866, "end longitude")
	flag.Parse()

	tok := *token
	if tok == "" {
		tok = "driver:" + *driver
	}
	u := url.URL{Scheme: "ws", Host: *host, Path: "/api/ws/driver", RawQuery: url.Values{"token": {tok}}.Encode()}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("<- %s", msg)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	for i := 0; i <= *steps; i++ {
		f := float64(i) / float64(*steps)
		m := locationUpdate{
			Type:      "location_update",
			Latitude:  *fromLat + (*toLat-*fromLat)*f,
			Longitude: *fromLng + (*toLng-*fromLng)*f,
			Speed:     8.5,
			Timestamp: time.Now().UTC(),
		}
		if err := c.WriteJSON(m); err != nil {
			log.Fatal("write:", err)
		}
		select {
		case <-ticker.C:
		case <-done:
			return
		case <-interrupt:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
