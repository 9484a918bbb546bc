// Package mapping is a thin client for the Mapbox directions, optimization and geocoding APIs.
package mapping

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dispatch/internal/cache"
	"dispatch/internal/config"
	"dispatch/internal/log"
	"dispatch/internal/metrics"
)

const DefaultProfile = "mapbox/driving-traffic"

var (
	ErrNoRoute  = errors.New("no route found")
	ErrNoResult = errors.New("no geocoding result")
)

// ProviderError carries a non-200 status returned by the provider.
type ProviderError struct {
	Op     string
	Status int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("mapbox %s: status %d", e.Op, e.Status)
}

type Coordinate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

func (c Coordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

type RouteRequest struct {
	Origin       Coordinate   `json:"origin"`
	Destination  Coordinate   `json:"destination"`
	Waypoints    []Coordinate `json:"waypoints,omitempty"`
	Profile      string       `json:"profile,omitempty"`
	Steps        *bool        `json:"steps,omitempty"`
	Alternatives *bool        `json:"alternatives,omitempty"`
}

func (r RouteRequest) stops() []Coordinate {
	out := make([]Coordinate, 0, len(r.Waypoints)+2)
	out = append(out, r.Origin)
	out = append(out, r.Waypoints...)
	return append(out, r.Destination)
}

// Route is the primary route from the provider plus any alternatives.
type Route struct {
	Route        json.RawMessage   `json:"route"`
	Alternatives []json.RawMessage `json:"alternatives,omitempty"`
	Duration     float64           `json:"duration"`
	Distance     float64           `json:"distance"`
	Geometry     json.RawMessage   `json:"geometry,omitempty"`
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Cache   *cache.State
	log     zerolog.Logger
}

func New(cfg config.MapboxConfig, c *cache.State) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if c == nil {
		c = cache.Absent()
	}
	return &Client{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		Token:   cfg.AccessToken,
		HTTP:    &http.Client{Timeout: timeout},
		Cache:   c,
		log:     log.WithComponent("mapping"),
	}
}

// Directions returns the route through req's stops. Results are cached per stop list and profile.
func (c *Client) Directions(ctx context.Context, req RouteRequest) (Route, error) {
	profile := profileOr(req.Profile)
	stops := req.stops()
	key := routeCacheKey(stops, profile)
	var cached Route
	if c.Cache.Route(ctx, key, &cached) {
		metrics.MappingRequests.WithLabelValues("directions", "cached").Inc()
		return cached, nil
	}

	q := url.Values{}
	q.Set("geometries", "geojson")
	q.Set("overview", "full")
	q.Set("steps", strconv.FormatBool(boolOr(req.Steps, true)))
	q.Set("alternatives", strconv.FormatBool(boolOr(req.Alternatives, true)))
	var body struct {
		Routes []json.RawMessage `json:"routes"`
	}
	if err := c.get(ctx, "directions", "/directions/v5/"+profile+"/"+coordPath(stops), q, &body); err != nil {
		return Route{}, err
	}
	if len(body.Routes) == 0 {
		metrics.MappingRequests.WithLabelValues("directions", "empty").Inc()
		return Route{}, ErrNoRoute
	}
	out, err := summarize(body.Routes[0])
	if err != nil {
		return Route{}, err
	}
	out.Alternatives = body.Routes[1:]
	c.Cache.PutRoute(ctx, key, out)
	return out, nil
}

// Optimize asks the provider for the best visiting order of stops.
func (c *Client) Optimize(ctx context.Context, stops []Coordinate, profile string) (Route, error) {
	if len(stops) < 2 {
		return Route{}, fmt.Errorf("optimize needs at least 2 stops, got %d", len(stops))
	}
	q := url.Values{}
	q.Set("geometries", "geojson")
	q.Set("overview", "full")
	q.Set("steps", "true")
	var body struct {
		Trips []json.RawMessage `json:"trips"`
	}
	if err := c.get(ctx, "optimize", "/optimized-trips/v1/"+profileOr(profile)+"/"+coordPath(stops), q, &body); err != nil {
		return Route{}, err
	}
	if len(body.Trips) == 0 {
		metrics.MappingRequests.WithLabelValues("optimize", "empty").Inc()
		return Route{}, ErrNoRoute
	}
	return summarize(body.Trips[0])
}

// ETA is the provider's driving duration from origin to destination.
func (c *Client) ETA(ctx context.Context, origin, destination Coordinate) (time.Duration, error) {
	f := false
	r, err := c.Directions(ctx, RouteRequest{Origin: origin, Destination: destination, Steps: &f, Alternatives: &f})
	if err != nil {
		return 0, err
	}
	if r.Duration <= 0 {
		return 0, ErrNoRoute
	}
	return time.Duration(r.Duration * float64(time.Second)), nil
}

type featureCollection struct {
	Features []struct {
		PlaceName string `json:"place_name"`
		Geometry  struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

func (c *Client) Geocode(ctx context.Context, address string) (Coordinate, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Coordinate{}, errors.New("address is required")
	}
	q := url.Values{}
	q.Set("limit", "1")
	var fc featureCollection
	if err := c.get(ctx, "geocode", "/geocoding/v5/mapbox.places/"+url.PathEscape(address)+".json", q, &fc); err != nil {
		return Coordinate{}, err
	}
	if len(fc.Features) == 0 || len(fc.Features[0].Geometry.Coordinates) < 2 {
		return Coordinate{}, ErrNoResult
	}
	pt := fc.Features[0].Geometry.Coordinates
	return Coordinate{Longitude: pt[0], Latitude: pt[1]}, nil
}

func (c *Client) Reverse(ctx context.Context, at Coordinate) (string, error) {
	q := url.Values{}
	q.Set("limit", "1")
	var fc featureCollection
	if err := c.get(ctx, "reverse", "/geocoding/v5/mapbox.places/"+coordPath([]Coordinate{at})+".json", q, &fc); err != nil {
		return "", err
	}
	if len(fc.Features) == 0 {
		return "", ErrNoResult
	}
	return fc.Features[0].PlaceName, nil
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values, dst any) error {
	q.Set("access_token", c.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		metrics.MappingRequests.WithLabelValues(op, "error").Inc()
		c.log.Error().Err(err).Str("op", op).Msg("mapbox request failed")
		return fmt.Errorf("mapbox %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		metrics.MappingRequests.WithLabelValues(op, "status_"+strconv.Itoa(resp.StatusCode)).Inc()
		c.log.Error().Str("op", op).Int("status", resp.StatusCode).Msg("mapbox api error")
		return &ProviderError{Op: op, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		metrics.MappingRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("mapbox %s: decode: %w", op, err)
	}
	metrics.MappingRequests.WithLabelValues(op, "ok").Inc()
	return nil
}

func summarize(raw json.RawMessage) (Route, error) {
	var head struct {
		Duration float64         `json:"duration"`
		Distance float64         `json:"distance"`
		Geometry json.RawMessage `json:"geometry"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Route{}, fmt.Errorf("mapbox route: %w", err)
	}
	return Route{Route: raw, Duration: head.Duration, Distance: head.Distance, Geometry: head.Geometry}, nil
}

func coordPath(cs []Coordinate) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = strconv.FormatFloat(c.Longitude, 'f', -1, 64) + "," + strconv.FormatFloat(c.Latitude, 'f', -1, 64)
	}
	return strings.Join(parts, ";")
}

func routeCacheKey(stops []Coordinate, profile string) string {
	sum := sha256.Sum256([]byte(coordPath(stops) + "|" + profile))
	return hex.EncodeToString(sum[:16])
}

func profileOr(p string) string {
	if p == "" {
		return DefaultProfile
	}
	if !strings.HasPrefix(p, "mapbox/") {
		return "mapbox/" + p
	}
	return p
}

func boolOr(b *bool, d bool) bool {
	if b == nil {
		return d
	}
	return *b
}
