// Package notify delivers customer SMS through a pluggable transport with retry.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"dispatch/internal/config"
)

// ErrNotConfigured is returned by the none transport.
var ErrNotConfigured = errors.New("sms service not configured")

// ErrPermanent marks failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent sms failure")

type Message struct {
	To         string `json:"to"`
	Body       string `json:"body"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// NewSender builds the transport selected by cfg.Transport.
func NewSender(cfg config.SMSConfig) (Sender, error) {
	switch cfg.Transport {
	case "twilio":
		return NewTwilioSender(cfg), nil
	case "amqp":
		return NewAMQPSender(cfg.AMQPURL, cfg.AMQPQueue)
	case "", "none":
		return NoopSender{}, nil
	default:
		return nil, fmt.Errorf("unsupported sms transport %q", cfg.Transport)
	}
}

type NoopSender struct{}

func (NoopSender) Name() string                        { return "none" }
func (NoopSender) Send(context.Context, Message) error { return ErrNotConfigured }

// TwilioSender posts to the Twilio Messages REST resource.
type TwilioSender struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	HTTP       *http.Client
}

func NewTwilioSender(cfg config.SMSConfig) *TwilioSender {
	return &TwilioSender{
		BaseURL:    strings.TrimRight(cfg.TwilioBaseURL, "/"),
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		From:       cfg.TwilioFrom,
		HTTP:       &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TwilioSender) Name() string { return "twilio" }

func (t *TwilioSender) Send(ctx context.Context, m Message) error {
	form := url.Values{}
	form.Set("To", m.To)
	form.Set("From", t.From)
	form.Set("Body", m.Body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.BaseURL, url.PathEscape(t.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	resp, err := t.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	err = fmt.Errorf("twilio: status %d: %s", resp.StatusCode, body.Message)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return err
}

// AMQPSender publishes messages to a durable queue for an external SMS gateway to consume.
type AMQPSender struct {
	URL   string
	Queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSender(rawURL, queue string) (*AMQPSender, error) {
	s := &AMQPSender{URL: rawURL, Queue: queue}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSender) Name() string { return "amqp" }

func (s *AMQPSender) connectLocked() error {
	conn, err := amqp.Dial(s.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(s.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp declare %s: %w", s.Queue, err)
	}
	s.conn, s.ch = conn, ch
	return nil
}

func (s *AMQPSender) Send(ctx context.Context, m Message) error {
	pub, err := publishing(m, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil || s.ch.IsClosed() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if err := s.connectLocked(); err != nil {
			return err
		}
	}
	return s.ch.PublishWithContext(ctx, "", s.Queue, false, false, pub)
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func publishing(m Message, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Type:         "sms",
		Body:         body,
	}, nil
}
