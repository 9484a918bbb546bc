package notify

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "time"

    "github.com/rs/zerolog"

    "dispatch/internal/config"
    "dispatch/internal/log"
    "dispatch/internal/metrics"
    "dispatch/internal/model"
)

type job struct {
    msg      Message
    attempts int
    next     time.Time
}

// Dispatcher queues messages and retries failed sends with exponential backoff.
// Enqueue never blocks; a full queue drops the message.
type Dispatcher struct {
    Sender      Sender
    MaxAttempts int
    Tick        time.Duration
    Backoff     func(attempts int) time.Duration

    queue   chan Message
    started atomic.Bool
    once    sync.Once
    stop    chan struct{}
    done    chan struct{}
    pending []job
    now     func() time.Time
    log     zerolog.Logger
}

func NewDispatcher(s Sender, cfg config.SMSConfig) *Dispatcher {
    max := cfg.MaxAttempts
    if max <= 0 { max = 5 }
    size := cfg.QueueSize
    if size <= 0 { size = 256 }
    return &Dispatcher{
        Sender:      s,
        MaxAttempts: max,
        Tick:        time.Second,
        Backoff:     nextBackoff,
        queue:       make(chan Message, size),
        stop:        make(chan struct{}),
        done:        make(chan struct{}),
        now:         time.Now,
        log:         log.WithComponent("notify"),
    }
}

// TrackingMessage is the SMS sent when a delivery leaves for the customer.
func TrackingMessage(d model.Delivery, link string) Message {
    return Message{
        To:         d.CustomerPhone,
        DeliveryID: d.ID,
        Body:       "Your delivery is on the way! Track your driver here: " + link,
    }
}

// Configured reports whether a real transport is selected.
func (d *Dispatcher) Configured() bool {
    _, noop := d.Sender.(NoopSender)
    return d.Sender != nil && !noop
}

func (d *Dispatcher) Enqueue(m Message) bool {
    if !d.Configured() {
        metrics.SMSNotifications.WithLabelValues("none", "skipped").Inc()
        return false
    }
    if m.To == "" {
        metrics.SMSNotifications.WithLabelValues(d.Sender.Name(), "skipped").Inc()
        return false
    }
    select {
    case d.queue <- m:
        metrics.SMSNotifications.WithLabelValues(d.Sender.Name(), "queued").Inc()
        return true
    default:
        metrics.SMSNotifications.WithLabelValues(d.Sender.Name(), "dropped").Inc()
        d.log.Warn().Str("delivery_id", m.DeliveryID).Msg("sms queue full, dropping message")
        return false
    }
}

// SendNow performs a single synchronous attempt.
func (d *Dispatcher) SendNow(ctx context.Context, m Message) error {
    if !d.Configured() { return ErrNotConfigured }
    err := d.Sender.Send(ctx, m)
    d.count(err)
    return err
}

func (d *Dispatcher) Start() {
    if !d.started.CompareAndSwap(false, true) { return }
    go func() {
        defer close(d.done)
        ticker := time.NewTicker(d.Tick)
        defer ticker.Stop()
        for {
            select {
            case <-d.stop:
                if n := len(d.pending) + len(d.queue); n > 0 {
                    d.log.Warn().Int("pending", n).Msg("sms dispatcher stopped with undelivered messages")
                }
                return
            case m := <-d.queue:
                d.pending = append(d.pending, job{msg: m, next: d.now()})
                d.processOnce()
            case <-ticker.C:
                d.processOnce()
            }
        }
    }()
}

// Stop ends the worker and waits for it. Safe to call more than once or before Start.
func (d *Dispatcher) Stop() {
    d.once.Do(func() { close(d.stop) })
    if d.started.Load() { <-d.done }
}

func (d *Dispatcher) processOnce() {
    now := d.now()
    keep := d.pending[:0]
    for _, it := range d.pending {
        if it.next.After(now) {
            keep = append(keep, it)
            continue
        }
        ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        err := d.Sender.Send(ctx, it.msg)
        cancel()
        if err == nil {
            d.count(nil)
            continue
        }
        it.attempts++
        l := d.log.With().Str("delivery_id", it.msg.DeliveryID).Int("attempts", it.attempts).Err(err).Logger()
        if errors.Is(err, ErrPermanent) || it.attempts >= d.MaxAttempts {
            d.count(err)
            l.Error().Msg("sms delivery failed")
            continue
        }
        metrics.SMSNotifications.WithLabelValues(d.Sender.Name(), "retry").Inc()
        l.Warn().Msg("sms send failed, will retry")
        it.next = now.Add(d.Backoff(it.attempts - 1))
        keep = append(keep, it)
    }
    d.pending = keep
}

func (d *Dispatcher) count(err error) {
    status := "sent"
    if err != nil { status = "failed" }
    metrics.SMSNotifications.WithLabelValues(d.Sender.Name(), status).Inc()
}

func nextBackoff(attempts int) time.Duration {
    if attempts < 0 { attempts = 0 }
    if attempts > 10 { attempts = 10 }
    base := time.Second * time.Duration(1<<attempts)
    if base > time.Hour { base = time.Hour }
    return base
}
