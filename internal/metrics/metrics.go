package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, route pattern, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // Connections is the number of registered connections per identity class
    Connections = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{Name: "realtime_connections", Help: "Open registered connections by identity class."},
        []string{"class"},
    )
    // Sends counts outbound fan-out attempts by identity class and result
    Sends = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "realtime_sends_total", Help: "Outbound realtime messages by class and result."},
        []string{"class", "result"},
    )
    // Events counts inbound realtime events by kind
    Events = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "realtime_events_total", Help: "Inbound realtime events by kind."},
        []string{"kind"},
    )
    // Evictions counts handles replaced by a newer connection for the same identity
    Evictions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "realtime_evictions_total", Help: "Connections replaced by a newer one for the same identity."},
        []string{"class"},
    )

    // CacheOps counts ephemeral cache operations by op and result
    CacheOps = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "cache_ops_total", Help: "Ephemeral cache operations by op and result."},
        []string{"op", "result"},
    )

    // SMSNotifications counts SMS outcomes by transport and status
    SMSNotifications = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "sms_notifications_total", Help: "SMS notifications by transport and status."},
        []string{"transport", "status"},
    )
    // MappingRequests counts mapping provider calls by operation and outcome
    MappingRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "mapping_requests_total", Help: "Mapping provider requests by operation and outcome."},
        []string{"op", "outcome"},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(Connections)
        Registry.MustRegister(Sends)
        Registry.MustRegister(Events)
        Registry.MustRegister(Evictions)
        Registry.MustRegister(CacheOps)
        Registry.MustRegister(SMSNotifications)
        Registry.MustRegister(MappingRequests)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
