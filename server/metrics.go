package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting dashboard activity. A nil
// *Metrics is valid and turns every recording call into a no-op.
type Metrics struct {
	wsClients      prometheus.Gauge
	followers      prometheus.Gauge
	sseListeners   prometheus.Gauge
	broadcasts     prometheus.Counter
	broadcastDrops prometheus.Counter
	kicksCoalesced prometheus.Counter
	monitorErrors  prometheus.Counter
	refetches      *prometheus.CounterVec
	refetchSeconds prometheus.Histogram
	httpRequests   *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance registered on reg. Callers
// wanting isolated metric names (tests, multiple servers in one process)
// supply a fresh registry. Registration errors other than a duplicate
// panic, mirroring promauto; duplicates reuse the existing collector.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	wsClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "websocket_clients",
		Help:      "Connected websocket clients.",
	})
	followers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "trace_followers",
		Help:      "Traces with an active live follower.",
	})
	sseListeners := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "sse_listeners",
		Help:      "Open server-sent-event streams.",
	})
	broadcasts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "broadcasts_total",
		Help:      "Updates fanned out to subscribers.",
	})
	broadcastDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "broadcast_drops_total",
		Help:      "Updates dropped because a subscriber queue was full.",
	})
	kicksCoalesced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "follower_kicks_coalesced_total",
		Help:      "Monitor events merged into an already pending refetch.",
	})
	monitorErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "monitor_errors_total",
		Help:      "Errors surfaced by live monitor channels.",
	})
	refetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "follower_refetches_total",
		Help:      "Trace refetches triggered by monitor events.",
	}, []string{"result"})
	refetchSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "follower_refetch_seconds",
		Help:      "Latency of backend trace refetches.",
		Buckets:   prometheus.DefBuckets,
	})
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracedeck",
		Subsystem: "server",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "path", "status"})

	collectors := []prometheus.Collector{
		wsClients, followers, sseListeners,
		broadcasts, broadcastDrops, kicksCoalesced, monitorErrors,
		refetches, refetchSeconds, httpRequests,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case wsClients:
				wsClients = already.ExistingCollector.(prometheus.Gauge)
			case followers:
				followers = already.ExistingCollector.(prometheus.Gauge)
			case sseListeners:
				sseListeners = already.ExistingCollector.(prometheus.Gauge)
			case broadcasts:
				broadcasts = already.ExistingCollector.(prometheus.Counter)
			case broadcastDrops:
				broadcastDrops = already.ExistingCollector.(prometheus.Counter)
			case kicksCoalesced:
				kicksCoalesced = already.ExistingCollector.(prometheus.Counter)
			case monitorErrors:
				monitorErrors = already.ExistingCollector.(prometheus.Counter)
			case refetches:
				refetches = already.ExistingCollector.(*prometheus.CounterVec)
			case refetchSeconds:
				refetchSeconds = already.ExistingCollector.(prometheus.Histogram)
			case httpRequests:
				httpRequests = already.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}

	return &Metrics{
		wsClients:      wsClients,
		followers:      followers,
		sseListeners:   sseListeners,
		broadcasts:     broadcasts,
		broadcastDrops: broadcastDrops,
		kicksCoalesced: kicksCoalesced,
		monitorErrors:  monitorErrors,
		refetches:      refetches,
		refetchSeconds: refetchSeconds,
		httpRequests:   httpRequests,
	}
}

// SetWSClients records the current websocket client count.
func (m *Metrics) SetWSClients(n int) {
	if m == nil || m.wsClients == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

// SetFollowers records how many traces have an active follower.
func (m *Metrics) SetFollowers(n int) {
	if m == nil || m.followers == nil {
		return
	}
	m.followers.Set(float64(n))
}

// AddSSEListeners adjusts the open event-stream gauge.
func (m *Metrics) AddSSEListeners(delta int) {
	if m == nil || m.sseListeners == nil {
		return
	}
	m.sseListeners.Add(float64(delta))
}

// IncBroadcasts counts one update fanned out to subscribers.
func (m *Metrics) IncBroadcasts() {
	if m == nil || m.broadcasts == nil {
		return
	}
	m.broadcasts.Inc()
}

// IncBroadcastDrops counts an update lost to a full subscriber queue.
func (m *Metrics) IncBroadcastDrops() {
	if m == nil || m.broadcastDrops == nil {
		return
	}
	m.broadcastDrops.Inc()
}

// IncKicksCoalesced counts a monitor event absorbed by a pending refetch.
func (m *Metrics) IncKicksCoalesced() {
	if m == nil || m.kicksCoalesced == nil {
		return
	}
	m.kicksCoalesced.Inc()
}

// IncMonitorErrors counts an error reported by a live monitor channel.
func (m *Metrics) IncMonitorErrors() {
	if m == nil || m.monitorErrors == nil {
		return
	}
	m.monitorErrors.Inc()
}

// ObserveRefetch records one refetch attempt with its outcome and latency.
func (m *Metrics) ObserveRefetch(result string, duration time.Duration) {
	if m == nil || m.refetches == nil {
		return
	}
	m.refetches.WithLabelValues(result).Inc()
	m.refetchSeconds.Observe(duration.Seconds())
}

// IncHTTPRequest counts a served HTTP request.
func (m *Metrics) IncHTTPRequest(method, path, status string) {
	if m == nil || m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
}
