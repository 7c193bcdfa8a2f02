package fibaro

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "fibaro_bridge"

// Push notification outcomes.
const (
	pushAccepted  = "accepted"
	pushMalformed = "malformed"
)

// Dispatch outcomes.
const (
	dispatchHandled       = "handled"
	dispatchUnknownDevice = "unknown_device"
)

// Command outcomes.
const (
	commandSucceeded = "success"
	commandFailed    = "failure"
)

// Metrics holds the bridge's Prometheus collectors on a private registry,
// so several bridges (or tests) can coexist in one process.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pushes         *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	channelUpdates *prometheus.CounterVec
	commands       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers Go runtime metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_notifications_total",
			Help:      "Push notifications received from the hub, by result.",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatches_total",
			Help:      "Decoded push updates routed to device handlers, by result.",
		}, []string{"result"}),
		channelUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_updates_total",
			Help:      "Channel states published, by channel.",
		}, []string{"channel"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Commands handled, by command and result.",
		}, []string{"command", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pushes,
		m.dispatches,
		m.channelUpdates,
		m.commands,
	)
	return m
}

// BindClient exports the hub client's counters.
func (m *Metrics) BindClient(c *Client) {
	if m == nil || c == nil {
		return
	}
	stat := func(name, help string, get func(ClientStats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return get(c.Stats()) })
	}

	m.registry.MustRegister(
		stat("hub_requests_total", "Hub REST calls issued.",
			func(s ClientStats) float64 { return float64(s.Requests) }),
		stat("hub_failures_total", "Hub REST calls that failed.",
			func(s ClientStats) float64 { return float64(s.Failures) }),
		stat("hub_timeouts_total", "Hub REST calls that timed out.",
			func(s ClientStats) float64 { return float64(s.Timeouts) }),
		stat("cache_hits_total", "Device fetches served from cache.",
			func(s ClientStats) float64 { return float64(s.CacheHits) }),
		stat("cache_misses_total", "Device fetches that reached the hub.",
			func(s ClientStats) float64 { return float64(s.CacheMisses) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cached_devices",
			Help:      "Device snapshots currently held in cache.",
		}, func() float64 { return float64(c.Stats().CachedDevices) }),
	)
}

// BindRegistry exports the number of registered device handlers.
func (m *Metrics) BindRegistry(r *Registry) {
	if m == nil || r == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "registered_devices",
		Help:      "Device handlers currently registered.",
	}, func() float64 { return float64(r.Len()) }))
}

func (m *Metrics) pushReceived(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) dispatched(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) channelUpdated(ch ChannelID) {
	if m == nil {
		return
	}
	m.channelUpdates.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) commandHandled(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}

// Gatherer exposes the private registry, e.g. for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
