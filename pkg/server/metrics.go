package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crystal-mush/worldtune/pkg/events"
)

// MetricSource supplies gauge readings that are sampled on scrape.
type MetricSource interface {
	LiveOverrides() int
	AuditDropped() uint64
}

// Metrics counts registry activity from the event bus and exposes it with
// process gauges. Each Metrics has its own Prometheus registry, so tests can
// build several.
type Metrics struct {
	reg       *prometheus.Registry
	src       MetricSource
	startTime time.Time

	writesTotal    *prometheus.CounterVec
	rejectedTotal  *prometheus.CounterVec
	flagFlipsTotal *prometheus.CounterVec
	overridesTotal *prometheus.CounterVec
	loadsTotal     prometheus.Counter
	savesTotal     prometheus.Counter
	lastSave       prometheus.Gauge
	liveOverrides  prometheus.Gauge
	auditDropped   prometheus.Gauge
	uptimeSeconds  prometheus.Gauge
	memoryHeap     prometheus.Gauge
	goroutines     prometheus.Gauge
}

var _ events.Subscriber = (*Metrics)(nil)

// NewMetrics creates the metric set. src may be nil.
func NewMetrics(src MetricSource, startTime time.Time) *Metrics {
	m := &Metrics{
		reg:       prometheus.NewRegistry(),
		src:       src,
		startTime: startTime,
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldtune_tunable_writes_total",
			Help: "Accepted tunable writes by tunable.",
		}, []string{"name"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldtune_rejected_writes_total",
			Help: "Rejected writes by reason.",
		}, []string{"reason"}),
		flagFlipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldtune_flag_changes_total",
			Help: "Feature flag changes by flag and new state.",
		}, []string{"name", "state"}),
		overridesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldtune_override_events_total",
			Help: "Override lifecycle events by kind.",
		}, []string{"event"}),
		loadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worldtune_loads_total",
			Help: "Registry blobs loaded since start.",
		}),
		savesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worldtune_saves_total",
			Help: "Registry saves since start.",
		}),
		lastSave: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worldtune_last_save_timestamp_seconds",
			Help: "Unix time of the last registry save.",
		}),
		liveOverrides: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worldtune_overrides_live",
			Help: "Overrides not yet expired or removed.",
		}),
		auditDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worldtune_audit_dropped",
			Help: "Audit entries dropped because the queue was full.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worldtune_uptime_seconds",
			Help: "Process uptime in seconds.",
		}),
		memoryHeap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worldtune_memory_heap_bytes",
			Help: "Go heap memory allocated in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worldtune_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	m.reg.MustRegister(
		m.writesTotal,
		m.rejectedTotal,
		m.flagFlipsTotal,
		m.overridesTotal,
		m.loadsTotal,
		m.savesTotal,
		m.lastSave,
		m.liveOverrides,
		m.auditDropped,
		m.uptimeSeconds,
		m.memoryHeap,
		m.goroutines,
	)
	return m
}

// Receive counts one bus event.
func (m *Metrics) Receive(ev events.Event) {
	switch ev.Type {
	case events.EvTunableSet:
		m.writesTotal.WithLabelValues(ev.Name).Inc()
	case events.EvWriteRejected:
		m.rejectedTotal.WithLabelValues(ev.Reason).Inc()
	case events.EvFlagSet:
		m.flagFlipsTotal.WithLabelValues(ev.Name, "on").Inc()
	case events.EvFlagCleared:
		m.flagFlipsTotal.WithLabelValues(ev.Name, "off").Inc()
	case events.EvOverrideCreated:
		m.overridesTotal.WithLabelValues("created").Inc()
	case events.EvOverrideClaimed:
		m.overridesTotal.WithLabelValues("claimed").Inc()
	case events.EvOverrideRestored:
		m.overridesTotal.WithLabelValues(ev.New).Inc()
	case events.EvLoaded:
		m.loadsTotal.Inc()
	case events.EvSaved:
		m.savesTotal.Inc()
		m.lastSave.Set(float64(ev.Time.Unix()))
	}
}

// Closed implements events.Subscriber.
func (m *Metrics) Closed() bool { return false }

// Update refreshes the sampled gauges.
func (m *Metrics) Update() {
	if m.src != nil {
		m.liveOverrides.Set(float64(m.src.LiveOverrides()))
		m.auditDropped.Set(float64(m.src.AuditDropped()))
	}
	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryHeap.Set(float64(mem.HeapAlloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Handler returns an http.Handler that updates gauges before serving them.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		h.ServeHTTP(w, r)
	})
}
