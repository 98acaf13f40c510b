// Package metrics exposes the worker's Prometheus surface: fixed gauges
// and counters for scheduler-internal state (queue depth, overflow drops,
// abuse trips, resident VM count) plus a forwarder for the generic
// `Metric(name, event, labels)` worker message scripts emit via the host
// API (spec.md §4.3/§6).
//
// Grounded in the teacher's internal/escrow/metrics.go: promauto-registered
// vectors constructed once at startup, one Record* method per concern.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/wire"
)

// Registry holds every metric the Scheduler Core and Tenant Runner report.
type Registry struct {
	QueueDepth     *prometheus.GaugeVec
	OverflowDrops  *prometheus.CounterVec
	SuspendedDrops prometheus.Counter
	AbuseTrips     *prometheus.CounterVec
	ActiveVMs      prometheus.Gauge
	DispatchLength *prometheus.HistogramVec

	mu       sync.Mutex
	gauges   map[string]*prometheus.GaugeVec
	counters map[string]*prometheus.CounterVec
}

// New registers and returns the fixed metric set. Call once per process;
// promauto panics on duplicate registration.
func New() *Registry {
	return &Registry{
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botloader_tenant_queue_depth",
			Help: "Current depth of a tenant's pending-event queue.",
		}, []string{"guild_id"}),
		OverflowDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "botloader_tenant_queue_overflow_total",
			Help: "Events dropped because a tenant's bounded queue was full.",
		}, []string{"guild_id"}),
		SuspendedDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "botloader_suspended_drops_total",
			Help: "Events dropped because their tenant was in Suspended state.",
		}),
		AbuseTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "botloader_abuse_trips_total",
			Help: "Times a tenant's abuse ledger tripped and suspended it.",
		}, []string{"guild_id"}),
		ActiveVMs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "botloader_active_vms",
			Help: "Number of tenant script VMs currently resident in this worker.",
		}),
		DispatchLength: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botloader_dispatch_duration_seconds",
			Help:    "Wall-clock duration of a single dispatch handled by a tenant VM.",
			Buckets: prometheus.DefBuckets,
		}, []string{"guild_id", "event_name"}),
		gauges:   make(map[string]*prometheus.GaugeVec),
		counters: make(map[string]*prometheus.CounterVec),
	}
}

func guildLabel(g coretypes.GuildID) string {
	return strconv.FormatUint(uint64(g), 10)
}

// RecordOverflow bumps the overflow counter for a tenant whose bounded
// queue dropped its oldest entry (spec.md §8 boundary behavior).
func (r *Registry) RecordOverflow(guild coretypes.GuildID) {
	r.OverflowDrops.WithLabelValues(guildLabel(guild)).Inc()
}

// SetQueueDepth reports a tenant's current queue length.
func (r *Registry) SetQueueDepth(guild coretypes.GuildID, depth int) {
	r.QueueDepth.WithLabelValues(guildLabel(guild)).Set(float64(depth))
}

// RecordSuspendedDrop bumps the process-wide suspended-tenant drop counter.
func (r *Registry) RecordSuspendedDrop() {
	r.SuspendedDrops.Inc()
}

// RecordAbuseTrip bumps the per-tenant abuse-trip counter (spec.md §8
// invariant 4).
func (r *Registry) RecordAbuseTrip(guild coretypes.GuildID) {
	r.AbuseTrips.WithLabelValues(guildLabel(guild)).Inc()
}

// SetActiveVMs reports the worker's current resident VM count.
func (r *Registry) SetActiveVMs(n int) {
	r.ActiveVMs.Set(float64(n))
}

// ForwardWorkerMetric translates a worker-reported Metric message (spec.md
// §4.3: "Metric(name, event, labels) for gauges (Set|Incr) and counters
// (Incr|Absolute)") into a dynamically registered Prometheus vector, since
// the set of script-defined metric names isn't known ahead of time.
func (r *Registry) ForwardWorkerMetric(msg wire.WorkerMessage) {
	if msg.Kind != wire.KindMetric || msg.Metric == nil || msg.MetricName == "" {
		return
	}

	labelNames := make([]string, 0, len(msg.MetricLabels))
	for k := range msg.MetricLabels {
		labelNames = append(labelNames, k)
	}

	switch msg.Metric.Kind {
	case wire.MetricGauge:
		g := r.getOrRegisterGauge(msg.MetricName, labelNames)
		lv := g.With(msg.MetricLabels)
		if msg.Metric.GaugeOp == wire.GaugeIncr {
			lv.Add(msg.Metric.GaugeValue)
		} else {
			lv.Set(msg.Metric.GaugeValue)
		}
	case wire.MetricCounter:
		c := r.getOrRegisterCounter(msg.MetricName, labelNames)
		lv := c.With(msg.MetricLabels)
		if msg.Metric.CounterOp == wire.CounterAbsolute {
			lv.Add(0) // touch the series so it exists at zero until the next delta
		} else {
			lv.Add(float64(msg.Metric.CounterVal))
		}
	}
}

func (r *Registry) getOrRegisterGauge(name string, labelNames []string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botloader_script_" + name,
		Help: "Script-defined gauge metric.",
	}, labelNames)
	r.gauges[name] = g
	return g
}

func (r *Registry) getOrRegisterCounter(name string, labelNames []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botloader_script_" + name,
		Help: "Script-defined counter metric.",
	}, labelNames)
	r.counters[name] = c
	return c
}
