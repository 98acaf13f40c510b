package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/wire"
)

func TestRecordOverflowIncrementsPerTenantCounter(t *testing.T) {
	r := New()
	r.RecordOverflow(42)
	r.RecordOverflow(42)
	r.RecordOverflow(7)

	require.Equal(t, float64(2), testutil.ToFloat64(r.OverflowDrops.WithLabelValues("42")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.OverflowDrops.WithLabelValues("7")))
}

func TestSetQueueDepthReportsLatestValue(t *testing.T) {
	r := New()
	r.SetQueueDepth(1, 3)
	r.SetQueueDepth(1, 5)
	require.Equal(t, float64(5), testutil.ToFloat64(r.QueueDepth.WithLabelValues("1")))
}

func TestForwardWorkerMetricGaugeSetAndIncr(t *testing.T) {
	r := New()
	r.ForwardWorkerMetric(wire.WorkerMessage{
		Kind:       wire.KindMetric,
		MetricName: "queue_waiters",
		Metric:     &wire.MetricEvent{Kind: wire.MetricGauge, GaugeOp: wire.GaugeSet, GaugeValue: 3},
	})
	r.ForwardWorkerMetric(wire.WorkerMessage{
		Kind:       wire.KindMetric,
		MetricName: "queue_waiters",
		Metric:     &wire.MetricEvent{Kind: wire.MetricGauge, GaugeOp: wire.GaugeIncr, GaugeValue: 2},
	})
	require.Equal(t, float64(5), testutil.ToFloat64(r.gauges["queue_waiters"].With(nil)))
}

func TestForwardWorkerMetricCounterIncr(t *testing.T) {
	r := New()
	r.ForwardWorkerMetric(wire.WorkerMessage{
		Kind:       wire.KindMetric,
		MetricName: "commands_run",
		Metric:     &wire.MetricEvent{Kind: wire.MetricCounter, CounterOp: wire.CounterIncr, CounterVal: 4},
	})
	require.Equal(t, float64(4), testutil.ToFloat64(r.counters["commands_run"].With(nil)))
}

func TestForwardWorkerMetricIgnoresNonMetricMessages(t *testing.T) {
	r := New()
	r.ForwardWorkerMetric(wire.WorkerMessage{Kind: wire.KindAck})
	require.Empty(t, r.gauges)
	require.Empty(t, r.counters)
}
