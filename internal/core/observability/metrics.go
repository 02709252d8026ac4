// Package observability records controller metrics in Prometheus.
package observability

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	intervals      *prometheus.CounterVec
	intervalDur    prometheus.Histogram
	tierKeys       *prometheus.GaugeVec
	balanceSum     *prometheus.GaugeVec
	trackedKeys    prometheus.Gauge
	activeKeys     prometheus.Gauge
	resets         *prometheus.CounterVec
	resetSignals   *prometheus.CounterVec
	fabricOps      *prometheus.CounterVec
	fabricDuration *prometheus.HistogramVec
	buildInfo      *prometheus.GaugeVec
}

var (
	mu      sync.RWMutex
	current = newMetricSet()
	enabled atomic.Bool
)

func newMetricSet() *metricSet {
	return &metricSet{
		intervals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lethe_intervals_total",
				Help: "Classification intervals by result.",
			},
			[]string{"result"},
		),
		intervalDur: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lethe_interval_duration_seconds",
				Help:    "Time spent in one read, classify and install interval.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		tierKeys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lethe_tier_keys",
				Help: "Keys installed per tier in the last interval.",
			},
			[]string{"tier"},
		),
		balanceSum: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lethe_warm_balance_sum",
				Help: "Cumulative popularity assigned to each warm path.",
			},
			[]string{"path"},
		),
		trackedKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lethe_tracked_keys",
				Help: "Key hashes with a nonzero popularity score.",
			},
		),
		activeKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lethe_active_keys",
				Help: "Key hashes with a nonzero counter in the last interval.",
			},
		),
		resets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lethe_resets_total",
				Help: "Full state resets by source.",
			},
			[]string{"source"},
		),
		resetSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lethe_reset_signals_total",
				Help: "Reset signals received by outcome.",
			},
			[]string{"source", "result"},
		),
		fabricOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lethe_fabric_op_total",
				Help: "Fabric calls by operation and result.",
			},
			[]string{"op", "result"},
		),
		fabricDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lethe_fabric_op_duration_seconds",
				Help:    "Latency of fabric calls.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"op"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lethe_build_info",
				Help: "Build information for the binary.",
			},
			[]string{"version"},
		),
	}
}

func (m *metricSet) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.intervals, m.intervalDur, m.tierKeys, m.balanceSum, m.trackedKeys,
		m.activeKeys, m.resets, m.resetSignals, m.fabricOps, m.fabricDuration,
		m.buildInfo,
	}
}

// Init installs a fresh metric set on reg. With on=false recording is a no-op.
func Init(reg prometheus.Registerer, on bool) {
	m := newMetricSet()
	if reg != nil && on {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	}
	mu.Lock()
	current = m
	mu.Unlock()
	enabled.Store(on)
}

func get() *metricSet {
	if !enabled.Load() {
		return nil
	}
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveInterval records one finished interval. quiesced marks an idle reset.
func ObserveInterval(err error, quiesced bool, durationSeconds float64) {
	m := get()
	if m == nil {
		return
	}
	r := result(err)
	if err == nil && quiesced {
		r = "quiesced"
	}
	m.intervals.WithLabelValues(r).Inc()
	m.intervalDur.Observe(durationSeconds)
}

func SetTierCounts(hot, warm1, warm2 int) {
	m := get()
	if m == nil {
		return
	}
	m.tierKeys.WithLabelValues("hot").Set(float64(hot))
	m.tierKeys.WithLabelValues("warm1").Set(float64(warm1))
	m.tierKeys.WithLabelValues("warm2").Set(float64(warm2))
}

func SetBalance(sum1, sum2 uint64) {
	m := get()
	if m == nil {
		return
	}
	m.balanceSum.WithLabelValues("warm1").Set(float64(sum1))
	m.balanceSum.WithLabelValues("warm2").Set(float64(sum2))
}

func SetKeys(active, tracked int) {
	m := get()
	if m == nil {
		return
	}
	m.activeKeys.Set(float64(active))
	m.trackedKeys.Set(float64(tracked))
}

func IncReset(source string) {
	m := get()
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.resets.WithLabelValues(source).Inc()
}

// ObserveResetSignal counts a received signal; result is accepted, ignored,
// duplicate or limited.
func ObserveResetSignal(source, result string) {
	m := get()
	if m == nil {
		return
	}
	m.resetSignals.WithLabelValues(source, result).Inc()
}

func ObserveFabricOp(op string, err error, durationSeconds float64) {
	m := get()
	if m == nil {
		return
	}
	m.fabricOps.WithLabelValues(op, result(err)).Inc()
	m.fabricDuration.WithLabelValues(op).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	m := get()
	if m == nil {
		return
	}
	if version == "" {
		version = "dev"
	}
	m.buildInfo.WithLabelValues(version).Set(1)
}
