package vnc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "airvnc"

// Metrics are the server's Prometheus instruments.
type Metrics struct {
	Connections        prometheus.Gauge
	SubscriptionActive prometheus.Gauge
	CapturesTotal      prometheus.Counter
	CaptureErrorsTotal prometheus.Counter
	CaptureDuration    prometheus.Histogram
	DirtyNotifications prometheus.Counter
	ForcedDetachTotal  prometheus.Counter
	SlowTeardownTotal  prometheus.Counter
	FrameResizesTotal  prometheus.Counter
}

// NewMetrics registers the server metrics with reg. A nil reg creates
// unregistered instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of connected viewers",
		}),
		SubscriptionActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscription_active",
			Help:      "1 while the server is subscribed to render-complete events",
		}),
		CapturesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "captures_total",
			Help:      "Total number of frames captured from the surface",
		}),
		CaptureErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "capture_errors_total",
			Help:      "Total number of captures skipped because of an error",
		}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "capture_duration_seconds",
			Help:      "Time spent copying a frame out of the surface",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		DirtyNotifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dirty_notifications_total",
			Help:      "Total number of dirty notifications delivered to workers",
		}),
		ForcedDetachTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "forced_detach_total",
			Help:      "Workers detached after missing the join timeout",
		}),
		SlowTeardownTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slow_teardown_total",
			Help:      "Workers that missed the join timeout and were waited for",
		}),
		FrameResizesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frame_resizes_total",
			Help:      "Total number of frame buffer reallocations",
		}),
	}
}
