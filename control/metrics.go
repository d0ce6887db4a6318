// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for pipeline exchanges and WebSocket channels.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hioload"

// Metrics groups every collector the pipeline and channels report to.
// All members are safe for concurrent use.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Retries         prometheus.Counter
	Upgrades        *prometheus.CounterVec
	OpenChannels    prometheus.Gauge
	Frames          *prometheus.CounterVec
	FrameBytes      *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Pipeline exchanges by method and outcome.",
		}, []string{"method", "outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "request_duration_seconds",
			Help:      "Pipeline exchange duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Attempts issued by the retry policy after the first.",
		}),
		Upgrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "upgrades_total",
			Help:      "WebSocket upgrade attempts by outcome.",
		}, []string{"outcome"}),
		OpenChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "open_channels",
			Help:      "Channels whose connection has not been released.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frames_total",
			Help:      "Logical frames by direction and type.",
		}, []string{"direction", "type"}),
		FrameBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frame_bytes_total",
			Help:      "Frame payload bytes by direction.",
		}, []string{"direction"}),
	}
}

// Outcome maps a status code (0 for a failed exchange) to a label value.
func Outcome(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
