package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus instruments.
type Metrics struct {
	Rooms            prometheus.Gauge
	Sessions         prometheus.Gauge
	Frames           *prometheus.CounterVec
	DroppedSessions  prometheus.Counter
	SnapshotFailures prometheus.Counter
	BridgeFrames     *prometheus.CounterVec
}

// NewMetrics registers the relay instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "plume",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms currently loaded in memory.",
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "plume",
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Connected WebSocket sessions.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames received from sessions, by message type.",
		}, []string{"type"}),
		DroppedSessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "relay",
			Name:      "dropped_sessions_total",
			Help:      "Sessions disconnected because their send buffer was full.",
		}),
		SnapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "relay",
			Name:      "snapshot_failures_total",
			Help:      "Room snapshots that failed to load or save.",
		}),
		BridgeFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plume",
			Subsystem: "relay",
			Name:      "bridge_frames_total",
			Help:      "Frames exchanged with other relay instances, by direction.",
		}, []string{"direction"}),
	}
}
