package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the sync subsystem's Prometheus collectors.
type Metrics struct {
	// Outbox
	MessagesQueued   prometheus.Counter
	DeliveryAttempts *prometheus.CounterVec
	PendingMessages  prometheus.Gauge
	SyncSweeps       prometheus.Counter

	// Change feed
	Merges *prometheus.CounterVec

	// Liveness
	Heartbeats   *prometheus.CounterVec
	TypingWrites *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_queued_total",
			Help: "Messages accepted into the outbox",
		}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_delivery_attempts_total",
			Help: "Remote delivery attempts by result",
		}, []string{"result"}), // "ok", "transient", "permission"
		PendingMessages: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_pending_messages",
			Help: "Messages waiting in the outbox",
		}),
		SyncSweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_sync_sweeps_total",
			Help: "Pending-message sweeps run",
		}),
		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_merges_total",
			Help: "Remote change records merged by outcome",
		}, []string{"outcome"}), // "inserted", "updated", "unchanged", "removed", "dropped"
		Heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_presence_heartbeats_total",
			Help: "Presence writes by result",
		}, []string{"result"}),
		TypingWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_typing_writes_total",
			Help: "Typing indicator writes by kind",
		}, []string{"kind"}), // "start", "stop", "expire", "throttled", "error"
	}
}
