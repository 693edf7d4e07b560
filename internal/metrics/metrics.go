package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "convosync"

// Drop reasons reported by the push channel.
const (
	DropMalformed        = "malformed"
	DropUnknownType      = "unknown_type"
	DropConversationMiss = "conversation_mismatch"
)

// SyncMetrics collects client-side synchronization counters. A nil *SyncMetrics
// is valid and records nothing.
type SyncMetrics struct {
	Reconnects          prometheus.Counter
	AuthFailures        prometheus.Counter
	DroppedEnvelopes    *prometheus.CounterVec
	AppliedEvents       *prometheus.CounterVec
	EchoesSuppressed    prometheus.Counter
	OptimisticRollbacks *prometheus.CounterVec
	ConnectionPhase     *prometheus.GaugeVec
}

// NewSyncMetrics constructs and registers the client collectors. A nil
// registerer skips registration.
func NewSyncMetrics(registerer prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "reconnect_attempts_total",
			Help:      "Number of reconnect attempts scheduled after a lost push connection.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "auth_failures_total",
			Help:      "Number of push connections rejected for authentication.",
		}),
		DroppedEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "dropped_envelopes_total",
			Help:      "Inbound push envelopes discarded before dispatch.",
		}, []string{"reason"}),
		AppliedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "applied_events_total",
			Help:      "Push events applied to the active timeline.",
		}, []string{"type"}),
		EchoesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "echoes_suppressed_total",
			Help:      "Push copies of self-sent messages dropped by the echo tracker.",
		}),
		OptimisticRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "optimistic_rollbacks_total",
			Help:      "Optimistic mutations rolled back after a server rejection.",
		}, []string{"operation"}),
		ConnectionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "connection_phase",
			Help:      "1 for the current push connection phase, 0 otherwise.",
		}, []string{"phase"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.Reconnects,
			m.AuthFailures,
			m.DroppedEnvelopes,
			m.AppliedEvents,
			m.EchoesSuppressed,
			m.OptimisticRollbacks,
			m.ConnectionPhase,
		)
	}
	return m
}

// ReconnectScheduled counts one scheduled reconnect.
func (m *SyncMetrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// AuthFailed counts one authentication rejection.
func (m *SyncMetrics) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// EnvelopeDropped counts a discarded envelope.
func (m *SyncMetrics) EnvelopeDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedEnvelopes.WithLabelValues(reason).Inc()
}

// EventApplied counts a push event that changed the timeline.
func (m *SyncMetrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.AppliedEvents.WithLabelValues(eventType).Inc()
}

// EchoSuppressed counts a dropped self echo.
func (m *SyncMetrics) EchoSuppressed() {
	if m == nil {
		return
	}
	m.EchoesSuppressed.Inc()
}

// RolledBack counts a rolled back optimistic operation.
func (m *SyncMetrics) RolledBack(operation string) {
	if m == nil {
		return
	}
	m.OptimisticRollbacks.WithLabelValues(operation).Inc()
}

// PhaseChanged marks phase as the current connection phase.
func (m *SyncMetrics) PhaseChanged(previous, current string) {
	if m == nil {
		return
	}
	if previous != "" {
		m.ConnectionPhase.WithLabelValues(previous).Set(0)
	}
	m.ConnectionPhase.WithLabelValues(current).Set(1)
}
