package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	TurnOutcomes       *prometheus.CounterVec
	GuardrailDecisions *prometheus.CounterVec
	ClassifierAmbig    *prometheus.CounterVec
	StageLatency       *prometheus.HistogramVec

	stages *turnStageWindow
}

// NewMetrics registers on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of conversation sessions held in memory.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "External call failures by stage and error class.",
		}, []string{"stage", "code"}),
		TurnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by project and outcome.",
		}, []string{"project", "outcome"}),
		GuardrailDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_decisions_total",
			Help:      "Guardrail check results by check and decision.",
		}, []string{"check", "decision"}),
		ClassifierAmbig: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_ambiguous_total",
			Help:      "Classifier replies that matched neither label and were treated as a pass.",
		}, []string{"check"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Per-stage turn latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1500, 3000, 6000, 12000},
		}, []string{"stage"}),
		stages: newTurnStageWindow(256),
	}
}

// ObserveTurnStage records d in both the histogram and the rolling window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).Snapshot()
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func (m *Metrics) CountTurn(projectID, outcome string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(projectID, outcome).Inc()
}

func (m *Metrics) CountGuardrail(check string, flagged bool) {
	if m == nil {
		return
	}
	decision := "pass"
	if flagged {
		decision = "flag"
	}
	m.GuardrailDecisions.WithLabelValues(check, decision).Inc()
}

func (m *Metrics) CountAmbiguous(check string) {
	if m == nil {
		return
	}
	m.ClassifierAmbig.WithLabelValues(check).Inc()
	m.stages.ObserveIndicator("classifier_ambiguous")
}

func (m *Metrics) CountProviderError(stage, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(stage, code).Inc()
}

func (m *Metrics) CountSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) CountWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
