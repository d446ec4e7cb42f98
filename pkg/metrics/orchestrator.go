package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrchestratorMetrics tracks job outcomes and the poll/submit behaviour behind them.
type OrchestratorMetrics struct {
	terminal    *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	pollErrors  *prometheus.CounterVec
	submits     *prometheus.CounterVec
	stepSeconds *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

// NewOrchestratorMetrics registers the orchestrator metrics on the provided registerer.
func NewOrchestratorMetrics(reg prometheus.Registerer) *OrchestratorMetrics {
	if reg == nil {
		return &OrchestratorMetrics{}
	}
	m := &OrchestratorMetrics{
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminal_total",
			Help:      "Generation jobs that reached a terminal status.",
		}, []string{"mode", "status"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_fallbacks_total",
			Help:      "Chained jobs downgraded to direct video generation.",
		}, []string{"reason"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Transient provider status check failures.",
		}, []string{"provider"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_attempts_total",
			Help:      "Provider submission attempts by outcome.",
		}, []string{"provider", "outcome"}),
		stepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent in each generation step.",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 240, 360, 600},
		}, []string{"step"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Owner loops currently running in this process.",
		}),
	}
	reg.MustRegister(m.terminal, m.fallbacks, m.pollErrors, m.submits, m.stepSeconds, m.inFlight)
	return m
}

func (m *OrchestratorMetrics) IncTerminal(mode, status string) {
	if m == nil || m.terminal == nil {
		return
	}
	m.terminal.WithLabelValues(normalizeLabel(mode), normalizeLabel(status)).Inc()
}

func (m *OrchestratorMetrics) IncFallback(reason string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *OrchestratorMetrics) IncPollError(provider string) {
	if m == nil || m.pollErrors == nil {
		return
	}
	m.pollErrors.WithLabelValues(normalizeLabel(provider)).Inc()
}

// IncSubmitAttempt records one submission; outcome is "ok" or "error".
func (m *OrchestratorMetrics) IncSubmitAttempt(provider, outcome string) {
	if m == nil || m.submits == nil {
		return
	}
	m.submits.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (m *OrchestratorMetrics) ObserveStep(step string, d time.Duration) {
	if m == nil || m.stepSeconds == nil {
		return
	}
	m.stepSeconds.WithLabelValues(normalizeLabel(step)).Observe(d.Seconds())
}

// TrackInFlight increments the gauge and returns the matching decrement.
func (m *OrchestratorMetrics) TrackInFlight() func() {
	if m == nil || m.inFlight == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
