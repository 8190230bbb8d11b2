package quiz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine outcomes. Lock contention and stale events are
// expected under the race model and only show up here, never as errors.
type Metrics struct {
	advances          *prometheus.CounterVec
	staleEvents       *prometheus.CounterVec
	lockContention    *prometheus.CounterVec
	duplicateAnswers  *prometheus.CounterVec
	monitorRepairs    *prometheus.CounterVec
	transportFailures *prometheus.CounterVec
	finished          *prometheus.CounterVec
	answerSeconds     *prometheus.HistogramVec
	stalledSessions   *prometheus.GaugeVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		advances: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_advances_total",
			Help: "Question advances by session kind and trigger",
		}, []string{"kind", "trigger"}),
		staleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_stale_events_total",
			Help: "Discarded events that lost a race",
		}, []string{"kind", "reason"}),
		lockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_advance_lock_contention_total",
			Help: "Advance attempts that found the lock already held",
		}, []string{"kind"}),
		duplicateAnswers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_duplicate_answers_total",
			Help: "Answers ignored by the idempotency marker",
		}, []string{"kind"}),
		monitorRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_monitor_repairs_total",
			Help: "Stalled sessions the monitor tried to advance",
		}, []string{"kind"}),
		transportFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_transport_failures_total",
			Help: "Failed poll transport calls",
		}, []string{"op"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quiz_sessions_finished_total",
			Help: "Sessions that reached a terminal state",
		}, []string{"kind", "reason"}),
		answerSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quiz_answer_seconds",
			Help:    "Time between a poll being sent and an answer arriving",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45},
		}, []string{"kind"}),
		stalledSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quiz_monitor_stalled_sessions",
			Help: "Stalled sessions found by the last monitor sweep",
		}, []string{"kind"}),
	}
}
