package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DeliveryDelivered labels messages that reached their recipient.
	DeliveryDelivered = "delivered"
	// DeliveryDeadLetter labels messages dropped after retry exhaustion.
	DeliveryDeadLetter = "dead_letter"
	// DeliveryRejected labels messages refused before any delivery attempt.
	DeliveryRejected = "rejected"
)

var (
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "anomalies_total",
			Help:      "Total anomaly alerts raised, partitioned by source and severity.",
		},
		[]string{"source", "severity"},
	)

	canaryEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "canary_evaluations_total",
			Help:      "Total canary evaluations run, partitioned by verdict.",
		},
		[]string{"verdict"},
	)

	incidentsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "incidents_opened_total",
			Help:      "Total incidents opened by the correlator.",
		},
	)

	alertsSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "alerts_suppressed_total",
			Help:      "Total duplicate alerts merged into an open incident.",
		},
	)

	directivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "directives_total",
			Help:      "Total remediation directives issued, partitioned by action and origin.",
		},
		[]string{"action", "origin"},
	)

	actionsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "actions_executed_total",
			Help:      "Total remediation actions executed, partitioned by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	incidentsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "incidents_resolved_total",
			Help:      "Total incidents resolved, partitioned by degraded flag.",
		},
		[]string{"degraded"},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "messages_total",
			Help:      "Total relay messages sent, partitioned by type and delivery outcome.",
		},
		[]string{"type", "outcome"},
	)

	consultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediate",
			Name:      "reasoning_consults_total",
			Help:      "Total reasoning consults attempted, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	consultDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_remediate",
			Name:      "reasoning_consult_seconds",
			Help:      "Reasoning consult latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		},
	)

	openIncidents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_remediate",
			Name:      "open_incidents",
			Help:      "Incidents currently open, any phase before RESOLVED.",
		},
	)
)

// Register attaches mirador-remediate collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		anomaliesTotal,
		canaryEvaluationsTotal,
		incidentsOpenedTotal,
		alertsSuppressedTotal,
		directivesTotal,
		actionsExecutedTotal,
		incidentsResolvedTotal,
		messagesTotal,
		consultsTotal,
		consultDurationSeconds,
		openIncidents,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnomaly records one raised alert.
func ObserveAnomaly(source, severity string) {
	anomaliesTotal.WithLabelValues(source, severity).Inc()
}

// ObserveCanaryEvaluation records one finished canary run.
func ObserveCanaryEvaluation(verdict string) {
	canaryEvaluationsTotal.WithLabelValues(verdict).Inc()
}

// ObserveIncidentOpened records a newly opened incident.
func ObserveIncidentOpened() {
	incidentsOpenedTotal.Inc()
	openIncidents.Inc()
}

// ObserveAlertSuppressed records a duplicate alert merged into an open incident.
func ObserveAlertSuppressed() {
	alertsSuppressedTotal.Inc()
}

// ObserveDirective records an issued directive.
func ObserveDirective(action, origin string) {
	directivesTotal.WithLabelValues(action, origin).Inc()
}

// ObserveActionExecuted records an executed remediation action.
func ObserveActionExecuted(action string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	actionsExecutedTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveIncidentResolved records a resolved incident.
func ObserveIncidentResolved(degraded bool) {
	label := "false"
	if degraded {
		label = "true"
	}
	incidentsResolvedTotal.WithLabelValues(label).Inc()
	openIncidents.Dec()
}

// ObserveMessage records a relay send attempt's final outcome.
func ObserveMessage(messageType, outcome string) {
	messagesTotal.WithLabelValues(messageType, outcome).Inc()
}

// ObserveConsult records a reasoning consult duration and outcome label.
func ObserveConsult(duration time.Duration, outcome string) {
	consultsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	consultDurationSeconds.Observe(duration.Seconds())
}
