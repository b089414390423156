package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liamcoop/automation/internal/logger"
)

var (
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_events_published_total",
		Help: "Total number of events accepted by the bus.",
	})

	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_events_rejected_total",
		Help: "Total number of events rejected by validation.",
	})

	SubscriberFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_subscriber_failures_total",
		Help: "Total number of bus subscriber errors or panics.",
	})

	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_rule_evaluations_total",
		Help: "Rule evaluations, labelled by outcome (matched, unmatched, simulated, error).",
	}, []string{"outcome"})

	ActionsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_actions_enqueued_total",
		Help: "Queue entries created, labelled by action type.",
	}, []string{"action_type"})

	ActionsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_actions_claimed_total",
		Help: "Queue entries claimed by workers.",
	})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_actions_executed_total",
		Help: "Action executions, labelled by type and status (completed, retried, failed).",
	}, []string{"action_type", "status"})

	ClaimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "automation_claim_duration_ms",
		Help:    "Latency of a claim batch round trip in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automation_action_duration_ms",
		Help:    "Action handler latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	}, []string{"action_type"})

	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_leases_reclaimed_total",
		Help: "Processing entries returned to the queue after their lease expired.",
	})

	TicketTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_ticket_transitions_total",
		Help: "Ticket status transitions, labelled by target status.",
	}, []string{"to"})

	SLABreaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_sla_breaches_total",
		Help: "Tickets newly flagged as breaching their resolution SLA.",
	})

	// Log volume counts every call, including sampled-out ones.
	_ = promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "automation_log_errors_total",
		Help: "Error-level log calls.",
	}, func() float64 { return float64(logger.TotalErrors.Load()) })

	_ = promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "automation_log_warnings_total",
		Help: "Warning-level log calls.",
	}, func() float64 { return float64(logger.TotalWarnings.Load()) })
)
