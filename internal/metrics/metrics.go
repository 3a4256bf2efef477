package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grouphub"

var (
	NotificationsRouted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_routed_total",
		Help:      "Object-store notifications normalized and sent to a shard stream.",
	})

	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped by the router, by reason.",
	}, []string{"reason"})

	ClaimsWon = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_won_total",
		Help:      "Grouping claims created by this process.",
	})

	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_lost_total",
		Help:      "Grouping claim attempts that lost the create-if-absent race.",
	})

	WorkRequestsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_requests_emitted_total",
		Help:      "Work requests sent to the grouping worker stream.",
	})

	ChangeNotificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "change_notifications_published_total",
		Help:      "Job-record change notifications republished to the topic.",
	})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_lettered_total",
		Help:      "Messages moved to a dead-letter stream after exhausting retries.",
	}, []string{"stream"})
)
