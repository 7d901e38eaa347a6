package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quest",
		Name:      "routed_messages_total",
		Help:      "Messages dispatched by the router, by owning flow.",
	}, []string{"owner"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quest",
		Name:      "cache_lookups_total",
		Help:      "Entity cache lookups by kind and result.",
	}, []string{"kind", "result"})

	StageAdvances = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quest",
		Name:      "stage_advances_total",
		Help:      "Correct answers that moved a team forward.",
	})

	AggregatedGroups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quest",
		Name:      "aggregated_groups_total",
		Help:      "Media groups flushed as one logical message.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quest",
		Name:      "send_failures_total",
		Help:      "Outbound messages the transport failed to deliver.",
	})
)
