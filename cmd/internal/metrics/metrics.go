// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync engine metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soulsync_messages_published_total",
			Help: "Messages delivered to the consumer stream",
		},
		[]string{"source"}, // "catchup_read", "catchup_unread", "history", "live"
	)

	LiveRearms = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soulsync_live_rearms_total",
			Help: "Live subscription teardown/re-arm cycles",
		},
	)

	MarkReadWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soulsync_markread_writes_total",
			Help: "Reader-set update writes issued",
		},
	)

	// Outbound metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soulsync_messages_sent_total",
			Help: "Messages appended to rooms",
		},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soulsync_send_failures_total",
			Help: "Outbound write failures",
		},
		[]string{"stage"}, // "message" or "summary"
	)

	UnreadIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soulsync_unread_increments_total",
			Help: "Unread counter increments applied",
		},
	)
)
