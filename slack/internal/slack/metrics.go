package slack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "askdata_slack_build_info",
			Help: "Build information of the askdata Slack bot",
		},
		[]string{"version", "commit", "date"},
	)

	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_slack_events_received_total",
			Help: "Total number of Slack events received",
		},
		[]string{"event_type", "inner_event_type"},
	)

	EventsDuplicateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askdata_slack_events_duplicate_total",
			Help: "Total number of duplicate events skipped",
		},
	)

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_slack_messages_processed_total",
			Help: "Total number of messages processed",
		},
		[]string{"channel_type"},
	)

	MessagesIgnoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_slack_messages_ignored_total",
			Help: "Total number of messages ignored",
		},
		[]string{"reason"},
	)

	MessageProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdata_slack_message_processing_duration_seconds",
			Help:    "Duration of message processing",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~205s
		},
	)

	MessagesPostedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_slack_messages_posted_total",
			Help: "Total number of messages posted to Slack",
		},
		[]string{"status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_slack_api_requests_total",
			Help: "Total number of askdata API requests by outcome",
		},
		[]string{"status"}, // "success", "client_error", "quota", "server_error", "transport"
	)

	SlackAPIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdata_slack_api_errors_total",
			Help: "Total number of Slack API errors",
		},
		[]string{"operation"},
	)

	ConversationHistoryErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askdata_slack_conversation_history_errors_total",
			Help: "Total number of conversation history fetch errors",
		},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "askdata_slack_active_conversations",
			Help: "Number of active conversations",
		},
	)
)
