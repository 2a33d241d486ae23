package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveForwarders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_forwarders",
		Help: "Number of users with a running forwarder.",
	})
	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Relay outcomes by result and delivery mode.",
	}, []string{"result", "mode"})
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_delivery_duration_seconds",
		Help:    "Duration of one delivery attempt.",
		Buckets: prometheus.DefBuckets,
	})
	FloodWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_flood_waits_total",
		Help: "Number of rate-limit pauses imposed by the upstream.",
	})
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_retries_scheduled_total",
		Help: "Failed deliveries queued for a later retry.",
	})
	MediaGroupsAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_media_groups_assembled_total",
		Help: "Media groups flushed to delivery.",
	})
	PollScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_poll_scans_total",
		Help: "History poll sweeps across all users.",
	})
	LoginsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_logins_started_total",
		Help: "Login flows started, by method.",
	}, []string{"method"})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_expired_total",
		Help: "Users retired because their session stopped being accepted.",
	})
)

// Delivery modes and results used as label values.
const (
	ModeChannel = "channel"
	ModeDM      = "dm"

	ResultSuccess  = "success"
	ResultFailed   = "failed"
	ResultFiltered = "filtered"
	ResultSkipped  = "skipped"
)
