package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gossiphub_online_conns",
		Help: "Websocket connections currently attached to this process.",
	})
	PresenceChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gossiphub_presence_changes_total",
		Help: "Presence flips broadcast by this process.",
	}, []string{"state"})

	FanoutDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossiphub_fanout_delivered_total",
		Help: "Events queued to a local connection.",
	})
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossiphub_fanout_dropped_total",
		Help: "Events dropped because a connection's outbound queue was full.",
	})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gossiphub_messages_sent_total",
		Help: "Messages persisted, by type.",
	}, []string{"type"})
	MessagesPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossiphub_messages_purged_total",
		Help: "Ephemeral messages removed by the purge job.",
	})
	MessagesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossiphub_messages_deleted_total",
		Help: "Messages removed by their sender.",
	})

	CallTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gossiphub_call_transitions_total",
		Help: "Call session status changes, by target status.",
	}, []string{"status"})
	CallsUnreachable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossiphub_calls_unreachable_total",
		Help: "Call attempts refused because the callee had no live connection.",
	})
	CallsRingTimeout = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossiphub_calls_ring_timeout_total",
		Help: "Ringing sessions closed as missed because nobody answered.",
	})

	NotificationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gossiphub_notifications_created_total",
		Help: "Notifications persisted, by delivery path.",
	}, []string{"delivery"})

	JobsRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gossiphub_scheduler_jobs_total",
		Help: "Delayed jobs executed, by kind and result.",
	}, []string{"kind", "result"})
)

var once sync.Once

func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			OnlineConns, PresenceChanges,
			FanoutDelivered, FanoutDropped,
			MessagesSent, MessagesPurged, MessagesDeleted,
			CallTransitions, CallsUnreachable, CallsRingTimeout,
			NotificationsCreated,
			JobsRun,
		)
	})
}
