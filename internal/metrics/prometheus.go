package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for transport metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	messagesSentTotal     *prometheus.CounterVec
	messagesReceivedTotal *prometheus.CounterVec
	sendFailuresTotal     *prometheus.CounterVec
	ackSentTotal          prometheus.Counter
	roomsCreatedTotal     prometheus.Counter
	roomsJoinedTotal      prometheus.Counter
	roomsLeftTotal        prometheus.Counter
	invitesRejectedTotal  *prometheus.CounterVec
	broadcastsSentTotal   *prometheus.CounterVec

	// Histograms
	sendDuration     *prometheus.HistogramVec
	batchSize        prometheus.Histogram
	roomJoinDuration prometheus.Histogram

	// Gauges
	uptime            prometheus.GaugeFunc
	activeRetryQueues prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
	reachability      *prometheus.GaugeVec

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for send duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of messages handed to the room client",
			},
			[]string{"kind", "status"},
		),

		messagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of inbound messages accepted by the pipeline",
			},
			[]string{"kind"},
		),

		sendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_failures_total",
				Help:      "Total room-service send failures",
			},
			[]string{"reason"},
		),

		ackSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ack_sent_total",
				Help:      "Total Delivered acknowledgements synthesized",
			},
		),

		roomsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rooms_created_total",
				Help:      "Total private rooms created as creator",
			},
		),

		roomsJoinedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rooms_joined_total",
				Help:      "Total rooms joined via invite",
			},
		),

		roomsLeftTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rooms_left_total",
				Help:      "Total rooms left (e.g. malformed multi-partner rooms)",
			},
		),

		invitesRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invites_rejected_total",
				Help:      "Total room invites rejected",
			},
			[]string{"reason"},
		),

		broadcastsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_sent_total",
				Help:      "Total broadcast batches posted, by room suffix",
			},
			[]string{"room_suffix"},
		),

		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_milliseconds",
				Help:      "Duration of room-service send calls in milliseconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_message_count",
				Help:      "Number of messages coalesced into a single outbound batch",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
			},
		),

		roomJoinDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "room_join_duration_milliseconds",
				Help:      "Duration of the room-join retry loop in milliseconds",
				Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 15000},
			},
		),

		activeRetryQueues: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_retry_queues",
				Help:      "Number of currently running per-peer retry queues",
			},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current outbound buffer depth by peer address",
			},
			[]string{"peer"},
		),

		reachability: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peer_reachability",
				Help:      "Current reachability state by peer address (0=unknown, 1=reachable, 2=unreachable)",
			},
			[]string{"peer"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state by peer (0=closed, 1=open)",
			},
			[]string{"peer"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions by peer",
			},
			[]string{"peer", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the transport daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.messagesSentTotal,
		pm.messagesReceivedTotal,
		pm.sendFailuresTotal,
		pm.ackSentTotal,
		pm.roomsCreatedTotal,
		pm.roomsJoinedTotal,
		pm.roomsLeftTotal,
		pm.invitesRejectedTotal,
		pm.broadcastsSentTotal,
		pm.sendDuration,
		pm.batchSize,
		pm.roomJoinDuration,
		pm.uptime,
		pm.activeRetryQueues,
		pm.queueDepth,
		pm.reachability,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

// RecordMessageSent records an outbound send attempt.
func RecordMessageSent(kind string, success bool, durationMs int64) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.messagesSentTotal.WithLabelValues(kind, status).Inc()
	promMetrics.sendDuration.WithLabelValues(kind).Observe(float64(durationMs))
}

// RecordMessageReceived records an inbound accepted message.
func RecordMessageReceived(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.messagesReceivedTotal.WithLabelValues(kind).Inc()
}

// RecordSendFailure records a room-service send failure.
func RecordSendFailure(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sendFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordAckSent records a synthesized Delivered acknowledgement.
func RecordAckSent() {
	if promMetrics == nil {
		return
	}
	promMetrics.ackSentTotal.Inc()
}

// RecordRoomCreated records creating a private room as creator.
func RecordRoomCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.roomsCreatedTotal.Inc()
}

// RecordRoomJoined records joining a room via invite.
func RecordRoomJoined(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.roomsJoinedTotal.Inc()
	promMetrics.roomJoinDuration.Observe(float64(durationMs))
}

// RecordRoomLeft records leaving a malformed or stale room.
func RecordRoomLeft() {
	if promMetrics == nil {
		return
	}
	promMetrics.roomsLeftTotal.Inc()
}

// RecordInviteRejected records a rejected room invite.
func RecordInviteRejected(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.invitesRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordBroadcastSent records a broadcast batch posted to a room suffix.
func RecordBroadcastSent(roomSuffix string) {
	if promMetrics == nil {
		return
	}
	promMetrics.broadcastsSentTotal.WithLabelValues(roomSuffix).Inc()
}

// ObserveBatchSize records the number of messages coalesced into a batch.
func ObserveBatchSize(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.batchSize.Observe(float64(n))
}

// SetActiveRetryQueues sets the count of currently running retry queues.
func SetActiveRetryQueues(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRetryQueues.Set(float64(n))
}

// SetQueueDepth sets the outbound buffer depth gauge for a peer.
func SetQueueDepth(peer string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(peer).Set(float64(depth))
}

// SetReachability sets the reachability gauge for a peer.
// state: 0=unknown, 1=reachable, 2=unreachable.
func SetReachability(peer string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.reachability.WithLabelValues(peer).Set(float64(state))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a peer.
// state: 0=closed, 1=open.
func SetCircuitBreakerState(peer string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(peer).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition for a peer.
func RecordCircuitBreakerTrip(peer, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(peer, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
