package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics shared by all pushline binaries.
// Each binary only moves the series that belong to its own components.
var (
	// Batch executor
	batchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pushline_batch_queue_depth",
		Help: "Items waiting in the batch executor queue",
	})

	batchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_batch_flushes_total",
		Help: "Batch flushes by trigger (size, timeout)",
	}, []string{"trigger"})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushline_batch_size",
		Help:    "Number of items per flushed batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})

	batchProcessorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_batch_processor_errors_total",
		Help: "Errors returned by batch processors",
	})

	batchWorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_batch_worker_restarts_total",
		Help: "Batch workers restarted after a processor panic",
	})

	batchWorkersRetired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_batch_workers_retired_total",
		Help: "Batch workers that exhausted their restart budget",
	})

	batchWorkersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pushline_batch_workers_live",
		Help: "Batch workers currently running",
	})

	// Dispatch
	dispatchRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_dispatch_records_total",
		Help: "Queue records handled by the dispatcher, by outcome",
	}, []string{"outcome"})

	dispatchTasks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_dispatch_tasks_total",
		Help: "Push tasks submitted to the batch executor",
	})

	presenceLookupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushline_presence_lookup_seconds",
		Help:    "Presence query latency including pool borrow",
		Buckets: prometheus.DefBuckets,
	})

	// Connection pool registry
	poolRegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pushline_pool_registry_pools",
		Help: "Gateway client pools currently registered",
	})

	poolRegistryEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_pool_registry_events_total",
		Help: "Discovery events applied to the pool registry, by type",
	}, []string{"type"})

	// Gateway push processor
	pushStreams = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_push_streams_total",
		Help: "Push streams opened towards gateways, by outcome",
	}, []string{"outcome"})

	pushFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_push_frames_sent_total",
		Help: "Push frames written into gateway streams",
	})

	pushGroupsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_push_groups_dropped_total",
		Help: "Destination groups dropped, by reason",
	}, []string{"reason"})

	pushStreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pushline_push_stream_seconds",
		Help:    "Duration of one destination push stream",
		Buckets: prometheus.DefBuckets,
	})

	// Kafka consumer
	kafkaRecordsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_kafka_records_consumed_total",
		Help: "Records polled from the push topic",
	})

	kafkaErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_kafka_errors_total",
		Help: "Kafka errors, by stage (fetch, commit)",
	}, []string{"stage"})

	// Gateway
	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pushline_ws_connections_active",
		Help: "Registered WebSocket sessions",
	})

	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_ws_connections_total",
		Help: "WebSocket sessions that reached ACTIVE",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_ws_connections_rejected_total",
		Help: "Handshakes rejected before registration, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_ws_disconnects_total",
		Help: "Session terminations, by reason",
	}, []string{"reason"})

	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_ws_heartbeats_total",
		Help: "Heartbeat requests answered",
	})

	gatewayPushFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_gateway_push_frames_total",
		Help: "Inbound push frames handled by the gateway, by outcome",
	}, []string{"outcome"})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_connection_rate_limited_total",
		Help: "Handshakes rejected by the connection rate limiter, by scope",
	}, []string{"scope"})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pushline_cpu_usage_percent",
		Help: "CPU usage sampled by the resource guard",
	})

	// Presence
	presenceQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushline_presence_queries_total",
		Help: "Presence queries answered",
	})

	presenceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushline_presence_errors_total",
		Help: "Presence store errors, by operation",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		batchQueueDepth,
		batchFlushes,
		batchSize,
		batchProcessorErrors,
		batchWorkerRestarts,
		batchWorkersRetired,
		batchWorkersLive,
		dispatchRecords,
		dispatchTasks,
		presenceLookupDuration,
		poolRegistrySize,
		poolRegistryEvents,
		pushStreams,
		pushFramesSent,
		pushGroupsDropped,
		pushStreamDuration,
		kafkaRecordsConsumed,
		kafkaErrors,
		connectionsActive,
		connectionsTotal,
		connectionsRejected,
		disconnectsTotal,
		heartbeatsTotal,
		gatewayPushFrames,
		connectionRateLimited,
		cpuUsagePercent,
		presenceQueries,
		presenceErrors,
	)
}

// Flush triggers
const (
	FlushTriggerSize    = "size"
	FlushTriggerTimeout = "timeout"
)

// Dispatch outcomes
const (
	DispatchOutcomeDispatched    = "dispatched"
	DispatchOutcomeNoRecipients  = "no_recipients"
	DispatchOutcomeOffline       = "offline"
	DispatchOutcomeDecodeError   = "decode_error"
	DispatchOutcomePresenceError = "presence_error"
)

// Drop reasons for destination groups
const (
	DropReasonUnroutable  = "unroutable"
	DropReasonStreamError = "stream_error"
	DropReasonDecodeError = "decode_error"
)

// Disconnect reasons
const (
	DisconnectReasonClientClosed  = "client_closed"
	DisconnectReasonReadError     = "read_error"
	DisconnectReasonIdleTimeout   = "idle_timeout"
	DisconnectReasonProtocolError = "protocol_error"
	DisconnectReasonWriteError    = "write_error"
	DisconnectReasonShutdown      = "server_shutdown"
)

// Rejection reasons
const (
	RejectReasonUnauthorized  = "unauthorized"
	RejectReasonRateLimited   = "rate_limited"
	RejectReasonOverloaded    = "overloaded"
	RejectReasonUpgradeFailed = "upgrade_failed"
	RejectReasonShuttingDown  = "shutting_down"
)

// Gateway push outcomes
const (
	PushOutcomeDelivered  = "delivered"
	PushOutcomeOffline    = "offline"
	PushOutcomeWriteError = "write_error"
)

func SetBatchQueueDepth(depth int)           { batchQueueDepth.Set(float64(depth)) }
func RecordBatchFlush(trigger string, n int) { batchFlushes.WithLabelValues(trigger).Inc(); batchSize.Observe(float64(n)) }
func IncrementProcessorErrors()              { batchProcessorErrors.Inc() }
func IncrementWorkerRestarts()               { batchWorkerRestarts.Inc() }
func IncrementWorkersRetired()               { batchWorkersRetired.Inc() }
func AddLiveWorkers(delta int)               { batchWorkersLive.Add(float64(delta)) }

func RecordDispatch(outcome string)       { dispatchRecords.WithLabelValues(outcome).Inc() }
func AddDispatchTasks(n int)              { dispatchTasks.Add(float64(n)) }
func ObservePresenceLookup(seconds float64) { presenceLookupDuration.Observe(seconds) }

func SetPoolRegistrySize(n int)         { poolRegistrySize.Set(float64(n)) }
func RecordPoolRegistryEvent(typ string) { poolRegistryEvents.WithLabelValues(typ).Inc() }

func RecordPushStream(outcome string, seconds float64) {
	pushStreams.WithLabelValues(outcome).Inc()
	pushStreamDuration.Observe(seconds)
}
func AddPushFramesSent(n int)           { pushFramesSent.Add(float64(n)) }
func RecordPushGroupDropped(reason string) { pushGroupsDropped.WithLabelValues(reason).Inc() }

func AddKafkaRecordsConsumed(n int)   { kafkaRecordsConsumed.Add(float64(n)) }
func IncrementKafkaErrors(stage string) { kafkaErrors.WithLabelValues(stage).Inc() }

// RecordConnect marks a session that reached ACTIVE
func RecordConnect() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordDisconnect marks a registered session that reached CLOSED
func RecordDisconnect(reason string) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
}

func RecordConnectionRejected(reason string)  { connectionsRejected.WithLabelValues(reason).Inc() }
func IncrementHeartbeats()                     { heartbeatsTotal.Inc() }
func RecordGatewayPushFrame(outcome string)    { gatewayPushFrames.WithLabelValues(outcome).Inc() }
func IncrementConnectionRateLimit(scope string) { connectionRateLimited.WithLabelValues(scope).Inc() }
func SetCPUUsage(percent float64)              { cpuUsagePercent.Set(percent) }

func IncrementPresenceQueries()          { presenceQueries.Inc() }
func IncrementPresenceErrors(op string)  { presenceErrors.WithLabelValues(op).Inc() }
