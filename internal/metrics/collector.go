// Package metrics provides internal Prometheus metrics collection for the
// coordination kernel. This package is internal and should not be imported
// by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the Prometheus instruments the kernel emits from its
// task store, lease manager, message bus and agent harnesses.
type Collector struct {
	// Task claim / lifecycle metrics
	taskClaimsTotal     *prometheus.CounterVec
	taskClaimContention *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	taskStateTransition *prometheus.CounterVec

	// Lease metrics
	leaseAcquiresTotal  *prometheus.CounterVec
	leaseContention     *prometheus.CounterVec
	leaseHeldGauge      *prometheus.GaugeVec
	leaseExpiredTotal   *prometheus.CounterVec

	// Message bus metrics
	messagesPublishedTotal *prometheus.CounterVec
	messagesAckedTotal     *prometheus.CounterVec
	messageDeliveryLatency *prometheus.HistogramVec

	// Adapter (external CLI) metrics
	adapterInvocationsTotal *prometheus.CounterVec
	adapterDuration         *prometheus.HistogramVec
	adapterTokensUsed       *prometheus.CounterVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector constructs and registers the kernel's metric instruments
// under the given namespace (e.g. "jetpackd").
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.taskClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_claims_total",
			Help:      "Total number of task claim attempts by outcome",
		},
		[]string{"agent_id", "outcome"}, // outcome: claimed, already_claimed, not_found
	)

	c.taskClaimContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_claim_contention_total",
			Help:      "Number of times a claim lost a compare-and-swap race to another agent",
		},
		[]string{"agent_id"},
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of a task from claim to terminal status",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"agent_id", "status"}, // status: completed, failed, blocked
	)

	c.taskStateTransition = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_state_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	c.leaseAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_acquires_total",
			Help:      "Total number of lease acquire attempts by outcome",
		},
		[]string{"agent_id", "outcome"}, // outcome: acquired, denied, renewed
	)

	c.leaseContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_contention_total",
			Help:      "Number of times a lease acquire was denied because another agent held it",
		},
		[]string{"agent_id"},
	)

	c.leaseHeldGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leases_held",
			Help:      "Current number of leases held, by owning agent",
		},
		[]string{"agent_id"},
	)

	c.leaseExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expired_total",
			Help:      "Total number of leases reclaimed by the expiry sweep",
		},
		[]string{"agent_id"},
	)

	c.messagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published to the bus",
		},
		[]string{"type", "delivery"}, // delivery: direct, broadcast
	)

	c.messagesAckedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acked_total",
			Help:      "Total number of ack-required messages acknowledged",
		},
		[]string{"type"},
	)

	c.messageDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_delivery_latency_seconds",
			Help:      "Time between message publish and first consumer read",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	c.adapterInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_invocations_total",
			Help:      "Total number of model adapter invocations by outcome",
		},
		[]string{"adapter", "outcome"}, // outcome: success, failed, timed_out, canceled
	)

	c.adapterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_duration_seconds",
			Help:      "Duration of a model adapter invocation",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"adapter"},
	)

	c.adapterTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_tokens_used_total",
			Help:      "Total number of tokens consumed by model adapter invocations",
		},
		[]string{"adapter", "source"}, // source: reported, estimated
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordTaskClaim records the outcome of a claim attempt.
func (c *Collector) RecordTaskClaim(agentID, outcome string) {
	c.taskClaimsTotal.WithLabelValues(agentID, outcome).Inc()
}

// RecordTaskClaimContention records a lost compare-and-swap race on claim.
func (c *Collector) RecordTaskClaimContention(agentID string) {
	c.taskClaimContention.WithLabelValues(agentID).Inc()
}

// RecordTaskDuration records the wall-clock duration of a task reaching a
// terminal status.
func (c *Collector) RecordTaskDuration(agentID, status string, duration time.Duration) {
	c.taskDuration.WithLabelValues(agentID, status).Observe(duration.Seconds())
}

// RecordTaskStateTransition records a single status transition.
func (c *Collector) RecordTaskStateTransition(fromStatus, toStatus string) {
	c.taskStateTransition.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordLeaseAcquire records the outcome of a lease acquire/renew call.
func (c *Collector) RecordLeaseAcquire(agentID, outcome string) {
	c.leaseAcquiresTotal.WithLabelValues(agentID, outcome).Inc()
}

// RecordLeaseContention records a denied acquire due to another holder.
func (c *Collector) RecordLeaseContention(agentID string) {
	c.leaseContention.WithLabelValues(agentID).Inc()
}

// SetLeasesHeld sets the current gauge of leases held by an agent.
func (c *Collector) SetLeasesHeld(agentID string, count int) {
	c.leaseHeldGauge.WithLabelValues(agentID).Set(float64(count))
}

// RecordLeaseExpired records a lease reclaimed by the expiry sweep.
func (c *Collector) RecordLeaseExpired(agentID string) {
	c.leaseExpiredTotal.WithLabelValues(agentID).Inc()
}

// RecordMessagePublished records a message publish by type and delivery mode.
func (c *Collector) RecordMessagePublished(msgType, delivery string) {
	c.messagesPublishedTotal.WithLabelValues(msgType, delivery).Inc()
}

// RecordMessageAcked records an acknowledgement of an ack-required message.
func (c *Collector) RecordMessageAcked(msgType string) {
	c.messagesAckedTotal.WithLabelValues(msgType).Inc()
}

// RecordMessageDeliveryLatency records the publish-to-first-read latency.
func (c *Collector) RecordMessageDeliveryLatency(msgType string, latency time.Duration) {
	c.messageDeliveryLatency.WithLabelValues(msgType).Observe(latency.Seconds())
}

// RecordAdapterInvocation records the outcome and duration of a model
// adapter invocation.
func (c *Collector) RecordAdapterInvocation(adapter, outcome string, duration time.Duration) {
	c.adapterInvocationsTotal.WithLabelValues(adapter, outcome).Inc()
	c.adapterDuration.WithLabelValues(adapter).Observe(duration.Seconds())
}

// RecordAdapterTokens records token usage for an adapter invocation, noting
// whether the count was reported by the CLI or estimated via tiktoken.
func (c *Collector) RecordAdapterTokens(adapter, source string, tokens int) {
	c.adapterTokensUsed.WithLabelValues(adapter, source).Add(float64(tokens))
}
