package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.taskClaimsTotal)
	assert.NotNil(t, collector.taskDuration)
	assert.NotNil(t, collector.leaseAcquiresTotal)
	assert.NotNil(t, collector.messagesPublishedTotal)
	assert.NotNil(t, collector.adapterInvocationsTotal)
}

func TestCollector_RecordTaskClaim(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordTaskClaim("agent-1", "claimed")
	count := testutil.CollectAndCount(collector.taskClaimsTotal)
	assert.Greater(t, count, 0)

	collector.RecordTaskClaimContention("agent-1")
	contentionCount := testutil.CollectAndCount(collector.taskClaimContention)
	assert.Greater(t, contentionCount, 0)
}

func TestCollector_RecordTaskDuration(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordTaskDuration("agent-1", "completed", 90*time.Second)
	count := testutil.CollectAndCount(collector.taskDuration)
	assert.Greater(t, count, 0)

	collector.RecordTaskStateTransition("in_progress", "completed")
	transitionCount := testutil.CollectAndCount(collector.taskStateTransition)
	assert.Greater(t, transitionCount, 0)
}

func TestCollector_RecordLeaseLifecycle(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordLeaseAcquire("agent-1", "acquired")
	collector.RecordLeaseContention("agent-2")
	collector.SetLeasesHeld("agent-1", 3)
	collector.RecordLeaseExpired("agent-1")

	acquireCount := testutil.CollectAndCount(collector.leaseAcquiresTotal)
	assert.Greater(t, acquireCount, 0)

	contentionCount := testutil.CollectAndCount(collector.leaseContention)
	assert.Greater(t, contentionCount, 0)

	heldCount := testutil.CollectAndCount(collector.leaseHeldGauge)
	assert.Greater(t, heldCount, 0)

	expiredCount := testutil.CollectAndCount(collector.leaseExpiredTotal)
	assert.Greater(t, expiredCount, 0)
}

func TestCollector_RecordMessageBus(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordMessagePublished("task.updated", "broadcast")
	collector.RecordMessageAcked("task.updated")
	collector.RecordMessageDeliveryLatency("task.updated", 20*time.Millisecond)

	publishCount := testutil.CollectAndCount(collector.messagesPublishedTotal)
	assert.Greater(t, publishCount, 0)

	ackCount := testutil.CollectAndCount(collector.messagesAckedTotal)
	assert.Greater(t, ackCount, 0)

	latencyCount := testutil.CollectAndCount(collector.messageDeliveryLatency)
	assert.Greater(t, latencyCount, 0)
}

func TestCollector_RecordAdapterInvocation(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordAdapterInvocation("claude-code", "success", 45*time.Second)
	collector.RecordAdapterTokens("claude-code", "reported", 1200)
	collector.RecordAdapterTokens("mock", "estimated", 80)

	invocationCount := testutil.CollectAndCount(collector.adapterInvocationsTotal)
	assert.Greater(t, invocationCount, 0)

	durationCount := testutil.CollectAndCount(collector.adapterDuration)
	assert.Greater(t, durationCount, 0)

	tokenCount := testutil.CollectAndCount(collector.adapterTokensUsed)
	assert.Greater(t, tokenCount, 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.RecordTaskClaim("agent-1", "claimed")
			collector.RecordLeaseAcquire("agent-1", "acquired")
			collector.RecordMessagePublished("task.updated", "direct")
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	claimCount := testutil.CollectAndCount(collector.taskClaimsTotal)
	assert.Greater(t, claimCount, 0)

	leaseCount := testutil.CollectAndCount(collector.leaseAcquiresTotal)
	assert.Greater(t, leaseCount, 0)

	messageCount := testutil.CollectAndCount(collector.messagesPublishedTotal)
	assert.Greater(t, messageCount, 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), logger)

	registry.MustRegister(collector.taskClaimsTotal)
	registry.MustRegister(collector.taskDuration)

	collector.RecordTaskClaim("agent-1", "claimed")

	count := testutil.CollectAndCount(collector.taskClaimsTotal)
	assert.Greater(t, count, 0)
}
