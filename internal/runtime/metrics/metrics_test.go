package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordMessage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("", reg)
	require.NoError(t, m.Register())

	m.RecordMessage("orders", true, 2*time.Second)
	m.RecordMessage("orders", false, 4*time.Second)

	stats := m.GetWorkflowStats("orders")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, 3*time.Second, stats.AvgDuration)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("orders", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("orders", OutcomeFailure)))
}

func TestMetrics_RecordDeadLetterAndRetries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("adapter", reg)
	require.NoError(t, m.Register())

	m.RecordRetryAttempt("retry")
	m.RecordRetryAttempt("retry")
	m.RecordDeadLetter("orders", "retry", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.retryAttempts.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetterTotal.WithLabelValues("retry")))
	assert.Equal(t, uint64(1), m.GetWorkflowStats("orders").DeadLettered)

	count, err := testutil.GatherAndCount(reg, "adapter_error_handler_dead_letter_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_ActiveWorkersAndRestarts(t *testing.T) {
	m := New("", prometheus.NewRegistry())
	m.SetActiveWorkers("pooled", 3)
	m.RecordRestart("producer")

	assert.Equal(t, 3, m.GetWorkflowStats("pooled").ActiveWorkers)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.poolActive.WithLabelValues("pooled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restartsTotal.WithLabelValues("producer")))
}

func TestMetrics_GetSnapshot(t *testing.T) {
	m := New("", prometheus.NewRegistry())
	m.RecordMessage("orders", true, time.Millisecond)
	m.RecordMessage("payments", false, time.Millisecond)

	snapshot := m.GetSnapshot()
	assert.Equal(t, uint64(1), snapshot.TotalSucceeded)
	assert.Equal(t, uint64(1), snapshot.TotalFailed)
	assert.Len(t, snapshot.Workflows, 2)
	assert.False(t, snapshot.CollectedAt.IsZero())

	snapshot.Workflows["orders"].Succeeded = 99
	assert.Equal(t, uint64(1), m.GetWorkflowStats("orders").Succeeded)
}

func TestMetrics_Reset(t *testing.T) {
	m := New("", prometheus.NewRegistry())
	m.RecordMessage("orders", true, time.Millisecond)
	m.Reset()
	assert.Empty(t, m.GetSnapshot().Workflows)
	assert.Nil(t, m.GetWorkflowStats("orders"))
}

func TestMetrics_RegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, New("", reg).Register())
	require.NoError(t, New("", reg).Register(), "second instance must tolerate existing collectors")
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Register())
	m.RecordMessage("orders", true, time.Second)
	m.RecordDeadLetter("orders", "h", 1)
	m.RecordRetryAttempt("h")
	m.SetActiveWorkers("orders", 1)
	m.RecordRestart("c")
	m.Reset()
	assert.Nil(t, m.GetWorkflowStats("orders"))
	assert.Empty(t, m.GetSnapshot().Workflows)
}
