// Package metrics records workflow, error handler and restart statistics as
// Prometheus collectors plus an in-process snapshot. All recording methods are
// safe on a nil *Metrics so components can leave metrics unset.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for the messages counter.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics tracks message outcomes per workflow and error handling activity.
type Metrics struct {
	mu sync.RWMutex

	workflows map[string]*WorkflowStats

	messagesTotal     *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	deadLetterTotal   *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	retryCountHist    *prometheus.HistogramVec
	poolActive        *prometheus.GaugeVec
	restartsTotal     *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// WorkflowStats holds counters for a single workflow.
type WorkflowStats struct {
	Succeeded     uint64        `json:"succeeded"`
	Failed        uint64        `json:"failed"`
	DeadLettered  uint64        `json:"dead_lettered"`
	AvgDuration   time.Duration `json:"avg_duration"`
	ActiveWorkers int           `json:"active_workers"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
}

// Snapshot provides a point-in-time view of every workflow.
type Snapshot struct {
	TotalSucceeded uint64                    `json:"total_succeeded"`
	TotalFailed    uint64                    `json:"total_failed"`
	Workflows      map[string]*WorkflowStats `json:"workflows"`
	CollectedAt    time.Time                 `json:"collected_at"`
}

func newCounterVec(namespace, subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(namespace, subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(namespace, subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates collectors under namespace ("flowadapter" when empty). A nil
// registerer uses the Prometheus default registerer.
func New(namespace string, registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "flowadapter"
	}

	return &Metrics{
		workflows:         make(map[string]*WorkflowStats),
		registerer:        registerer,
		messagesTotal:     newCounterVec(namespace, "workflow", "messages_total", "Messages completed by a workflow", []string{"workflow", "outcome"}),
		processingSeconds: newHistogramVec(namespace, "workflow", "processing_seconds", "Time spent processing a message", prometheus.DefBuckets, []string{"workflow"}),
		poolActive:        newGaugeVec(namespace, "workflow", "pool_active_workers", "Workers currently borrowed from a pooled workflow", []string{"workflow"}),
		deadLetterTotal:   newCounterVec(namespace, "error_handler", "dead_letter_total", "Messages routed to a dead-letter chain", []string{"handler"}),
		retryAttempts:     newCounterVec(namespace, "error_handler", "retry_attempts_total", "Recovery attempts made by retrying handlers", []string{"handler"}),
		retryCountHist:    newHistogramVec(namespace, "error_handler", "retry_count", "Retries made before a message was dead-lettered", []float64{0, 1, 2, 3, 5, 10, 20}, []string{"handler"}),
		restartsTotal:     newCounterVec(namespace, "lifecycle", "restarts_total", "Component restarts triggered by failures", []string{"component"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.processingSeconds,
		m.poolActive,
		m.deadLetterTotal,
		m.retryAttempts,
		m.retryCountHist,
		m.restartsTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordMessage records a completed message.
func (m *Metrics) RecordMessage(workflow string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(workflow)
	outcome := OutcomeSuccess
	if success {
		stats.Succeeded++
	} else {
		stats.Failed++
		outcome = OutcomeFailure
	}
	total := stats.Succeeded + stats.Failed
	stats.AvgDuration = time.Duration((int64(stats.AvgDuration)*int64(total-1) + int64(duration)) / int64(total))
	stats.LastUpdatedAt = time.Now()

	m.messagesTotal.WithLabelValues(workflow, outcome).Inc()
	m.processingSeconds.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordDeadLetter records a message handed to a dead-letter chain.
func (m *Metrics) RecordDeadLetter(workflow, handler string, retryCount int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if workflow != "" {
		stats := m.getOrCreate(workflow)
		stats.DeadLettered++
		stats.LastUpdatedAt = time.Now()
	}
	m.deadLetterTotal.WithLabelValues(handler).Inc()
	m.retryCountHist.WithLabelValues(handler).Observe(float64(retryCount))
}

// RecordRetryAttempt records one recovery attempt.
func (m *Metrics) RecordRetryAttempt(handler string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(handler).Inc()
}

// SetActiveWorkers records how many pooled workers are borrowed.
func (m *Metrics) SetActiveWorkers(workflow string, active int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreate(workflow).ActiveWorkers = active
	m.poolActive.WithLabelValues(workflow).Set(float64(active))
}

// RecordRestart records a failure-triggered component restart.
func (m *Metrics) RecordRestart(component string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(component).Inc()
}

// GetSnapshot returns a point-in-time snapshot of all workflows.
func (m *Metrics) GetSnapshot() Snapshot {
	snapshot := Snapshot{
		Workflows:   make(map[string]*WorkflowStats),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, stats := range m.workflows {
		statsCopy := *stats
		snapshot.Workflows[id] = &statsCopy
		snapshot.TotalSucceeded += stats.Succeeded
		snapshot.TotalFailed += stats.Failed
	}
	return snapshot
}

// GetWorkflowStats returns a copy of one workflow's counters, or nil.
func (m *Metrics) GetWorkflowStats(workflow string) *WorkflowStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.workflows[workflow]; ok {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

func (m *Metrics) getOrCreate(workflow string) *WorkflowStats {
	if stats, ok := m.workflows[workflow]; ok {
		return stats
	}
	stats := &WorkflowStats{}
	m.workflows[workflow] = stats
	return stats
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.workflows = make(map[string]*WorkflowStats)
	m.messagesTotal.Reset()
	m.processingSeconds.Reset()
	m.poolActive.Reset()
	m.deadLetterTotal.Reset()
	m.retryAttempts.Reset()
	m.retryCountHist.Reset()
	m.restartsTotal.Reset()
}
