package executor

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dagengine"
)

// ExecutorMetrics tracks node statistics across every run a BatchRunner performs.
type ExecutorMetrics struct {
	RunsExecuted     int
	NodesExecuted    int
	NodesSuccessful  int
	NodesFailed      int
	NodesTimedOut    int
	NodesSkipped     int
	CacheHits        int
	TotalDuration    time.Duration
	LongestNodeTime  time.Duration
	ShortestNodeTime time.Duration

	mu sync.Mutex // Protects metrics updates
}

func (m *ExecutorMetrics) observe(r *dagengine.NodeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.Status {
	case dagengine.NodeSkipped:
		m.NodesSkipped++
		return
	case dagengine.NodeSuccess:
		m.NodesSuccessful++
	case dagengine.NodeFailed:
		m.NodesFailed++
	case dagengine.NodeTimedOut:
		m.NodesTimedOut++
	}
	m.NodesExecuted++
	if r.CacheHit {
		m.CacheHits++
	}
	m.TotalDuration += r.ExecutionTime
	if r.ExecutionTime > m.LongestNodeTime {
		m.LongestNodeTime = r.ExecutionTime
	}
	if m.ShortestNodeTime == 0 || r.ExecutionTime < m.ShortestNodeTime {
		m.ShortestNodeTime = r.ExecutionTime
	}
}

func (m *ExecutorMetrics) runFinished() {
	m.mu.Lock()
	m.RunsExecuted++
	m.mu.Unlock()
}

// Create a copy without the mutex
func (m *ExecutorMetrics) Copy() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ExecutorMetrics{
		RunsExecuted:     m.RunsExecuted,
		NodesExecuted:    m.NodesExecuted,
		NodesSuccessful:  m.NodesSuccessful,
		NodesFailed:      m.NodesFailed,
		NodesTimedOut:    m.NodesTimedOut,
		NodesSkipped:     m.NodesSkipped,
		CacheHits:        m.CacheHits,
		TotalDuration:    m.TotalDuration,
		LongestNodeTime:  m.LongestNodeTime,
		ShortestNodeTime: m.ShortestNodeTime,
	}
}
