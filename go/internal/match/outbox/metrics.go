package outbox

import (
	"sync"
	"time"
)

// MetricsCollector receives relay measurements.
type MetricsCollector interface {
	RecordEventProcessed(eventType string, success bool, duration time.Duration)
	RecordBatchProcessed(count int, duration time.Duration)
	RecordOutboxLag(lag int)
	RecordPublishAttempt(eventType string, attempt int, success bool)
}

type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEventProcessed(string, bool, time.Duration) {}
func (NoOpMetricsCollector) RecordBatchProcessed(int, time.Duration)          {}
func (NoOpMetricsCollector) RecordOutboxLag(int)                              {}
func (NoOpMetricsCollector) RecordPublishAttempt(string, int, bool)           {}

// Counters keeps running totals for the health endpoint.
type Counters struct {
	mu            sync.Mutex
	published     uint64
	failed        uint64
	retries       uint64
	lag           int
	lastPublished time.Time
	byType        map[string]uint64
}

func NewCounters() *Counters {
	return &Counters{byType: make(map[string]uint64)}
}

func (c *Counters) RecordEventProcessed(eventType string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !success {
		c.failed++
		return
	}
	c.published++
	c.byType[eventType]++
	c.lastPublished = time.Now()
}

func (c *Counters) RecordBatchProcessed(count int, duration time.Duration) {}

func (c *Counters) RecordOutboxLag(lag int) {
	c.mu.Lock()
	c.lag = lag
	c.mu.Unlock()
}

func (c *Counters) RecordPublishAttempt(eventType string, attempt int, success bool) {
	if attempt <= 1 {
		return
	}
	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Published     uint64            `json:"published"`
	Failed        uint64            `json:"failed"`
	Retries       uint64            `json:"retries"`
	Lag           int               `json:"lag"`
	LastPublished time.Time         `json:"last_published"`
	ByType        map[string]uint64 `json:"by_type"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	byType := make(map[string]uint64, len(c.byType))
	for k, v := range c.byType {
		byType[k] = v
	}
	return CounterSnapshot{
		Published:     c.published,
		Failed:        c.failed,
		Retries:       c.retries,
		Lag:           c.lag,
		LastPublished: c.lastPublished,
		ByType:        byType,
	}
}
