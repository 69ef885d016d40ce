package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TopicDepth is a point-in-time view of one queue topic.
type TopicDepth struct {
	Topic        string
	PendingFiles int
	CurrentBytes int64
}

// QueueStats reports the depth of every topic of a queue.
type QueueStats interface {
	Depths() ([]TopicDepth, error)
}

// Collector periodically copies queue depths into the gauges.
type Collector struct {
	metrics *TieringMetrics
	queue   QueueStats
	logger  zerolog.Logger
}

// NewCollector creates a new queue depth collector.
func NewCollector(m *TieringMetrics, queue QueueStats, logger zerolog.Logger) *Collector {
	return &Collector{
		metrics: m,
		queue:   queue,
		logger:  logger.With().Str("component", "metrics-collector").Logger(),
	}
}

// Collect updates the depth gauges from the current state.
func (c *Collector) Collect() {
	if c.queue == nil {
		return
	}
	depths, err := c.queue.Depths()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to collect queue depths")
		return
	}
	for _, d := range depths {
		c.metrics.SetQueueDepth(d.Topic, d.PendingFiles, d.CurrentBytes)
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
