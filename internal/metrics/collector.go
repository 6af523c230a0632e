package metrics

import (
	"context"
	"log/slog"
	"time"
)

// QueueDepth is the number of queue items of one service in one state
type QueueDepth struct {
	Service string
	State   string
	Count   int
}

// DB interface for queue depth queries
type DB interface {
	QueueDepths(ctx context.Context) ([]QueueDepth, error)
}

// QueueDepthCollector periodically copies queue depths from the database
// into the QueueDepthGauge. It runs as a supervised service.
type QueueDepthCollector struct {
	db       DB
	interval time.Duration
	logger   *slog.Logger
}

func NewQueueDepthCollector(db DB, interval time.Duration) *QueueDepthCollector {
	return &QueueDepthCollector{
		db:       db,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Serve implements suture.Service
func (c *QueueDepthCollector) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect once immediately
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Queue depth collector stopping")
			return ctx.Err()
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

func (c *QueueDepthCollector) String() string {
	return "queue-depth-collector"
}

// Collect refreshes the gauges once
func (c *QueueDepthCollector) Collect(ctx context.Context) {
	depths, err := c.db.QueueDepths(ctx)
	if err != nil {
		c.logger.Error("Failed to get queue depths", "error", err)
		return
	}

	// States with no rows must drop back to zero
	QueueDepthGauge.Reset()
	for _, d := range depths {
		QueueDepthGauge.WithLabelValues(d.Service, d.State).Set(float64(d.Count))
	}
}
