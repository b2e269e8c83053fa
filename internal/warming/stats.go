package warming

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// defaultItemSeconds is assumed per item before any item has completed
const defaultItemSeconds = 30.0

// QueueEstimate is how long the pending backlog should take
type QueueEstimate struct {
	TotalSeconds int64   `json:"total_seconds"`
	Hours        float64 `json:"hours"`
	PendingItems int64   `json:"pending_items"`
}

// Stats is the dashboard view of the queue
type Stats struct {
	TotalItems            int64            `json:"total_items"`
	Pending               int64            `json:"pending"`
	Processing            int64            `json:"processing"`
	Completed             int64            `json:"completed"`
	Failed                int64            `json:"failed"`
	SuccessRate           float64          `json:"success_rate"`
	ByPriority            map[string]int64 `json:"by_priority"`
	ByNetwork             map[string]int64 `json:"by_network"`
	AverageProcessingSecs float64          `json:"average_processing_time_seconds"`
	EstimatedQueueTime    QueueEstimate    `json:"estimated_queue_time"`
}

// GetQueueStats counts items by status, pending items by priority and
// network, and estimates the backlog from the observed processing time
func (q *Queue) GetQueueStats(ctx context.Context) (*Stats, error) {
	ctx, span := q.tracer.Start(ctx, "warming.GetQueueStats")
	defer span.End()

	stats := &Stats{}
	var avgMillis sql.NullFloat64
	err := q.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
	(SELECT AVG(completed_at - started_at) FROM cache_warming_queue
		WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL)
FROM cache_warming_queue`).Scan(
		&stats.TotalItems, &stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &avgMillis,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue totals: %w", err)
	}
	if stats.TotalItems > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.TotalItems) * 100
	}

	perItem := defaultItemSeconds
	if avgMillis.Valid {
		stats.AverageProcessingSecs = math.Round(avgMillis.Float64/1000*100) / 100
		perItem = avgMillis.Float64 / 1000
	}
	total := float64(stats.Pending) * perItem
	stats.EstimatedQueueTime = QueueEstimate{
		TotalSeconds: int64(math.Round(total)),
		Hours:        math.Round(total/3600*10) / 10,
		PendingItems: stats.Pending,
	}

	if stats.ByPriority, err = q.pendingCountBy(ctx, "priority"); err != nil {
		return nil, err
	}
	if stats.ByNetwork, err = q.pendingCountBy(ctx, "network"); err != nil {
		return nil, err
	}
	return stats, nil
}

func (q *Queue) pendingCountBy(ctx context.Context, column string) (map[string]int64, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM cache_warming_queue WHERE status = 'pending' GROUP BY `+column)
	if err != nil {
		return nil, fmt.Errorf("count pending items by %s: %w", column, err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var (
			name  string
			count int64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan pending %s count: %w", column, err)
		}
		counts[name] = count
	}
	return counts, rows.Err()
}
