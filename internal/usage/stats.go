package usage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/models"
)

// Filter narrows usage aggregations; empty fields match everything
type Filter struct {
	Network  string
	Explorer string
}

// EndpointStats is the per-endpoint slice of UsageStats
type EndpointStats struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AvgResponseTime    float64 `json:"avg_response_time"`
}

// DailyUsage is one UTC day of UsageStats
type DailyUsage struct {
	Date               string  `json:"date"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
}

// UsageStats aggregates the calls of a time range
type UsageStats struct {
	TotalRequests       int64                    `json:"total_requests"`
	SuccessfulRequests  int64                    `json:"successful_requests"`
	FailedRequests      int64                    `json:"failed_requests"`
	SuccessRate         float64                  `json:"success_rate"`
	AverageResponseTime float64                  `json:"average_response_time"`
	EndpointStats       map[string]EndpointStats `json:"endpoint_stats"`
	ErrorBreakdown      map[string]int64         `json:"error_breakdown"`
	DailyUsage          []DailyUsage             `json:"daily_usage"`
}

// ErrorCount is one row of GetTopErrors
type ErrorCount struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Count   int64  `json:"count"`
}

func (f Filter) where(start, end int64) (string, []any) {
	clauses := []string{"request_time >= ?", "request_time <= ?"}
	args := []any{start, end}
	if n := models.NormalizeNetwork(f.Network); n != "" {
		clauses = append(clauses, "network = ?")
		args = append(args, n)
	}
	if e := strings.ToLower(strings.TrimSpace(f.Explorer)); e != "" {
		clauses = append(clauses, "explorer = ?")
		args = append(args, e)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func percent(part, total int64) float64 {
	if total < 1 {
		total = 1
	}
	return float64(part) / float64(total) * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// GetUsageStats aggregates the calls made in [start, end]: totals, mean
// latency of successful calls, a per-endpoint breakdown, an error-type
// histogram and one row per UTC day
func (t *Tracker) GetUsageStats(ctx context.Context, start, end time.Time, filter Filter) (*UsageStats, error) {
	ctx, span := t.tracer.Start(ctx, "usage.GetUsageStats")
	defer span.End()

	where, args := filter.where(data.Millis(start), data.Millis(end))
	stats := &UsageStats{
		EndpointStats:  map[string]EndpointStats{},
		ErrorBreakdown: map[string]int64{},
		DailyUsage:     []DailyUsage{},
	}

	var avg sql.NullFloat64
	err := t.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(successful), 0),
	AVG(CASE WHEN successful = 1 THEN response_time_ms END)
FROM api_usage_tracking`+where, args...).Scan(&stats.TotalRequests, &stats.SuccessfulRequests, &avg)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	stats.FailedRequests = stats.TotalRequests - stats.SuccessfulRequests
	if stats.TotalRequests > 0 {
		stats.SuccessRate = percent(stats.SuccessfulRequests, stats.TotalRequests)
	}
	stats.AverageResponseTime = round2(avg.Float64)

	rows, err := t.db.QueryContext(ctx, `
SELECT endpoint, COUNT(*), COALESCE(SUM(successful), 0),
	AVG(CASE WHEN successful = 1 THEN response_time_ms END)
FROM api_usage_tracking`+where+`
GROUP BY endpoint`, args...)
	if err != nil {
		return nil, fmt.Errorf("query endpoint usage: %w", err)
	}
	for rows.Next() {
		var (
			endpoint string
			es       EndpointStats
			latency  sql.NullFloat64
		)
		if err := rows.Scan(&endpoint, &es.TotalRequests, &es.SuccessfulRequests, &latency); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan endpoint usage: %w", err)
		}
		es.SuccessRate = percent(es.SuccessfulRequests, es.TotalRequests)
		es.AvgResponseTime = round2(latency.Float64)
		stats.EndpointStats[endpoint] = es
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = t.db.QueryContext(ctx, `
SELECT error_type, COUNT(*) FROM api_usage_tracking`+where+` AND successful = 0
GROUP BY error_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("query error breakdown: %w", err)
	}
	for rows.Next() {
		var (
			errorType string
			count     int64
		)
		if err := rows.Scan(&errorType, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan error breakdown: %w", err)
		}
		stats.ErrorBreakdown[errorType] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = t.db.QueryContext(ctx, `
SELECT request_day, COUNT(*), COALESCE(SUM(successful), 0)
FROM api_usage_tracking`+where+`
GROUP BY request_day
ORDER BY request_day`, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day DailyUsage
		if err := rows.Scan(&day.Date, &day.TotalRequests, &day.SuccessfulRequests); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		day.SuccessRate = percent(day.SuccessfulRequests, day.TotalRequests)
		stats.DailyUsage = append(stats.DailyUsage, day)
	}
	return stats, rows.Err()
}

// GetTopErrors returns the most frequent (message, type) pairs of failed
// calls over the trailing DefaultErrorWindow
func (t *Tracker) GetTopErrors(ctx context.Context, limit int, network string) ([]ErrorCount, error) {
	if limit <= 0 {
		limit = DefaultTopErrors
	}
	query := `
SELECT error_message, error_type, COUNT(*) AS n
FROM api_usage_tracking
WHERE successful = 0 AND request_time >= ?`
	args := []any{data.Millis(t.now().Add(-DefaultErrorWindow))}
	if n := models.NormalizeNetwork(network); n != "" {
		query += ` AND network = ?`
		args = append(args, n)
	}
	query += `
GROUP BY error_message, error_type
ORDER BY n DESC, error_message ASC
LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query top errors: %w", err)
	}
	defer rows.Close()

	errs := []ErrorCount{}
	for rows.Next() {
		var e ErrorCount
		if err := rows.Scan(&e.Message, &e.Type, &e.Count); err != nil {
			return nil, fmt.Errorf("scan top error: %w", err)
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}
