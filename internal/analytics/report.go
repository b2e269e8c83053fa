package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/txplain/explorercache/internal/models"
)

// DayBreakdown is one date of a RangeReport
type DayBreakdown struct {
	Requests int64   `json:"requests"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// NetworkBreakdown is one network of a RangeReport
type NetworkBreakdown struct {
	Requests      int64   `json:"requests"`
	Hits          int64   `json:"hits"`
	HitRate       float64 `json:"hit_rate"`
	APICallsSaved int64   `json:"api_calls_saved"`
}

// RangeReport sums the buckets of a date range. Hit rates of breakdowns are
// the mean of their buckets' hit rates.
type RangeReport struct {
	Start              string                      `json:"start"`
	End                string                      `json:"end"`
	TotalRequests      int64                       `json:"total_requests"`
	TotalCacheHits     int64                       `json:"total_cache_hits"`
	TotalCacheMisses   int64                       `json:"total_cache_misses"`
	TotalAPICallsSaved int64                       `json:"total_api_calls_saved"`
	AverageHitRate     float64                     `json:"average_hit_rate"`
	UniqueContracts    int64                       `json:"unique_contracts"`
	DailyBreakdown     map[string]DayBreakdown     `json:"daily_breakdown"`
	NetworkBreakdown   map[string]NetworkBreakdown `json:"network_breakdown"`
}

// GetAnalyticsForDateRange aggregates the buckets dated between the UTC days
// of start and end, both inclusive
func (a *Analytics) GetAnalyticsForDateRange(ctx context.Context, start, end time.Time, f Filter) (*RangeReport, error) {
	ctx, span := a.tracer.Start(ctx, "analytics.GetAnalyticsForDateRange")
	defer span.End()

	from, to := start.UTC().Format(dayLayout), end.UTC().Format(dayLayout)
	if to < from {
		return nil, ErrInvalidRange
	}
	buckets, err := a.buckets(ctx, from, to, f)
	if err != nil {
		return nil, err
	}

	report := &RangeReport{
		Start:            from,
		End:              to,
		DailyBreakdown:   map[string]DayBreakdown{},
		NetworkBreakdown: map[string]NetworkBreakdown{},
	}
	rateSum := 0.0
	dayRates := map[string][]float64{}
	networkRates := map[string][]float64{}
	for _, b := range buckets {
		report.TotalRequests += b.TotalRequests
		report.TotalCacheHits += b.CacheHits
		report.TotalCacheMisses += b.CacheMisses
		report.TotalAPICallsSaved += b.APICallsSaved
		report.UniqueContracts += b.UniqueContracts
		rateSum += b.HitRate

		day := report.DailyBreakdown[b.Date]
		day.Requests += b.TotalRequests
		day.Hits += b.CacheHits
		day.Misses += b.CacheMisses
		report.DailyBreakdown[b.Date] = day
		dayRates[b.Date] = append(dayRates[b.Date], b.HitRate)

		network := report.NetworkBreakdown[b.Network]
		network.Requests += b.TotalRequests
		network.Hits += b.CacheHits
		network.APICallsSaved += b.APICallsSaved
		report.NetworkBreakdown[b.Network] = network
		networkRates[b.Network] = append(networkRates[b.Network], b.HitRate)
	}
	if len(buckets) > 0 {
		report.AverageHitRate = rateSum / float64(len(buckets))
	}
	for date, rates := range dayRates {
		day := report.DailyBreakdown[date]
		day.HitRate = mean(rates)
		report.DailyBreakdown[date] = day
	}
	for name, rates := range networkRates {
		network := report.NetworkBreakdown[name]
		network.HitRate = mean(rates)
		report.NetworkBreakdown[name] = network
	}
	return report, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Period is one window of the performance summary
type Period struct {
	TotalRequests int64   `json:"total_requests"`
	CacheHits     int64   `json:"cache_hits"`
	APICallsSaved int64   `json:"api_calls_saved"`
	HitRate       float64 `json:"hit_rate"`
}

// PerformanceSummary covers today, the current week and the current month
type PerformanceSummary struct {
	Today     Period `json:"today"`
	ThisWeek  Period `json:"this_week"`
	ThisMonth Period `json:"this_month"`
}

// GetCurrentPerformanceSummary aggregates today's buckets, those of the week
// starting on the last Monday and those of the calendar month, all in UTC
func (a *Analytics) GetCurrentPerformanceSummary(ctx context.Context) (*PerformanceSummary, error) {
	ctx, span := a.tracer.Start(ctx, "analytics.GetCurrentPerformanceSummary")
	defer span.End()

	now := a.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := today.AddDate(0, 0, -((int(today.Weekday()) + 6) % 7))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var summary PerformanceSummary
	windows := []struct {
		dst      *Period
		from, to time.Time
	}{
		{&summary.Today, today, today},
		{&summary.ThisWeek, weekStart, weekStart.AddDate(0, 0, 6)},
		{&summary.ThisMonth, monthStart, monthStart.AddDate(0, 1, -1)},
	}
	for _, w := range windows {
		buckets, err := a.buckets(ctx, w.from.Format(dayLayout), w.to.Format(dayLayout), Filter{})
		if err != nil {
			return nil, fmt.Errorf("summarize %s..%s: %w", w.from.Format(dayLayout), w.to.Format(dayLayout), err)
		}
		*w.dst = period(buckets)
	}
	return &summary, nil
}

func period(buckets []models.AnalyticsBucket) Period {
	var p Period
	rates := make([]float64, 0, len(buckets))
	for _, b := range buckets {
		p.TotalRequests += b.TotalRequests
		p.CacheHits += b.CacheHits
		p.APICallsSaved += b.APICallsSaved
		rates = append(rates, b.HitRate)
	}
	p.HitRate = mean(rates)
	return p
}

// HourlyPerformance is one hour of today
type HourlyPerformance struct {
	Hour   int   `json:"hour"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Total  int64 `json:"total"`
}

// GetTodayHourlyPerformance sums today's hour slots across cache types,
// optionally for one network
func (a *Analytics) GetTodayHourlyPerformance(ctx context.Context, network string) ([24]HourlyPerformance, error) {
	var out [24]HourlyPerformance
	for h := range out {
		out[h].Hour = h
	}
	today := a.now().UTC().Format(dayLayout)
	where, args := Filter{Network: network}.clauses(today, today)
	rows, err := a.db.QueryContext(ctx, `
SELECT hour, SUM(hits), SUM(misses) FROM contract_cache_analytics_hourly`+where+`
GROUP BY hour`, args...)
	if err != nil {
		return out, fmt.Errorf("query hourly performance: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			hour         int
			hits, misses int64
		)
		if err := rows.Scan(&hour, &hits, &misses); err != nil {
			return out, fmt.Errorf("scan hourly performance: %w", err)
		}
		if hour < 0 || hour > 23 {
			continue
		}
		out[hour].Hits, out[hour].Misses, out[hour].Total = hits, misses, hits+misses
	}
	return out, rows.Err()
}
