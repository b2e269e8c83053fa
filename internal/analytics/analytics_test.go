package analytics

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txplain/explorercache/internal/data/datatest"
)

// Wednesday
var testStart = time.Date(2024, 6, 5, 9, 15, 0, 0, time.UTC)

func newTestAnalytics(t *testing.T) (*Analytics, *datatest.Clock) {
	t.Helper()
	clock := datatest.NewClock(testStart)
	return New(datatest.Open(t), WithClock(clock.Now)), clock
}

func TestRecordCreatesAndBumpsBucket(t *testing.T) {
	ctx := context.Background()
	a, clock := newTestAnalytics(t)

	require.NoError(t, a.RecordCacheMiss(ctx, "Ethereum", "source", "0xABC"))
	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "source", "0xabc"))
	clock.Advance(time.Hour)
	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "source", "0xdef"))

	b, ok, err := a.GetBucket(ctx, "ethereum", "source", clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-06-05", b.Date)
	assert.Equal(t, int64(3), b.TotalRequests)
	assert.Equal(t, int64(2), b.CacheHits)
	assert.Equal(t, int64(1), b.CacheMisses)
	assert.Equal(t, int64(2), b.APICallsSaved)
	assert.Equal(t, int64(2), b.UniqueContracts)
	assert.InDelta(t, 66.666, b.HitRate, 0.01)
	assert.Equal(t, int64(1), b.HourlyStats[9].Hits)
	assert.Equal(t, int64(1), b.HourlyStats[9].Misses)
	assert.Equal(t, int64(1), b.HourlyStats[10].Hits)

	_, ok, err = a.GetBucket(ctx, "ethereum", "abi", clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	require.Error(t, a.RecordCacheHit(ctx, "", "source", "0xabc"))
}

func TestNewDayStartsNewBucket(t *testing.T) {
	ctx := context.Background()
	a, clock := newTestAnalytics(t)
	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "abi", "0xabc"))
	clock.Advance(24 * time.Hour)
	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "abi", "0xabc"))

	b, ok, err := a.GetBucket(ctx, "ethereum", "abi", clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), b.TotalRequests)
	assert.Equal(t, int64(1), b.UniqueContracts, "unique contracts reset per day")
}

func TestConservation(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAnalytics(t)
	rng := rand.New(rand.NewSource(7))

	var hits, misses int64
	for i := 0; i < 60; i++ {
		if rng.Intn(3) == 0 {
			require.NoError(t, a.RecordCacheMiss(ctx, "polygon", "creation", "0xabc"))
			misses++
		} else {
			require.NoError(t, a.RecordCacheHit(ctx, "polygon", "creation", "0xabc"))
			hits++
		}
	}

	b, ok, err := a.GetBucket(ctx, "polygon", "creation", testStart)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hits, b.CacheHits)
	assert.Equal(t, misses, b.CacheMisses)
	assert.Equal(t, b.CacheHits+b.CacheMisses, b.TotalRequests)
	assert.InDelta(t, float64(hits)/float64(hits+misses)*100, b.HitRate, 0.0001)
}

func TestConcurrentEventsAreNotLost(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAnalytics(t)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = a.RecordCacheHit(ctx, "bsc", "source", "0xabc")
			} else {
				err = a.RecordCacheMiss(ctx, "bsc", "source", "0xabc")
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	b, ok, err := a.GetBucket(ctx, "bsc", "source", testStart)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), b.TotalRequests)
	assert.Equal(t, int64(6), b.CacheHits)
	assert.Equal(t, int64(1), b.UniqueContracts)
}

func TestDateRangeReport(t *testing.T) {
	ctx := context.Background()
	a, clock := newTestAnalytics(t)

	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "source", "0xa"))
	require.NoError(t, a.RecordCacheMiss(ctx, "ethereum", "source", "0xb"))
	require.NoError(t, a.RecordCacheHit(ctx, "polygon", "abi", "0xc"))
	clock.Advance(24 * time.Hour)
	require.NoError(t, a.RecordCacheMiss(ctx, "ethereum", "source", "0xa"))

	report, err := a.GetAnalyticsForDateRange(ctx, testStart, clock.Now(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.TotalRequests)
	assert.Equal(t, int64(2), report.TotalCacheHits)
	assert.Equal(t, int64(2), report.TotalCacheMisses)
	assert.Equal(t, int64(2), report.TotalAPICallsSaved)
	assert.Equal(t, int64(4), report.UniqueContracts)
	assert.InDelta(t, (50.0+100.0+0.0)/3, report.AverageHitRate, 0.001)

	require.Len(t, report.DailyBreakdown, 2)
	assert.Equal(t, DayBreakdown{Requests: 3, Hits: 2, Misses: 1, HitRate: 75}, report.DailyBreakdown["2024-06-05"])
	assert.Equal(t, int64(3), report.NetworkBreakdown["ethereum"].Requests)
	assert.InDelta(t, 25.0, report.NetworkBreakdown["ethereum"].HitRate, 0.001)

	filtered, err := a.GetAnalyticsForDateRange(ctx, testStart, clock.Now(), Filter{Network: "polygon", CacheType: "abi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), filtered.TotalRequests)

	_, err = a.GetAnalyticsForDateRange(ctx, clock.Now(), testStart, Filter{})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestPerformanceSummaryWindows(t *testing.T) {
	ctx := context.Background()
	a, clock := newTestAnalytics(t)

	clock.Set(time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)) // previous month, previous week
	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "source", "0xa"))
	clock.Set(time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)) // this month, previous week (Sunday)
	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "source", "0xa"))
	clock.Set(time.Date(2024, 6, 3, 0, 30, 0, 0, time.UTC)) // Monday
	require.NoError(t, a.RecordCacheMiss(ctx, "ethereum", "source", "0xa"))
	clock.Set(testStart)
	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "source", "0xa"))
	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "abi", "0xa"))

	summary, err := a.GetCurrentPerformanceSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Today.TotalRequests)
	assert.InDelta(t, 100.0, summary.Today.HitRate, 0.001)
	assert.Equal(t, int64(3), summary.ThisWeek.TotalRequests)
	assert.Equal(t, int64(2), summary.ThisWeek.APICallsSaved)
	assert.Equal(t, int64(4), summary.ThisMonth.TotalRequests)
	assert.Equal(t, int64(3), summary.ThisMonth.CacheHits)
}

func TestTodayHourlyPerformance(t *testing.T) {
	ctx := context.Background()
	a, clock := newTestAnalytics(t)

	require.NoError(t, a.RecordCacheHit(ctx, "ethereum", "source", "0xa"))
	require.NoError(t, a.RecordCacheMiss(ctx, "ethereum", "abi", "0xa"))
	require.NoError(t, a.RecordCacheHit(ctx, "polygon", "abi", "0xa"))
	clock.Advance(2 * time.Hour)
	require.NoError(t, a.RecordCacheMiss(ctx, "ethereum", "source", "0xa"))

	hours, err := a.GetTodayHourlyPerformance(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, HourlyPerformance{Hour: 9, Hits: 2, Misses: 1, Total: 3}, hours[9])
	assert.Equal(t, HourlyPerformance{Hour: 11, Misses: 1, Total: 1}, hours[11])
	assert.Equal(t, HourlyPerformance{Hour: 0}, hours[0])

	hours, err = a.GetTodayHourlyPerformance(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hours[9].Hits)
}
