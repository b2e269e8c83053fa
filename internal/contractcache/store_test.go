package contractcache

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txplain/explorercache/internal/data/datatest"
	"github.com/txplain/explorercache/internal/models"
)

var testStart = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type countingRecorder struct {
	hits, misses int
}

func (r *countingRecorder) RecordCacheHit(context.Context, string, string, string) error {
	r.hits++
	return nil
}

func (r *countingRecorder) RecordCacheMiss(context.Context, string, string, string) error {
	r.misses++
	return nil
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *datatest.Clock) {
	t.Helper()
	clock := datatest.NewClock(testStart)
	return NewStore(datatest.Open(t), append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func sampleSource() models.SourceData {
	return models.SourceData{
		ContractName:     "Token",
		CompilerVersion:  "v0.8.19+commit.7dd6d404",
		OptimizationUsed: true,
		OptimizationRuns: 200,
		SourceCode:       "pragma solidity ^0.8.0;\ncontract Token {}",
		ABI:              json.RawMessage(`[{"type":"function","name":"totalSupply"}]`),
		IsVerified:       true,
		SourceComplete:   true,
		SourceFileCount:  1,
	}
}

func TestStoreAndGetForContract(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	stored, err := s.StoreContractData(ctx, "Ethereum", "0xABC", sampleSource(), time.Hour, StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ethereum", stored.Network)
	assert.Equal(t, "0xabc", stored.ContractAddress)
	assert.Equal(t, models.CacheTypeSource, stored.CacheType)
	assert.Equal(t, int64(1), stored.APIFetchCount)
	assert.True(t, stored.FetchedFromAPI)
	assert.Equal(t, models.PriorityMedium, stored.CachePriority)
	assert.InDelta(t, 1.0, stored.QualityScore, 0.0001)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, testStart.Add(time.Hour).Equal(*stored.ExpiresAt))

	got, ok, err := s.GetForContract(ctx, "ethereum", "0xabc", models.CacheTypeSource)
	require.NoError(t, err)
	require.True(t, ok)
	src, isSource := got.Data.(models.SourceData)
	require.True(t, isSource)
	assert.Equal(t, "Token", src.ContractName)
	assert.Equal(t, 200, src.OptimizationRuns)

	_, ok, err = s.GetForContract(ctx, "ethereum", "0xabc", models.CacheTypeABI)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreContractDataUpsertsTriple(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	first, err := s.StoreContractData(ctx, "ethereum", "0xabc", models.ABIData{ABI: json.RawMessage(`[]`)}, time.Hour, StoreOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, first.QualityScore, 0.0001)

	clock.Advance(time.Minute)
	second, err := s.StoreContractData(ctx, "ethereum", "0xabc", models.ABIData{ABI: json.RawMessage(`[{"type":"event"}]`), ABIComplete: true}, time.Hour, StoreOptions{Priority: models.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.APIFetchCount)
	assert.True(t, clock.Now().Equal(second.FetchedAt))
	assert.Equal(t, models.PriorityHigh, second.CachePriority)

	third, err := s.StoreContractData(ctx, "ethereum", "0xabc", models.ABIData{ABI: json.RawMessage(`[{"type":"event"}]`)}, time.Hour, StoreOptions{FromCache: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), third.APIFetchCount)
	assert.False(t, third.FetchedFromAPI)

	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contract_cache").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestNullExpiryIsPermanent(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	creation := models.CreationData{CreatorAddress: "0xdeployer", CreationTxHash: "0xtx"}
	stored, err := s.StoreContractData(ctx, "ethereum", "0xabc", creation, 0, StoreOptions{})
	require.NoError(t, err)
	assert.Nil(t, stored.ExpiresAt)

	clock.Advance(10 * 365 * 24 * time.Hour)
	got, ok, err := s.GetForContract(ctx, "ethereum", "0xabc", models.CacheTypeCreation)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, creation, got.Data)

	deleted, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	_, err := s.StoreContractData(ctx, "bsc", "0xabc", sampleSource(), time.Hour, StoreOptions{})
	require.NoError(t, err)

	clock.Set(testStart.Add(time.Hour - time.Second))
	_, ok, err := s.GetForContract(ctx, "bsc", "0xabc", models.CacheTypeSource)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Set(testStart.Add(time.Hour + time.Second))
	_, ok, err = s.GetForContract(ctx, "bsc", "0xabc", models.CacheTypeSource)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestGetCachedDataShapesResponseAndRecords(t *testing.T) {
	ctx := context.Background()
	recorder := &countingRecorder{}
	var missed []string
	s, _ := newTestStore(t, WithRecorder(recorder), WithMissHook(func(_ context.Context, network, address string, cacheType models.CacheType) {
		missed = append(missed, network+"/"+address+"/"+string(cacheType))
	}))

	_, ok, err := s.GetCachedData(ctx, "ethereum", "0xABC", models.CacheTypeCreation)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"ethereum/0xabc/creation"}, missed)

	_, err = s.StoreContractData(ctx, "ethereum", "0xabc", models.CreationData{CreatorAddress: "0xdeployer", CreationTxHash: "0xtx"}, time.Hour, StoreOptions{})
	require.NoError(t, err)

	resp, ok, err := s.GetCachedData(ctx, "ethereum", "0xabc", models.CacheTypeCreation)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, recorder.hits)
	assert.Equal(t, 1, recorder.misses)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, true, fields["cached"])
	assert.Equal(t, "0xdeployer", fields["creator_address"])
	assert.Equal(t, "0xtx", fields["creation_tx_hash"])
	assert.Contains(t, fields, "cache_expires_at")
	assert.NotContains(t, fields, "abi")
	assert.NotContains(t, fields, "compiler_version")
}

func TestRecordErrorAndRefreshQueue(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	proxy := sampleSource()
	proxy.Proxy = true
	_, err := s.StoreContractData(ctx, "ethereum", "0xproxy", proxy, 0, StoreOptions{Priority: models.PriorityCritical})
	require.NoError(t, err)
	_, err = s.StoreContractData(ctx, "ethereum", "0xsmall", sampleSource(), 0, StoreOptions{})
	require.NoError(t, err)

	require.NoError(t, s.RecordError(ctx, "ethereum", "0xproxy", models.CacheTypeSource, "rate limited"))

	clock.Advance(8 * 24 * time.Hour)
	due, err := s.ContractsNeedingRefresh(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "0xproxy", due[0].ContractAddress)
	assert.Equal(t, int64(1), due[0].ErrorCount)
	assert.Equal(t, "rate limited", due[0].LastErrorMessage)
	require.NotNil(t, due[0].LastErrorAt)

	clock.Advance(90 * 24 * time.Hour)
	due, err = s.ContractsNeedingRefresh(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "0xproxy", due[0].ContractAddress, "critical priority first")
}

func TestNextRefresh(t *testing.T) {
	large := models.SourceData{SourceCode: strings.Repeat("line\n", 1200)}
	medium := models.SourceData{SourceCode: strings.Repeat("line\n", 600)}
	small := models.SourceData{SourceCode: "contract A {}"}

	assert.Equal(t, testStart.AddDate(0, 0, 7), *NextRefresh(large, testStart))
	assert.Equal(t, testStart.AddDate(0, 1, 0), *NextRefresh(medium, testStart))
	assert.Equal(t, testStart.AddDate(0, 3, 0), *NextRefresh(small, testStart))
	assert.Equal(t, testStart.AddDate(0, 1, 0), *NextRefresh(models.ABIData{}, testStart))
}

func TestStatsAndEfficiency(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	_, err := s.StoreContractData(ctx, "ethereum", "0xa", sampleSource(), time.Hour, StoreOptions{})
	require.NoError(t, err)
	_, err = s.StoreContractData(ctx, "ethereum", "0xa", sampleSource(), time.Hour, StoreOptions{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = s.StoreContractData(ctx, "polygon", "0xb", models.ABIData{ABI: json.RawMessage(`[{}]`)}, time.Minute, StoreOptions{})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.ValidEntries)
	assert.Equal(t, int64(1), stats.ExpiredEntries)
	assert.Equal(t, map[string]int64{"ethereum": 1, "polygon": 1}, stats.ByNetwork)
	assert.Equal(t, map[string]int64{"source": 1, "abi": 1}, stats.ByType)
	require.NotNil(t, stats.OldestEntry)
	require.NotNil(t, stats.NewestEntry)
	assert.True(t, testStart.Equal(*stats.OldestEntry))
	assert.True(t, testStart.Add(time.Minute).Equal(*stats.NewestEntry))

	eff, err := s.EfficiencyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), eff.ActiveEntries)
	assert.Equal(t, int64(1), eff.TotalAPICallsSaved)
	assert.Equal(t, int64(2), eff.CacheTypes["source"].TotalAPICalls)
	assert.InDelta(t, 1.0, eff.AverageQuality, 0.0001)
}
