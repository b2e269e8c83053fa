package explorer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txplain/explorercache/internal/cache"
	"github.com/txplain/explorercache/internal/data/datatest"
	"github.com/txplain/explorercache/internal/models"
	"github.com/txplain/explorercache/internal/usage"
)

const sourceResponse = `{"status":"1","message":"OK","result":[{
	"SourceCode":"pragma solidity ^0.8.0;\ncontract Token {}",
	"ABI":"[{\"type\":\"function\",\"name\":\"totalSupply\"}]",
	"ContractName":"Token",
	"CompilerVersion":"v0.8.19+commit.7dd6d404",
	"OptimizationUsed":"1",
	"Runs":"200",
	"Proxy":"0",
	"Implementation":""
}]}`

type fakeExplorer struct {
	calls   atomic.Int64
	handler func(w http.ResponseWriter, r *http.Request, call int64)
}

func (f *fakeExplorer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	f.handler(w, r, n)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, call int64), opts ...Option) (*Client, *fakeExplorer, *usage.Tracker) {
	t.Helper()
	fake := &fakeExplorer{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	db := datatest.Open(t)
	tracker := usage.NewTracker(db)
	base := []Option{
		WithEndpoint("ethereum", srv.URL+"/api"),
		WithAPIKey("test-key"),
		WithUsageTracker(tracker),
		WithResponseCache(cache.NewStore(db)),
		WithRateLimit(1000, 10),
		WithRetry(RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, BackoffFactor: 2}),
	}
	return NewClient(append(base, opts...)...), fake, tracker
}

func TestFetchSourceUsesResponseCache(t *testing.T) {
	ctx := context.Background()
	c, fake, tracker := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ int64) {
		assert.Equal(t, "getsourcecode", r.URL.Query().Get("action"))
		assert.Equal(t, "0xabc", r.URL.Query().Get("address"))
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		fmt.Fprint(w, sourceResponse)
	})

	got, err := c.Fetch(ctx, "ethereum", "0xABC", models.CacheTypeSource)
	require.NoError(t, err)
	src, ok := got.(models.SourceData)
	require.True(t, ok)
	assert.Equal(t, "Token", src.ContractName)
	assert.True(t, src.OptimizationUsed)
	assert.Equal(t, 200, src.OptimizationRuns)
	assert.True(t, src.IsVerified)
	assert.True(t, src.SourceComplete)
	assert.Equal(t, 2, src.SourceLineCount)
	assert.JSONEq(t, `[{"type":"function","name":"totalSupply"}]`, string(src.ABI))

	_, err = c.Fetch(ctx, "ethereum", "0xabc", models.CacheTypeSource)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fake.calls.Load(), "second fetch is served from the response cache")

	status, err := tracker.GetCurrentRateLimitStatus(ctx, "ethereum", "etherscan")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.RequestsLastHour)
	assert.Zero(t, status.ErrorsLastHour)
}

func TestFetchABINotVerified(t *testing.T) {
	ctx := context.Background()
	c, fake, tracker := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Contract source code not verified"}`)
	})

	_, err := c.Fetch(ctx, "ethereum", "0xabc", models.CacheTypeABI)
	require.ErrorIs(t, err, ErrNotVerified)
	assert.False(t, Retryable(err))
	assert.Equal(t, int64(1), fake.calls.Load(), "not verified is not retried")

	top, err := tracker.GetTopErrors(ctx, 10, "ethereum")
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, TypeNotVerified, top[0].Type)
}

func TestFetchRateLimitedByExplorer(t *testing.T) {
	c, fake, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ int64) {
		fmt.Fprint(w, `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`)
	})

	_, err := c.Fetch(context.Background(), "ethereum", "0xabc", models.CacheTypeABI)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, Retryable(err))
	assert.Equal(t, int64(1), fake.calls.Load(), "rate limits are left to the queue backoff")
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	ctx := context.Background()
	c, fake, tracker := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, call int64) {
		if call == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status":"1","message":"OK","result":"[{\"type\":\"event\"}]"}`)
	})

	got, err := c.Fetch(ctx, "ethereum", "0xabc", models.CacheTypeABI)
	require.NoError(t, err)
	assert.Equal(t, models.ABIData{ABI: []byte(`[{"type":"event"}]`), ABIComplete: true}, got)
	assert.Equal(t, int64(2), fake.calls.Load())

	stats, err := tracker.GetUsageStats(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Minute), usage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, map[string]int64{TypeHTTPStatus: 1}, stats.ErrorBreakdown)
}

func TestAdmissionControlRefusesCall(t *testing.T) {
	ctx := context.Background()
	fake := &fakeExplorer{handler: func(w http.ResponseWriter, _ *http.Request, _ int64) {
		fmt.Fprint(w, `{"status":"1","message":"OK","result":[{"contractAddress":"0xabc","contractCreator":"0xDEPLOYER","txHash":"0xTX"}]}`)
	}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	th := usage.DefaultThresholds()
	th.Default.PerMinute = 1
	tracker := usage.NewTracker(datatest.Open(t), usage.WithThresholds(th))
	c := NewClient(WithEndpoint("ethereum", srv.URL), WithUsageTracker(tracker), WithRateLimit(1000, 10))

	got, err := c.Fetch(ctx, "ethereum", "0xabc", models.CacheTypeCreation)
	require.NoError(t, err)
	assert.Equal(t, models.CreationData{CreatorAddress: "0xdeployer", CreationTxHash: "0xtx"}, got)

	_, err = c.Fetch(ctx, "ethereum", "0xdef", models.CacheTypeCreation)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int64(1), fake.calls.Load())
}

func TestFetchUnknownNetwork(t *testing.T) {
	c := NewClient()
	_, err := c.Fetch(context.Background(), "solana", "0xabc", models.CacheTypeABI)
	require.ErrorIs(t, err, ErrUnknownNetwork)
	assert.False(t, Retryable(err))

	_, err = c.Fetch(context.Background(), "ethereum", "0xabc", "bytecode")
	require.Error(t, err)
}

func TestParseSources(t *testing.T) {
	wrapped := `{{"language":"Solidity","sources":{"A.sol":{"content":"contract A {}"},"B.sol":{"content":"contract B {\n}"}}}}`
	files := parseSources(wrapped)
	assert.Equal(t, map[string]string{"A.sol": "contract A {}", "B.sol": "contract B {\n}"}, files)

	bare := `{"C.sol":{"content":"contract C {}"}}`
	assert.Len(t, parseSources(bare), 1)
	assert.Nil(t, parseSources("pragma solidity ^0.8.0;"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err   error
		want  string
		retry bool
	}{
		{fmt.Errorf("wrap: %w", ErrRateLimited), TypeRateLimit, true},
		{ErrNotVerified, TypeNotVerified, false},
		{&StatusError{Code: 503}, TypeHTTPStatus, true},
		{&StatusError{Code: 404}, TypeHTTPStatus, false},
		{&APIError{Message: "NOTOK", Result: "Invalid address format"}, TypeAPIError, false},
		{&decodeError{err: errors.New("unexpected end of JSON input")}, TypeDecode, false},
		{context.DeadlineExceeded, TypeTimeout, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
		assert.Equal(t, tc.retry, Retryable(tc.err), tc.err.Error())
	}
	assert.Empty(t, Classify(nil))
}
