package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txplain/explorercache/internal/data/datatest"
	"github.com/txplain/explorercache/internal/models"
)

var testStart = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type recordedEvent struct {
	hit                          bool
	network, cacheType, resource string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (r *fakeRecorder) RecordCacheHit(_ context.Context, network, cacheType, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{true, network, cacheType, address})
	return r.err
}

func (r *fakeRecorder) RecordCacheMiss(_ context.Context, network, cacheType, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{false, network, cacheType, address})
	return r.err
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *datatest.Clock) {
	t.Helper()
	clock := datatest.NewClock(testStart)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewStore(datatest.Open(t), opts...), clock
}

func storeSample(t *testing.T, s *Store, resourceID string, ttl time.Duration) *models.CacheEntry {
	t.Helper()
	entry, err := s.Store(context.Background(), StoreRequest{
		Source:       "etherscan",
		Endpoint:     "getsourcecode",
		ResourceType: "contract",
		Payload:      map[string]any{"status": "1", "result": []any{map[string]any{"ContractName": "Token"}}},
		Params:       map[string]any{"module": "contract", "action": "getsourcecode"},
		ResourceID:   resourceID,
		TTL:          ttl,
		Cost:         3,
	})
	require.NoError(t, err)
	return entry
}

func sampleLookup(resourceID string) Lookup {
	return Lookup{
		Source:     "etherscan",
		Endpoint:   "getsourcecode",
		Params:     map[string]any{"action": "getsourcecode", "module": "contract"},
		ResourceID: resourceID,
	}
}

func mustKey(t *testing.T, source, endpoint string, params map[string]any, resourceID string) string {
	t.Helper()
	key, err := GenerateKey(source, endpoint, params, resourceID)
	require.NoError(t, err)
	return key
}

func TestGenerateKeyIgnoresParamOrder(t *testing.T) {
	a := map[string]any{"module": "contract", "action": "getabi", "opts": map[string]any{"z": 1, "a": 2}}
	b := map[string]any{}
	b["opts"] = map[string]any{"a": 2, "z": 1}
	b["action"] = "getabi"
	b["module"] = "contract"

	keyA := mustKey(t, "etherscan", "getabi", a, "0xabc")
	keyB := mustKey(t, "etherscan", "getabi", b, "0xabc")
	assert.Equal(t, keyA, keyB)
	assert.NotEqual(t, keyA, mustKey(t, "etherscan", "getabi", a, "0xdef"))
	assert.NotEqual(t, keyA, mustKey(t, "etherscan", "getabi", map[string]any{"module": "contract"}, "0xabc"))
}

func TestGenerateKeyFormat(t *testing.T) {
	assert.Equal(t, "etherscan:balance:", mustKey(t, "etherscan", "balance", nil, ""))
	assert.Equal(t, "etherscan:balance::0xabc", mustKey(t, "etherscan", "balance", nil, "0xabc"))

	key := mustKey(t, "etherscan", "balance", map[string]any{"tag": "latest"}, "0xabc")
	assert.Regexp(t, `^etherscan:balance:[0-9a-f]{32}:0xabc$`, key)
}

func TestGenerateKeyComponentsDoNotCollide(t *testing.T) {
	assert.NotEqual(t, mustKey(t, "s", "e", nil, "x"), mustKey(t, "s", "e:x", nil, ""))
	assert.NotEqual(t, mustKey(t, "s", "e", nil, "x:y"), mustKey(t, "s", "e:x", nil, "y"))
	assert.NotEqual(t, mustKey(t, "s:e", "x", nil, ""), mustKey(t, "s", "e:x", nil, ""))
	assert.Equal(t, "s:e%3Ax:", mustKey(t, "s", "e:x", nil, ""))
	assert.Equal(t, "s:e%253A:", mustKey(t, "s", "e%3A", nil, ""))
}

func TestUnencodableParamsAreRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	nan := map[string]any{"block": math.NaN()}
	fn := map[string]any{"cb": func() {}}
	_, err := GenerateKey("etherscan", "api", nan, "")
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = GenerateKey("etherscan", "api", fn, "")
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = s.Store(ctx, StoreRequest{Source: "etherscan", Endpoint: "api", ResourceType: "contract", Payload: "first", Params: nan})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = s.Store(ctx, StoreRequest{Source: "etherscan", Endpoint: "api", ResourceType: "contract", Payload: "first"})
	require.NoError(t, err)
	_, ok, err := s.Retrieve(ctx, Lookup{Source: "etherscan", Endpoint: "api", Params: fn})
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.False(t, ok)

	calls := 0
	_, err = s.CacheOrRetrieve(ctx, Request{Source: "etherscan", Endpoint: "api", ResourceType: "contract", Params: nan},
		func(context.Context) (any, error) {
			calls++
			return "second", nil
		})
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.Zero(t, calls)

	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_cache`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	payload := map[string]any{"status": "1", "result": []any{map[string]any{"ContractName": "Token"}}}
	stored := storeSample(t, s, "0xabc", time.Hour)
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.Zero(t, stored.HitCount)
	assert.Equal(t, int64(3), stored.APICallCost)
	assert.True(t, testStart.Add(time.Hour).Equal(stored.ExpiresAt))

	got, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Equal(t, Digest(raw), Digest(got.ResponsePayload))
	assert.Equal(t, got.ResponseHash, Digest(got.ResponsePayload))
	assert.JSONEq(t, string(raw), string(got.ResponsePayload))
	assert.Equal(t, int64(1), got.HitCount)
	require.NotNil(t, got.LastAccessedAt)
}

func TestStoreDefaultsTTLAndCost(t *testing.T) {
	s, _ := newTestStore(t)
	entry, err := s.Store(context.Background(), StoreRequest{
		Source: "etherscan", Endpoint: "balance", ResourceType: "balance", Payload: "42",
	})
	require.NoError(t, err)
	assert.True(t, testStart.Add(DefaultTTL).Equal(entry.ExpiresAt))
	assert.Equal(t, int64(DefaultCost), entry.APICallCost)
}

func TestStoreValidatesRequest(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Store(context.Background(), StoreRequest{Endpoint: "balance", ResourceType: "balance"})
	require.Error(t, err)
	_, err = s.Store(context.Background(), StoreRequest{Source: "etherscan", Endpoint: "balance"})
	require.Error(t, err)
}

func TestStoreReplacesAndResetsHits(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	first := storeSample(t, s, "0xabc", time.Hour)

	for i := 0; i < 3; i++ {
		_, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
		require.NoError(t, err)
		require.True(t, ok)
	}

	clock.Advance(10 * time.Minute)
	second := storeSample(t, s, "0xabc", 2*time.Hour)
	assert.Equal(t, first.ID, second.ID)
	assert.Zero(t, second.HitCount)
	assert.True(t, clock.Now().Add(2*time.Hour).Equal(second.ExpiresAt))

	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_cache").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestRetrieveDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	entry := storeSample(t, s, "0xabc", time.Hour)

	_, err := s.db.ExecContext(ctx, `UPDATE api_cache SET response_payload = ? WHERE id = ?`, `{"status":"0"}`, entry.ID)
	require.NoError(t, err)

	got, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)

	var status string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT status FROM api_cache WHERE id = ?`, entry.ID).Scan(&status))
	assert.Equal(t, string(models.StatusInvalidated), status)

	_, ok, err = s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateSkipsReplacedEntry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	old := storeSample(t, s, "0xabc", time.Hour)

	fresh, err := s.Store(ctx, StoreRequest{
		Source:       "etherscan",
		Endpoint:     "getsourcecode",
		ResourceType: "contract",
		Payload:      map[string]any{"status": "1", "result": "fresh"},
		Params:       map[string]any{"module": "contract", "action": "getsourcecode"},
		ResourceID:   "0xabc",
		TTL:          time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, old.ID, fresh.ID)
	require.NotEqual(t, old.ResponseHash, fresh.ResponseHash)

	require.NoError(t, s.Invalidate(ctx, old))

	got, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"1","result":"fresh"}`, string(got.ResponsePayload))
}

func TestRetrieveExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	storeSample(t, s, "0xabc", time.Hour)

	clock.Set(testStart.Add(time.Hour - time.Second))
	_, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	assert.True(t, ok, "entry expiring in one second is a hit")

	clock.Set(testStart.Add(time.Hour + time.Second))
	_, ok, err = s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	assert.False(t, ok, "entry expired one second ago is a miss")
}

func TestRetrieveEfficiencyScore(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	storeSample(t, s, "0xabc", 24*time.Hour)

	got, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 10.0, got.EfficiencyScore, 0.001, "age below one hour counts as one hour")

	clock.Advance(4 * time.Hour)
	got, ok, err = s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 5.0, got.EfficiencyScore, 0.001)

	clock.Set(testStart)
	for i := 0; i < 10; i++ {
		got, ok, err = s.Retrieve(ctx, sampleLookup("0xabc"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, int64(12), got.HitCount)
	assert.InDelta(t, 100.0, got.EfficiencyScore, 0.001)
}

func TestRetrieveConcurrentHitsAreCounted(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	entry := storeSample(t, s, "0xabc", time.Hour)

	const readers = 16
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
			if err == nil && !ok {
				err = errors.New("unexpected miss")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var hits int64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT hit_count FROM api_cache WHERE id = ?`, entry.ID).Scan(&hits))
	assert.Equal(t, int64(readers), hits)
}

func TestInvalidateKeepsRow(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	entry := storeSample(t, s, "0xabc", time.Hour)

	require.NoError(t, s.Invalidate(ctx, entry))
	assert.Equal(t, models.StatusInvalidated, entry.Status)

	_, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	assert.False(t, ok)

	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_cache").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestInvalidateBy(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	storeSample(t, s, "0xabc", time.Hour)
	storeSample(t, s, "0xdef", time.Hour)

	_, err := s.InvalidateBy(ctx, Criteria{})
	require.ErrorIs(t, err, ErrInvalidCriteria)

	count, err := s.InvalidateBy(ctx, Criteria{APISource: "etherscan", ResourceID: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Retrieve(ctx, sampleLookup("0xdef"))
	require.NoError(t, err)
	assert.True(t, ok)

	count, err = s.InvalidateBy(ctx, Criteria{Endpoint: "getsourcecode"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCleanupDeletesExpiredRows(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	storeSample(t, s, "0xshort", time.Minute)
	storeSample(t, s, "0xlong", 2*time.Hour)
	expired := storeSample(t, s, "0xflagged", 2*time.Hour)
	_, err := s.db.ExecContext(ctx, `UPDATE api_cache SET status = 'expired' WHERE id = ?`, expired.ID)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	deleted, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, ok, err := s.Retrieve(ctx, sampleLookup("0xlong"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecorderReceivesHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	recorder := &fakeRecorder{err: errors.New("analytics down")}
	s, _ := newTestStore(t, WithRecorder(recorder))

	_, ok, err := s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err)
	require.False(t, ok)

	storeSample(t, s, "0xabc", time.Hour)
	_, ok, err = s.Retrieve(ctx, sampleLookup("0xabc"))
	require.NoError(t, err, "recorder failures are not surfaced")
	require.True(t, ok)

	require.Len(t, recorder.events, 2)
	assert.Equal(t, recordedEvent{false, "etherscan", "getsourcecode", "0xabc"}, recorder.events[0])
	assert.Equal(t, recordedEvent{true, "etherscan", "getsourcecode", "0xabc"}, recorder.events[1])
}
