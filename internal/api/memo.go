package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const defaultMemoTTL = 5 * time.Second

// memo keeps recent dashboard responses so a polling UI does not rerun the
// aggregate queries on every request
type memo struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

func newMemo(ttl time.Duration) (*memo, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10_000,
		MaxCost:     32 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &memo{cache: c, ttl: ttl}, nil
}

func (m *memo) get(key string) ([]byte, bool) {
	if m.ttl <= 0 {
		return nil, false
	}
	return m.cache.Get(key)
}

func (m *memo) set(key string, body []byte) {
	if m.ttl <= 0 {
		return
	}
	m.cache.SetWithTTL(key, body, int64(len(body)), m.ttl)
	m.cache.Wait()
}

func (m *memo) close() {
	m.cache.Close()
}

// recorder buffers a response so it can be memoized
type recorder struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *recorder) Header() http.Header         { return r.header }
func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *recorder) WriteHeader(code int)        { r.statusCode = code }

// memoized serves h from the memo when the same URL was answered with 200
// within the memo TTL
func (s *Server) memoized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path + "?" + r.URL.RawQuery
		if body, ok := s.memo.get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Memo", "hit")
			_, _ = w.Write(body)
			return
		}

		rec := &recorder{header: http.Header{}, statusCode: http.StatusOK}
		h(rec, r)
		for k, v := range rec.header {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.statusCode)
		_, _ = w.Write(rec.body.Bytes())
		if rec.statusCode == http.StatusOK {
			s.memo.set(key, rec.body.Bytes())
		}
	}
}
