// Package usage keeps an append-only log of outbound explorer API calls and
// derives rolling rate-limit estimates and error diagnostics from it.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/models"
)

const (
	DefaultRetention   = 30 * 24 * time.Hour
	DefaultErrorWindow = 7 * 24 * time.Hour
	DefaultTopErrors   = 10

	dayLayout = "2006-01-02"
)

// Limits is the conservative request budget of one explorer
type Limits struct {
	PerHour   int64 `json:"per_hour"`
	PerMinute int64 `json:"per_minute"`
}

// Thresholds holds the default budget and per-explorer overrides
type Thresholds struct {
	Default     Limits
	PerExplorer map[string]Limits
}

// DefaultThresholds allows 100 requests an hour and 5 a minute
func DefaultThresholds() Thresholds {
	return Thresholds{Default: Limits{PerHour: 100, PerMinute: 5}}
}

// For returns the budget of explorer
func (t Thresholds) For(explorer string) Limits {
	if l, ok := t.PerExplorer[strings.ToLower(explorer)]; ok {
		return l
	}
	return t.Default
}

// Tracker writes and aggregates api_usage_tracking
type Tracker struct {
	db         *data.Connector
	thresholds Thresholds
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithThresholds replaces the admission-control budget
func WithThresholds(th Thresholds) Option {
	return func(t *Tracker) { t.thresholds = th }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a usage tracker over db
func NewTracker(db *data.Connector, opts ...Option) *Tracker {
	t := &Tracker{
		db:         db,
		thresholds: DefaultThresholds(),
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("explorercache/usage"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Call describes one outbound request
type Call struct {
	Network         string
	Explorer        string
	Endpoint        string
	ResponseTime    time.Duration
	ContractAddress string
	Metadata        map[string]any
}

// RecordSuccess appends a successful call
func (t *Tracker) RecordSuccess(ctx context.Context, call Call) error {
	ms := call.ResponseTime.Milliseconds()
	return t.insert(ctx, call, sql.NullInt64{Int64: ms, Valid: true}, true, "", "")
}

// RecordFailure appends a failed call. A zero response time is stored as unknown.
func (t *Tracker) RecordFailure(ctx context.Context, call Call, errorType, message string) error {
	var rt sql.NullInt64
	if call.ResponseTime > 0 {
		rt = sql.NullInt64{Int64: call.ResponseTime.Milliseconds(), Valid: true}
	}
	return t.insert(ctx, call, rt, false, errorType, message)
}

func (t *Tracker) insert(ctx context.Context, call Call, responseTime sql.NullInt64, ok bool, errorType, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	network := models.NormalizeNetwork(call.Network)
	explorer := strings.ToLower(strings.TrimSpace(call.Explorer))
	if network == "" || explorer == "" || call.Endpoint == "" {
		return fmt.Errorf("network, explorer and endpoint are required")
	}
	metadata := "{}"
	if len(call.Metadata) > 0 {
		raw, err := json.Marshal(call.Metadata)
		if err != nil {
			return fmt.Errorf("marshal request metadata: %w", err)
		}
		metadata = string(raw)
	}

	now := t.now().UTC()
	_, err := t.db.ExecContext(ctx, `
INSERT INTO api_usage_tracking (
	network, explorer, endpoint, request_time, request_day, response_time_ms,
	successful, error_type, error_message, contract_address, request_metadata
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		network, explorer, call.Endpoint, data.Millis(now), now.Format(dayLayout), responseTime,
		data.Bool(ok), errorType, message, models.NormalizeAddress(call.ContractAddress), metadata,
	)
	if err != nil {
		return fmt.Errorf("record %s call to %s/%s: %w", call.Endpoint, network, explorer, err)
	}
	return nil
}

// RateLimitStatus is the rolling request count of one (network, explorer)
type RateLimitStatus struct {
	Network            string     `json:"network"`
	Explorer           string     `json:"explorer"`
	RequestsLastHour   int64      `json:"requests_last_hour"`
	RequestsLastMinute int64      `json:"requests_last_minute"`
	ErrorsLastHour     int64      `json:"errors_last_hour"`
	EstimatedSafe      bool       `json:"estimated_safe"`
	LastRequestTime    *time.Time `json:"last_request_time"`
	Limits             Limits     `json:"limits"`
}

// GetCurrentRateLimitStatus counts the calls of the last hour and minute.
// EstimatedSafe holds while both counts are below the explorer's budget;
// callers consult it before issuing a new request.
func (t *Tracker) GetCurrentRateLimitStatus(ctx context.Context, network, explorer string) (*RateLimitStatus, error) {
	ctx, span := t.tracer.Start(ctx, "usage.GetCurrentRateLimitStatus")
	defer span.End()

	network = models.NormalizeNetwork(network)
	explorer = strings.ToLower(strings.TrimSpace(explorer))
	now := t.now()
	status := &RateLimitStatus{Network: network, Explorer: explorer, Limits: t.thresholds.For(explorer)}

	var last sql.NullInt64
	err := t.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN request_time >= ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN request_time >= ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN request_time >= ? AND successful = 0 THEN 1 ELSE 0 END), 0),
	MAX(request_time)
FROM api_usage_tracking
WHERE network = ? AND explorer = ?`,
		data.Millis(now.Add(-time.Hour)), data.Millis(now.Add(-time.Minute)), data.Millis(now.Add(-time.Hour)),
		network, explorer,
	).Scan(&status.RequestsLastHour, &status.RequestsLastMinute, &status.ErrorsLastHour, &last)
	if err != nil {
		return nil, fmt.Errorf("query rate limit status of %s/%s: %w", network, explorer, err)
	}
	status.LastRequestTime = data.TimePtr(last)
	status.EstimatedSafe = status.RequestsLastHour < status.Limits.PerHour &&
		status.RequestsLastMinute < status.Limits.PerMinute
	return status, nil
}

// CleanupOldData deletes calls older than keep (DefaultRetention when zero)
func (t *Tracker) CleanupOldData(ctx context.Context, keep time.Duration) (int64, error) {
	if keep <= 0 {
		keep = DefaultRetention
	}
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM api_usage_tracking WHERE request_time < ?`, data.Millis(t.now().Add(-keep)))
	if err != nil {
		return 0, fmt.Errorf("cleanup usage records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	t.logger.Info().Int64("count", n).Msg("deleted old usage records")
	return n, nil
}
