// Package warming is the durable queue of "fetch this contract resource"
// tasks. Items move pending -> processing -> completed, back to pending for
// a retry, or to failed once retries run out.
package warming

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/txplain/explorercache/internal/control"
	"github.com/txplain/explorercache/internal/data"
	"github.com/txplain/explorercache/internal/models"
)

const (
	MaxRetries        = 3
	BaseRetryDelay    = 5 * time.Minute
	DefaultBatchSize  = 10
	DefaultStuckAfter = 30 * time.Minute
	DefaultRetention  = 7 * 24 * time.Hour
	PauseTTL          = 24 * time.Hour

	pauseFlag = "cache_warming_paused"
)

var (
	// ErrAlreadyClaimed is returned when another worker claimed the item first
	ErrAlreadyClaimed = errors.New("queue item already claimed")
	// ErrItemNotFound is returned for operations on a missing item
	ErrItemNotFound = errors.New("queue item not found")
	// ErrNotClaimed is returned when finishing an item the caller no longer
	// holds: it is not processing, or it was reset and claimed again
	ErrNotClaimed = errors.New("queue item is not held by this claim")
)

// Queue stores warming items in cache_warming_queue
type Queue struct {
	db     *data.Connector
	flags  control.Flag
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Queue
type Option func(*Queue)

func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithFlags sets where the pause flag lives; defaults to the SQL control table
func WithFlags(flags control.Flag) Option {
	return func(q *Queue) { q.flags = flags }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a warming queue over db
func NewQueue(db *data.Connector, opts ...Option) *Queue {
	q := &Queue{
		db:     db,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("explorercache/warming"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.flags == nil {
		q.flags = control.NewSQLFlags(db, q.now)
	}
	return q
}

// QueueOptions tunes QueueContract
type QueueOptions struct {
	Priority    models.Priority // medium when empty
	ScheduledAt *time.Time      // now when nil
	Metadata    map[string]any
}

const itemColumns = `id, network, contract_address, cache_type, priority, status, scheduled_at, started_at,
	completed_at, retry_count, error_message, metadata, claimed_by, created_at, updated_at`

// QueueContract upserts the item of the triple. A pending, completed or
// failed item is reset to pending with a fresh schedule, a cleared error and
// zero retries; an item being processed keeps its state and only takes the
// new priority and metadata.
func (q *Queue) QueueContract(ctx context.Context, network, address string, cacheType models.CacheType, opts QueueOptions) (*models.WarmingQueueItem, error) {
	return q.queueContract(ctx, q.db, network, address, cacheType, opts)
}

func (q *Queue) queueContract(ctx context.Context, db data.Querier, network, address string, cacheType models.CacheType, opts QueueOptions) (*models.WarmingQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	network = models.NormalizeNetwork(network)
	address = models.NormalizeAddress(address)
	if network == "" || address == "" {
		return nil, fmt.Errorf("network and address are required")
	}
	if _, err := models.ParseCacheType(string(cacheType)); err != nil {
		return nil, err
	}
	priority, err := models.ParsePriority(string(opts.Priority))
	if err != nil {
		return nil, err
	}
	metadata := "{}"
	if len(opts.Metadata) > 0 {
		raw, err := json.Marshal(opts.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(raw)
	}

	now := q.now().UTC()
	scheduled := now
	if opts.ScheduledAt != nil {
		scheduled = opts.ScheduledAt.UTC()
	}
	nowMs := data.Millis(now)

	item, err := scanItem(db.QueryRowContext(ctx, `
INSERT INTO cache_warming_queue (
	network, contract_address, cache_type, priority, status, scheduled_at,
	retry_count, metadata, created_at, updated_at
) VALUES (?, ?, ?, ?, 'pending', ?, 0, ?, ?, ?)
ON CONFLICT (network, contract_address, cache_type) DO UPDATE SET
	priority = excluded.priority,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at,
	status = CASE WHEN cache_warming_queue.status = 'processing' THEN cache_warming_queue.status ELSE 'pending' END,
	scheduled_at = CASE WHEN cache_warming_queue.status = 'processing' THEN cache_warming_queue.scheduled_at ELSE excluded.scheduled_at END,
	retry_count = CASE WHEN cache_warming_queue.status = 'processing' THEN cache_warming_queue.retry_count ELSE 0 END,
	error_message = CASE WHEN cache_warming_queue.status = 'processing' THEN cache_warming_queue.error_message ELSE NULL END,
	started_at = CASE WHEN cache_warming_queue.status = 'processing' THEN cache_warming_queue.started_at ELSE NULL END,
	completed_at = CASE WHEN cache_warming_queue.status = 'processing' THEN cache_warming_queue.completed_at ELSE NULL END,
	claimed_by = CASE WHEN cache_warming_queue.status = 'processing' THEN cache_warming_queue.claimed_by ELSE NULL END
RETURNING `+itemColumns,
		network, address, string(cacheType), string(priority), data.Millis(scheduled), metadata, nowMs, nowMs,
	))
	if err != nil {
		return nil, fmt.Errorf("queue %s/%s/%s: %w", network, address, cacheType, err)
	}
	return item, nil
}

// QueueMultipleContracts queues every (address, cache type) pair in one
// transaction and returns how many items were queued
func (q *Queue) QueueMultipleContracts(ctx context.Context, network string, addresses []string, cacheTypes []models.CacheType, priority models.Priority) (int, error) {
	if len(cacheTypes) == 0 {
		cacheTypes = []models.CacheType{models.CacheTypeSource}
	}
	queued := 0
	err := q.db.InTx(ctx, func(tx *data.Tx) error {
		for _, address := range addresses {
			for _, cacheType := range cacheTypes {
				if _, err := q.queueContract(ctx, tx, network, address, cacheType, QueueOptions{Priority: priority}); err != nil {
					return err
				}
				queued++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	q.logger.Info().Str("network", network).Int("count", queued).Msg("queued contracts for warming")
	return queued, nil
}

const readyOrder = `ORDER BY CASE priority
	WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0
END DESC, COALESCE(scheduled_at, 0) ASC, id ASC`

// GetNextBatch lists due pending items, highest priority first and oldest
// schedule first within a priority. It does not claim them.
func (q *Queue) GetNextBatch(ctx context.Context, batchSize int) ([]*models.WarmingQueueItem, error) {
	ctx, span := q.tracer.Start(ctx, "warming.GetNextBatch")
	defer span.End()
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT `+itemColumns+` FROM cache_warming_queue
WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= ?)
`+readyOrder+`
LIMIT ?`, data.Millis(q.now()), batchSize)
	if err != nil {
		return nil, fmt.Errorf("query next batch: %w", err)
	}
	defer rows.Close()

	items := []*models.WarmingQueueItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkAsProcessing claims a pending item for worker with a single conditional
// update. Losing the race to another worker returns ErrAlreadyClaimed.
func (q *Queue) MarkAsProcessing(ctx context.Context, item *models.WarmingQueueItem, worker string) error {
	now := q.now().UTC()
	claimed, err := scanItem(q.db.QueryRowContext(ctx, `
UPDATE cache_warming_queue SET status = 'processing', started_at = ?, claimed_by = ?, updated_at = ?
WHERE id = ? AND status = 'pending'
RETURNING `+itemColumns,
		data.Millis(now), data.NullString(worker), data.Millis(now), item.ID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return q.missingOrClaimed(ctx, item.ID)
	}
	if err != nil {
		return fmt.Errorf("claim queue item %d: %w", item.ID, err)
	}
	*item = *claimed
	return nil
}

// ClaimNextBatch selects up to batchSize due items and claims each one,
// skipping those another worker claimed in between
func (q *Queue) ClaimNextBatch(ctx context.Context, batchSize int, worker string) ([]*models.WarmingQueueItem, error) {
	candidates, err := q.GetNextBatch(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	claimed := make([]*models.WarmingQueueItem, 0, len(candidates))
	for _, item := range candidates {
		err := q.MarkAsProcessing(ctx, item, worker)
		if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrItemNotFound) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// claimGuard matches the row only while it still carries the claim recorded
// on item by MarkAsProcessing
func claimGuard(item *models.WarmingQueueItem) (string, []any) {
	clause := ` AND status = 'processing'`
	var args []any
	if item.ClaimedBy != "" {
		clause += ` AND claimed_by = ?`
		args = append(args, item.ClaimedBy)
	} else {
		clause += ` AND claimed_by IS NULL`
	}
	if item.StartedAt != nil {
		clause += ` AND started_at = ?`
		args = append(args, data.Millis(*item.StartedAt))
	}
	return clause, args
}

// MarkAsCompleted finishes an item claimed with MarkAsProcessing. An item
// the caller no longer holds is left untouched and ErrNotClaimed returned.
func (q *Queue) MarkAsCompleted(ctx context.Context, item *models.WarmingQueueItem) error {
	now := q.now().UTC()
	guard, guardArgs := claimGuard(item)
	updated, err := scanItem(q.db.QueryRowContext(ctx, `
UPDATE cache_warming_queue SET status = 'completed', completed_at = ?, updated_at = ?
WHERE id = ?`+guard+`
RETURNING `+itemColumns,
		append([]any{data.Millis(now), data.Millis(now), item.ID}, guardArgs...)...,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return q.missingOrNotClaimed(ctx, item.ID)
	}
	if err != nil {
		return fmt.Errorf("complete queue item %d: %w", item.ID, err)
	}
	*item = *updated
	return nil
}

// RetryDelay is the wait before retry number retryCount: 2^retryCount * 5 minutes
func RetryDelay(retryCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(retryCount))) * BaseRetryDelay
}

// MarkAsFailed records a failed attempt on an item claimed with
// MarkAsProcessing. The retry count is incremented; if shouldRetry and fewer
// than MaxRetries attempts have failed, the item goes back to pending after
// RetryDelay, otherwise it becomes failed. An item the caller no longer holds
// is left untouched and ErrNotClaimed returned.
func (q *Queue) MarkAsFailed(ctx context.Context, item *models.WarmingQueueItem, message string, shouldRetry bool) error {
	now := q.now().UTC()
	nowMs := data.Millis(now)
	guard, guardArgs := claimGuard(item)
	var updated *models.WarmingQueueItem
	err := q.db.InTx(ctx, func(tx *data.Tx) error {
		var retryCount int
		err := tx.QueryRowContext(ctx, `
UPDATE cache_warming_queue SET retry_count = retry_count + 1, error_message = ?, updated_at = ?
WHERE id = ?`+guard+`
RETURNING retry_count`, append([]any{message, nowMs, item.ID}, guardArgs...)...).Scan(&retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return errNoClaimedRow
		}
		if err != nil {
			return fmt.Errorf("count failure of queue item %d: %w", item.ID, err)
		}

		var row *sql.Row
		if shouldRetry && retryCount < MaxRetries {
			row = tx.QueryRowContext(ctx, `
UPDATE cache_warming_queue SET status = 'pending', started_at = NULL, claimed_by = NULL, scheduled_at = ?
WHERE id = ?
RETURNING `+itemColumns, data.Millis(now.Add(RetryDelay(retryCount))), item.ID)
		} else {
			row = tx.QueryRowContext(ctx, `
UPDATE cache_warming_queue SET status = 'failed', completed_at = ?
WHERE id = ?
RETURNING `+itemColumns, nowMs, item.ID)
		}
		updated, err = scanItem(row)
		if err != nil {
			return fmt.Errorf("reschedule queue item %d: %w", item.ID, err)
		}
		return nil
	})
	if errors.Is(err, errNoClaimedRow) {
		return q.missingOrNotClaimed(ctx, item.ID)
	}
	if err != nil {
		return err
	}
	*item = *updated
	q.logger.Debug().Int64("id", item.ID).Str("status", string(item.Status)).Int("retry_count", item.RetryCount).Msg("queue item failed")
	return nil
}

// ResetStuckItems returns items processing for longer than timeout to pending
func (q *Queue) ResetStuckItems(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = DefaultStuckAfter
	}
	now := q.now().UTC()
	res, err := q.db.ExecContext(ctx, `
UPDATE cache_warming_queue SET status = 'pending', started_at = NULL, claimed_by = NULL, updated_at = ?
WHERE status = 'processing' AND started_at < ?`,
		data.Millis(now), data.Millis(now.Add(-timeout)),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck items: %w", err)
	}
	return res.RowsAffected()
}

// CleanupOldItems deletes completed and failed items finished before the retention window
func (q *Queue) CleanupOldItems(ctx context.Context, keep time.Duration) (int64, error) {
	if keep <= 0 {
		keep = DefaultRetention
	}
	res, err := q.db.ExecContext(ctx, `
DELETE FROM cache_warming_queue
WHERE status IN ('completed', 'failed') AND completed_at < ?`,
		data.Millis(q.now().Add(-keep)),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup queue items: %w", err)
	}
	return res.RowsAffected()
}

// Get returns one item by id
func (q *Queue) Get(ctx context.Context, id int64) (*models.WarmingQueueItem, error) {
	item, err := scanItem(q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM cache_warming_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item %d: %w", id, err)
	}
	return item, nil
}

// PauseQueue sets the advisory pause flag for PauseTTL
func (q *Queue) PauseQueue(ctx context.Context) error {
	return q.flags.Set(ctx, pauseFlag, PauseTTL)
}

// ResumeQueue clears the pause flag
func (q *Queue) ResumeQueue(ctx context.Context) error {
	return q.flags.Clear(ctx, pauseFlag)
}

// IsQueuePaused reports the pause flag. The queue itself never enforces it;
// consumers check it before asking for a batch.
func (q *Queue) IsQueuePaused(ctx context.Context) (bool, error) {
	return q.flags.IsSet(ctx, pauseFlag)
}

func (q *Queue) missingOrClaimed(ctx context.Context, id int64) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyClaimed
}

// errNoClaimedRow rolls back a transition whose guard matched nothing
var errNoClaimedRow = errors.New("no claimed row")

func (q *Queue) missingOrNotClaimed(ctx context.Context, id int64) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotClaimed
}

func scanItem(row data.Scanner) (*models.WarmingQueueItem, error) {
	var (
		item        models.WarmingQueueItem
		cacheType   string
		priority    string
		status      string
		scheduledAt sql.NullInt64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		errorMsg    sql.NullString
		metadata    string
		claimedBy   sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&item.ID, &item.Network, &item.ContractAddress, &cacheType, &priority, &status, &scheduledAt, &startedAt,
		&completedAt, &item.RetryCount, &errorMsg, &metadata, &claimedBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	item.CacheType = models.CacheType(cacheType)
	item.Priority = models.Priority(strings.TrimSpace(priority))
	item.Status = models.QueueStatus(status)
	item.ScheduledAt = data.TimePtr(scheduledAt)
	item.StartedAt = data.TimePtr(startedAt)
	item.CompletedAt = data.TimePtr(completedAt)
	item.ErrorMessage = errorMsg.String
	item.Metadata = json.RawMessage(metadata)
	item.ClaimedBy = claimedBy.String
	item.CreatedAt = data.FromMillis(createdAt)
	item.UpdatedAt = data.FromMillis(updatedAt)
	return &item, nil
}
