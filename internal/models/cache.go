package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryStatus is the lifecycle state of a generic cache entry
type EntryStatus string

const (
	StatusActive      EntryStatus = "active"
	StatusExpired     EntryStatus = "expired"
	StatusInvalidated EntryStatus = "invalidated"
)

// CacheType is the resource kind held by the contract cache and the warming queue
type CacheType string

const (
	CacheTypeSource   CacheType = "source"
	CacheTypeABI      CacheType = "abi"
	CacheTypeCreation CacheType = "creation"
)

// CacheTypes lists every contract cache resource kind
var CacheTypes = []CacheType{CacheTypeSource, CacheTypeABI, CacheTypeCreation}

// ParseCacheType validates a cache type name
func ParseCacheType(value string) (CacheType, error) {
	switch CacheType(value) {
	case CacheTypeSource, CacheTypeABI, CacheTypeCreation:
		return CacheType(value), nil
	default:
		return "", fmt.Errorf("unknown cache type %q", value)
	}
}

// Label returns the display name of the cache type
func (t CacheType) Label() string {
	switch t {
	case CacheTypeSource:
		return "Contract Source Code"
	case CacheTypeABI:
		return "Contract ABI"
	case CacheTypeCreation:
		return "Contract Creation"
	default:
		return string(t)
	}
}

// CacheEntry is one cached explorer API response
type CacheEntry struct {
	ID              int64           `json:"id"`
	CacheKey        string          `json:"cache_key"`
	APISource       string          `json:"api_source"`
	Endpoint        string          `json:"endpoint"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id,omitempty"`
	RequestParams   json.RawMessage `json:"request_params,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload"`
	ResponseHash    string          `json:"response_hash"`
	ResponseSize    int64           `json:"response_size"`
	Status          EntryStatus     `json:"status"`
	ExpiresAt       time.Time       `json:"expires_at"`
	HitCount        int64           `json:"hit_count"`
	LastAccessedAt  *time.Time      `json:"last_accessed_at,omitempty"`
	EfficiencyScore float64         `json:"efficiency_score"`
	APICallCost     int64           `json:"api_call_cost"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	StoredAt        time.Time       `json:"stored_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsValid reports whether the entry is active and unexpired at now
func (e *CacheEntry) IsValid(now time.Time) bool {
	return e.Status == StatusActive && e.ExpiresAt.After(now)
}

// Priority orders warming work
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority validates a priority name, defaulting empty input to medium
func ParsePriority(value string) (Priority, error) {
	switch Priority(value) {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(value), nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// Rank returns the sort weight of the priority; higher runs first
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// QueueStatus is the state of a warming queue item
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// WarmingQueueItem is one "fetch this resource" task
type WarmingQueueItem struct {
	ID              int64           `json:"id"`
	Network         string          `json:"network"`
	ContractAddress string          `json:"contract_address"`
	CacheType       CacheType       `json:"cache_type"`
	Priority        Priority        `json:"priority"`
	Status          QueueStatus     `json:"status"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	RetryCount      int             `json:"retry_count"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ClaimedBy       string          `json:"claimed_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// UsageRecord is one outbound explorer API call
type UsageRecord struct {
	ID              int64           `json:"id"`
	Network         string          `json:"network"`
	Explorer        string          `json:"explorer"`
	Endpoint        string          `json:"endpoint"`
	RequestTime     time.Time       `json:"request_time"`
	ResponseTimeMs  *int64          `json:"response_time_ms,omitempty"`
	Successful      bool            `json:"successful"`
	ErrorType       string          `json:"error_type,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ContractAddress string          `json:"contract_address,omitempty"`
	Metadata        json.RawMessage `json:"request_metadata,omitempty"`
}

// HourlyStat is one hour-of-day slot of an analytics bucket
type HourlyStat struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// AnalyticsBucket is the daily rollup of one (network, cache type)
type AnalyticsBucket struct {
	Network         string         `json:"network"`
	CacheType       string         `json:"cache_type"`
	Date            string         `json:"date"`
	TotalRequests   int64          `json:"total_requests"`
	CacheHits       int64          `json:"cache_hits"`
	CacheMisses     int64          `json:"cache_misses"`
	APICallsSaved   int64          `json:"api_calls_saved"`
	UniqueContracts int64          `json:"unique_contracts"`
	HitRate         float64        `json:"hit_rate"`
	HourlyStats     [24]HourlyStat `json:"hourly_stats"`
}

// HitRatePercent returns hits over total as a percentage, guarding against zero totals
func HitRatePercent(hits, total int64) float64 {
	if total < 1 {
		total = 1
	}
	return float64(hits) / float64(total) * 100
}
