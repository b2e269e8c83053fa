package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContractData is the resource-specific part of a contract cache entry.
// Exactly one variant exists per cache type.
type ContractData interface {
	CacheType() CacheType
	// QualityScore rates completeness of the fetched data in [0, 1]
	QualityScore() float64
	isContractData()
}

// SourceData is verified source code plus compiler settings
type SourceData struct {
	ContractName         string            `json:"contract_name"`
	CompilerVersion      string            `json:"compiler_version"`
	OptimizationUsed     bool              `json:"optimization_used"`
	OptimizationRuns     int               `json:"optimization_runs"`
	ConstructorArguments string            `json:"constructor_arguments,omitempty"`
	EVMVersion           string            `json:"evm_version,omitempty"`
	Library              string            `json:"library,omitempty"`
	LicenseType          string            `json:"license_type,omitempty"`
	Proxy                bool              `json:"proxy"`
	Implementation       string            `json:"implementation,omitempty"`
	SwarmSource          string            `json:"swarm_source,omitempty"`
	SourceCode           string            `json:"source_code"`
	ParsedSources        map[string]string `json:"parsed_sources,omitempty"`
	ABI                  json.RawMessage   `json:"abi,omitempty"`
	IsVerified           bool              `json:"is_verified"`
	SourceComplete       bool              `json:"source_complete"`
	SourceFileCount      int               `json:"source_file_count"`
	SourceLineCount      int               `json:"source_line_count"`
}

// ABIData is the contract ABI alone
type ABIData struct {
	ABI         json.RawMessage `json:"abi"`
	ABIComplete bool            `json:"abi_complete"`
}

// CreationData is who deployed the contract and in which transaction
type CreationData struct {
	CreatorAddress string `json:"creator_address"`
	CreationTxHash string `json:"creation_tx_hash"`
}

func (SourceData) CacheType() CacheType   { return CacheTypeSource }
func (ABIData) CacheType() CacheType      { return CacheTypeABI }
func (CreationData) CacheType() CacheType { return CacheTypeCreation }

func (SourceData) isContractData()   {}
func (ABIData) isContractData()      {}
func (CreationData) isContractData() {}

func (d SourceData) QualityScore() float64 {
	score := 1.0
	if !d.IsVerified {
		score -= 0.3
	}
	if strings.TrimSpace(d.SourceCode) == "" {
		score -= 0.4
	}
	if isEmptyJSON(d.ABI) {
		score -= 0.2
	}
	if strings.TrimSpace(d.CompilerVersion) == "" {
		score -= 0.1
	}
	return clampUnit(score)
}

func (d ABIData) QualityScore() float64 {
	if isEmptyJSON(d.ABI) {
		return 0.5
	}
	return 1.0
}

func (d CreationData) QualityScore() float64 {
	score := 1.0
	if strings.TrimSpace(d.CreatorAddress) == "" {
		score -= 0.3
	}
	if strings.TrimSpace(d.CreationTxHash) == "" {
		score -= 0.3
	}
	return clampUnit(score)
}

// LineCount returns the number of lines of the source code
func (d SourceData) LineCount() int {
	if d.SourceLineCount > 0 {
		return d.SourceLineCount
	}
	if d.SourceCode == "" {
		return 0
	}
	return strings.Count(d.SourceCode, "\n") + 1
}

// DecodeContractData decodes the persisted JSON of the variant named by cacheType
func DecodeContractData(cacheType CacheType, raw []byte) (ContractData, error) {
	switch cacheType {
	case CacheTypeSource:
		var data SourceData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode source data: %w", err)
		}
		return data, nil
	case CacheTypeABI:
		var data ABIData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode abi data: %w", err)
		}
		return data, nil
	case CacheTypeCreation:
		var data CreationData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode creation data: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cacheType)
	}
}

// ContractCacheEntry is the cached explorer data of one (network, address, cache type)
type ContractCacheEntry struct {
	ID               int64        `json:"id"`
	Network          string       `json:"network"`
	ContractAddress  string       `json:"contract_address"`
	CacheType        CacheType    `json:"cache_type"`
	Data             ContractData `json:"data"`
	FetchedAt        time.Time    `json:"fetched_at"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"` // nil never expires
	FetchedFromAPI   bool         `json:"fetched_from_api"`
	APIFetchCount    int64        `json:"api_fetch_count"`
	CachePriority    Priority     `json:"cache_priority"`
	QualityScore     float64      `json:"cache_quality_score"`
	NextRefreshAt    *time.Time   `json:"next_refresh_at,omitempty"`
	ErrorCount       int64        `json:"error_count"`
	LastErrorAt      *time.Time   `json:"last_error_at,omitempty"`
	LastErrorMessage string       `json:"last_error_message,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// IsValid reports whether the entry is usable at now
func (e *ContractCacheEntry) IsValid(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// ServiceEnvelope holds the fields common to every contract service response
type ServiceEnvelope struct {
	Network         string     `json:"network"`
	ContractAddress string     `json:"contract_address"`
	FetchedAt       time.Time  `json:"fetched_at"`
	Cached          bool       `json:"cached"`
	CacheExpiresAt  *time.Time `json:"cache_expires_at"`
	CacheQuality    float64    `json:"cache_quality_score"`
	APIFetchCount   int64      `json:"api_fetch_count"`
	FetchedFromAPI  bool       `json:"fetched_from_api"`
}

// ServiceResponse is the contract-service view of a cache entry: the envelope
// flattened together with the fields of its one data variant
type ServiceResponse struct {
	ServiceEnvelope
	Data ContractData
}

// ToServiceResponse renders the entry in the contract-service response shape
func (e *ContractCacheEntry) ToServiceResponse() ServiceResponse {
	return ServiceResponse{
		ServiceEnvelope: ServiceEnvelope{
			Network:         e.Network,
			ContractAddress: e.ContractAddress,
			FetchedAt:       e.FetchedAt,
			Cached:          true,
			CacheExpiresAt:  e.ExpiresAt,
			CacheQuality:    e.QualityScore,
			APIFetchCount:   e.APIFetchCount,
			FetchedFromAPI:  e.FetchedFromAPI,
		},
		Data: e.Data,
	}
}

// MarshalJSON flattens the envelope and variant into one object
func (r ServiceResponse) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := mergeFields(fields, r.ServiceEnvelope); err != nil {
		return nil, err
	}
	if r.Data != nil {
		if err := mergeFields(fields, r.Data); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

func mergeFields(into map[string]json.RawMessage, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	for key, value := range fields {
		into[key] = value
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "[]", "{}", `""`:
		return true
	}
	return false
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
