package cache

import (
	"regexp"
	"strings"
	"time"
)

// Standard TTL durations per api source and resource type
var DefaultTTLs = map[string]map[string]time.Duration{
	"coingecko": {
		"price":       5 * time.Minute,
		"market_data": 30 * time.Minute,
		"coin_info":   24 * time.Hour,
	},
	"etherscan": {
		"contract":    time.Hour,
		"transaction": 24 * time.Hour,
		"balance":     5 * time.Minute,
	},
	"moralis": {
		"nft":       30 * time.Minute,
		"token":     time.Hour,
		"portfolio": 15 * time.Minute,
	},
	"opensea": {
		"collection": time.Hour,
		"asset":      30 * time.Minute,
	},
}

// DefaultCosts are the cost units of one remote call, keyed by normalized endpoint
var DefaultCosts = map[string]map[string]int64{
	"coingecko": {
		"simple/price":  1,
		"coins/markets": 2,
		"coins/{id}":    2,
	},
	"etherscan": {
		"api": 1,
	},
}

// Policy resolves TTLs and call costs for a request
type Policy struct {
	TTLs  map[string]map[string]time.Duration
	Costs map[string]map[string]int64
}

// DefaultPolicy returns the built-in TTL and cost tables
func DefaultPolicy() Policy {
	return Policy{TTLs: DefaultTTLs, Costs: DefaultCosts}
}

// TTL returns the TTL for (source, resourceType): the exact entry, then the
// source "default", then DefaultTTL
func (p Policy) TTL(source, resourceType string) time.Duration {
	if bySource, ok := p.TTLs[source]; ok {
		if ttl, ok := bySource[resourceType]; ok {
			return ttl
		}
		if ttl, ok := bySource["default"]; ok {
			return ttl
		}
	}
	return DefaultTTL
}

// Cost returns the call cost of (source, endpoint) after normalizing the endpoint
func (p Policy) Cost(source, endpoint string) int64 {
	if bySource, ok := p.Costs[source]; ok {
		if cost, ok := bySource[NormalizeEndpoint(endpoint)]; ok {
			return cost
		}
		if cost, ok := bySource["default"]; ok {
			return cost
		}
	}
	return DefaultCost
}

var (
	longHexSegment = regexp.MustCompile(`(?i)/[a-f0-9]{40,}`)
	addrSegment    = regexp.MustCompile(`(?i)/0x[a-f0-9]+`)
	numericSegment = regexp.MustCompile(`/\d+`)
)

// NormalizeEndpoint strips the query string and replaces address and id path
// segments with placeholders: /coins/0xabc/7 -> coins/{address}/{id}
func NormalizeEndpoint(endpoint string) string {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	endpoint = longHexSegment.ReplaceAllString(endpoint, "/{address}")
	endpoint = addrSegment.ReplaceAllString(endpoint, "/{address}")
	endpoint = numericSegment.ReplaceAllString(endpoint, "/{id}")
	return strings.TrimLeft(endpoint, "/")
}
