package models

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Network represents a supported blockchain network and its explorer
type Network struct {
	Name        string `json:"name"`
	ChainID     int64  `json:"chain_id"`
	Explorer    string `json:"explorer"`     // explorer family name, e.g. etherscan
	ExplorerURL string `json:"explorer_url"` // human-facing explorer site
	APIURL      string `json:"api_url"`      // explorer API endpoint
}

// Default networks (used as fallback if no env vars are configured)
var defaultNetworks = map[string]Network{
	"ethereum": {
		Name:        "ethereum",
		ChainID:     1,
		Explorer:    "etherscan",
		ExplorerURL: "https://etherscan.io",
	},
	"bsc": {
		Name:        "bsc",
		ChainID:     56,
		Explorer:    "bscscan",
		ExplorerURL: "https://bscscan.com",
	},
	"polygon": {
		Name:        "polygon",
		ChainID:     137,
		Explorer:    "polygonscan",
		ExplorerURL: "https://polygonscan.com",
	},
	"arbitrum": {
		Name:        "arbitrum",
		ChainID:     42161,
		Explorer:    "arbiscan",
		ExplorerURL: "https://arbiscan.io",
	},
	"optimism": {
		Name:        "optimism",
		ChainID:     10,
		Explorer:    "optimistic-etherscan",
		ExplorerURL: "https://optimistic.etherscan.io",
	},
	"avalanche": {
		Name:        "avalanche",
		ChainID:     43114,
		Explorer:    "snowtrace",
		ExplorerURL: "https://snowtrace.io",
	},
	"base": {
		Name:        "base",
		ChainID:     8453,
		Explorer:    "basescan",
		ExplorerURL: "https://basescan.org",
	},
}

var (
	networksMu        sync.RWMutex
	supportedNetworks map[string]Network
)

// LoadNetworksFromEnv loads network configuration, letting EXPLORER_API_URL_<NETWORK>
// override the derived API endpoint of a known network
func LoadNetworksFromEnv() map[string]Network {
	networks := make(map[string]Network, len(defaultNetworks))
	for name, network := range defaultNetworks {
		network.APIURL = deriveAPIURL(network.ExplorerURL)
		networks[name] = network
	}

	for _, envVar := range os.Environ() {
		key, value, ok := strings.Cut(envVar, "=")
		if !ok || !strings.HasPrefix(key, "EXPLORER_API_URL_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, "EXPLORER_API_URL_"))
		network, exists := networks[name]
		if !exists {
			continue
		}
		network.APIURL = strings.TrimRight(value, "/")
		networks[name] = network
	}

	return networks
}

// deriveAPIURL converts an explorer URL to its API URL using the common patterns
func deriveAPIURL(explorerURL string) string {
	if explorerURL == "" {
		return ""
	}
	if strings.Contains(explorerURL, "optimistic.etherscan.io") {
		return strings.Replace(explorerURL, "https://optimistic.", "https://api-optimistic.", 1) + "/api"
	}
	return strings.Replace(explorerURL, "https://", "https://api.", 1) + "/api"
}

// InitializeNetworks initializes the supported networks from environment variables or defaults
func InitializeNetworks() {
	networks := LoadNetworksFromEnv()
	networksMu.Lock()
	supportedNetworks = networks
	networksMu.Unlock()
}

func ensureNetworks() map[string]Network {
	networksMu.RLock()
	networks := supportedNetworks
	networksMu.RUnlock()
	if networks != nil {
		return networks
	}
	InitializeNetworks()
	networksMu.RLock()
	defer networksMu.RUnlock()
	return supportedNetworks
}

// IsValidNetwork checks if the network is supported
func IsValidNetwork(name string) bool {
	_, exists := ensureNetworks()[NormalizeNetwork(name)]
	return exists
}

// GetNetwork returns network info for a given name
func GetNetwork(name string) (Network, bool) {
	network, exists := ensureNetworks()[NormalizeNetwork(name)]
	return network, exists
}

// ListNetworks returns the configured network names in sorted order
func ListNetworks() []string {
	networks := ensureNetworks()
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeNetwork lower-cases and trims a network name
func NormalizeNetwork(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeAddress lower-cases and trims a contract address
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
