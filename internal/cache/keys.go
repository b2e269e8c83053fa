package cache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidParams is returned for request params that cannot be rendered as JSON
var ErrInvalidParams = errors.New("request params are not JSON-encodable")

// keyEscaper keeps ':' out of key components so every key splits back into
// the parts it was built from
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// GenerateKey builds the deterministic cache key of a request.
// Format: source:endpoint:paramsHash[:resourceID], with an empty paramsHash
// when there are no params.
func GenerateKey(source, endpoint string, params map[string]any, resourceID string) (string, error) {
	paramsHash := ""
	if len(params) > 0 {
		canonical, err := CanonicalParams(params)
		if err != nil {
			return "", err
		}
		paramsHash = Digest(canonical)[:32]
	}
	parts := []string{keyEscaper.Replace(source), keyEscaper.Replace(endpoint), paramsHash}
	if resourceID != "" {
		parts = append(parts, keyEscaper.Replace(resourceID))
	}
	return strings.Join(parts, ":"), nil
}

// CanonicalParams renders params as JSON with keys sorted at every level
func CanonicalParams(params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return []byte("{}"), nil
	}
	// encoding/json writes map keys in sorted order, nested maps included
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return raw, nil
}

// Digest returns the hex SHA3-256 digest of a payload
func Digest(payload []byte) string {
	sum := sha3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
