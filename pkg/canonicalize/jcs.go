// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of council records.
//
// Two evaluations of the same vote set must produce byte-identical
// Decision documents; that guarantee rests on this package. Strings are
// NFC-normalized before canonicalization so that rationale text submitted
// in different Unicode compositions hashes identically.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshalled with the standard encoder (respecting json tags),
// string values are NFC-normalized, then the document is transformed to
// its canonical form: keys sorted by UTF-8 bytes, no insignificant
// whitespace, shortest-round-trip number formatting.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(intermediate, &generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}
	normalized, err := json.Marshal(normalizeStrings(generic))
	if err != nil {
		return nil, fmt.Errorf("jcs: re-marshal failed: %w", err)
	}

	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// normalizeStrings walks a decoded JSON value and NFC-normalizes every
// string, keys included.
func normalizeStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []interface{}:
		for i, elem := range t {
			t[i] = normalizeStrings(elem)
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}
