// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content hashing. Every hash in the governance ledger and
// every report-run data hash is computed over canonical bytes, so two
// semantically equal payloads always produce the same digest regardless of
// key order.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrNotCanonicalizable is returned for values that cannot be serialized to
// JSON (cycles, channels, funcs, NaN). This is a programmer error, not a
// recoverable runtime condition.
var ErrNotCanonicalizable = errors.New("canonical: value is not canonicalizable")

// Marshal returns the RFC 8785 canonical JSON encoding of v.
//
// Object keys are sorted by UTF-16 code units, numbers use ES6 shortest-form
// serialization, and HTML escaping is disabled. Array order is preserved.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
