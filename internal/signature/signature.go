// Package signature computes the deterministic content hash used as the
// dedup and join key of the lake.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Size is the length of a signature in hex characters.
const Size = 2 * sha256.Size

// Normalize returns the canonical byte form of content.
//
// Text is NFC normalized so that equivalent unicode spellings hash equally.
// Structured values are serialized as RFC 8785 canonical JSON, so key order
// and whitespace do not change the signature. Bytes that are not valid UTF-8
// are returned as is.
//
// The second return value reports whether content was structured.
func Normalize(content any) ([]byte, bool, error) {
	switch v := content.(type) {
	case string:
		return []byte(norm.NFC.String(v)), false, nil
	case []byte:
		if utf8.Valid(v) {
			return norm.NFC.Bytes(v), false, nil
		}
		return v, false, nil
	case json.RawMessage:
		out, err := jcs.Transform(v)
		if err != nil {
			return nil, true, fmt.Errorf("failed to canonicalize JSON: %w", err)
		}
		return out, true, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, true, fmt.Errorf("failed to marshal content: %w", err)
		}
		out, err := jcs.Transform(data)
		if err != nil {
			return nil, true, fmt.Errorf("failed to canonicalize JSON: %w", err)
		}
		return out, true, nil
	}
}

// Sum returns the signature of already normalized bytes.
func Sum(normalized []byte) string {
	h := sha256.Sum256(normalized)
	return hex.EncodeToString(h[:])
}

// Of normalizes content and returns its signature along with the normalized
// bytes.
func Of(content any) (string, []byte, error) {
	data, _, err := Normalize(content)
	if err != nil {
		return "", nil, err
	}
	return Sum(data), data, nil
}

// Valid reports whether s looks like a signature produced by [Sum].
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
