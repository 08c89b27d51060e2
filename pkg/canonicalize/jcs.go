// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of protection policies and evidence.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// SchemeV1 identifies the canonical encoding used for baselines. Changing any
// step below requires a new scheme id, since existing baselines stop matching.
//
//  1. Marshal with encoding/json (respects struct tags).
//  2. Decode with UseNumber and reject any number that an IEEE 754 double
//     cannot represent exactly, since RFC 8785 serializes numbers as doubles.
//  3. NFC-normalize every string, keys included.
//  4. RFC 8785 transform (sorted keys, no insignificant whitespace, no HTML escaping).
//  5. SHA-256, lowercase hex.
const SchemeV1 = "jcs-nfc-sha256-v1"

// ErrInexactNumber is returned when a number would change value on its way
// through the canonical double representation.
var ErrInexactNumber = errors.New("number not exactly representable as a double")

// ExactNumber reports whether n survives a round trip through float64 with
// its value unchanged. 0.1 is exact in this sense; 9007199254740993 is not.
func ExactNumber(n json.Number) bool {
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return false
	}
	want, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return false
	}
	got, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if !ok {
		return false
	}
	return want.Cmp(got) == 0
}

// JCS returns the canonical JSON representation of v.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}

	prepared, err := normalize(generic)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(prepared)
	if err != nil {
		return nil, fmt.Errorf("jcs: normalized marshal failed: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t), nil
	case json.Number:
		if !ExactNumber(t) {
			return nil, fmt.Errorf("jcs: %s: %w", t, ErrInexactNumber)
		}
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

// QuoteInexact returns a copy of v in which every json.Number that fails
// ExactNumber is replaced by its decimal text as a string. Callers use it when
// distinct large identifiers must stay distinct after canonicalization.
func QuoteInexact(v any) any {
	switch t := v.(type) {
	case json.Number:
		if !ExactNumber(t) {
			return t.String()
		}
		return t
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = QuoteInexact(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = QuoteInexact(elem)
		}
		return out
	default:
		return v
	}
}
