// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) style
// serialization and SHA-256 hashing. Every hash, fingerprint, and content
// address in the system is computed over the output of this package.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Version identifies the canonicalization algorithm. It is recorded on every
// run so a future format change is detectable instead of silently producing
// different hashes for the same data.
const Version = "elspeth-jcs-1"

// ErrNonFinite is returned when a NaN or infinite numeric value is found at
// any depth of the input. Non-finite values are rejected, never coerced.
var ErrNonFinite = errors.New("canonicalize: non-finite number")

// bytesKey is the wrapper key used to serialize raw byte payloads.
const bytesKey = "__bytes__"

// CanonicalJSON returns the canonical JSON encoding of v: minimized, UTF-8,
// map keys sorted by code point, no HTML escaping.
func CanonicalJSON(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(n)
}

// StableHash returns the lowercase SHA-256 hex digest of CanonicalJSON(v).
func StableHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of raw bytes and returns the hex digest.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// TransformRaw canonicalizes an already-encoded JSON document per RFC 8785.
// Used for hashing configuration documents that arrive as raw JSON bytes.
func TransformRaw(doc []byte) ([]byte, error) {
	out, err := jcs.Transform(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// Date is a date-only value that canonicalizes as YYYY-MM-DD.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Normalize recursively converts v into the restricted value set that
// canonical serialization accepts: nil, bool, string, json.Number, []any,
// and map[string]any. Normalization is idempotent.
//
// Rules:
//   - NaN and ±Inf (at any depth) return ErrNonFinite.
//   - time.Time is coerced to UTC and rendered RFC 3339 with +00:00 offset.
//   - Date renders as YYYY-MM-DD.
//   - []byte becomes {"__bytes__": "<base64>"}.
//   - *big.Int within int64/uint64 range stays numeric; wider values become
//     their exact decimal string.
//   - json.Number passes through after a finiteness check.
//   - Structs and named types round-trip through encoding/json so tags are
//     honored, then are normalized again.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case json.Number:
		if err := checkFiniteNumber(t); err != nil {
			return nil, err
		}
		return t, nil
	case int:
		return json.Number(fmt.Sprintf("%d", t)), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return json.Number(fmt.Sprintf("%d", t)), nil
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		if t.IsInt64() || t.IsUint64() {
			return json.Number(t.String()), nil
		}
		// Exact string form for values outside 64-bit range.
		return t.String(), nil
	case time.Time:
		return formatUTC(t), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return formatUTC(*t), nil
	case Date:
		return t.String(), nil
	case []byte:
		return map[string]any{bytesKey: base64.StdEncoding.EncodeToString(t)}, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return normalizeReflected(v)
	}
}

// normalizeReflected handles typed slices, typed maps, structs, and pointers
// by round-tripping through encoding/json with UseNumber, then normalizing
// the generic result. json tags are respected.
func normalizeReflected(v any) (any, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		if strings.Contains(err.Error(), "unsupported value") {
			// encoding/json refuses NaN/Inf floats; surface our typed error.
			return nil, fmt.Errorf("%w: %v", ErrNonFinite, err)
		}
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}
	return Normalize(generic)
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrNonFinite, f)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: float encode: %w", err)
	}
	return json.Number(b), nil
}

func checkFiniteNumber(n json.Number) error {
	s := n.String()
	if s == "" {
		return fmt.Errorf("canonicalize: empty number literal")
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "nan") || strings.Contains(lower, "inf") {
		return fmt.Errorf("%w: %q", ErrNonFinite, s)
	}
	if f, err := n.Float64(); err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return fmt.Errorf("%w: %q", ErrNonFinite, s)
	}
	return nil
}

func formatUTC(t time.Time) string {
	// Naive locations are treated as UTC; everything renders +00:00.
	u := t.UTC()
	if u.Nanosecond() == 0 {
		return u.Format("2006-01-02T15:04:05+00:00")
	}
	return u.Format("2006-01-02T15:04:05.999999999+00:00")
}

// marshalCanonical serializes an already-normalized value. Keys are sorted
// lexicographically by UTF-8 bytes, which equals code-point order.
func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return encodeString(t)
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalCanonical(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeString(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("canonicalize: unexpected normalized type %T", v)
	}
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // RFC 8785 requires no HTML escaping
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	// json.Encoder appends a newline; trim it.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
