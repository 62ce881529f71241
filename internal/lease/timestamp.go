package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned when a value cannot be interpreted as a
// point in time.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// isoMillis is the layout produced by JavaScript's Date.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// FormatISO renders t the way the expiry cookie stores it.
func FormatISO(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ParseTimestamp normalizes any of the timestamp shapes seen at the system
// boundary into a time.Time. Accepted inputs:
//
//   - time.Time and *time.Time
//   - epoch milliseconds as int, int64, uint64, float64 or json.Number
//   - strings holding epoch milliseconds or an RFC 3339 / ISO-8601 time
//   - maps with "seconds"/"nanoseconds" (or "_seconds"/"_nanoseconds") keys
//   - raw JSON (json.RawMessage or []byte) of any of the above
//
// Callers invoke it once per ingress point; nothing past the boundary
// handles untyped timestamps.
func ParseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidTimestamp)
	case time.Time:
		if x.IsZero() {
			return time.Time{}, fmt.Errorf("%w: zero time", ErrInvalidTimestamp)
		}
		return x, nil
	case *time.Time:
		if x == nil {
			return time.Time{}, fmt.Errorf("%w: nil time", ErrInvalidTimestamp)
		}
		return ParseTimestamp(*x)
	case int:
		return time.UnixMilli(int64(x)), nil
	case int64:
		return time.UnixMilli(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("%w: %d out of range", ErrInvalidTimestamp, x)
		}
		return time.UnixMilli(int64(x)), nil
	case float64:
		if !fitsInt64(x) {
			return time.Time{}, fmt.Errorf("%w: %v out of range", ErrInvalidTimestamp, x)
		}
		return time.UnixMilli(int64(x)), nil
	case json.Number:
		return parseTimestampString(x.String())
	case string:
		return parseTimestampString(x)
	case json.RawMessage:
		return parseTimestampJSON(x)
	case []byte:
		return parseTimestampJSON(x)
	case map[string]any:
		return parseTimestampMap(x)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidTimestamp, v)
	}
}

func parseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty string", ErrInvalidTimestamp)
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ParseTimestamp(f)
	}

	for _, layout := range []string{time.RFC3339Nano, isoMillis, "2006-01-02T15:04:05", time.RFC1123} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

func parseTimestampJSON(b []byte) (time.Time, error) {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if m, ok := v.(map[string]any); ok {
		return parseTimestampMap(m)
	}
	return ParseTimestamp(v)
}

// parseTimestampMap handles the {seconds, nanoseconds} object form that
// document-store SDKs serialize their timestamps to.
func parseTimestampMap(m map[string]any) (time.Time, error) {
	secs, ok := lookupNumber(m, "seconds", "_seconds")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: object without seconds field", ErrInvalidTimestamp)
	}
	nanos, _ := lookupNumber(m, "nanoseconds", "_nanoseconds")
	if !fitsInt64(secs) || !fitsInt64(nanos) {
		return time.Time{}, fmt.Errorf("%w: seconds %v out of range", ErrInvalidTimestamp, secs)
	}
	return time.Unix(int64(secs), int64(nanos)), nil
}

// fitsInt64 reports whether f converts to int64 without overflow.
func fitsInt64(f float64) bool {
	return !math.IsNaN(f) && f >= math.MinInt64 && f < math.MaxInt64
}

func lookupNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			f, err := n.Float64()
			if err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
