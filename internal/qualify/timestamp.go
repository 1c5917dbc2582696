package qualify

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"crmrelay/internal/types"
)

// TimestampSource records which event field produced a resolved timestamp.
type TimestampSource string

const (
	TimestampFromEvent  TimestampSource = "timestamp"
	TimestampFromSentAt TimestampSource = "sent_at"
	TimestampFromClock  TimestampSource = "clock"
)

// sentAtLayouts are tried in order when parsing sent_at. Layouts without a
// zone are interpreted as UTC.
var sentAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ResolveTimestamp derives the event time in Unix seconds.
//
// A timestamp field that coerces to a finite number is returned floored and
// is taken to already be in seconds. A number outside the int64 range counts
// as not coercible. Otherwise sent_at is parsed as a date, and
// when that is missing or unparseable now is used. A non-numeric timestamp
// never fails the event; it only moves resolution to the date-based path.
func ResolveTimestamp(event types.Event, now time.Time) (int64, TimestampSource) {
	if v, ok := coerceNumber(event.Timestamp); ok {
		if secs, ok := floorToInt64(v); ok {
			return secs, TimestampFromEvent
		}
	}
	if t, ok := parseSentAt(event.SentAt); ok {
		return floorUnix(t), TimestampFromSentAt
	}
	return floorUnix(now), TimestampFromClock
}

// coerceNumber converts the loosely typed timestamp field to a finite float.
func coerceNumber(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case nil:
		return 0, false
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// floorToInt64 floors v and reports whether the result fits in an int64.
// float64(math.MaxInt64) rounds up to 2^63, hence the strict upper bound.
func floorToInt64(v float64) (int64, bool) {
	f := math.Floor(v)
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func parseSentAt(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range sentAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func floorUnix(t time.Time) int64 {
	return int64(math.Floor(float64(t.UnixMilli()) / 1000))
}
