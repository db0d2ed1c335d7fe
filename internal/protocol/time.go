package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// timeLayouts are tried in order for string timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
}

// Time is a timestamp that decodes from a date string in one of a few
// common layouts or from a unix millisecond number. Anything it cannot read
// decodes as the zero time rather than failing the enclosing payload. It
// always encodes as RFC 3339.
type Time struct {
	time.Time
}

// NewTime wraps t.
func NewTime(t time.Time) Time {
	return Time{Time: t}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler. It never returns an error.
func (t *Time) UnmarshalJSON(data []byte) error {
	t.Time = parseTime(bytes.TrimSpace(data))
	return nil
}

func parseTime(data []byte) time.Time {
	if len(data) == 0 {
		return time.Time{}
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil || s == "" {
			return time.Time{}
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed
			}
		}
		if ms, err := strconv.ParseFloat(s, 64); err == nil {
			return time.UnixMilli(int64(ms))
		}
		return time.Time{}
	}

	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
