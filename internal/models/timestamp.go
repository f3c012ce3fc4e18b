package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// timestampLayouts are tried in order. The backend emits naive ISO-8601
// (UTC without offset) for some columns and RFC3339 for others.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02",
}

// Timestamp is a nullable time that accepts the backend's mixed ISO-8601 formats
type Timestamp struct {
	t *time.Time
}

// TimestampOf wraps t; nil and zero times encode as null
func TimestampOf(t *time.Time) Timestamp {
	if t == nil || t.IsZero() {
		return Timestamp{}
	}
	v := *t
	return Timestamp{t: &v}
}

// Ptr returns the wrapped time or nil
func (ts Timestamp) Ptr() *time.Time {
	return ts.t
}

// ParseTimestamp parses any of the accepted layouts, assuming UTC when no offset is given
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		ts.t = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		ts.t = nil
		return nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	ts.t = &t
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.t == nil {
		return []byte("null"), nil
	}
	return json.Marshal(ts.t.UTC().Format(time.RFC3339Nano))
}
