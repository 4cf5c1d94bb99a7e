package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrCorruptTimestamp is wrapped by every timestamp decoding failure.
var ErrCorruptTimestamp = errors.New("corrupt stored timestamp")

// Epoch is the on-disk encoding of a timestamp: whole seconds since the Unix epoch.
func Epoch(t time.Time) int64 {
	return t.Unix()
}

// NullEpoch encodes an optional timestamp for a nullable column.
func NullEpoch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// ParseTimestamp decodes a stored timestamp. Integer epoch seconds and RFC3339
// strings are accepted; anything else is reported as ErrCorruptTimestamp.
func ParseTimestamp(column, raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: %s is empty", ErrCorruptTimestamp, column)
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s=%q", ErrCorruptTimestamp, column, raw)
}

// ParseNullTimestamp is ParseTimestamp for nullable columns.
func ParseNullTimestamp(column string, raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := ParseTimestamp(column, raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NullString converts an optional string to a nullable column value.
func NullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// StringPtr returns nil for NULL columns.
func StringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
