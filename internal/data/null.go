package data

import (
	"database/sql"
	"time"
)

// Millis converts t to UTC unix milliseconds
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts unix milliseconds back to a UTC time
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis converts an optional time to a nullable column value
func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Millis(*t), Valid: true}
}

// TimePtr converts a nullable millisecond column to an optional time
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// NullString maps the empty string to NULL
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Bool converts a boolean to its 0/1 column value
func Bool(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Scanner is implemented by *sql.Row and *sql.Rows
type Scanner interface {
	Scan(dest ...any) error
}
