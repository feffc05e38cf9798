package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a guarded write matched no row: the status or
	// version changed between read and write.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition means the requested status edge is not part of
	// the lifecycle.
	ErrInvalidTransition = errors.New("invalid transition")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Timestamps are stored as fixed-width UTC text so that SQL comparisons on
// deadline columns order correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err == nil {
		return t, nil
	}
	t, err2 := time.Parse(time.RFC3339Nano, v)
	if err2 != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return FormatTime(*v)
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func textOf(src any) (string, bool, error) {
	switch v := src.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	case time.Time:
		return FormatTime(v), true, nil
	default:
		return "", false, fmt.Errorf("unsupported column type %T", src)
	}
}

// timeCol scans a NOT NULL timestamp column.
type timeCol struct{ dst *time.Time }

func (c timeCol) Scan(src any) error {
	s, ok, err := textOf(src)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unexpected NULL timestamp")
	}
	t, err := parseTime(s)
	if err != nil {
		return err
	}
	*c.dst = t
	return nil
}

// timePtrCol scans a nullable timestamp column.
type timePtrCol struct{ dst **time.Time }

func (c timePtrCol) Scan(src any) error {
	s, ok, err := textOf(src)
	if err != nil {
		return err
	}
	if !ok || s == "" {
		*c.dst = nil
		return nil
	}
	t, err := parseTime(s)
	if err != nil {
		return err
	}
	*c.dst = &t
	return nil
}

// strPtrCol scans a nullable text column.
type strPtrCol struct{ dst **string }

func (c strPtrCol) Scan(src any) error {
	s, ok, err := textOf(src)
	if err != nil {
		return err
	}
	if !ok {
		*c.dst = nil
		return nil
	}
	*c.dst = &s
	return nil
}
