package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrorKind categorizes store failures so callers can pick a recovery
// strategy without inspecting driver internals.
type ErrorKind string

const (
	// KindConnectionLost covers refused, reset, and dropped connections.
	KindConnectionLost ErrorKind = "connection_lost"

	// KindConstraintViolation covers unique, foreign-key, and check violations.
	KindConstraintViolation ErrorKind = "constraint_violation"

	// KindNotFound is returned when a requested record does not exist.
	KindNotFound ErrorKind = "not_found"

	// KindTimeout covers deadline exceeded and statement timeouts.
	KindTimeout ErrorKind = "timeout"

	// KindFeatureMissing signals an absent stored procedure or extension.
	// Callers use it to downgrade gracefully on fresh installs.
	KindFeatureMissing ErrorKind = "feature_missing"

	// KindOther is everything else.
	KindOther ErrorKind = "other"
)

// Error is the structured error returned by all store operations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is a sentinel usable with errors.Is for absence checks.
var ErrNotFound = &Error{Kind: KindNotFound, Op: "db"}

// Is lets errors.Is match any store error of the same kind.
func (e *Error) Is(target error) bool {
	var se *Error
	if errors.As(target, &se) {
		return e.Kind == se.Kind
	}
	return false
}

// wrapError classifies err into a structured store error. A nil err
// returns nil so call sites can wrap unconditionally.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// SQLSTATE classes used for classification.
const (
	pgUndefinedFunction  = "42883"
	pgUndefinedTable     = "42P01"
	pgQueryCanceled      = "57014"
	pgConstraintClassPfx = "23"
	pgConnectionClassPfx = "08"
)

func classify(err error) ErrorKind {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUndefinedFunction || pgErr.Code == pgUndefinedTable:
			return KindFeatureMissing
		case pgErr.Code == pgQueryCanceled:
			return KindTimeout
		case strings.HasPrefix(pgErr.Code, pgConstraintClassPfx):
			return KindConstraintViolation
		case strings.HasPrefix(pgErr.Code, pgConnectionClassPfx):
			return KindConnectionLost
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionLost
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "does not exist") && (strings.Contains(msg, "function") || strings.Contains(msg, "relation")):
		return KindFeatureMissing
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "bad connection"):
		return KindConnectionLost
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "violates"):
		return KindConstraintViolation
	}

	return KindOther
}

// KindOf extracts the kind from a store error, returning KindOther for
// foreign errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// IsNotFound reports whether err represents a missing record.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound || errors.Is(err, gorm.ErrRecordNotFound)
}

// IsFeatureMissing reports whether err represents an absent stored
// procedure or relation, the signal for graceful degradation.
func IsFeatureMissing(err error) bool {
	return KindOf(err) == KindFeatureMissing
}

// IsRetriable reports whether the operation may succeed if repeated.
func IsRetriable(err error) bool {
	k := KindOf(err)
	return k == KindConnectionLost || k == KindTimeout
}
