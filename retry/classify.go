// Package retry classifies stage failures and coordinates the hybrid
// retry model: a synchronous first retry in the request path, then
// asynchronous background attempts with exponential full-jitter backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"krai.services/engine/db"
)

// Class is the retry classification of a failure.
type Class string

const (
	// ClassTransient failures may clear on their own: connection loss,
	// timeouts, dependency 5xx responses, rate limits.
	ClassTransient Class = "transient"

	// ClassPermanent failures are deterministic and never retried.
	ClassPermanent Class = "permanent"

	// ClassUnknown failures retry like transients with capped attempts.
	ClassUnknown Class = "unknown"
)

// ClassifiedError carries an explicit classification assigned at the
// failure site. Classify honors it before any heuristic.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err with an explicit transient classification.
func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Permanent wraps err with an explicit permanent classification.
func Permanent(err error) error {
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// StatusError reports a non-success HTTP response from a collaborator
// service (embedding, vision, object storage front end).
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dependency returned status %d", e.Status)
	}
	return fmt.Sprintf("dependency returned status %d: %s", e.Status, e.Message)
}

// Classify maps err to a retry class.
//
// Precedence: explicit classification, dependency HTTP status, store
// error kind, context and network signals, then message heuristics.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Status == http.StatusTooManyRequests:
			return ClassTransient
		case statusErr.Status >= 500:
			return ClassTransient
		case statusErr.Status >= 400:
			return ClassPermanent
		default:
			return ClassUnknown
		}
	}

	var storeErr *db.Error
	if errors.As(err, &storeErr) {
		switch storeErr.Kind {
		case db.KindConnectionLost, db.KindTimeout:
			return ClassTransient
		case db.KindConstraintViolation, db.KindNotFound, db.KindFeatureMissing:
			return ClassPermanent
		default:
			return ClassUnknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return ClassTransient
	case strings.Contains(msg, "validation"),
		strings.Contains(msg, "invalid"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "unsupported"),
		strings.Contains(msg, "not found"):
		return ClassPermanent
	}

	return ClassUnknown
}
