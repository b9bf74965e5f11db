package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors surfaced across component boundaries.
var (
	// ErrNotFound signals a missing job, run, or detail record.
	ErrNotFound = errors.New("record not found")
	// ErrUnresolvedCrawler signals a registry miss; never retried.
	ErrUnresolvedCrawler = errors.New("crawler not registered")
	// ErrNotRetryable signals a detail that lacks the context to replay.
	ErrNotRetryable = errors.New("detail cannot be retried")
	// ErrConcurrencyConflict signals a lost optimistic-lock race; the caller
	// re-scans rather than retrying the same claim.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
	// ErrValidation signals a malformed job definition.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateUnit signals a repeated registry registration.
	ErrDuplicateUnit = errors.New("unit already registered")
)

// ErrorKind classifies a unit failure for persistence and retry decisions.
type ErrorKind string

// Error classifications recorded on runs and details.
const (
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindNetwork    ErrorKind = "network"
	ErrKindParse      ErrorKind = "parse"
	ErrKindUnresolved ErrorKind = "unresolved_crawler"
	ErrKindCanceled   ErrorKind = "canceled"
	ErrKindUnknown    ErrorKind = "unknown"
)

// CrawlError wraps a unit failure with its classification.
type CrawlError struct {
	Kind ErrorKind
	Err  error
}

// NewCrawlError builds a classified crawl error.
func NewCrawlError(kind ErrorKind, err error) *CrawlError {
	return &CrawlError{Kind: kind, Err: err}
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could reasonably succeed.
// Timeouts and network failures are transient; parse mismatches and registry
// misses are not.
func (e *CrawlError) Retryable() bool {
	switch e.Kind {
	case ErrKindTimeout, ErrKindNetwork:
		return true
	default:
		return false
	}
}

// Classify maps an arbitrary unit error onto the taxonomy. Explicit
// CrawlError classifications win; otherwise context and net errors are
// inspected.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrUnresolvedCrawler) {
		return ErrKindUnresolved
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrKindTimeout
		}
		return ErrKindNetwork
	}
	return ErrKindUnknown
}

// Retryable reports whether an error warrants another executor attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case ErrKindTimeout, ErrKindNetwork:
		return true
	case ErrKindUnknown:
		// Unknown failures get the benefit of the doubt; the attempt cap
		// still bounds them.
		return true
	default:
		return false
	}
}
