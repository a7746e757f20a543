package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-exported so callers only need this package for error matching
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

// ScrapeError means the upstream target could not be read this tick
type ScrapeError struct {
	Target string
	Err    error
}

func (e *ScrapeError) Error() string {
	return fmt.Sprintf("scrape of %s failed: %v", e.Target, e.Err)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// MalformedSampleError means a single series could not be turned into a sample
type MalformedSampleError struct {
	MetricName string
	Reason     string
}

func (e *MalformedSampleError) Error() string {
	return fmt.Sprintf("malformed sample %s: %s", e.MetricName, e.Reason)
}

// ClockSkewError means two observations of the same counter had a non-positive interval
type ClockSkewError struct {
	MetricName string
	Previous   time.Time
	Current    time.Time
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("non-positive interval for %s: previous=%s current=%s",
		e.MetricName, e.Previous.Format(time.RFC3339Nano), e.Current.Format(time.RFC3339Nano))
}

// RejectedSampleError means a delta was physically implausible and kept out of aggregates
type RejectedSampleError struct {
	Reason string
	Value  float64
}

func (e *RejectedSampleError) Error() string {
	return fmt.Sprintf("sample rejected (%s): %g", e.Reason, e.Value)
}

// PublishErrorKind separates retryable from non-retryable sink failures
type PublishErrorKind int

const (
	Transient PublishErrorKind = iota
	Permanent
)

func (k PublishErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// PublishError is returned by queue and store writers
type PublishError struct {
	Kind PublishErrorKind
	Sink string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s publish error on %s: %v", e.Kind, e.Sink, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable publish failure
func NewTransient(sink string, err error) error {
	return &PublishError{Kind: Transient, Sink: sink, Err: err}
}

// NewPermanent wraps err as a publish failure that must not be retried
func NewPermanent(sink string, err error) error {
	return &PublishError{Kind: Permanent, Sink: sink, Err: err}
}

// IsPermanent reports whether err carries a Permanent PublishError
func IsPermanent(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe) && pe.Kind == Permanent
}

// IsTransient reports whether err should be retried. Untyped errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
