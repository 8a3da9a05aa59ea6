package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// ErrorCategory represents the category of an error for retry logic.
type ErrorCategory int

const (
	ErrorTransient  ErrorCategory = iota // Temporary errors - retry with backoff
	ErrorPermanent                       // Permanent errors - no retry
	ErrorNetwork                         // Network-related - retry with backoff
	ErrorRemote                          // Segment reported an application error
	ErrorCancelled                       // Cancelled by interrupt or policy
	ErrorValidation                      // Rejected before dispatch
	ErrorInternal                        // Scheduling invariant violated
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorPermanent:
		return "permanent"
	case ErrorNetwork:
		return "network"
	case ErrorRemote:
		return "remote"
	case ErrorCancelled:
		return "cancelled"
	case ErrorValidation:
		return "validation"
	case ErrorInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Classifier categorizes errors for intelligent retry logic.
type Classifier struct{}

// NewClassifier creates a new error classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorPermanent // Should not happen, but safe default
	}

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCancelled
	case errors.Is(err, ErrRemoteExecution):
		return ErrorRemote
	case errors.Is(err, ErrPlanTooLarge), errors.Is(err, ErrDirectDispatchUnsupported), errors.Is(err, ErrGangNotFound):
		return ErrorValidation
	case errors.Is(err, ErrInternalFault):
		return ErrorInternal
	}

	// Check for system-level errors
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EAGAIN, syscall.EINTR, syscall.ENOBUFS:
			return ErrorTransient
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.ETIMEDOUT:
			return ErrorNetwork
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorNetwork
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrorPermanent
	}

	if errors.Is(err, ErrConnection) {
		return ErrorNetwork
	}

	// Default: treat as permanent (no retry)
	return ErrorPermanent
}

// ShouldRetry returns true if the error category indicates retry is appropriate.
func (c *Classifier) ShouldRetry(category ErrorCategory) bool {
	return category == ErrorTransient || category == ErrorNetwork
}

// IsHard reports whether the category fails a statement.
// Cancellation is the consequence of a failure, not a failure itself.
func (c *Classifier) IsHard(category ErrorCategory) bool {
	return category != ErrorCancelled
}
