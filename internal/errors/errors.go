package errors

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrPlanTooLarge is returned when uncompressed plan size times segment
	// count exceeds the configured budget. Reported before any network I/O.
	ErrPlanTooLarge = errors.New("query plan size limit exceeded")

	// ErrInternalFault is returned when dispatch halted with slices pending
	// and neither an error nor an interrupt was recorded.
	ErrInternalFault = errors.New("unable to dispatch plan")

	// ErrRemoteExecution is returned when a segment reported an error
	ErrRemoteExecution = errors.New("segment execution error")

	// ErrConnection is returned when a segment connection failed or timed out
	ErrConnection = errors.New("segment connection error")

	// ErrCancelled is returned when an interrupt was observed mid-dispatch
	ErrCancelled = errors.New("dispatch cancelled")

	// ErrDirectDispatchUnsupported is returned for direct dispatch to more
	// than one content, or to a content the gang does not hold.
	ErrDirectDispatchUnsupported = errors.New("unsupported direct dispatch")

	// ErrGangNotFound is returned when a slice names a gang the pool lacks
	ErrGangNotFound = errors.New("gang not found")

	// ErrStateDestroyed is returned when a destroyed dispatcher state is used
	ErrStateDestroyed = errors.New("dispatcher state destroyed")

	// ErrNotSetCommand is returned when SetGucOnAllGangs gets other SQL
	ErrNotSetCommand = errors.New("command is not SET or RESET")
)

// SQLSTATE codes attached to dispatch errors.
const (
	CodeInternalError       = "XX000"
	CodeConnectionFailure   = "08006"
	CodeProtocolViolation   = "08P01"
	CodeQueryCanceled       = "57014"
	CodeStatementTooComplex = "54001"
)

type PlanTooLargeError struct {
	SizeKB uint64
	MaxKB  uint64
}

func (e *PlanTooLargeError) Error() string {
	return fmt.Sprintf("%s, current size: %dKB, max allowed size: %dKB", ErrPlanTooLarge, e.SizeKB, e.MaxKB)
}

func (e *PlanTooLargeError) Unwrap() error { return ErrPlanTooLarge }

type InternalFaultError struct {
	Dispatched int
	Total      int
}

func (e *InternalFaultError) Error() string {
	return fmt.Sprintf("%s: dispatched %d of %d slices without error or interrupt", ErrInternalFault, e.Dispatched, e.Total)
}

func (e *InternalFaultError) Unwrap() error { return ErrInternalFault }

// RemoteError is an application-level error reported by a segment.
type RemoteError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Hint      string `json:"hint,omitempty"`
	ContentID int    `json:"content_id"`
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	return fmt.Sprintf("%s (seg%d)", msg, e.ContentID)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteExecution }

type ConnectionError struct {
	ContentID int
	Addr      string
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s seg%d %s: %v", ErrConnection, e.ContentID, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s seg%d: %v", ErrConnection, e.ContentID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil || e.Cause == ErrCancelled {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

type DirectDispatchError struct {
	SliceIndex int
	Targets    int
	ContentID  int // set when the target content is not held by the gang
}

func (e *DirectDispatchError) Error() string {
	if e.Targets != 1 {
		return fmt.Sprintf("%s: slice %d targets %d contents, exactly one is supported", ErrDirectDispatchUnsupported, e.SliceIndex, e.Targets)
	}
	return fmt.Sprintf("%s: slice %d targets content %d outside its gang", ErrDirectDispatchUnsupported, e.SliceIndex, e.ContentID)
}

func (e *DirectDispatchError) Unwrap() error { return ErrDirectDispatchUnsupported }

// DispatchError is the statement-level summary of segment failures.
// Identical messages from several segments are merged into one entry.
type DispatchError struct {
	Code     string
	Messages []MergedMessage
	First    error
}

// MergedMessage is one distinct failure and the contents reporting it.
type MergedMessage struct {
	Message  string
	Contents []int
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	for i, m := range e.Messages {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(m.Message)
		b.WriteString(" (")
		b.WriteString(formatContents(m.Contents))
		b.WriteString(")")
	}
	return b.String()
}

func (e *DispatchError) Unwrap() error { return e.First }

func formatContents(contents []int) string {
	sorted := append([]int(nil), contents...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = "seg" + strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// CodeOf returns the SQLSTATE code carried by err, if any.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Code != "" {
		return remote.Code
	}
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Code
	}
	switch {
	case errors.Is(err, ErrConnection):
		return CodeConnectionFailure
	case errors.Is(err, ErrCancelled):
		return CodeQueryCanceled
	case errors.Is(err, ErrPlanTooLarge):
		return CodeStatementTooComplex
	}
	return CodeInternalError
}
