// Package result merges per-connection dispatch outcomes into one
// statement-level result.
package result

import (
	"errors"
	"sync"
	"time"

	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/gang"
)

// Outcome is the terminal state of one send.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRemoteError
	OutcomeConnectionError
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRemoteError:
		return "remote_error"
	case OutcomeConnectionError:
		return "connection_error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Hard reports whether the outcome fails the statement.
func (o Outcome) Hard() bool {
	return o == OutcomeRemoteError || o == OutcomeConnectionError
}

// SegmentResult is the record of one message sent to one connection.
type SegmentResult struct {
	Segment    gang.Segment
	GangID     int
	SliceIndex int
	Outcome    Outcome
	Err        error
	Reply      *gang.Reply
	Duration   time.Duration
}

// Aggregator collects SegmentResults from concurrent workers.
type Aggregator struct {
	mu       sync.Mutex
	results  []SegmentResult
	counts   map[Outcome]int
	firstErr error
	code     string
	onError  func(error)
}

// New returns an aggregator. onError, if set, is called once with the
// first hard error, outside the aggregator lock.
func New(onError func(error)) *Aggregator {
	return &Aggregator{
		counts:  make(map[Outcome]int),
		onError: onError,
	}
}

// Classify maps a send or receive error to an outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, dserrors.ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, dserrors.ErrRemoteExecution):
		return OutcomeRemoteError
	default:
		return OutcomeConnectionError
	}
}

// Record stores r. Connection failures are normalized to *ConnectionError.
func (a *Aggregator) Record(r SegmentResult) {
	if r.Outcome == OutcomeConnectionError {
		var connErr *dserrors.ConnectionError
		if !errors.As(r.Err, &connErr) {
			r.Err = &dserrors.ConnectionError{ContentID: r.Segment.ContentID, Addr: r.Segment.Addr(), Err: r.Err}
		}
	}

	var fire func(error)
	a.mu.Lock()
	a.results = append(a.results, r)
	a.counts[r.Outcome]++
	if r.Outcome.Hard() && a.firstErr == nil {
		a.firstErr = r.Err
		a.code = dserrors.CodeOf(r.Err)
		fire = a.onError
	}
	a.mu.Unlock()

	if fire != nil {
		fire(r.Err)
	}
}

// Code returns the SQLSTATE of the first hard error, or "".
func (a *Aggregator) Code() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code
}

// Err returns the first hard error, or nil.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firstErr
}

func (a *Aggregator) HasError() bool {
	return a.Err() != nil
}

// Summary merges identical failure messages reported by several segments
// into one *errors.DispatchError. It returns nil when nothing failed.
func (a *Aggregator) Summary() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstErr == nil {
		return nil
	}

	summary := &dserrors.DispatchError{Code: a.code, First: a.firstErr}
	index := make(map[string]int)
	for _, r := range a.results {
		if !r.Outcome.Hard() {
			continue
		}
		msg := failureMessage(r.Err)
		i, ok := index[msg]
		if !ok {
			i = len(summary.Messages)
			index[msg] = i
			summary.Messages = append(summary.Messages, dserrors.MergedMessage{Message: msg})
		}
		summary.Messages[i].Contents = append(summary.Messages[i].Contents, r.Segment.ContentID)
	}
	return summary
}

func failureMessage(err error) string {
	var remote *dserrors.RemoteError
	if errors.As(err, &remote) {
		if remote.Code != "" {
			return remote.Code + ": " + remote.Message
		}
		return remote.Message
	}
	var connErr *dserrors.ConnectionError
	if errors.As(err, &connErr) && connErr.Err != nil {
		return dserrors.ErrConnection.Error() + ": " + connErr.Err.Error()
	}
	return err.Error()
}

// Results returns a copy of every record.
func (a *Aggregator) Results() []SegmentResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SegmentResult(nil), a.results...)
}

// Failed returns a copy of the records with a hard outcome.
func (a *Aggregator) Failed() []SegmentResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []SegmentResult
	for _, r := range a.results {
		if r.Outcome.Hard() {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of records per outcome.
func (a *Aggregator) Counts() map[Outcome]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[Outcome]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// Len returns the number of records.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}
