package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/gang"
	"github.com/kartikbazzad/mppdispatch/internal/metrics"
	"github.com/kartikbazzad/mppdispatch/internal/result"

	"github.com/panjf2000/ants/v2"
)

// WaitMode selects how State.Wait treats work still in flight.
type WaitMode int

const (
	// WaitNone waits for every connection to finish on its own.
	WaitNone WaitMode = iota
	// WaitCancel cancels in-flight work and waits for the drain.
	WaitCancel
)

// State tracks one dispatch call from fan-out to drain. The caller owns it
// and must call Destroy exactly once on every path; Destroy is nil-safe and
// idempotent so `defer st.Destroy()` is always correct.
type State struct {
	id            string
	kind          string
	cancelOnError bool
	parent        context.Context

	ctx    context.Context
	cancel context.CancelCauseFunc

	agg        *result.Aggregator
	pool       *ants.Pool
	wg         sync.WaitGroup
	batches    []*batch
	writerGang *gang.Gang

	dispatchedRounds int
	totalRounds      int
	started          time.Time
	// stopped is set once any send was skipped by cancel-on-error.
	stopped atomic.Bool
	stats   *Stats

	retry         *dserrors.RetryController
	classifier    *dserrors.Classifier
	tracker       *dserrors.ErrorTracker
	cancelTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics

	finishOnce  sync.Once
	finishErr   error
	destroyOnce sync.Once
	destroyed   atomic.Bool
}

// ID returns the dispatch id attached to log records.
func (s *State) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// WriterGang returns the writer gang the call dispatched to, if any.
func (s *State) WriterGang() *gang.Gang {
	if s == nil {
		return nil
	}
	return s.writerGang
}

// Rounds returns how many rounds were enqueued out of the total planned.
func (s *State) Rounds() (dispatched, total int) {
	if s == nil {
		return 0, 0
	}
	return s.dispatchedRounds, s.totalRounds
}

// Wait blocks until every batch reaches a terminal state.
func (s *State) Wait(mode WaitMode) {
	if s == nil {
		return
	}
	if mode == WaitCancel && s.ctx.Err() == nil {
		s.cancel(dserrors.ErrCancelled)
	}
	s.wg.Wait()
}

// Finish waits for every connection to finish and returns the merged
// failure, if any.
func (s *State) Finish() error {
	if s == nil || s.destroyed.Load() {
		return dserrors.ErrStateDestroyed
	}
	s.Wait(WaitNone)
	s.finishOnce.Do(func() {
		s.finishErr = s.outcome()
	})
	return s.finishErr
}

func (s *State) outcome() error {
	if err := s.agg.Summary(); err != nil {
		return err
	}
	if s.agg.Counts()[result.OutcomeCancelled] > 0 {
		return &dserrors.CancelledError{Cause: context.Cause(s.ctx)}
	}
	return nil
}

// Results returns a copy of every per-connection record.
func (s *State) Results() []result.SegmentResult {
	if s == nil {
		return nil
	}
	return s.agg.Results()
}

// Failed returns the records of connections that failed.
func (s *State) Failed() []result.SegmentResult {
	if s == nil {
		return nil
	}
	return s.agg.Failed()
}

// Summary returns the merged failure summary, or nil.
func (s *State) Summary() error {
	if s == nil {
		return nil
	}
	return s.agg.Summary()
}

// Code returns the SQLSTATE of the first failure, or "".
func (s *State) Code() string {
	if s == nil {
		return ""
	}
	return s.agg.Code()
}

// Destroy cancels anything still running, waits for the drain and
// releases the worker pool.
func (s *State) Destroy() {
	if s == nil {
		return
	}
	s.destroyOnce.Do(func() {
		s.Wait(WaitCancel)
		if s.pool != nil {
			s.pool.Release()
		}
		s.destroyed.Store(true)

		status := "ok"
		switch err := s.outcome(); {
		case err == nil:
		case s.agg.HasError():
			status = "error"
		default:
			status = "cancelled"
		}
		if s.stopped.Load() {
			s.stats.addCancelled()
		}
		s.metrics.ObserveDispatch(s.kind, status, time.Since(s.started))
		s.metrics.StateClosed()
		s.logger.Debug("Dispatch state destroyed", "status", status, "duration", time.Since(s.started))
	})
}

// halt drains a call that stopped with rounds still pending and returns
// the error explaining why.
func (s *State) halt() error {
	s.Wait(WaitCancel)
	if err := s.agg.Summary(); err != nil {
		return err
	}
	if err := s.parent.Err(); err != nil {
		return &dserrors.CancelledError{Cause: context.Cause(s.parent)}
	}
	fault := &dserrors.InternalFaultError{Dispatched: s.dispatchedRounds, Total: s.totalRounds}
	s.tracker.RecordError(fault, dserrors.ErrorInternal)
	s.logger.Error("Dispatch halted without error or interrupt",
		"dispatched", s.dispatchedRounds, "total", s.totalRounds)
	return fault
}
