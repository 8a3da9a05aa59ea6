package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/gang"
	"github.com/kartikbazzad/mppdispatch/internal/result"
	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

// job is one send of the shared message to one connection.
type job struct {
	conn   gang.Conn
	slice  int
	gangID int
}

var errWorkerPanic = errors.New("dispatch worker panic")

// pending is a send awaiting its reply.
type pending struct {
	conn   gang.Conn
	slice  int
	gangID int
	sentAt time.Time
}

// batch is a fixed set of connections owned by one sender and one
// receiver for the whole dispatch call.
type batch struct {
	id       int
	conns    []gang.Conn
	queue    chan job
	inflight chan pending
}

// partition splits conns into at most maxWorkers batches of roughly
// perWorker connections. Batch sizes grow when the worker cap is reached.
func partition(conns []gang.Conn, perWorker, maxWorkers int) [][]gang.Conn {
	n := len(conns)
	if n == 0 {
		return nil
	}
	if perWorker <= 0 {
		perWorker = 1
	}
	count := (n + perWorker - 1) / perWorker
	if maxWorkers > 0 && count > maxWorkers {
		count = maxWorkers
	}
	size := (n + count - 1) / count

	out := make([][]gang.Conn, 0, count)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		out = append(out, conns[start:end:end])
	}
	return out
}

// send runs the sender side of a batch: it delivers every queued job and
// hands successful sends to the receiver. With cancel-on-error, jobs
// dequeued after a failure or interrupt are recorded as cancelled unsent.
func (s *State) send(b *batch, msg *wire.Message) {
	defer close(b.inflight)
	defer msg.Release()

	for j := range b.queue {
		if s.stopping() {
			s.stopped.Store(true)
			s.record(j.conn, j.slice, j.gangID, nil, &dserrors.CancelledError{Cause: context.Cause(s.ctx)}, 0)
			continue
		}

		start := time.Now()
		err := s.retry.Retry(s.ctx, func() error {
			return s.guard("send", j.conn, func() error {
				return j.conn.Send(s.ctx, msg, j.slice)
			})
		}, s.classifier)
		s.metrics.ObserveSend(time.Since(start))

		if err == nil {
			s.metrics.IncSent()
			b.inflight <- pending{conn: j.conn, slice: j.slice, gangID: j.gangID, sentAt: start}
		} else {
			s.record(j.conn, j.slice, j.gangID, nil, s.sendOutcome(j.conn, err), time.Since(start))
		}
	}
}

// stopping reports whether remaining sends must be skipped.
func (s *State) stopping() bool {
	return s.cancelOnError && (s.agg.HasError() || s.ctx.Err() != nil)
}

// guard turns a panic raised by a connection into an error for that job.
func (s *State) guard(op string, conn gang.Conn, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Connection panicked", "op", op, "content", conn.Segment().ContentID, "panic", r)
			err = fmt.Errorf("%w: %s: %v", errWorkerPanic, op, r)
		}
	}()
	return fn()
}

// receive runs the receiver side of a batch: it collects one reply per
// successful send, in send order, and cancels connections once the
// dispatch context is done so none is left with unread replies.
func (s *State) receive(b *batch) {
	cancelled := make(map[gang.Conn]bool)

	for p := range b.inflight {
		if cancelled[p.conn] {
			s.record(p.conn, p.slice, p.gangID, nil, &dserrors.CancelledError{Cause: context.Cause(s.ctx)}, time.Since(p.sentAt))
			continue
		}

		var reply *gang.Reply
		err := s.guard("recv", p.conn, func() error {
			var err error
			reply, err = p.conn.Recv(s.ctx)
			return err
		})
		if err != nil && s.ctx.Err() != nil && isContextErr(err) {
			s.cancelConn(p.conn)
			cancelled[p.conn] = true
			err = &dserrors.CancelledError{Cause: context.Cause(s.ctx)}
		}
		s.record(p.conn, p.slice, p.gangID, reply, err, time.Since(p.sentAt))
	}
}

func (s *State) cancelConn(conn gang.Conn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cancelTimeout)
	defer cancel()
	if err := conn.Cancel(ctx); err != nil {
		s.logger.Warn("Failed to drain cancelled connection",
			"content", conn.Segment().ContentID, "error", err)
	}
	s.metrics.IncCancel()
}

// sendOutcome normalizes a failed send. Remote errors pass through,
// cancellation is reported as such and anything else broke the connection.
func (s *State) sendOutcome(conn gang.Conn, err error) error {
	if errors.Is(err, dserrors.ErrRemoteExecution) {
		return err
	}
	if s.ctx.Err() != nil && isContextErr(err) {
		return &dserrors.CancelledError{Cause: context.Cause(s.ctx)}
	}
	seg := conn.Segment()
	return &dserrors.ConnectionError{ContentID: seg.ContentID, Addr: seg.Addr(), Err: err}
}

func (s *State) record(conn gang.Conn, slice, gangID int, reply *gang.Reply, err error, d time.Duration) {
	outcome := result.Classify(err)
	if outcome.Hard() {
		category := s.classifier.Classify(err)
		s.tracker.RecordError(err, category)
		s.metrics.IncSegmentError(category.String())
	}
	s.agg.Record(result.SegmentResult{
		Segment:    conn.Segment(),
		GangID:     gangID,
		SliceIndex: slice,
		Outcome:    outcome,
		Err:        err,
		Reply:      reply,
		Duration:   d,
	})
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
