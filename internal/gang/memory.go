package gang

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

// ExecFunc runs a decoded query on behalf of an in-memory segment. ctx is
// cancelled when the dispatcher cancels the connection.
type ExecFunc func(ctx context.Context, seg Segment, q *wire.Query) (*Reply, error)

// SendHook observes every send before it is accepted. A non-nil error
// fails the send as a broken connection would.
type SendHook func(seg Segment, q *wire.Query) error

var ErrConnClosed = errors.New("connection closed")

type call struct {
	cancel context.CancelFunc
	done   chan struct{}
	reply  *Reply
	err    error
}

// MemoryConn is an in-process segment connection. It decodes every
// message it is sent and executes it asynchronously with exec.
type MemoryConn struct {
	seg    Segment
	exec   ExecFunc
	onSend SendHook

	mu      sync.Mutex
	pending []*call
	closed  bool

	sends     atomic.Int64
	cancels   atomic.Int64
	lastQuery atomic.Pointer[wire.Query]
}

func NewMemoryConn(seg Segment, exec ExecFunc) *MemoryConn {
	if exec == nil {
		exec = func(context.Context, Segment, *wire.Query) (*Reply, error) {
			return &Reply{Tag: "OK"}, nil
		}
	}
	return &MemoryConn{seg: seg, exec: exec}
}

// OnSend installs a hook run synchronously by Send.
func (c *MemoryConn) OnSend(hook SendHook) {
	c.onSend = hook
}

func (c *MemoryConn) Segment() Segment {
	return c.seg
}

func (c *MemoryConn) Send(ctx context.Context, msg *wire.Message, localSlice int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := wire.Decode(msg.AppendTo(nil, localSlice))
	if err != nil {
		return err
	}
	if c.onSend != nil {
		if err := c.onSend(c.seg, q); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	execCtx, cancel := context.WithCancel(context.Background())
	cl := &call{cancel: cancel, done: make(chan struct{})}
	c.pending = append(c.pending, cl)
	c.mu.Unlock()

	c.sends.Add(1)
	c.lastQuery.Store(q)
	go func() {
		defer close(cl.done)
		defer cancel()
		cl.reply, cl.err = c.exec(execCtx, c.seg, q)
	}()
	return nil
}

func (c *MemoryConn) Recv(ctx context.Context) (*Reply, error) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil, errors.New("recv with no query in flight")
	}
	cl := c.pending[0]
	c.mu.Unlock()

	select {
	case <-cl.done:
	default:
		select {
		case <-cl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	if len(c.pending) > 0 && c.pending[0] == cl {
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()
	return cl.reply, cl.err
}

func (c *MemoryConn) Cancel(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		c.cancels.Add(1)
	}
	for _, cl := range pending {
		cl.cancel()
	}
	for _, cl := range pending {
		select {
		case <-cl.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pending returns the number of unanswered sends.
func (c *MemoryConn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Sends returns the number of accepted sends.
func (c *MemoryConn) Sends() int64 {
	return c.sends.Load()
}

// Cancels returns how many times Cancel found work in flight.
func (c *MemoryConn) Cancels() int64 {
	return c.cancels.Load()
}

// LastQuery returns the most recently accepted query.
func (c *MemoryConn) LastQuery() *wire.Query {
	return c.lastQuery.Load()
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Cancel(context.Background())
}

// NewMemoryGang builds a gang with one MemoryConn per content id.
func NewMemoryGang(id int, typ Type, contents []int, exec ExecFunc) *Gang {
	conns := make([]Conn, len(contents))
	for i, content := range contents {
		conns[i] = NewMemoryConn(Segment{
			ContentID: content,
			DBID:      content + 2,
			Host:      "127.0.0.1",
			Port:      6000 + content,
		}, exec)
	}
	return New(id, typ, conns)
}

// MemoryConns returns the gang's connections as *MemoryConn.
func MemoryConns(g *Gang) []*MemoryConn {
	out := make([]*MemoryConn, 0, len(g.Conns))
	for _, c := range g.Conns {
		if mc, ok := c.(*MemoryConn); ok {
			out = append(out, mc)
		}
	}
	return out
}
