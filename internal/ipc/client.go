package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/gang"
	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

var ErrNoQueryInFlight = errors.New("recv with no query in flight")

// Conn is a dispatcher-side TCP connection to one segment. It implements
// gang.Conn. Replies are read by a background goroutine so an abandoned
// Recv never leaves a half-read frame on the stream.
type Conn struct {
	seg gang.Segment
	nc  net.Conn

	wmu     sync.Mutex
	pending atomic.Int64
	replies chan *ReplyFrame

	closing chan struct{}
	done    chan struct{}
	readErr error

	closeOnce sync.Once
}

// Dial connects to the segment at addr. An empty addr dials seg.Addr().
func Dial(ctx context.Context, seg gang.Segment, addr string, timeout time.Duration) (*Conn, error) {
	if addr == "" {
		addr = seg.Addr()
	}
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &dserrors.ConnectionError{ContentID: seg.ContentID, Addr: addr, Err: err}
	}
	c := &Conn{
		seg:     seg,
		nc:      nc,
		replies: make(chan *ReplyFrame, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		f, err := readReply(c.nc)
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.replies <- f:
		case <-c.closing:
			c.readErr = net.ErrClosed
			return
		}
	}
}

func (c *Conn) Segment() gang.Segment {
	return c.seg
}

func (c *Conn) Send(ctx context.Context, msg *wire.Message, localSlice int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := c.interruptWrites(ctx)
	_, err := msg.WriteSliceTo(c.nc, localSlice)
	stop()
	if err != nil {
		// A partial frame leaves the stream unusable.
		c.nc.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	c.pending.Add(1)
	return nil
}

// interruptWrites unblocks a pending write as soon as ctx is done.
func (c *Conn) interruptWrites(ctx context.Context) (stop func() bool) {
	deadline, _ := ctx.Deadline()
	_ = c.nc.SetWriteDeadline(deadline)
	return context.AfterFunc(ctx, func() {
		_ = c.nc.SetWriteDeadline(time.Now())
	})
}

func (c *Conn) Recv(ctx context.Context) (*gang.Reply, error) {
	if c.pending.Load() == 0 {
		return nil, ErrNoQueryInFlight
	}
	f, err := c.next(ctx)
	if err != nil {
		return nil, err
	}
	return f.Result()
}

func (c *Conn) next(ctx context.Context) (*ReplyFrame, error) {
	select {
	case f := <-c.replies:
		c.pending.Add(-1)
		return f, nil
	default:
	}
	select {
	case f := <-c.replies:
		c.pending.Add(-1)
		return f, nil
	case <-c.done:
		select {
		case f := <-c.replies:
			c.pending.Add(-1)
			return f, nil
		default:
		}
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel sends a cancel request and drains one reply per query in flight.
func (c *Conn) Cancel(ctx context.Context) error {
	if c.pending.Load() == 0 {
		return nil
	}

	c.wmu.Lock()
	stop := c.interruptWrites(ctx)
	_, err := c.nc.Write(CancelFrame())
	stop()
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send cancel to seg%d: %w", c.seg.ContentID, err)
	}

	for c.pending.Load() > 0 {
		if _, err := c.next(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of queries awaiting a reply.
func (c *Conn) Pending() int {
	return int(c.pending.Load())
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.nc.Close()
		<-c.done
	})
	return err
}

// DialGang dials one connection per segment concurrently and returns them
// as a gang. Connections already opened are closed if any dial fails.
func DialGang(ctx context.Context, id int, typ gang.Type, segments []gang.Segment, timeout time.Duration) (*gang.Gang, error) {
	opened := make([]*Conn, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segments {
		g.Go(func() error {
			c, err := Dial(gctx, seg, "", timeout)
			if err != nil {
				return err
			}
			opened[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range opened {
			if c != nil {
				c.Close()
			}
		}
		return nil, err
	}

	conns := make([]gang.Conn, len(opened))
	for i, c := range opened {
		conns[i] = c
	}
	return gang.New(id, typ, conns), nil
}

// ParseSegments parses "host:port" addresses into segments numbered by
// position.
func ParseSegments(addrs []string) ([]gang.Segment, error) {
	segs := make([]gang.Segment, 0, len(addrs))
	for i, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("segment %d: bad port %q", i, portStr)
		}
		segs = append(segs, gang.Segment{ContentID: i, DBID: i + 2, Host: host, Port: port})
	}
	return segs, nil
}
