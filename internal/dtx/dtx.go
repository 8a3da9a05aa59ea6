// Package dtx supplies the serialized distributed transaction context
// carried by every query message.
package dtx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Options are transaction flags requested for a dispatch.
type Options uint32

const (
	OptNone         Options = 0
	OptNeedTwoPhase Options = 1 << 0
	OptExplicitTxn  Options = 1 << 1
	OptWithSnapshot Options = 1 << 2
)

// TxnOptions returns the options for a statement that does or does not
// require a global transaction.
func TxnOptions(needTwoPhase bool) Options {
	if needTwoPhase {
		return OptNeedTwoPhase
	}
	return OptNone
}

func (o Options) Has(flag Options) bool {
	return o&flag != 0
}

// Request describes the context a dispatch needs.
type Request struct {
	WantSnapshot bool
	IsCursor     bool
	Options      Options
	Caller       string
}

// Provider is the transaction coordinator seen by the dispatcher.
type Provider interface {
	// PreCommand runs before a command is dispatched and may start a
	// distributed transaction when two-phase commit is needed.
	PreCommand(ctx context.Context, caller, command string, needTwoPhase, withSnapshot, inCursor bool) error
	// SerializeContext returns the bytes shipped in the txn context section.
	SerializeContext(ctx context.Context, req Request) ([]byte, error)
}

var ErrCorruptContext = errors.New("corrupt transaction context")

const contextVersion byte = 1

// Context is the decoded form of a serialized transaction context.
type Context struct {
	DistributedXID uint64
	Options        Options
	IsCursor       bool
	HasSnapshot    bool
	SnapshotXmin   uint64
	SnapshotXmax   uint64
	Caller         string
}

// LocalProvider is an in-process coordinator that hands out distributed
// transaction ids and monotonically increasing snapshots.
type LocalProvider struct {
	mu        sync.Mutex
	nextXID   uint64
	activeXID uint64
	completed atomic.Uint64
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{nextXID: 1}
}

func (p *LocalProvider) PreCommand(ctx context.Context, caller, command string, needTwoPhase, withSnapshot, inCursor bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !needTwoPhase {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeXID == 0 {
		p.activeXID = p.nextXID
		p.nextXID++
	}
	return nil
}

// Commit ends the active distributed transaction, if any.
func (p *LocalProvider) Commit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeXID != 0 {
		p.completed.Store(p.activeXID)
		p.activeXID = 0
	}
}

// ActiveXID returns the running distributed transaction id, or 0.
func (p *LocalProvider) ActiveXID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeXID
}

func (p *LocalProvider) SerializeContext(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	c := Context{
		DistributedXID: p.activeXID,
		Options:        req.Options,
		IsCursor:       req.IsCursor,
		HasSnapshot:    req.WantSnapshot,
		Caller:         req.Caller,
	}
	if req.WantSnapshot {
		c.SnapshotXmin = p.completed.Load() + 1
		c.SnapshotXmax = p.nextXID
	}
	p.mu.Unlock()
	return c.Marshal(), nil
}

// Marshal encodes c: version, xid, options, flags, snapshot bounds and
// the caller tag.
func (c *Context) Marshal() []byte {
	buf := make([]byte, 0, 1+8+4+1+16+4+len(c.Caller))
	buf = append(buf, contextVersion)
	buf = binary.BigEndian.AppendUint64(buf, c.DistributedXID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.Options))
	var flags byte
	if c.IsCursor {
		flags |= 1
	}
	if c.HasSnapshot {
		flags |= 2
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint64(buf, c.SnapshotXmin)
	buf = binary.BigEndian.AppendUint64(buf, c.SnapshotXmax)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Caller)))
	return append(buf, c.Caller...)
}

// Unmarshal decodes a context produced by Marshal.
func Unmarshal(data []byte) (*Context, error) {
	const fixed = 1 + 8 + 4 + 1 + 16 + 4
	if len(data) < fixed {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptContext, len(data))
	}
	if data[0] != contextVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptContext, data[0])
	}
	c := &Context{
		DistributedXID: binary.BigEndian.Uint64(data[1:]),
		Options:        Options(binary.BigEndian.Uint32(data[9:])),
		IsCursor:       data[13]&1 != 0,
		HasSnapshot:    data[13]&2 != 0,
		SnapshotXmin:   binary.BigEndian.Uint64(data[14:]),
		SnapshotXmax:   binary.BigEndian.Uint64(data[22:]),
	}
	n := int(binary.BigEndian.Uint32(data[30:]))
	if len(data)-fixed != n {
		return nil, fmt.Errorf("%w: caller length %d", ErrCorruptContext, n)
	}
	c.Caller = string(data[fixed:])
	return c, nil
}
