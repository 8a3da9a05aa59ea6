package wire

import (
	"fmt"
	"math"

	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/memory"
)

// Encoder builds query messages and enforces the plan size budget.
type Encoder struct {
	pool          *memory.BufferPool
	maxPlanSizeKB uint64
}

// NewEncoder returns an encoder drawing buffers from pool. A zero
// maxPlanSizeKB disables the budget.
func NewEncoder(pool *memory.BufferPool, maxPlanSizeKB uint64) *Encoder {
	if pool == nil {
		pool = memory.NewBufferPool(nil)
	}
	return &Encoder{pool: pool, maxPlanSizeKB: maxPlanSizeKB}
}

// PlanSizeKB is the size the budget is measured against: the uncompressed
// plan shipped once to every segment.
func PlanSizeKB(uncompressedLen, segmentCount int) uint64 {
	return uint64(uncompressedLen) * uint64(segmentCount) / 1024
}

// CheckBudget rejects plans whose uncompressed size times segment count
// exceeds the configured maximum.
func (e *Encoder) CheckBudget(uncompressedLen, segmentCount int) error {
	if e.maxPlanSizeKB == 0 {
		return nil
	}
	size := PlanSizeKB(uncompressedLen, segmentCount)
	if size > e.maxPlanSizeKB {
		return &dserrors.PlanTooLargeError{SizeKB: size, MaxKB: e.maxPlanSizeKB}
	}
	return nil
}

// Encode serializes p into one message with a zero local slice field.
// The returned message holds one reference.
func (e *Encoder) Encode(p *QueryParams, s Session) (*Message, error) {
	commandLen := len(p.Command) + 1
	seqHostLen := cstringLen(p.SeqServerHost)

	total := fixedLen + len(p.TxnContext) + trailerLen +
		commandLen + len(p.Querytree) + len(p.Plan) + len(p.Params) + len(p.SliceInfo) + seqHostLen
	if total > MaxMessageSize || total > math.MaxInt32 {
		return nil, fmt.Errorf("query message of %d bytes exceeds limit", total)
	}

	buf := e.pool.Get(uint64(total))
	pos := 0

	buf[pos] = MsgQuery
	pos++
	pos = putUint32(buf, pos, uint32(total-headerLen))
	pos = putInt32(buf, pos, 0) // local slice, patched per destination
	pos = putUint32(buf, pos, s.CommandCount)
	pos = putUint32(buf, pos, s.SessionUserID)
	pos = putBool(buf, pos, s.SessionUserIsSuper)
	pos = putUint32(buf, pos, s.OuterUserID)
	pos = putBool(buf, pos, s.OuterUserIsSuper)
	pos = putUint32(buf, pos, s.CurrentUserID)
	pos = putInt32(buf, pos, int32(p.RootIndex))
	pos = putInt32(buf, pos, int32(p.GangID))

	var start int64
	if !s.StatementStart.IsZero() {
		start = s.StatementStart.UnixMicro()
	}
	// High order half first.
	pos = putUint32(buf, pos, uint32(uint64(start)>>32))
	pos = putUint32(buf, pos, uint32(uint64(start)))

	pos = putInt32(buf, pos, int32(commandLen))
	pos = putInt32(buf, pos, int32(len(p.Querytree)))
	pos = putInt32(buf, pos, int32(len(p.Plan)))
	pos = putInt32(buf, pos, int32(len(p.Params)))
	pos = putInt32(buf, pos, int32(len(p.SliceInfo)))
	pos = putInt32(buf, pos, int32(len(p.TxnContext)))
	pos = putBytes(buf, pos, p.TxnContext)

	pos = putInt32(buf, pos, 0) // flags
	pos = putInt32(buf, pos, int32(seqHostLen))
	pos = putInt32(buf, pos, int32(p.SeqServerPort))

	pos += copy(buf[pos:], p.Command)
	buf[pos] = 0
	pos++
	pos = putBytes(buf, pos, p.Querytree)
	pos = putBytes(buf, pos, p.Plan)
	pos = putBytes(buf, pos, p.Params)
	pos = putBytes(buf, pos, p.SliceInfo)
	pos = putCString(buf, pos, p.SeqServerHost)

	if pos != total {
		e.pool.Put(buf)
		return nil, fmt.Errorf("query message encoded %d bytes, expected %d", pos, total)
	}

	m := &Message{buf: buf, pool: e.pool}
	m.refs.Store(1)
	return m, nil
}
