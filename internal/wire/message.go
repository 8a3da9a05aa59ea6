// Package wire encodes the query message sent to every segment of a gang.
//
// Layout (big-endian):
//
//	'M' total_len(4) localSlice(4) commandCount(4)
//	sessionUserId(4) sessionUserIsSuper(1) outerUserId(4) outerUserIsSuper(1)
//	currentUserId(4) rootIndex(4) gangId(4) statementStart(hi 4, lo 4)
//	commandLen(4) querytreeLen(4) plantreeLen(4) paramsLen(4) sliceInfoLen(4)
//	txnContextLen(4) txnContext flags(4) seqHostLen(4) seqPort(4)
//	command querytree plantree params sliceInfo seqHost
//
// total_len counts every byte after the length field. Command text and the
// sequence server host are NUL-terminated and their lengths include the NUL.
package wire

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/kartikbazzad/mppdispatch/internal/memory"
)

const (
	// MsgQuery tags a query message.
	MsgQuery byte = 'M'

	headerLen        = 5 // tag + total_len
	localSliceOffset = 5
	localSliceLen    = 4

	// fixedLen is the size of everything up to and including txnContextLen.
	fixedLen = headerLen + 4 + 4 + 4 + 1 + 4 + 1 + 4 + 4 + 4 + 8 + 6*4
	// trailerLen is flags, seqHostLen and seqPort.
	trailerLen = 3 * 4

	// MaxMessageSize bounds decoded messages.
	MaxMessageSize = 1 << 30
)

// Session identifies the user context a statement runs under.
type Session struct {
	CommandCount       uint32
	SessionUserID      uint32
	SessionUserIsSuper bool
	OuterUserID        uint32
	OuterUserIsSuper   bool
	CurrentUserID      uint32
	StatementStart     time.Time
}

// QueryParams is the bundle the dispatcher builds once per dispatch call.
type QueryParams struct {
	Command             string
	Querytree           []byte
	Plan                []byte
	PlanUncompressedLen int
	Params              []byte
	SliceInfo           []byte
	TxnContext          []byte
	RootIndex           int
	SeqServerHost       string
	SeqServerPort       int
	GangID              int
}

// Release drops every reference held by the bundle.
func (p *QueryParams) Release() {
	if p == nil {
		return
	}
	*p = QueryParams{}
}

// Message is an encoded query shared read-only by every destination.
// The local slice field is supplied per destination at write time.
type Message struct {
	buf  []byte
	pool *memory.BufferPool
	refs atomic.Int32
}

// Len returns the full encoded size including tag and length field.
func (m *Message) Len() int {
	return len(m.buf)
}

// TotalLen returns the declared total_len.
func (m *Message) TotalLen() uint32 {
	return binary.BigEndian.Uint32(m.buf[1:5])
}

// WriteSliceTo writes the message with localSlice patched in. The shared
// buffer is never modified.
func (m *Message) WriteSliceTo(w io.Writer, localSlice int) (int64, error) {
	var patch [localSliceLen]byte
	binary.BigEndian.PutUint32(patch[:], uint32(int32(localSlice)))
	bufs := net.Buffers{
		m.buf[:localSliceOffset],
		patch[:],
		m.buf[localSliceOffset+localSliceLen:],
	}
	return bufs.WriteTo(w)
}

// AppendTo appends a private copy of the message with localSlice patched in.
func (m *Message) AppendTo(dst []byte, localSlice int) []byte {
	start := len(dst)
	dst = append(dst, m.buf...)
	binary.BigEndian.PutUint32(dst[start+localSliceOffset:], uint32(int32(localSlice)))
	return dst
}

// Retain adds a reference. Each Retain must be paired with a Release.
func (m *Message) Retain() *Message {
	m.refs.Add(1)
	return m
}

// Release drops a reference; the last one returns the buffer to its pool.
func (m *Message) Release() {
	n := m.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("wire: message released more times than retained")
	}
	buf := m.buf
	m.buf = nil
	if m.pool != nil {
		m.pool.Put(buf)
	}
}

// Refs returns the current reference count.
func (m *Message) Refs() int32 {
	return m.refs.Load()
}

func putInt32(buf []byte, pos int, v int32) int {
	binary.BigEndian.PutUint32(buf[pos:], uint32(v))
	return pos + 4
}

func putUint32(buf []byte, pos int, v uint32) int {
	binary.BigEndian.PutUint32(buf[pos:], v)
	return pos + 4
}

func putBool(buf []byte, pos int, v bool) int {
	if v {
		buf[pos] = 1
	} else {
		buf[pos] = 0
	}
	return pos + 1
}

func putBytes(buf []byte, pos int, b []byte) int {
	return pos + copy(buf[pos:], b)
}

func putCString(buf []byte, pos int, s string) int {
	if s == "" {
		return pos
	}
	pos += copy(buf[pos:], s)
	buf[pos] = 0
	return pos + 1
}

func cstringLen(s string) int {
	if s == "" {
		return 0
	}
	return len(s) + 1
}
