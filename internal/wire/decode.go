package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrInvalidMessage  = errors.New("invalid query message")
	ErrLengthMismatch  = errors.New("query message length mismatch")
	ErrMessageTooLarge = errors.New("query message too large")
)

// Query is a decoded query message. Byte sections alias the decoded buffer.
type Query struct {
	LocalSlice         int
	CommandCount       uint32
	SessionUserID      uint32
	SessionUserIsSuper bool
	OuterUserID        uint32
	OuterUserIsSuper   bool
	CurrentUserID      uint32
	RootIndex          int
	GangID             int
	StatementStart     time.Time
	Command            string
	Querytree          []byte
	Plan               []byte
	Params             []byte
	SliceInfo          []byte
	TxnContext         []byte
	Flags              uint32
	SeqServerHost      string
	SeqServerPort      int
}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, what string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.data)-r.pos < n {
		r.err = fmt.Errorf("%w: truncated %s", ErrInvalidMessage, what)
		return false
	}
	return true
}

func (r *reader) uint32(what string) uint32 {
	if !r.need(4, what) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) int32(what string) int {
	return int(int32(r.uint32(what)))
}

func (r *reader) bool(what string) bool {
	if !r.need(1, what) {
		return false
	}
	v := r.data[r.pos] != 0
	r.pos++
	return v
}

func (r *reader) bytes(n int, what string) []byte {
	if n == 0 || !r.need(n, what) {
		return nil
	}
	v := r.data[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return v
}

func (r *reader) cstring(n int, what string) string {
	b := r.bytes(n, what)
	if len(b) == 0 {
		return ""
	}
	if b[len(b)-1] != 0 {
		if r.err == nil {
			r.err = fmt.Errorf("%w: %s is not NUL-terminated", ErrInvalidMessage, what)
		}
		return ""
	}
	return string(b[:len(b)-1])
}

// Decode parses one complete query message. The declared total_len must
// equal the number of bytes after the length field.
func Decode(data []byte) (*Query, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidMessage, len(data))
	}
	if data[0] != MsgQuery {
		return nil, fmt.Errorf("%w: unexpected tag %q", ErrInvalidMessage, data[0])
	}
	declared := binary.BigEndian.Uint32(data[1:5])
	if uint64(declared) != uint64(len(data)-headerLen) {
		return nil, fmt.Errorf("%w: declared %d, actual %d", ErrLengthMismatch, declared, len(data)-headerLen)
	}

	r := &reader{data: data, pos: headerLen}
	q := &Query{}
	q.LocalSlice = r.int32("local slice")
	q.CommandCount = r.uint32("command count")
	q.SessionUserID = r.uint32("session user")
	q.SessionUserIsSuper = r.bool("session user flag")
	q.OuterUserID = r.uint32("outer user")
	q.OuterUserIsSuper = r.bool("outer user flag")
	q.CurrentUserID = r.uint32("current user")
	q.RootIndex = r.int32("root index")
	q.GangID = r.int32("gang id")
	hi := r.uint32("statement start")
	lo := r.uint32("statement start")
	if start := int64(uint64(hi)<<32 | uint64(lo)); start != 0 {
		q.StatementStart = time.UnixMicro(start)
	}

	commandLen := r.int32("command length")
	querytreeLen := r.int32("querytree length")
	planLen := r.int32("plan length")
	paramsLen := r.int32("params length")
	sliceInfoLen := r.int32("slice info length")
	txnLen := r.int32("txn context length")
	q.TxnContext = r.bytes(txnLen, "txn context")

	q.Flags = r.uint32("flags")
	seqHostLen := r.int32("seq host length")
	q.SeqServerPort = r.int32("seq port")

	q.Command = r.cstring(commandLen, "command")
	q.Querytree = r.bytes(querytreeLen, "querytree")
	q.Plan = r.bytes(planLen, "plan")
	q.Params = r.bytes(paramsLen, "params")
	q.SliceInfo = r.bytes(sliceInfoLen, "slice info")
	q.SeqServerHost = r.cstring(seqHostLen, "seq host")

	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrLengthMismatch, len(data)-r.pos)
	}
	return q, nil
}

// ReadFrame reads one tagged, length-delimited frame from r and returns
// it whole, tag and length field included. Query messages and control
// frames share this framing.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[1:])
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}
	if uint64(n)+headerLen > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	data := make([]byte, headerLen+int(n))
	copy(data, header[:])
	if _, err := io.ReadFull(r, data[headerLen:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// AppendFrame appends a control frame with the given tag and body.
func AppendFrame(dst []byte, tag byte, body []byte) []byte {
	dst = append(dst, tag)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}
