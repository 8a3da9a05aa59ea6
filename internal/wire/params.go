package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	paramEntryLen = 4 + 1 + 8 // type oid, flags, datum

	paramFlagNull  = 1 << 0
	paramFlagByRef = 1 << 1
)

// Param is one external parameter value. By-value parameters carry their
// datum in Value; by-reference parameters carry their bytes in Bytes.
type Param struct {
	TypeOID uint32
	IsNull  bool
	ByRef   bool
	Value   int64
	Bytes   []byte
}

// EncodeParams serializes params as a count, a fixed array of entries and
// one (index, length, bytes) triple per non-null by-reference value. A
// by-reference entry's datum holds the length of its bytes. A nil Bytes
// is NULL; an empty non-nil Bytes is a zero-length value.
func EncodeParams(params []Param) []byte {
	if len(params) == 0 {
		return nil
	}
	buf := make([]byte, 4+len(params)*paramEntryLen, 4+len(params)*(paramEntryLen+16))
	binary.BigEndian.PutUint32(buf, uint32(len(params)))

	for i, p := range params {
		off := 4 + i*paramEntryLen
		binary.BigEndian.PutUint32(buf[off:], p.TypeOID)
		var flags byte
		if p.ByRef {
			flags |= paramFlagByRef
		}
		datum := uint64(p.Value)
		if p.IsNull || (p.ByRef && p.Bytes == nil) {
			flags |= paramFlagNull
			datum = 0
		}
		buf[off+4] = flags
		binary.BigEndian.PutUint64(buf[off+5:], datum)
	}

	for i, p := range params {
		if !p.ByRef || p.IsNull || p.Bytes == nil {
			continue
		}
		// Entries are addressed by offset since append may move buf.
		off := 4 + i*paramEntryLen
		binary.BigEndian.PutUint64(buf[off+5:], uint64(len(p.Bytes)))
		buf = binary.BigEndian.AppendUint32(buf, uint32(i))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Bytes)))
		buf = append(buf, p.Bytes...)
	}
	return buf
}

// DecodeParams parses the output of EncodeParams.
func DecodeParams(data []byte) ([]Param, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := &reader{data: data}
	n := int(r.uint32("param count"))
	if r.err != nil {
		return nil, r.err
	}
	if n < 0 || n > (len(data)-4)/paramEntryLen {
		return nil, fmt.Errorf("%w: param count %d exceeds buffer", ErrInvalidMessage, n)
	}

	params := make([]Param, n)
	for i := range params {
		params[i].TypeOID = r.uint32("param type")
		flags := r.bytes(1, "param flags")
		if !r.need(8, "param datum") {
			return nil, r.err
		}
		datum := binary.BigEndian.Uint64(r.data[r.pos:])
		r.pos += 8
		params[i].IsNull = flags[0]&paramFlagNull != 0
		params[i].ByRef = flags[0]&paramFlagByRef != 0
		if !params[i].ByRef {
			params[i].Value = int64(datum)
		}
	}

	for r.err == nil && r.pos < len(data) {
		idx := r.int32("param index")
		length := r.int32("param length")
		b := r.bytes(length, "param value")
		if r.err != nil {
			break
		}
		if idx < 0 || idx >= n || !params[idx].ByRef || params[idx].IsNull {
			return nil, fmt.Errorf("%w: unexpected value for param %d", ErrInvalidMessage, idx)
		}
		if b == nil {
			b = []byte{}
		}
		params[idx].Bytes = b
	}
	if r.err != nil {
		return nil, r.err
	}
	return params, nil
}
