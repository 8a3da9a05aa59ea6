// Package ipc carries query messages to segments over TCP and their
// replies back.
//
// Requests share the tagged framing of query messages: 'M' query messages
// and 'C' cancel requests with an empty body. Every query is answered by
// exactly one reply frame, in the order queries were received:
//
//	length(4) status(1) payload
//
// where length counts status and payload.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
	"github.com/kartikbazzad/mppdispatch/internal/gang"
	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

var (
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrFrameTooLarge = errors.New("frame too large")
)

const (
	// MsgCancel asks the segment to abandon every query received so far.
	MsgCancel byte = 'C'

	LengthSize = 4
	StatusSize = 1

	MaxFrameSize = 16 * 1024 * 1024
)

// Status is the outcome carried by a reply frame.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusCancelled
)

// ReplyFrame is one decoded reply.
type ReplyFrame struct {
	Status  Status
	Payload []byte
}

// CancelFrame returns an encoded cancel request.
func CancelFrame() []byte {
	return wire.AppendFrame(nil, MsgCancel, nil)
}

func okReply(r *gang.Reply) (*ReplyFrame, error) {
	if r == nil {
		r = &gang.Reply{}
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return &ReplyFrame{Status: StatusOK, Payload: payload}, nil
}

func errorReply(e *dserrors.RemoteError) (*ReplyFrame, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &ReplyFrame{Status: StatusError, Payload: payload}, nil
}

func cancelledReply() *ReplyFrame {
	return &ReplyFrame{Status: StatusCancelled}
}

// Result converts f into what gang.Conn.Recv returns.
func (f *ReplyFrame) Result() (*gang.Reply, error) {
	switch f.Status {
	case StatusOK:
		var r gang.Reply
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			return nil, fmt.Errorf("%w: bad reply payload: %v", ErrInvalidFrame, err)
		}
		return &r, nil
	case StatusError:
		var e dserrors.RemoteError
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			return nil, fmt.Errorf("%w: bad error payload: %v", ErrInvalidFrame, err)
		}
		return nil, &e
	case StatusCancelled:
		return nil, &dserrors.CancelledError{}
	default:
		return nil, fmt.Errorf("%w: unknown status %d", ErrInvalidFrame, f.Status)
	}
}

func writeReply(w io.Writer, f *ReplyFrame) error {
	n := StatusSize + len(f.Payload)
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, LengthSize+n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	buf[LengthSize] = byte(f.Status)
	copy(buf[LengthSize+StatusSize:], f.Payload)
	_, err := w.Write(buf)
	return err
}

func readReply(r io.Reader) (*ReplyFrame, error) {
	var header [LengthSize + StatusSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:LengthSize])
	if n < StatusSize {
		return nil, ErrInvalidFrame
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	f := &ReplyFrame{Status: Status(header[LengthSize])}
	if n > StatusSize {
		f.Payload = make([]byte, n-StatusSize)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return f, nil
}
