// Package serial turns plan, parameter and slice-info trees into the
// opaque blobs carried by query messages.
package serial

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/snappy"

	"github.com/kartikbazzad/mppdispatch/internal/config"
)

var ErrCorruptBlob = errors.New("corrupt serialized blob")

// Blob is a serialized tree. Data starts with a codec tag byte;
// UncompressedLen is the encoded tree size before compression and is
// what the plan size budget is measured against.
type Blob struct {
	Data            []byte
	CompressedLen   int
	UncompressedLen int
}

// Serializer encodes trees as JSON and compresses them with one codec.
type Serializer struct {
	comp Compressor

	zstdOnce sync.Once
	zstd     *ZstdCompressor
	zstdErr  error
}

func New(codec config.PlanCodec) (*Serializer, error) {
	comp, err := NewCompressor(codec)
	if err != nil {
		return nil, err
	}
	s := &Serializer{comp: comp}
	if z, ok := comp.(*ZstdCompressor); ok {
		s.zstdOnce.Do(func() { s.zstd = z })
	}
	return s, nil
}

// Serialize encodes tree. A nil tree yields a nil blob.
func (s *Serializer) Serialize(tree any) (*Blob, error) {
	if tree == nil {
		return nil, nil
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree: %w", err)
	}
	return s.Pack(raw)
}

// Pack compresses already-encoded bytes into a blob.
func (s *Serializer) Pack(raw []byte) (*Blob, error) {
	packed, err := s.comp.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress tree: %w", err)
	}
	data := make([]byte, 1+len(packed))
	data[0] = s.comp.Tag()
	copy(data[1:], packed)
	return &Blob{
		Data:            data,
		CompressedLen:   len(data),
		UncompressedLen: len(raw),
	}, nil
}

// Unpack returns the encoded bytes of a blob produced by any codec.
func (s *Serializer) Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorruptBlob
	}
	body := data[1:]
	switch data[0] {
	case tagNone:
		return body, nil
	case tagSnappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
		}
		return out, nil
	case tagZstd:
		z, err := s.zstdCompressor()
		if err != nil {
			return nil, err
		}
		out, err := z.Decompress(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec tag %d", ErrCorruptBlob, data[0])
	}
}

// Deserialize decodes a blob into v.
func (s *Serializer) Deserialize(data []byte, v any) error {
	raw, err := s.Unpack(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	return nil
}

func (s *Serializer) zstdCompressor() (*ZstdCompressor, error) {
	s.zstdOnce.Do(func() {
		s.zstd, s.zstdErr = NewZstdCompressor()
	})
	return s.zstd, s.zstdErr
}

// Close releases codec resources.
func (s *Serializer) Close() {
	if s.zstd != nil {
		s.zstd.Close()
	}
}
