package serial

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/kartikbazzad/mppdispatch/internal/config"
)

// Codec tags written as the first byte of every blob.
const (
	tagNone   byte = 0
	tagSnappy byte = 1
	tagZstd   byte = 2
)

// Compressor compresses serialized trees.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Tag() byte
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Tag() byte                              { return tagNone }

// SnappyCompressor implements Snappy compression
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

func (SnappyCompressor) Tag() byte { return tagSnappy }

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstdCompressor() (*ZstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}

	return &ZstdCompressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	return z.decoder.DecodeAll(data, nil)
}

func (z *ZstdCompressor) Tag() byte { return tagZstd }

func (z *ZstdCompressor) Close() {
	if z.encoder != nil {
		z.encoder.Close()
	}
	if z.decoder != nil {
		z.decoder.Close()
	}
}

// NewCompressor returns the compressor for a configured codec.
func NewCompressor(codec config.PlanCodec) (Compressor, error) {
	switch codec {
	case config.CodecNone, "":
		return noneCompressor{}, nil
	case config.CodecSnappy:
		return SnappyCompressor{}, nil
	case config.CodecZstd:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown plan codec %q", codec)
	}
}
