package serial

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kartikbazzad/mppdispatch/internal/config"
)

type planNode struct {
	Op       string      `json:"op"`
	Filter   string      `json:"filter,omitempty"`
	Children []*planNode `json:"children,omitempty"`
}

func samplePlan() *planNode {
	return &planNode{
		Op: "gather_motion",
		Children: []*planNode{
			{Op: "hash_join", Children: []*planNode{
				{Op: "seq_scan", Filter: "a > 10"},
				{Op: "redistribute_motion", Children: []*planNode{{Op: "seq_scan"}}},
			}},
		},
	}
}

func TestSerializeRoundTripAllCodecs(t *testing.T) {
	for _, codec := range []config.PlanCodec{config.CodecNone, config.CodecSnappy, config.CodecZstd} {
		t.Run(string(codec), func(t *testing.T) {
			s, err := New(codec)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer s.Close()

			blob, err := s.Serialize(samplePlan())
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			if blob.CompressedLen != len(blob.Data) {
				t.Errorf("compressed len = %d, data = %d", blob.CompressedLen, len(blob.Data))
			}
			if blob.UncompressedLen == 0 {
				t.Error("uncompressed len should be set")
			}

			var got planNode
			if err := s.Deserialize(blob.Data, &got); err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			if got.Children[0].Children[0].Filter != "a > 10" {
				t.Errorf("round trip lost data: %+v", got)
			}
		})
	}
}

func TestUnpackAcceptsAnyCodec(t *testing.T) {
	z, err := New(config.CodecZstd)
	if err != nil {
		t.Fatal(err)
	}
	defer z.Close()
	raw := []byte("payload\x00with\x00zeros")
	blob, err := z.Pack(raw)
	if err != nil {
		t.Fatal(err)
	}

	// A snappy-configured reader still decodes zstd blobs by tag.
	s, _ := New(config.CodecSnappy)
	got, err := s.Unpack(blob.Data)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("got %q, want %q", got, raw)
	}
}

func TestUnpackRejectsCorruptBlobs(t *testing.T) {
	s, _ := New(config.CodecSnappy)
	for _, data := range [][]byte{nil, {9, 1, 2}, {tagSnappy, 0xff, 0xff, 0xff}} {
		if _, err := s.Unpack(data); !errors.Is(err, ErrCorruptBlob) {
			t.Errorf("Unpack(%v) = %v, want ErrCorruptBlob", data, err)
		}
	}
}

func TestSerializeNil(t *testing.T) {
	s, _ := New(config.CodecNone)
	blob, err := s.Serialize(nil)
	if err != nil || blob != nil {
		t.Errorf("Serialize(nil) = %v, %v", blob, err)
	}
}

func TestNewRejectsUnknownCodec(t *testing.T) {
	if _, err := New("lz4"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
