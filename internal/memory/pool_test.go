package memory

import "testing"

func TestBufferPoolBuckets(t *testing.T) {
	p := NewBufferPool([]uint64{16, 64})

	buf := p.Get(10)
	if len(buf) != 10 || cap(buf) != 16 {
		t.Errorf("Get(10): len=%d cap=%d, want 10/16", len(buf), cap(buf))
	}
	p.Put(buf)

	buf = p.Get(40)
	if cap(buf) != 64 {
		t.Errorf("Get(40): cap=%d, want 64", cap(buf))
	}

	big := p.Get(100)
	if len(big) != 100 {
		t.Errorf("Get(100): len=%d", len(big))
	}
	// Oversized buffers are not pooled; Put must not panic.
	p.Put(big)
}

func TestBufferPoolDefaults(t *testing.T) {
	p := NewBufferPool(nil)
	if len(p.Sizes()) != len(defaultBufferSizes) {
		t.Errorf("sizes = %v", p.Sizes())
	}
}
