package bufpool

import "testing"

func TestGetReturnsConfiguredSize(t *testing.T) {
	p := New(1024, 4)
	b := p.Get()
	if len(b) != 1024 {
		t.Fatalf("expected 1024-byte buffer, got %d", len(b))
	}
	if p.BufferSize() != 1024 {
		t.Fatalf("expected BufferSize 1024, got %d", p.BufferSize())
	}
}

func TestExhaustionAllocatesFresh(t *testing.T) {
	p := New(64, 2)
	a, b := p.Get(), p.Get()
	c := p.Get() // free list empty now
	if len(c) != 64 {
		t.Fatalf("fallback buffer has wrong size %d", len(c))
	}
	st := p.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("expected 2 hits / 1 miss, got %d / %d", st.Hits, st.Misses)
	}
	p.Put(a)
	p.Put(b)
	p.Put(c) // list is full again, dropped
	if got := p.Stats().Discards; got != 1 {
		t.Fatalf("expected 1 discard, got %d", got)
	}
}

func TestPutRejectsForeignCapacity(t *testing.T) {
	p := New(128, 1)
	p.Put(make([]byte, 64))
	if got := p.Stats().Discards; got != 1 {
		t.Fatalf("expected foreign buffer discarded, got %d discards", got)
	}
}

func TestReusedBufferIsFullLength(t *testing.T) {
	p := New(32, 1)
	b := p.Get()
	p.Put(b[:5])
	again := p.Get()
	if len(again) != 32 {
		t.Fatalf("expected re-sliced buffer of 32, got %d", len(again))
	}
}
