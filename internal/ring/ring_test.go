package ring

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dl/amictl/internal/mmio"
)

const testBase = 0x100

func testHeader(numSlots, sqSlot, cqSlot uint32) Header {
	return Header{
		Version:    HeaderVersion,
		NumSlots:   numSlots,
		SQOffset:   HeaderSize,
		SQSlotSize: sqSlot,
		CQOffset:   HeaderSize + numSlots*sqSlot,
		CQSlotSize: cqSlot,
		Flags:      FlagInMemPtr,
	}
}

// pair builds a producer-role and consumer-role view of one SQ over a
// fresh window.
func pair(t *testing.T, numSlots, slotSize uint32) (*mmio.Window, *Ring, *Ring) {
	t.Helper()
	w := mmio.NewWindow(0x1000, 0x10000)
	h := testHeader(numSlots, slotSize, slotSize)
	if err := PublishHeader(w, testBase, h); err != nil {
		t.Fatalf("PublishHeader: %v", err)
	}
	slotAddr := testBase + uint64(h.SQOffset)
	prod := New(w, numSlots, slotSize, SQProducedAddr(testBase), SQConsumedAddr(testBase), slotAddr, h.Flags)
	cons := New(w, numSlots, slotSize, SQProducedAddr(testBase), SQConsumedAddr(testBase), slotAddr, h.Flags)
	return w, prod, cons
}

func TestEmptyQueue(t *testing.T) {
	// S1: fresh header, num_slots=4, slot size 64.
	_, prod, cons := pair(t, 4, 64)

	if _, err := cons.PeekConsume(); !errors.Is(err, ErrNoData) {
		t.Fatalf("PeekConsume on empty ring: %v, want ErrNoData", err)
	}
	addr, err := prod.ReserveProduce()
	if err != nil {
		t.Fatalf("ReserveProduce: %v", err)
	}
	if want := testBase + uint64(HeaderSize); addr != want {
		t.Errorf("slot addr = 0x%x, want 0x%x (slot 0)", addr, want)
	}
}

func TestFillAndDrain(t *testing.T) {
	// S2: post four records, drain one after each commit, then verify the
	// ring is empty with produced = consumed = 4.
	_, prod, cons := pair(t, 4, 64)

	records := make([][]byte, 4)
	for i := range records {
		rec := bytes.Repeat([]byte{byte(0x10 + i)}, 16)
		records[i] = rec

		addr, err := prod.ReserveProduce()
		if err != nil {
			t.Fatalf("record %d: ReserveProduce: %v", i, err)
		}
		prod.CopyToSlot(addr, rec)
		prod.CommitProduce()

		got, err := cons.PeekConsume()
		if err != nil {
			t.Fatalf("record %d: PeekConsume: %v", i, err)
		}
		out := make([]byte, 16)
		cons.CopyFromSlot(got, out)
		cons.CommitConsume()

		if !bytes.Equal(out, rec) {
			t.Errorf("record %d: read back %x, want %x", i, out, rec)
		}
	}

	if _, err := cons.PeekConsume(); !errors.Is(err, ErrNoData) {
		t.Fatalf("PeekConsume after drain: %v, want ErrNoData", err)
	}
	if prod.produced != 4 || cons.consumed != 4 {
		t.Errorf("produced=%d consumed=%d, want 4/4", prod.produced, cons.consumed)
	}
}

func TestOverflow(t *testing.T) {
	// S3: num_slots=2, third post fails until one drain frees a slot.
	_, prod, cons := pair(t, 2, 64)

	rec := bytes.Repeat([]byte{0xAB}, 8)
	for i := 0; i < 2; i++ {
		addr, err := prod.ReserveProduce()
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		prod.CopyToSlot(addr, rec)
		prod.CommitProduce()
	}

	if _, err := prod.ReserveProduce(); !errors.Is(err, ErrNoFreeSlot) {
		t.Fatalf("third ReserveProduce: %v, want ErrNoFreeSlot", err)
	}

	if _, err := cons.PeekConsume(); err != nil {
		t.Fatalf("PeekConsume: %v", err)
	}
	cons.CommitConsume()

	if _, err := prod.ReserveProduce(); err != nil {
		t.Fatalf("ReserveProduce after drain: %v", err)
	}
}

func TestSlotInvariant(t *testing.T) {
	// Invariant 1: 0 <= produced-consumed <= num_slots across a random-ish
	// operation mix, including across the uint32 wrap.
	_, prod, cons := pair(t, 4, 64)

	// Prime both sides just below the wrap.
	start := ^uint32(0) - 2
	prod.produced, prod.consumed = start, start
	cons.produced, cons.consumed = start, start
	prod.writeProduced(start)
	prod.io.MemWrite32(prod.consumedAddr, start)

	rec := make([]byte, 8)
	for i := 0; i < 12; i++ {
		if _, err := prod.ReserveProduce(); err == nil {
			prod.CopyToSlot(prod.slot(prod.produced), rec)
			prod.CommitProduce()
		}
		if i%3 == 0 {
			if _, err := cons.PeekConsume(); err == nil {
				cons.CommitConsume()
			}
		}
		if d := prod.produced - prod.consumed; d > 4 {
			t.Fatalf("step %d: produced-consumed = %d", i, d)
		}
	}
}

// staleAccess wraps a window and serves one stale value for the first read
// of a chosen counter address, modelling the double-read platform quirk.
type staleAccess struct {
	*mmio.Window
	staleAddr uint64
	staleVal  uint32
	armed     bool
}

func (s *staleAccess) MemRead32(off uint64) uint32 {
	if s.armed && off == s.staleAddr {
		s.armed = false
		return s.staleVal
	}
	return s.Window.MemRead32(off)
}

func TestDoubleReadCountsStaleOnce(t *testing.T) {
	// S5: with the double-read flag the first (stale) read is discarded and
	// the consumer never advances past the true produced index.
	w := mmio.NewWindow(0x1000, 0x10000)
	h := testHeader(4, 64, 64)
	h.Flags |= FlagDoubleRead
	if err := PublishHeader(w, testBase, h); err != nil {
		t.Fatalf("PublishHeader: %v", err)
	}
	slotAddr := testBase + uint64(h.SQOffset)

	sa := &staleAccess{Window: w, staleAddr: SQProducedAddr(testBase), staleVal: 0, armed: true}
	prod := New(w, 4, 64, SQProducedAddr(testBase), SQConsumedAddr(testBase), slotAddr, h.Flags)
	cons := New(sa, 4, 64, SQProducedAddr(testBase), SQConsumedAddr(testBase), slotAddr, h.Flags)

	rec := bytes.Repeat([]byte{0x5A}, 8)
	addr, err := prod.ReserveProduce()
	if err != nil {
		t.Fatalf("ReserveProduce: %v", err)
	}
	prod.CopyToSlot(addr, rec)
	prod.CommitProduce()

	got, err := cons.PeekConsume()
	if err != nil {
		t.Fatalf("PeekConsume under stale first read: %v", err)
	}
	out := make([]byte, 8)
	cons.CopyFromSlot(got, out)
	if !bytes.Equal(out, rec) {
		t.Errorf("read back %x, want %x", out, rec)
	}
	cons.CommitConsume()

	if cons.consumed > cons.produced {
		t.Fatalf("consumed %d ran past produced %d", cons.consumed, cons.produced)
	}
	if _, err := cons.PeekConsume(); !errors.Is(err, ErrNoData) {
		t.Fatalf("PeekConsume past end: %v, want ErrNoData", err)
	}
}

func TestRegisterProducedCounter(t *testing.T) {
	// Without the in-memory-pointer feature, produced indices go through
	// the register file and consumed stays in the header.
	w := mmio.NewWindow(0x1000, 0x10000)
	h := testHeader(4, 64, 64)
	h.Flags = 0
	if err := PublishHeader(w, testBase, h); err != nil {
		t.Fatalf("PublishHeader: %v", err)
	}
	slotAddr := testBase + uint64(h.SQOffset)
	const prodReg = 0x00

	var doorbells int
	w.SetRegWriteHook(func(off uint64, v uint32) {
		if off == prodReg {
			doorbells++
		}
	})

	prod := New(w, 4, 64, prodReg, SQConsumedAddr(testBase), slotAddr, 0)
	cons := New(w, 4, 64, prodReg, SQConsumedAddr(testBase), slotAddr, 0)

	addr, _ := prod.ReserveProduce()
	prod.CopyToSlot(addr, make([]byte, 8))
	prod.CommitProduce()

	if doorbells != 1 {
		t.Errorf("register doorbells = %d, want 1", doorbells)
	}
	if w.RegRead32(prodReg) != 1 {
		t.Errorf("produced register = %d, want 1", w.RegRead32(prodReg))
	}
	if _, err := cons.PeekConsume(); err != nil {
		t.Fatalf("PeekConsume via register counter: %v", err)
	}
}

func TestHeaderValidation(t *testing.T) {
	w := mmio.NewWindow(0x1000, 0x10000)

	tests := []struct {
		name   string
		mutate func(h *Header)
	}{
		{"non power of two slots", func(h *Header) { h.NumSlots = 3 }},
		{"zero slots", func(h *Header) { h.NumSlots = 0 }},
		{"unaligned slot size", func(h *Header) { h.SQSlotSize = 63 }},
		{"overlapping rings", func(h *Header) { h.CQOffset = h.SQOffset }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHeader(4, 64, 64)
			tt.mutate(&h)
			if err := PublishHeader(w, testBase, h); !errors.Is(err, ErrInvalidHeader) {
				t.Errorf("PublishHeader: %v, want ErrInvalidHeader", err)
			}
		})
	}

	t.Run("bad magic", func(t *testing.T) {
		if _, err := ReadHeader(w, 0x800); !errors.Is(err, ErrInvalidHeader) {
			t.Errorf("ReadHeader on unpublished base: %v, want ErrInvalidHeader", err)
		}
	})

	t.Run("bad version", func(t *testing.T) {
		h := testHeader(4, 64, 64)
		if err := PublishHeader(w, testBase, h); err != nil {
			t.Fatal(err)
		}
		w.MemWrite32(testBase+hdrOffVersion, 99)
		if _, err := ReadHeader(w, testBase); !errors.Is(err, ErrInvalidHeader) {
			t.Errorf("ReadHeader with version 99: %v, want ErrInvalidHeader", err)
		}
	})
}

func TestHeaderRoundTrip(t *testing.T) {
	w := mmio.NewWindow(0x1000, 0x10000)
	h := testHeader(8, 64, 48)
	if err := PublishHeader(w, testBase, h); err != nil {
		t.Fatal(err)
	}
	got, err := ReadHeader(w, testBase)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Errorf("header round trip: got %+v, want %+v", got, h)
	}

	if !HeaderPresent(w, testBase) {
		t.Error("HeaderPresent = false after publish")
	}
	ClearHeader(w, testBase)
	if HeaderPresent(w, testBase) {
		t.Error("HeaderPresent = true after clear")
	}
}

func TestReleaseAcquireLaw(t *testing.T) {
	// Property 4: after CommitProduce, the peer's next PeekConsume returns
	// the slot holding exactly the bytes written before the commit.
	_, prod, cons := pair(t, 4, 64)

	for i := 0; i < 16; i++ {
		rec := bytes.Repeat([]byte{byte(i)}, 12)
		addr, err := prod.ReserveProduce()
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		prod.CopyToSlot(addr, rec)
		prod.CommitProduce()

		got, err := cons.PeekConsume()
		if err != nil {
			t.Fatalf("iteration %d: PeekConsume: %v", i, err)
		}
		out := make([]byte, 12)
		cons.CopyFromSlot(got, out)
		cons.CommitConsume()
		if !bytes.Equal(out, rec) {
			t.Fatalf("iteration %d: got %x, want %x", i, out, rec)
		}
	}
}
