// Package ring implements the sGCQ submission/completion ring discipline:
// slot accounting over monotonically increasing 32-bit produced/consumed
// counters, the shared header both peers agree on, and word-granular slot
// I/O. The engine never blocks and never sleeps; it reports ErrNoFreeSlot
// and ErrNoData and lets the caller decide how to yield.
package ring

import (
	"errors"
	"fmt"

	"github.com/dl/amictl/internal/mmio"
)

const (
	// HeaderMagic identifies a published sGCQ header.
	HeaderMagic uint32 = 0x47435100

	// HeaderVersion is the wire-format revision both peers must agree on.
	HeaderVersion uint32 = 1

	// HeaderSize is the byte size of the shared header.
	HeaderSize = 48
)

// Feature flags carried in the shared header.
const (
	// FlagInMemPtr indicates that produced indices live in shared memory
	// rather than in dedicated registers. Consumed indices are always in
	// memory since they never raise interrupts.
	FlagInMemPtr uint32 = 1 << 0

	// FlagDoubleRead marks a platform where a freshly written shared-memory
	// word can be stale on first read; index reads are done twice and the
	// second value taken.
	FlagDoubleRead uint32 = 1 << 1

	// FlagIntrTail and FlagIntrManual are interrupt-mode hints published so
	// the consumer knows how the producer will signal it.
	FlagIntrTail   uint32 = 1 << 2
	FlagIntrManual uint32 = 1 << 3
)

// Header field offsets from the header base. All fields are little-endian
// 32-bit words, written and read only through mmio word accesses.
const (
	hdrOffMagic      = 0x00
	hdrOffVersion    = 0x04
	hdrOffNumSlots   = 0x08
	hdrOffSQOffset   = 0x0C
	hdrOffSQSlotSize = 0x10
	hdrOffCQOffset   = 0x14
	hdrOffCQSlotSize = 0x18
	hdrOffSQConsumed = 0x1C
	hdrOffCQConsumed = 0x20
	hdrOffFlags      = 0x24
	hdrOffSQProduced = 0x28
	hdrOffCQProduced = 0x2C
)

var (
	// ErrInvalidHeader means the header magic, version, or geometry is
	// unacceptable. Fatal to the session.
	ErrInvalidHeader = errors.New("ring: invalid header")

	// ErrNoFreeSlot is a control-flow signal, not a failure: the ring is
	// full and the producer should yield and retry.
	ErrNoFreeSlot = errors.New("ring: no free slot")

	// ErrNoData is a control-flow signal: the ring is empty.
	ErrNoData = errors.New("ring: no data")
)

// Header is the decoded shared header. Apart from the four index counters,
// every field is immutable once published.
type Header struct {
	Version    uint32
	NumSlots   uint32
	SQOffset   uint32
	SQSlotSize uint32
	CQOffset   uint32
	CQSlotSize uint32
	Flags      uint32
}

// Len returns the number of shared-memory bytes a queue pair with this
// geometry occupies, header included.
func (h Header) Len() uint32 {
	return HeaderSize + h.NumSlots*(h.SQSlotSize+h.CQSlotSize)
}

func (h Header) validate() error {
	if h.Version != HeaderVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, h.Version)
	}
	if h.NumSlots == 0 || h.NumSlots&(h.NumSlots-1) != 0 {
		return fmt.Errorf("%w: num_slots %d is not a power of two", ErrInvalidHeader, h.NumSlots)
	}
	if h.SQSlotSize == 0 || h.SQSlotSize&3 != 0 || h.CQSlotSize == 0 || h.CQSlotSize&3 != 0 {
		return fmt.Errorf("%w: slot sizes %d/%d must be non-zero word multiples", ErrInvalidHeader, h.SQSlotSize, h.CQSlotSize)
	}
	if h.SQOffset < HeaderSize || h.CQOffset < h.SQOffset+h.NumSlots*h.SQSlotSize {
		return fmt.Errorf("%w: overlapping ring layout", ErrInvalidHeader)
	}
	return nil
}

// PublishHeader writes a fresh header at base with zeroed index counters.
// The magic is written last so an attaching peer never observes a
// half-published header.
func PublishHeader(io mmio.Access, base uint64, h Header) error {
	if err := h.validate(); err != nil {
		return err
	}
	io.MemWrite32(base+hdrOffMagic, 0)
	io.MemWrite32(base+hdrOffVersion, h.Version)
	io.MemWrite32(base+hdrOffNumSlots, h.NumSlots)
	io.MemWrite32(base+hdrOffSQOffset, h.SQOffset)
	io.MemWrite32(base+hdrOffSQSlotSize, h.SQSlotSize)
	io.MemWrite32(base+hdrOffCQOffset, h.CQOffset)
	io.MemWrite32(base+hdrOffCQSlotSize, h.CQSlotSize)
	io.MemWrite32(base+hdrOffSQConsumed, 0)
	io.MemWrite32(base+hdrOffCQConsumed, 0)
	io.MemWrite32(base+hdrOffFlags, h.Flags)
	io.MemWrite32(base+hdrOffSQProduced, 0)
	io.MemWrite32(base+hdrOffCQProduced, 0)
	io.MemWrite32(base+hdrOffMagic, HeaderMagic)
	return nil
}

// ReadHeader reads and validates the header at base. It fails with
// ErrInvalidHeader when the magic is wrong, the version is unsupported, or
// num_slots is not a power of two.
func ReadHeader(io mmio.Access, base uint64) (Header, error) {
	if m := io.MemRead32(base + hdrOffMagic); m != HeaderMagic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%08x", ErrInvalidHeader, m)
	}
	h := Header{
		Version:    io.MemRead32(base + hdrOffVersion),
		NumSlots:   io.MemRead32(base + hdrOffNumSlots),
		SQOffset:   io.MemRead32(base + hdrOffSQOffset),
		SQSlotSize: io.MemRead32(base + hdrOffSQSlotSize),
		CQOffset:   io.MemRead32(base + hdrOffCQOffset),
		CQSlotSize: io.MemRead32(base + hdrOffCQSlotSize),
		Flags:      io.MemRead32(base + hdrOffFlags),
	}
	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// HeaderPresent reports whether a valid magic is currently published at
// base. Peers use this to detect unilateral teardown.
func HeaderPresent(io mmio.Access, base uint64) bool {
	return io.MemRead32(base+hdrOffMagic) == HeaderMagic
}

// ClearHeader retracts the header. The peer detects the loss on its next
// header check and is expected to re-attach when a fresh magic appears.
func ClearHeader(io mmio.Access, base uint64) {
	io.MemWrite32(base+hdrOffMagic, 0)
}

// Counter addresses within the header, exported for ring construction.
func SQConsumedAddr(base uint64) uint64 { return base + hdrOffSQConsumed }
func CQConsumedAddr(base uint64) uint64 { return base + hdrOffCQConsumed }
func SQProducedAddr(base uint64) uint64 { return base + hdrOffSQProduced }
func CQProducedAddr(base uint64) uint64 { return base + hdrOffCQProduced }
