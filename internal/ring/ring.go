package ring

import "github.com/dl/amictl/internal/mmio"

// Ring is one half of a queue pair: either the submission or the completion
// ring. It binds four immutable addresses (produced counter, consumed
// counter, slot array base, slot size) to two live local counters.
//
// Counters are unbounded monotonically increasing uint32 values; the live
// slot index is counter mod numSlots and all distance math is modular, so
// the 32-bit wrap is harmless. The ring is full iff produced-consumed >=
// numSlots and empty iff produced == consumed.
//
// Exactly one side mutates produced and exactly one side mutates consumed;
// that single-writer-per-counter discipline substitutes for any lock across
// the host/device boundary.
type Ring struct {
	io    mmio.Access
	flags uint32

	numSlots uint32
	slotSize uint32

	produced uint32
	consumed uint32

	// producedAddr is a register offset unless FlagInMemPtr is set, in
	// which case it is a shared-memory offset. consumedAddr is always in
	// shared memory: consumed updates never raise interrupts.
	producedAddr uint64
	consumedAddr uint64
	slotAddr     uint64
}

// New binds a ring to its window addresses. flags carries the negotiated
// feature bits from the shared header.
func New(io mmio.Access, numSlots, slotSize uint32, producedAddr, consumedAddr, slotAddr uint64, flags uint32) *Ring {
	return &Ring{
		io:           io,
		flags:        flags,
		numSlots:     numSlots,
		slotSize:     slotSize,
		producedAddr: producedAddr,
		consumedAddr: consumedAddr,
		slotAddr:     slotAddr,
	}
}

// NumSlots returns the ring depth.
func (r *Ring) NumSlots() uint32 { return r.numSlots }

// SlotSize returns the byte size of one slot.
func (r *Ring) SlotSize() uint32 { return r.slotSize }

// readMemCounter reads an index counter from shared memory, honoring the
// double-read platform quirk: the first read may return a stale word, the
// second is authoritative.
func (r *Ring) readMemCounter(addr uint64) uint32 {
	v := r.io.MemRead32(addr)
	if r.flags&FlagDoubleRead != 0 {
		v = r.io.MemRead32(addr)
	}
	return v
}

func (r *Ring) readProduced() uint32 {
	if r.flags&FlagInMemPtr != 0 {
		return r.readMemCounter(r.producedAddr)
	}
	return r.io.RegRead32(r.producedAddr)
}

func (r *Ring) writeProduced(v uint32) {
	if r.flags&FlagInMemPtr != 0 {
		r.io.MemWrite32(r.producedAddr, v)
		return
	}
	// In tail-pointer-trigger mode this register write is the doorbell.
	r.io.RegWrite32(r.producedAddr, v)
}

func (r *Ring) full() bool  { return r.produced-r.consumed >= r.numSlots }
func (r *Ring) empty() bool { return r.produced == r.consumed }

func (r *Ring) slot(counter uint32) uint64 {
	return r.slotAddr + uint64(r.slotSize)*uint64(counter&(r.numSlots-1))
}

// ReserveProduce returns the byte address of the next free slot without
// advancing the produced counter. When the ring looks full it refreshes the
// consumed counter from the header once before giving up with ErrNoFreeSlot.
func (r *Ring) ReserveProduce() (uint64, error) {
	if r.full() {
		r.consumed = r.readMemCounter(r.consumedAddr)
		if r.full() {
			return 0, ErrNoFreeSlot
		}
	}
	return r.slot(r.produced), nil
}

// CommitProduce advances the local produced counter and publishes it. The
// slot contents must be fully written first; the atomic store in the mmio
// layer orders the slot words before the publish.
func (r *Ring) CommitProduce() {
	r.produced++
	r.writeProduced(r.produced)
}

// PeekConsume refreshes the produced counter from the peer and returns the
// byte address of the oldest unconsumed slot, or ErrNoData if the ring is
// empty. It never advances consumed.
func (r *Ring) PeekConsume() (uint64, error) {
	if r.empty() {
		r.produced = r.readProduced()
		if r.empty() {
			return 0, ErrNoData
		}
	}
	return r.slot(r.consumed), nil
}

// CommitConsume advances the local consumed counter and publishes it to the
// header, returning slot ownership to the producer.
func (r *Ring) CommitConsume() {
	r.consumed++
	r.io.MemWrite32(r.consumedAddr, r.consumed)
}

// CopyToSlot writes b into the slot at addr word by word. Records are
// always word multiples; sub-word packing happens in the codec.
func (r *Ring) CopyToSlot(addr uint64, b []byte) {
	mmio.CopyToMem(r.io, addr, b)
}

// CopyFromSlot fills b from the slot at addr word by word.
func (r *Ring) CopyFromSlot(addr uint64, b []byte) {
	mmio.CopyFromMem(r.io, addr, b)
}
