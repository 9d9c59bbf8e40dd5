// Package gcq binds the ring engine to a concrete sGCQ window: it owns the
// shared header lifecycle, the interrupt register file, and the role split
// between the two peers. The producer (host side) creates the queue pair
// and owns SQ-produce / CQ-consume; the consumer (device side) attaches to
// a published header and owns SQ-consume / CQ-produce.
package gcq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dl/amictl/internal/mmio"
	"github.com/dl/amictl/internal/ring"
)

// Mode selects which side of the queue pair an instance drives.
type Mode int

const (
	ModeProducer Mode = iota
	ModeConsumer
)

// InterruptMode selects how the producer signals the consumer.
type InterruptMode int

const (
	// IntrNone: peers poll.
	IntrNone InterruptMode = iota
	// IntrTailPointer: writing the produced-index register raises the
	// peer's interrupt.
	IntrTailPointer
	// IntrManual: a separate trigger bit is set after each commit.
	IntrManual
)

// sGCQ register file, offsets from the window's register base.
const (
	RegSQProduced = 0x00
	RegCQProduced = 0x04
	regIntrCtrl   = 0x08
	regIntrTrig   = 0x0C
	regIntrStat   = 0x10
)

const (
	intrCtrlTail   uint32 = 1 << 0
	intrCtrlManual uint32 = 1 << 1
	intrTrigBit    uint32 = 1 << 0
)

var (
	// ErrPeerNotReady means no valid header is published yet. The attacher
	// retries with bounded backoff.
	ErrPeerNotReady = errors.New("gcq: peer not ready")

	// ErrIncompatible means the published geometry cannot carry the records
	// this side needs. Fatal to the session.
	ErrIncompatible = errors.New("gcq: incompatible queue geometry")
)

// Config describes one sGCQ instance. RingBase is the header offset within
// the shared memory region; the payload region for bulk transfers occupies
// [PayloadBase, PayloadBase+PayloadLen).
type Config struct {
	Mode       Mode
	Interrupt  InterruptMode
	RingBase   uint64
	NumSlots   uint32
	SQSlotSize uint32
	CQSlotSize uint32
	// Flags seeds the published feature bits (FlagInMemPtr,
	// FlagDoubleRead). Interrupt hints are folded in automatically.
	Flags uint32

	PayloadBase uint64
	PayloadLen  uint32

	// UDID identifies this instance. It is kept in the config and returned
	// by Instance.UDID; it is not published to the peer.
	UDID uuid.UUID
}

// Instance is a bound sGCQ endpoint. SQ and CQ are pre-wired for the
// instance's role: the producer's SQ is in produce role and its CQ in
// consume role, and symmetrically for the consumer.
type Instance struct {
	io   mmio.Access
	cfg  Config
	hdr  ring.Header
	sq   *ring.Ring
	cq   *ring.Ring
	dead bool
}

func flagsFor(cfg Config) uint32 {
	f := cfg.Flags
	switch cfg.Interrupt {
	case IntrTailPointer:
		f |= ring.FlagIntrTail
	case IntrManual:
		f |= ring.FlagIntrManual
	}
	return f
}

// CreateProducer publishes a fresh header at cfg.RingBase and returns the
// producer endpoint. Index counters start at zero and the magic is written
// last, so a racing consumer attaches only to a complete header.
func CreateProducer(io mmio.Access, cfg Config) (*Instance, error) {
	cfg.Mode = ModeProducer
	h := ring.Header{
		Version:    ring.HeaderVersion,
		NumSlots:   cfg.NumSlots,
		SQOffset:   ring.HeaderSize,
		SQSlotSize: cfg.SQSlotSize,
		CQOffset:   ring.HeaderSize + cfg.NumSlots*cfg.SQSlotSize,
		CQSlotSize: cfg.CQSlotSize,
		Flags:      flagsFor(cfg),
	}
	if err := ring.PublishHeader(io, cfg.RingBase, h); err != nil {
		return nil, err
	}
	inst := &Instance{io: io, cfg: cfg, hdr: h}
	inst.bind()
	inst.configureInterrupts()
	return inst, nil
}

// AttachConsumer polls for a published header and validates it against the
// consumer's requirements: the version must match and the peer's slot sizes
// must be at least minSQSlot/minCQSlot. Retries with backoff until ctx is
// done, returning ErrPeerNotReady if no header ever appears.
func AttachConsumer(ctx context.Context, io mmio.Access, cfg Config, minSQSlot, minCQSlot uint32) (*Instance, error) {
	cfg.Mode = ModeConsumer

	backoff := time.Millisecond
	for !ring.HeaderPresent(io, cfg.RingBase) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no header at 0x%x", ErrPeerNotReady, cfg.RingBase)
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}

	h, err := ring.ReadHeader(io, cfg.RingBase)
	if err != nil {
		return nil, err
	}
	if h.SQSlotSize < minSQSlot || h.CQSlotSize < minCQSlot {
		return nil, fmt.Errorf("%w: slot sizes %d/%d below required %d/%d",
			ErrIncompatible, h.SQSlotSize, h.CQSlotSize, minSQSlot, minCQSlot)
	}

	inst := &Instance{io: io, cfg: cfg, hdr: h}
	inst.bind()
	return inst, nil
}

// bind wires the two rings for the instance's role using the negotiated
// header. Produced counters live in registers unless the in-memory-pointer
// feature is set; consumed counters always live in the header.
func (i *Instance) bind() {
	base := i.cfg.RingBase
	flags := i.hdr.Flags

	sqProduced := uint64(RegSQProduced)
	cqProduced := uint64(RegCQProduced)
	if flags&ring.FlagInMemPtr != 0 {
		sqProduced = ring.SQProducedAddr(base)
		cqProduced = ring.CQProducedAddr(base)
	}

	i.sq = ring.New(i.io, i.hdr.NumSlots, i.hdr.SQSlotSize,
		sqProduced, ring.SQConsumedAddr(base), base+uint64(i.hdr.SQOffset), flags)
	i.cq = ring.New(i.io, i.hdr.NumSlots, i.hdr.CQSlotSize,
		cqProduced, ring.CQConsumedAddr(base), base+uint64(i.hdr.CQOffset), flags)
}

func (i *Instance) configureInterrupts() {
	switch i.cfg.Interrupt {
	case IntrTailPointer:
		i.io.RegWrite32(regIntrCtrl, intrCtrlTail)
	case IntrManual:
		i.io.RegWrite32(regIntrCtrl, intrCtrlManual)
	default:
		i.io.RegWrite32(regIntrCtrl, 0)
	}
}

// SQ returns the submission ring in this instance's role.
func (i *Instance) SQ() *ring.Ring { return i.sq }

// CQ returns the completion ring in this instance's role.
func (i *Instance) CQ() *ring.Ring { return i.cq }

// Header returns the negotiated header.
func (i *Instance) Header() ring.Header { return i.hdr }

// Flags returns the negotiated feature bits.
func (i *Instance) Flags() uint32 { return i.hdr.Flags }

// UDID returns the instance identity from the config.
func (i *Instance) UDID() uuid.UUID { return i.cfg.UDID }

// Payload returns the bulk data region carved out for streamed transfers.
func (i *Instance) Payload() (base uint64, length uint32) {
	return i.cfg.PayloadBase, i.cfg.PayloadLen
}

// Signal issues the manual doorbell. A no-op in the other interrupt modes:
// tail-pointer mode signals as a side effect of the commit itself and
// polling mode never signals.
func (i *Instance) Signal() {
	if i.cfg.Interrupt == IntrManual {
		i.io.RegWrite32(regIntrTrig, intrTrigBit)
	}
}

// ClearInterrupt acknowledges a pending doorbell on the receiving side.
func (i *Instance) ClearInterrupt() {
	i.io.RegWrite32(regIntrStat, 0)
}

// Alive reports whether the peer-visible header is still published.
// Consumers use this to detect unilateral producer teardown.
func (i *Instance) Alive() bool {
	return !i.dead && ring.HeaderPresent(i.io, i.cfg.RingBase)
}

// Teardown retracts the header. Only the producer publishes, so only the
// producer clears; the consumer detects the loss on its next header check.
// Destruction is unilateral and the peer re-attaches when a fresh magic
// appears.
func (i *Instance) Teardown() {
	if i.cfg.Mode == ModeProducer {
		ring.ClearHeader(i.io, i.cfg.RingBase)
	}
	i.dead = true
}
