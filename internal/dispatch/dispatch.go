// Package dispatch implements the device-side command loop: it drains SQ
// slots, validates and executes each request against the local subsystems
// (flash banks, EEPROM, optical modules), and posts a CQ completion per
// request. The loop is cooperative and single-threaded per queue pair;
// while a handler runs, further submissions simply stay queued.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dl/amictl/internal/eeprom"
	"github.com/dl/amictl/internal/flash"
	"github.com/dl/amictl/internal/fpt"
	"github.com/dl/amictl/internal/gcq"
	"github.com/dl/amictl/internal/mmio"
	"github.com/dl/amictl/internal/proto"
	"github.com/dl/amictl/internal/ring"
)

// Failure sub-codes carried in the response record alongside a
// device-failure or integrity status.
const (
	SubNone uint32 = iota
	SubErase
	SubProgram
	SubRead
	SubFPT
	SubEEPROM
	SubModule
	SubBounds
)

// ErrSessionDown means the producer retracted the header; the caller
// should re-attach when a fresh one appears.
var ErrSessionDown = errors.New("dispatch: session torn down")

// maxFPTBytes bounds the raw table read from a bank.
const maxFPTBytes = 8 + fpt.MaxEntries*16

// ModuleAccess writes bytes into an optical module's register pages. The
// underlying byte transport is an external collaborator.
type ModuleAccess interface {
	WriteByte(cage, page, off, value uint8) error
}

// Config wires the dispatcher to its local subsystems. Either flash bank
// may be nil when the board lacks the secondary store; EEPROM and module
// access are likewise optional. Requests against missing hardware complete
// with a device-failure status, except a PDI download naming a missing
// bank, which completes as a malformed request.
type Config struct {
	Banks     [2]flash.Device
	EEPROM    *eeprom.Device
	Modules   ModuleAccess
	LogicUUID uuid.UUID
	FWVersion uint32
	Logger    *log.Logger
}

type streamKey struct {
	boot      proto.BootDevice
	partition uint8
}

// streamState tracks one in-flight PDI stream. A failed chunk flips
// aborted; every later chunk of that stream is refused until the producer
// restarts from chunk zero.
type streamState struct {
	nextChunk uint16
	written   uint32
	dstBase   uint32
	dstSize   uint32
	aborted   bool
}

// Stats counts dispatcher outcomes per kind; observable, never used for
// control flow.
type Stats struct {
	Handled     atomic.Uint64
	Unsupported atomic.Uint64
	Malformed   atomic.Uint64
	Failures    atomic.Uint64
	Aborts      atomic.Uint64
	Integrity   atomic.Uint64
}

// StatsSnapshot is a plain copy for reporting.
type StatsSnapshot struct {
	Handled     uint64
	Unsupported uint64
	Malformed   uint64
	Failures    uint64
	Aborts      uint64
	Integrity   uint64
}

// Dispatcher is the consumer endpoint.
type Dispatcher struct {
	inst    *gcq.Instance
	io      mmio.Access
	cfg     Config
	streams map[streamKey]*streamState
	stats   Stats
	log     *log.Logger
}

// New builds a dispatcher over an attached consumer instance.
func New(inst *gcq.Instance, acc mmio.Access, cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Dispatcher{
		inst:    inst,
		io:      acc,
		cfg:     cfg,
		streams: make(map[streamKey]*streamState),
		log:     logger,
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	return StatsSnapshot{
		Handled:     d.stats.Handled.Load(),
		Unsupported: d.stats.Unsupported.Load(),
		Malformed:   d.stats.Malformed.Load(),
		Failures:    d.stats.Failures.Load(),
		Aborts:      d.stats.Aborts.Load(),
		Integrity:   d.stats.Integrity.Load(),
	}
}

// Run drains the SQ until ctx is cancelled or the producer tears the
// session down. poll bounds the idle re-check interval.
func (d *Dispatcher) Run(ctx context.Context, poll time.Duration) error {
	for {
		progressed, err := d.Tick()
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		if !d.inst.Alive() {
			return ErrSessionDown
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Tick consumes at most one request. Returns false when the SQ is empty.
func (d *Dispatcher) Tick() (bool, error) {
	sq := d.inst.SQ()
	addr, err := sq.PeekConsume()
	if errors.Is(err, ring.ErrNoData) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	buf := make([]byte, proto.RequestSize)
	sq.CopyFromSlot(addr, buf)
	sq.CommitConsume()

	var resp proto.Response
	req, err := proto.DecodeRequest(buf)
	if err != nil {
		d.stats.Malformed.Add(1)
		resp = proto.Response{Status: proto.StatusMalformedRequest}
	} else {
		resp = d.handle(req)
		resp.ReqID = req.ReqID
	}

	if err := d.complete(resp); err != nil {
		return false, err
	}
	return true, nil
}

// complete posts one CQ record. The CQ depth matches the SQ and the
// producer drains it, so a full ring is a brief spin, not an error.
func (d *Dispatcher) complete(resp proto.Response) error {
	cq := d.inst.CQ()
	rec, err := resp.Encode()
	if err != nil {
		return err
	}
	for {
		addr, err := cq.ReserveProduce()
		if err == nil {
			cq.CopyToSlot(addr, rec)
			cq.CommitProduce()
			d.inst.Signal()
			return nil
		}
		if !errors.Is(err, ring.ErrNoFreeSlot) {
			return err
		}
		if !d.inst.Alive() {
			return ErrSessionDown
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func (d *Dispatcher) handle(req proto.Request) proto.Response {
	d.log.Debug("request", "opcode", req.Opcode.String(), "req_id", req.ReqID, "flags", fmt.Sprintf("0x%08x", req.Flags))

	var resp proto.Response
	switch req.Opcode {
	case proto.OpIdentify:
		resp = d.handleIdentify()
	case proto.OpBoardInfo:
		resp = d.handleBoardInfo(req)
	case proto.OpFPTRead:
		resp = d.handleFPTRead(req)
	case proto.OpPDIDownload:
		resp = d.handlePDIDownload(req)
	case proto.OpPartitionSelect:
		resp = d.handlePartitionSelect(req)
	case proto.OpPartitionCopy:
		resp = d.handlePartitionCopy(req)
	case proto.OpModuleWrite:
		resp = d.handleModuleWrite(req)
	default:
		d.stats.Unsupported.Add(1)
		return proto.Response{Status: proto.StatusUnsupportedOpcode}
	}

	switch resp.Status {
	case proto.StatusOK:
		d.stats.Handled.Add(1)
	case proto.StatusMalformedRequest:
		d.stats.Malformed.Add(1)
	case proto.StatusStreamAborted:
		d.stats.Aborts.Add(1)
	case proto.StatusIntegrityFailure:
		d.stats.Integrity.Add(1)
	default:
		d.stats.Failures.Add(1)
	}
	return resp
}

func (d *Dispatcher) bank(boot proto.BootDevice) flash.Device {
	if int(boot) >= len(d.cfg.Banks) {
		return nil
	}
	return d.cfg.Banks[boot]
}

// payloadBytes copies a request's bulk payload out of the shared region.
// Lengths are rounded up to whole words on the wire; the tail padding is
// dropped here.
func (d *Dispatcher) payloadBytes(req proto.Request) ([]byte, bool) {
	base, limit := d.inst.Payload()
	words := (uint64(req.PayloadLen) + 3) &^ 3
	if req.PayloadOff < base || req.PayloadOff+words > base+uint64(limit) {
		return nil, false
	}
	buf := make([]byte, words)
	mmio.CopyFromMem(d.io, req.PayloadOff, buf)
	return buf[:req.PayloadLen], true
}

// putPayload writes result bytes into the caller-designated payload window.
func (d *Dispatcher) putPayload(req proto.Request, b []byte) bool {
	base, limit := d.inst.Payload()
	words := (uint64(len(b)) + 3) &^ 3
	if req.PayloadOff < base || req.PayloadOff+words > base+uint64(limit) || uint64(req.PayloadLen) < uint64(len(b)) {
		return false
	}
	padded := make([]byte, words)
	copy(padded, b)
	mmio.CopyToMem(d.io, req.PayloadOff, padded)
	return true
}

func (d *Dispatcher) readFPT(boot proto.BootDevice) (*fpt.Table, []byte, proto.Response) {
	dev := d.bank(boot)
	if dev == nil {
		return nil, nil, proto.Response{Status: proto.StatusDeviceFailure, Sub: SubBounds}
	}
	n := uint32(maxFPTBytes)
	if n > dev.Size() {
		n = dev.Size()
	}
	raw, err := dev.Read(0, n)
	if err != nil {
		return nil, nil, proto.Response{Status: proto.StatusDeviceFailure, Sub: SubRead}
	}
	t, err := fpt.Parse(raw)
	if err != nil {
		return nil, nil, proto.Response{Status: proto.StatusIntegrityFailure, Sub: SubFPT}
	}
	return t, raw[:t.Len()], proto.Response{Status: proto.StatusOK}
}
