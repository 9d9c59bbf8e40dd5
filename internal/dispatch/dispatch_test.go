package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dl/amictl/internal/eeprom"
	"github.com/dl/amictl/internal/flash"
	"github.com/dl/amictl/internal/fpt"
	"github.com/dl/amictl/internal/gcq"
	"github.com/dl/amictl/internal/mmio"
	"github.com/dl/amictl/internal/proto"
	"github.com/dl/amictl/internal/ring"
)

const (
	payloadBase = 0x4000
	payloadLen  = 0x8000
	sectorSize  = 2048
	bankSize    = 1 << 20
)

type harness struct {
	t       *testing.T
	w       *mmio.Window
	prod    *gcq.Instance
	d       *Dispatcher
	banks   [2]*flash.Mem
	modules *MemModules
	logic   uuid.UUID
}

func seededBank(t *testing.T) *flash.Mem {
	t.Helper()
	dev := flash.NewMem(bankSize, sectorSize)
	table, err := fpt.Build([]fpt.Entry{
		{Type: fpt.TypeFPT, Base: 0x8000, Size: 0x8000},
		{Type: fpt.TypePDI, Base: 0x10000, Size: 0x40000},
		{Type: fpt.TypePDI, Base: 0x50000, Size: 0x40000},
	})
	require.NoError(t, err)
	require.NoError(t, dev.Program(0, table))
	return dev
}

func testEEPROM(t *testing.T) *eeprom.Device {
	t.Helper()
	bus := &eeprom.MemBus{DeviceID: 0x50}
	bus.Image[0] = 1
	copy(bus.Image[0x16:], "DISPATCH-BOARD")
	copy(bus.Image[0x27:], "SN0001")
	eeprom.SealImage(&bus.Image)
	dev, err := eeprom.Attach(bus, eeprom.Config{ExpectedDeviceID: 0x50})
	require.NoError(t, err)
	return dev
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	w := mmio.NewWindow(0x1000, 0x10000)
	prod, err := gcq.CreateProducer(w, gcq.Config{
		RingBase:    0x0,
		NumSlots:    8,
		SQSlotSize:  proto.RequestSize,
		CQSlotSize:  proto.ResponseSize,
		Flags:       ring.FlagInMemPtr,
		PayloadBase: payloadBase,
		PayloadLen:  payloadLen,
	})
	require.NoError(t, err)

	cons, err := gcq.AttachConsumer(context.Background(), w, gcq.Config{
		RingBase: 0x0, PayloadBase: payloadBase, PayloadLen: payloadLen,
	}, proto.RequestSize, proto.ResponseSize)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		w:       w,
		prod:    prod,
		banks:   [2]*flash.Mem{seededBank(t), seededBank(t)},
		modules: NewMemModules(),
		logic:   uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeffff0001"),
	}
	h.d = New(cons, w, Config{
		Banks:     [2]flash.Device{h.banks[0], h.banks[1]},
		EEPROM:    testEEPROM(t),
		Modules:   h.modules,
		LogicUUID: h.logic,
		FWVersion: 0x00010002,
	})
	return h
}

// roundTrip posts one request, ticks the dispatcher once, and reads back
// the completion.
func (h *harness) roundTrip(req proto.Request) proto.Response {
	h.t.Helper()
	req.ReqID = 99

	sq := h.prod.SQ()
	addr, err := sq.ReserveProduce()
	require.NoError(h.t, err)
	sq.CopyToSlot(addr, req.Encode())
	sq.CommitProduce()

	progressed, err := h.d.Tick()
	require.NoError(h.t, err)
	require.True(h.t, progressed, "dispatcher saw no request")

	cq := h.prod.CQ()
	caddr, err := cq.PeekConsume()
	require.NoError(h.t, err)
	buf := make([]byte, proto.ResponseSize)
	cq.CopyFromSlot(caddr, buf)
	cq.CommitConsume()

	resp, err := proto.DecodeResponse(buf)
	require.NoError(h.t, err)
	require.Equal(h.t, req.ReqID, resp.ReqID, "completion must cite the request id")
	return resp
}

// stage writes chunk bytes into the payload region.
func (h *harness) stage(b []byte) (uint64, uint32) {
	padded := make([]byte, (len(b)+3)&^3)
	copy(padded, b)
	mmio.CopyToMem(h.w, payloadBase, padded)
	return payloadBase, uint32(len(b))
}

func (h *harness) chunkReq(boot proto.BootDevice, partition uint8, chunk uint16, last bool, data []byte) proto.Request {
	off, n := h.stage(data)
	req := proto.Request{
		Opcode:     proto.OpPDIDownload,
		Flags:      proto.PackPDIFlags(boot, partition, chunk, last),
		PayloadOff: off,
		PayloadLen: n,
	}
	req.Args[0] = proto.PDIProgramMagic
	if partition == proto.FPTUpdatePartition {
		req.Args[0] = proto.FPTUpdateMagic
	}
	return req
}

func TestIdentify(t *testing.T) {
	h := newHarness(t)
	resp := h.roundTrip(proto.Request{Opcode: proto.OpIdentify})
	require.Equal(t, proto.StatusOK, resp.Status)
	require.Len(t, resp.Inline, 20)
	assert.Equal(t, h.logic[:], resp.Inline[:16])
}

func TestUnsupportedOpcode(t *testing.T) {
	h := newHarness(t)
	resp := h.roundTrip(proto.Request{Opcode: proto.Opcode(0xEE)})
	assert.Equal(t, proto.StatusUnsupportedOpcode, resp.Status)
	assert.Equal(t, uint64(1), h.d.Stats().Unsupported)
}

func TestMalformedSlot(t *testing.T) {
	h := newHarness(t)

	sq := h.prod.SQ()
	addr, err := sq.ReserveProduce()
	require.NoError(t, err)
	sq.CopyToSlot(addr, make([]byte, proto.RequestSize)) // zero magic
	sq.CommitProduce()

	progressed, err := h.d.Tick()
	require.NoError(t, err)
	require.True(t, progressed)

	cq := h.prod.CQ()
	caddr, err := cq.PeekConsume()
	require.NoError(t, err)
	buf := make([]byte, proto.ResponseSize)
	cq.CopyFromSlot(caddr, buf)
	cq.CommitConsume()
	resp, err := proto.DecodeResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusMalformedRequest, resp.Status)
}

func TestModuleWrite(t *testing.T) {
	h := newHarness(t)
	req := proto.Request{Opcode: proto.OpModuleWrite}
	req.Args[0], req.Args[1], req.Args[2], req.Args[3] = 2, 3, 0x40, 0x99

	resp := h.roundTrip(req)
	require.Equal(t, proto.StatusOK, resp.Status)
	assert.Equal(t, uint8(0x99), h.modules.ReadByte(2, 3, 0x40))
}

func TestFPTRead(t *testing.T) {
	h := newHarness(t)
	req := proto.Request{
		Opcode:     proto.OpFPTRead,
		Flags:      proto.PackPDIFlags(proto.BootSecondary, 0, 0, false),
		PayloadOff: payloadBase,
		PayloadLen: payloadLen,
	}
	resp := h.roundTrip(req)
	require.Equal(t, proto.StatusOK, resp.Status)
	require.Len(t, resp.Inline, 4)

	n := uint32(resp.Inline[0]) | uint32(resp.Inline[1])<<8 | uint32(resp.Inline[2])<<16 | uint32(resp.Inline[3])<<24
	raw := make([]byte, (n+3)&^3)
	mmio.CopyFromMem(h.w, payloadBase, raw)
	table, err := fpt.Parse(raw[:n])
	require.NoError(t, err)
	assert.Len(t, table.Entries, 3)
}

func TestStreamAbortAndRestart(t *testing.T) {
	h := newHarness(t)
	chunk := make([]byte, proto.ChunkSize)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	// Chunk 0 lands.
	resp := h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 0, false, chunk))
	require.Equal(t, proto.StatusOK, resp.Status)

	// Chunk 1 hits an injected flash failure.
	h.banks[0].FailProgramAt = 0x10000 + proto.ChunkSize + 100
	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 1, false, chunk))
	require.Equal(t, proto.StatusDeviceFailure, resp.Status)
	assert.Equal(t, SubProgram, resp.Sub)

	// Subsequent chunks of the same stream are refused until a restart.
	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 2, false, chunk))
	assert.Equal(t, proto.StatusStreamAborted, resp.Status)

	// An unrelated stream is unaffected.
	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 2, 0, true, chunk))
	assert.Equal(t, proto.StatusOK, resp.Status)

	// Restarting from chunk 0 clears the abort.
	h.banks[0].FailProgramAt = 0
	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 0, false, chunk))
	require.Equal(t, proto.StatusOK, resp.Status)
	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 1, true, chunk))
	require.Equal(t, proto.StatusOK, resp.Status)
}

func TestOutOfOrderChunkAborts(t *testing.T) {
	h := newHarness(t)
	chunk := make([]byte, 512)

	resp := h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 0, false, chunk))
	require.Equal(t, proto.StatusOK, resp.Status)

	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 5, false, chunk))
	assert.Equal(t, proto.StatusStreamAborted, resp.Status)
}

func TestMidStreamChunkWithoutStart(t *testing.T) {
	h := newHarness(t)
	resp := h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 3, false, make([]byte, 64)))
	assert.Equal(t, proto.StatusStreamAborted, resp.Status)
}

func TestStreamOverrunRejected(t *testing.T) {
	h := newHarness(t)
	// Partition 1 is 0x40000 bytes; a chunk claiming to extend past it
	// must be refused before any flash write.
	huge := make([]byte, proto.ChunkSize)
	resp := h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 0, false, huge))
	require.Equal(t, proto.StatusOK, resp.Status)

	// Walk close to the end, then push one chunk too many.
	chunks := int(0x40000/proto.ChunkSize) - 1
	for i := 1; i <= chunks; i++ {
		resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, uint16(i), false, huge))
		require.Equal(t, proto.StatusOK, resp.Status, "chunk %d", i)
	}
	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, uint16(chunks+1), false, huge))
	assert.Equal(t, proto.StatusDeviceFailure, resp.Status)
	assert.Equal(t, SubBounds, resp.Sub)
}

func TestPartitionSelectClearsAborts(t *testing.T) {
	h := newHarness(t)
	chunk := make([]byte, 512)

	resp := h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 0, false, chunk))
	require.Equal(t, proto.StatusOK, resp.Status)
	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 7, false, chunk))
	require.Equal(t, proto.StatusStreamAborted, resp.Status)

	resp = h.roundTrip(proto.Request{
		Opcode: proto.OpPartitionSelect,
		Flags:  proto.PackPDIFlags(proto.BootPrimary, 2, 0, false),
	})
	require.Equal(t, proto.StatusOK, resp.Status)

	// Mid-stream chunks still need a restart, but the abort record is
	// gone: chunk 0 opens a fresh stream.
	resp = h.roundTrip(h.chunkReq(proto.BootPrimary, 1, 0, false, chunk))
	assert.Equal(t, proto.StatusOK, resp.Status)
}

func TestBoardInfo(t *testing.T) {
	h := newHarness(t)
	req := proto.Request{
		Opcode:     proto.OpBoardInfo,
		PayloadOff: payloadBase,
		PayloadLen: payloadLen,
	}
	resp := h.roundTrip(req)
	require.Equal(t, proto.StatusOK, resp.Status)
	require.Len(t, resp.Inline, 4)

	n := uint32(resp.Inline[0]) | uint32(resp.Inline[1])<<8 | uint32(resp.Inline[2])<<16 | uint32(resp.Inline[3])<<24
	raw := make([]byte, (n+3)&^3)
	mmio.CopyFromMem(h.w, payloadBase, raw)
	info := DecodeMfgInfo(raw[:n])
	assert.Equal(t, "DISPATCH-BOARD", info.ProductName)
	assert.Equal(t, "SN0001", info.Serial)
}

func TestPartitionCopy(t *testing.T) {
	h := newHarness(t)

	// Put recognizable content in primary partition 1.
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, flash.EraseSpan(h.banks[0], 0x10000, uint32(len(payload))))
	require.NoError(t, h.banks[0].Program(0x10000, payload))

	resp := h.roundTrip(proto.Request{
		Opcode: proto.OpPartitionCopy,
		Flags:  proto.PackCopyFlags(proto.BootPrimary, 1, proto.BootSecondary, 2),
	})
	require.Equal(t, proto.StatusOK, resp.Status)

	got, err := h.banks[1].Read(0x50000, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWrongStreamMagicRejected(t *testing.T) {
	h := newHarness(t)
	req := h.chunkReq(proto.BootPrimary, 1, 0, false, make([]byte, 64))
	req.Args[0] = proto.FPTUpdateMagic // partition stream with the FPT magic
	resp := h.roundTrip(req)
	assert.Equal(t, proto.StatusMalformedRequest, resp.Status)
}
