// Package program drives the firmware-management operations from the host
// side: streaming a boot image chunk by chunk, updating the flash partition
// table, selecting the next boot partition, copying partitions, and the
// small query commands. It sits entirely on the proto codec; it never
// touches the rings directly.
package program

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dl/amictl/internal/dispatch"
	"github.com/dl/amictl/internal/eeprom"
	"github.com/dl/amictl/internal/fpt"
	"github.com/dl/amictl/internal/gcq"
	"github.com/dl/amictl/internal/mmio"
	"github.com/dl/amictl/internal/proto"
)

// DefaultTimeout bounds each request. Flash erases dominate; a chunk can
// legitimately take a while.
const DefaultTimeout = 10 * time.Second

var (
	// ErrImageTooLarge means the image needs more chunks than the 15-bit
	// chunk counter can number.
	ErrImageTooLarge = errors.New("program: image exceeds chunk numbering range")

	// ErrRemote wraps a non-OK completion status.
	ErrRemote = errors.New("program: device reported failure")
)

// Progress observes streaming: cumulative bytes acknowledged and the total.
// Called after every acknowledged chunk. Must be non-blocking and must not
// reach back into the streamer.
type Progress func(written, total uint64)

// StreamError carries the failing chunk index when a stream dies mid-way.
type StreamError struct {
	Chunk  uint16
	Status proto.Status
	Sub    uint32
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("chunk %d failed: %s (sub %d)", e.Chunk, e.Status, e.Sub)
}

func (e *StreamError) Unwrap() error { return ErrRemote }

// Programmer is the host-side operation driver.
type Programmer struct {
	sub     *proto.Submitter
	io      mmio.Access
	payBase uint64
	payLen  uint32
	timeout time.Duration
	log     *log.Logger
}

// New builds a Programmer over a producer instance and its submitter.
func New(sub *proto.Submitter, inst *gcq.Instance, acc mmio.Access, logger *log.Logger) *Programmer {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	base, length := inst.Payload()
	return &Programmer{
		sub:     sub,
		io:      acc,
		payBase: base,
		payLen:  length,
		timeout: DefaultTimeout,
		log:     logger,
	}
}

// SetTimeout overrides the per-request timeout.
func (p *Programmer) SetTimeout(d time.Duration) { p.timeout = d }

// submit is the common post-and-check path for single-request operations.
func (p *Programmer) submit(ctx context.Context, req proto.Request) (proto.Response, error) {
	resp, err := p.sub.SubmitAndWait(ctx, req, p.timeout)
	if err != nil {
		return proto.Response{}, err
	}
	if resp.Status != proto.StatusOK {
		return resp, fmt.Errorf("%w: %s: %s (sub %d)", ErrRemote, req.Opcode, resp.Status, resp.Sub)
	}
	return resp, nil
}

// stageChunk copies one chunk into the bulk payload region, padding the
// tail word; the ring layer only moves whole words.
func (p *Programmer) stageChunk(b []byte) (uint64, uint32, error) {
	words := (len(b) + 3) &^ 3
	if uint32(words) > p.payLen {
		return 0, 0, fmt.Errorf("program: chunk of %d bytes exceeds payload region of %d", len(b), p.payLen)
	}
	padded := make([]byte, words)
	copy(padded, b)
	mmio.CopyToMem(p.io, p.payBase, padded)
	return p.payBase, uint32(len(b)), nil
}

// stream is the shared chunk loop behind DownloadPDI and UpdateFPT.
//
// One request per chunk, strictly serialized: the next chunk is not posted
// until the previous one is acknowledged. That bounds the device buffer to
// a single chunk and makes progress reporting exact.
func (p *Programmer) stream(ctx context.Context, img []byte, boot proto.BootDevice, partition uint8, magic uint32, progress Progress) error {
	total := uint64(len(img))
	chunks := (len(img) + proto.ChunkSize - 1) / proto.ChunkSize
	if chunks == 0 {
		return fmt.Errorf("program: empty image")
	}
	if chunks-1 > proto.MaxChunk {
		return ErrImageTooLarge
	}

	var written uint64
	for i := 0; i < chunks; i++ {
		chunk := img[i*proto.ChunkSize:]
		if len(chunk) > proto.ChunkSize {
			chunk = chunk[:proto.ChunkSize]
		}
		last := i == chunks-1

		off, n, err := p.stageChunk(chunk)
		if err != nil {
			return err
		}
		req := proto.Request{
			Opcode:     proto.OpPDIDownload,
			Flags:      proto.PackPDIFlags(boot, partition, uint16(i), last),
			PayloadOff: off,
			PayloadLen: n,
		}
		req.Args[0] = magic

		resp, err := p.sub.SubmitAndWait(ctx, req, p.timeout)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if resp.Status != proto.StatusOK {
			return &StreamError{Chunk: uint16(i), Status: resp.Status, Sub: resp.Sub}
		}

		written += uint64(n)
		p.log.Debug("chunk acknowledged", "chunk", i, "written", written, "total", total)
		if progress != nil {
			progress(written, total)
		}
	}
	return nil
}

// DownloadPDI streams img into the given partition of the given boot
// device.
func (p *Programmer) DownloadPDI(ctx context.Context, img []byte, boot proto.BootDevice, partition uint8, progress Progress) error {
	if partition == proto.FPTUpdatePartition {
		return fmt.Errorf("program: partition 0x%02x is the FPT-update sentinel", partition)
	}
	return p.stream(ctx, img, boot, partition, proto.PDIProgramMagic, progress)
}

// UpdateFPT streams an FPT-bearing image to the table area of the given
// boot device.
func (p *Programmer) UpdateFPT(ctx context.Context, img []byte, boot proto.BootDevice, progress Progress) error {
	return p.stream(ctx, img, boot, proto.FPTUpdatePartition, proto.FPTUpdateMagic, progress)
}

// SelectBootPartition picks the primary-device partition used on the next
// reset. Also clears any aborted-stream state a dead producer left behind.
func (p *Programmer) SelectBootPartition(ctx context.Context, partition uint8) error {
	req := proto.Request{
		Opcode: proto.OpPartitionSelect,
		Flags:  proto.PackPDIFlags(proto.BootPrimary, partition, 0, false),
	}
	_, err := p.submit(ctx, req)
	return err
}

// CopyPartition copies one partition onto another, possibly across boot
// devices.
func (p *Programmer) CopyPartition(ctx context.Context, srcDev proto.BootDevice, srcPart uint8, dstDev proto.BootDevice, dstPart uint8) error {
	req := proto.Request{
		Opcode: proto.OpPartitionCopy,
		Flags:  proto.PackCopyFlags(srcDev, srcPart, dstDev, dstPart),
	}
	_, err := p.submit(ctx, req)
	return err
}

// ReadFPT fetches and parses the partition table of a boot device. The
// device writes the raw table into the payload region; the inline result
// carries its length.
func (p *Programmer) ReadFPT(ctx context.Context, boot proto.BootDevice) (*fpt.Table, error) {
	req := proto.Request{
		Opcode:     proto.OpFPTRead,
		Flags:      proto.PackPDIFlags(boot, 0, 0, false),
		PayloadOff: p.payBase,
		PayloadLen: p.payLen,
	}
	resp, err := p.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	n, err := inlineLen(resp, p.payLen)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, (n+3)&^3)
	mmio.CopyFromMem(p.io, p.payBase, raw)
	return fpt.Parse(raw[:n])
}

// BoardInfo fetches the manufacturing snapshot from the device EEPROM.
func (p *Programmer) BoardInfo(ctx context.Context) (eeprom.MfgInfo, error) {
	req := proto.Request{
		Opcode:     proto.OpBoardInfo,
		PayloadOff: p.payBase,
		PayloadLen: p.payLen,
	}
	resp, err := p.submit(ctx, req)
	if err != nil {
		return eeprom.MfgInfo{}, err
	}
	n, err := inlineLen(resp, p.payLen)
	if err != nil {
		return eeprom.MfgInfo{}, err
	}
	raw := make([]byte, (n+3)&^3)
	mmio.CopyFromMem(p.io, p.payBase, raw)
	return dispatch.DecodeMfgInfo(raw[:n]), nil
}

// Identify returns the device's logic UUID and firmware version.
func (p *Programmer) Identify(ctx context.Context) (uuid.UUID, uint32, error) {
	resp, err := p.submit(ctx, proto.Request{Opcode: proto.OpIdentify})
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	if len(resp.Inline) < 20 {
		return uuid.UUID{}, 0, fmt.Errorf("program: short identify payload of %d bytes", len(resp.Inline))
	}
	id, err := uuid.FromBytes(resp.Inline[:16])
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	return id, binary.LittleEndian.Uint32(resp.Inline[16:]), nil
}

// ModuleWrite writes one byte into an optical module register page.
func (p *Programmer) ModuleWrite(ctx context.Context, cage, page, off, value uint8) error {
	req := proto.Request{Opcode: proto.OpModuleWrite}
	req.Args[0] = uint32(cage)
	req.Args[1] = uint32(page)
	req.Args[2] = uint32(off)
	req.Args[3] = uint32(value)
	_, err := p.submit(ctx, req)
	return err
}

func inlineLen(resp proto.Response, limit uint32) (uint32, error) {
	if len(resp.Inline) < 4 {
		return 0, fmt.Errorf("program: short length payload")
	}
	n := binary.LittleEndian.Uint32(resp.Inline)
	if n == 0 || n > limit {
		return 0, fmt.Errorf("program: result length %d out of range", n)
	}
	return n, nil
}
