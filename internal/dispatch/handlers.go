package dispatch

import (
	"encoding/binary"

	"github.com/dl/amictl/internal/eeprom"
	"github.com/dl/amictl/internal/flash"
	"github.com/dl/amictl/internal/proto"
)

func (d *Dispatcher) handleIdentify() proto.Response {
	inline := make([]byte, 20)
	copy(inline, d.cfg.LogicUUID[:])
	binary.LittleEndian.PutUint32(inline[16:], d.cfg.FWVersion)
	return proto.Response{Status: proto.StatusOK, Inline: inline}
}

func (d *Dispatcher) handleBoardInfo(req proto.Request) proto.Response {
	if d.cfg.EEPROM == nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubEEPROM}
	}
	b := encodeMfgInfo(d.cfg.EEPROM.Info())
	if !d.putPayload(req, b) {
		return proto.Response{Status: proto.StatusMalformedRequest}
	}
	inline := make([]byte, 4)
	binary.LittleEndian.PutUint32(inline, uint32(len(b)))
	return proto.Response{Status: proto.StatusOK, Inline: inline}
}

func (d *Dispatcher) handleFPTRead(req proto.Request) proto.Response {
	boot, _, _, _ := proto.UnpackPDIFlags(req.Flags)
	_, raw, errResp := d.readFPT(boot)
	if errResp.Status != proto.StatusOK {
		return errResp
	}
	if !d.putPayload(req, raw) {
		return proto.Response{Status: proto.StatusMalformedRequest}
	}
	inline := make([]byte, 4)
	binary.LittleEndian.PutUint32(inline, uint32(len(raw)))
	return proto.Response{Status: proto.StatusOK, Inline: inline}
}

func (d *Dispatcher) handlePDIDownload(req proto.Request) proto.Response {
	boot, partition, chunk, last := proto.UnpackPDIFlags(req.Flags)
	if d.bank(boot) == nil {
		return proto.Response{Status: proto.StatusMalformedRequest}
	}

	wantMagic := proto.PDIProgramMagic
	if partition == proto.FPTUpdatePartition {
		wantMagic = proto.FPTUpdateMagic
	}
	if req.Args[0] != wantMagic {
		return proto.Response{Status: proto.StatusMalformedRequest}
	}

	key := streamKey{boot: boot, partition: partition}
	st := d.streams[key]

	// Chunk zero always begins a fresh stream, clearing any abort left by
	// a failed or vanished predecessor.
	if chunk == 0 {
		var resp proto.Response
		st, resp = d.openStream(boot, partition)
		if resp.Status != proto.StatusOK {
			return resp
		}
		d.streams[key] = st
	}

	switch {
	case st == nil, st.aborted:
		return proto.Response{Status: proto.StatusStreamAborted}
	case chunk != st.nextChunk:
		st.aborted = true
		return proto.Response{Status: proto.StatusStreamAborted}
	}

	data, ok := d.payloadBytes(req)
	if !ok || len(data) == 0 {
		st.aborted = true
		return proto.Response{Status: proto.StatusMalformedRequest}
	}
	if st.written+uint32(len(data)) > st.dstSize {
		st.aborted = true
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubBounds}
	}

	dev := d.bank(boot)
	off := st.dstBase + st.written
	if err := flash.EraseSpan(dev, off, uint32(len(data))); err != nil {
		st.aborted = true
		d.log.Error("chunk erase failed", "chunk", chunk, "err", err)
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubErase}
	}
	if err := dev.Program(off, data); err != nil {
		st.aborted = true
		d.log.Error("chunk program failed", "chunk", chunk, "err", err)
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubProgram}
	}

	st.written += uint32(len(data))
	st.nextChunk++

	if last {
		delete(d.streams, key)
		if partition == proto.FPTUpdatePartition {
			// The freshly written area must decode as a valid table before
			// the update is acknowledged.
			if _, _, errResp := d.readFPT(boot); errResp.Status != proto.StatusOK {
				return proto.Response{Status: proto.StatusIntegrityFailure, Sub: SubFPT}
			}
		}
		d.log.Info("stream complete", "boot", boot.String(), "partition", partition, "bytes", st.written)
	}
	return proto.Response{Status: proto.StatusOK}
}

// openStream resolves the destination range for a new stream. Partition
// downloads target the FPT entry; FPT updates target the table area at the
// base of the device.
func (d *Dispatcher) openStream(boot proto.BootDevice, partition uint8) (*streamState, proto.Response) {
	dev := d.bank(boot)
	if partition == proto.FPTUpdatePartition {
		return &streamState{dstBase: 0, dstSize: dev.Size()}, proto.Response{Status: proto.StatusOK}
	}
	t, _, errResp := d.readFPT(boot)
	if errResp.Status != proto.StatusOK {
		return nil, errResp
	}
	e, err := t.Partition(int(partition))
	if err != nil {
		return nil, proto.Response{Status: proto.StatusDeviceFailure, Sub: SubBounds}
	}
	return &streamState{dstBase: e.Base, dstSize: e.Size}, proto.Response{Status: proto.StatusOK}
}

func (d *Dispatcher) handlePartitionSelect(req proto.Request) proto.Response {
	_, partition, _, _ := proto.UnpackPDIFlags(req.Flags)
	t, _, errResp := d.readFPT(proto.BootPrimary)
	if errResp.Status != proto.StatusOK {
		return errResp
	}
	if _, err := t.Partition(int(partition)); err != nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubBounds}
	}
	// A select is also the documented way to clear stale abort state left
	// by a vanished producer.
	for k, st := range d.streams {
		if st.aborted {
			delete(d.streams, k)
		}
	}
	d.log.Info("boot partition selected", "partition", partition)
	return proto.Response{Status: proto.StatusOK}
}

func (d *Dispatcher) handlePartitionCopy(req proto.Request) proto.Response {
	srcDev, srcPart, dstDev, dstPart := proto.UnpackCopyFlags(req.Flags)

	srcT, _, errResp := d.readFPT(srcDev)
	if errResp.Status != proto.StatusOK {
		return errResp
	}
	dstT, _, errResp := d.readFPT(dstDev)
	if errResp.Status != proto.StatusOK {
		return errResp
	}
	src, err := srcT.Partition(int(srcPart))
	if err != nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubBounds}
	}
	dst, err := dstT.Partition(int(dstPart))
	if err != nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubBounds}
	}
	if dst.Size < src.Size {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubBounds}
	}

	data, err := d.bank(srcDev).Read(src.Base, src.Size)
	if err != nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubRead}
	}
	out := d.bank(dstDev)
	if err := flash.EraseSpan(out, dst.Base, src.Size); err != nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubErase}
	}
	if err := out.Program(dst.Base, data); err != nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubProgram}
	}
	d.log.Info("partition copied",
		"src", srcDev.String(), "src_part", srcPart,
		"dst", dstDev.String(), "dst_part", dstPart, "bytes", src.Size)
	return proto.Response{Status: proto.StatusOK}
}

func (d *Dispatcher) handleModuleWrite(req proto.Request) proto.Response {
	if d.cfg.Modules == nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubModule}
	}
	cage := uint8(req.Args[0])
	page := uint8(req.Args[1])
	off := uint8(req.Args[2])
	val := uint8(req.Args[3])
	if err := d.cfg.Modules.WriteByte(cage, page, off, val); err != nil {
		return proto.Response{Status: proto.StatusDeviceFailure, Sub: SubModule}
	}
	return proto.Response{Status: proto.StatusOK}
}

// Board-info TLV field tags on the wire.
const (
	tlvProductName uint8 = iota + 1
	tlvPartNumber
	tlvRevision
	tlvSerial
	tlvMfgDate
	tlvNumMacs
	tlvMac
	tlvUUID
)

func encodeMfgInfo(info eeprom.MfgInfo) []byte {
	var b []byte
	put := func(tag uint8, v string) {
		if v == "" {
			return
		}
		b = append(b, tag, uint8(len(v)))
		b = append(b, v...)
	}
	put(tlvProductName, info.ProductName)
	put(tlvPartNumber, info.PartNumber)
	put(tlvRevision, info.MfgPartRevision)
	put(tlvSerial, info.Serial)
	put(tlvMfgDate, info.MfgDate)
	put(tlvNumMacs, info.NumMacIDs)
	put(tlvMac, info.Mac)
	put(tlvUUID, info.UUID)
	return b
}

// DecodeMfgInfo is the host-side inverse of the board-info payload.
func DecodeMfgInfo(b []byte) eeprom.MfgInfo {
	var info eeprom.MfgInfo
	for len(b) >= 2 {
		tag, n := b[0], int(b[1])
		if 2+n > len(b) {
			break
		}
		v := string(b[2 : 2+n])
		b = b[2+n:]
		switch tag {
		case tlvProductName:
			info.ProductName = v
		case tlvPartNumber:
			info.PartNumber = v
		case tlvRevision:
			info.MfgPartRevision = v
		case tlvSerial:
			info.Serial = v
		case tlvMfgDate:
			info.MfgDate = v
		case tlvNumMacs:
			info.NumMacIDs = v
		case tlvMac:
			info.Mac = v
		case tlvUUID:
			info.UUID = v
		}
	}
	return info
}
