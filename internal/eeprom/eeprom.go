// Package eeprom reads the manufacturing data held in the board EEPROM.
// The byte transport (I²C/SMBus) is an external collaborator behind the
// ByteTransport interface; this package owns the versioned field layouts,
// the checksums, and the device-id handshake.
//
// Board-info layouts differ per EEPROM content version. Each version is a
// single field table mapping field ids to offset/size/encoding, so adding a
// revision is one table, not another family of parallel arrays.
package eeprom

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	versionOffset = 0x00

	// bufSize is the number of content bytes a device exposes.
	bufSize = 256

	// deviceIDTries bounds the attach handshake; some parts need a retry
	// or two after power-up before the id register reads back sane.
	deviceIDTries = 3

	headerChecksumOff = 0x07
	headerLen         = 8
	boardAreaOff      = 0x08
	boardAreaLen      = 0x60
)

var (
	// ErrDeviceID means the id read back never matched the expected part.
	ErrDeviceID = errors.New("eeprom: device id mismatch")

	// ErrVersion means the content version byte is unknown.
	ErrVersion = errors.New("eeprom: unknown content version")

	// ErrChecksum means a content area failed its checksum.
	ErrChecksum = errors.New("eeprom: checksum mismatch")

	// ErrNoField means the layout has no such field.
	ErrNoField = errors.New("eeprom: field not present in this version")
)

// ByteTransport is the bus this package reads through. Implementations sit
// on I²C or SMBus; tests use an in-memory image.
type ByteTransport interface {
	ReadDeviceID() (uint16, error)
	Read(off uint8, buf []byte) error
}

// Field identifies one board-info datum.
type Field int

const (
	FieldProductName Field = iota
	FieldPartNumber
	FieldMfgPartNumber
	FieldMfgPartRevision
	FieldSerial
	FieldMfgDate
	FieldNumMacIDs
	FieldMac
	FieldUUID
)

// Encoding selects how raw field bytes render.
type Encoding int

const (
	EncASCII Encoding = iota
	EncHex
	EncMac
	EncDate
	EncByte
)

type fieldSpec struct {
	off  uint8
	size uint8
	enc  Encoding
}

// Version is an EEPROM content revision.
type Version uint8

const (
	V1_0 Version = 1
)

// layouts is the per-version field table.
var layouts = map[Version]map[Field]fieldSpec{
	V1_0: {
		FieldMfgDate:         {off: 0x0B, size: 3, enc: EncDate},
		FieldProductName:     {off: 0x16, size: 16, enc: EncASCII},
		FieldSerial:          {off: 0x27, size: 16, enc: EncASCII},
		FieldPartNumber:      {off: 0x38, size: 9, enc: EncASCII},
		FieldMfgPartNumber:   {off: 0x38, size: 9, enc: EncASCII},
		FieldMfgPartRevision: {off: 0x44, size: 8, enc: EncASCII},
		FieldUUID:            {off: 0x56, size: 16, enc: EncHex},
		FieldNumMacIDs:       {off: 0x7C, size: 1, enc: EncByte},
		FieldMac:             {off: 0x83, size: 6, enc: EncMac},
	},
}

// Config parameterizes an attach.
type Config struct {
	// ExpectedDeviceID is the bus id the part must answer with.
	ExpectedDeviceID uint16

	// ExpectedVersion, when non-zero, pins the content version instead of
	// trusting the version byte alone.
	ExpectedVersion Version
}

// Device is an attached, checksum-verified EEPROM.
type Device struct {
	bus     ByteTransport
	version Version
	layout  map[Field]fieldSpec
	image   [bufSize]byte
}

// Attach verifies the device id, reads and validates the content image, and
// selects the field layout for its version. A wrong device id fails the
// attach: the id read is the only proof the right part answered, so its
// status is propagated, never assumed.
func Attach(bus ByteTransport, cfg Config) (*Device, error) {
	var lastErr error
	matched := false
	for try := 0; try < deviceIDTries; try++ {
		id, err := bus.ReadDeviceID()
		if err != nil {
			lastErr = err
			continue
		}
		if id == cfg.ExpectedDeviceID {
			matched = true
			break
		}
		lastErr = fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrDeviceID, id, cfg.ExpectedDeviceID)
	}
	if !matched {
		return nil, lastErr
	}

	d := &Device{bus: bus}
	if err := bus.Read(0, d.image[:]); err != nil {
		return nil, fmt.Errorf("eeprom: read image: %w", err)
	}

	d.version = Version(d.image[versionOffset])
	if cfg.ExpectedVersion != 0 && d.version != cfg.ExpectedVersion {
		return nil, fmt.Errorf("%w: version byte 0x%02x, want 0x%02x", ErrVersion, d.version, cfg.ExpectedVersion)
	}
	layout, ok := layouts[d.version]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrVersion, d.version)
	}
	d.layout = layout

	if err := d.verifyChecksums(); err != nil {
		return nil, err
	}
	return d, nil
}

// verifyChecksums checks the header and board areas: each sums to zero
// modulo 256, the final byte carrying the adjustment.
func (d *Device) verifyChecksums() error {
	var sum uint8
	for _, b := range d.image[:headerLen] {
		sum += b
	}
	if sum != 0 {
		return fmt.Errorf("%w: header residue 0x%02x", ErrChecksum, sum)
	}
	sum = 0
	for _, b := range d.image[boardAreaOff : boardAreaOff+boardAreaLen] {
		sum += b
	}
	if sum != 0 {
		return fmt.Errorf("%w: board area residue 0x%02x", ErrChecksum, sum)
	}
	return nil
}

// Version returns the attached content revision.
func (d *Device) Version() Version { return d.version }

// Raw returns the raw bytes of a field.
func (d *Device) Raw(f Field) ([]byte, error) {
	spec, ok := d.layout[f]
	if !ok {
		return nil, ErrNoField
	}
	out := make([]byte, spec.size)
	copy(out, d.image[spec.off:int(spec.off)+int(spec.size)])
	return out, nil
}

// String renders a field per its encoding.
func (d *Device) String(f Field) (string, error) {
	spec, ok := d.layout[f]
	if !ok {
		return "", ErrNoField
	}
	raw := d.image[spec.off : int(spec.off)+int(spec.size)]
	switch spec.enc {
	case EncASCII:
		return strings.TrimRight(string(raw), "\x00 "), nil
	case EncHex:
		var sb strings.Builder
		for _, b := range raw {
			fmt.Fprintf(&sb, "%02x", b)
		}
		return sb.String(), nil
	case EncMac:
		parts := make([]string, len(raw))
		for i, b := range raw {
			parts[i] = fmt.Sprintf("%02x", b)
		}
		return strings.Join(parts, ":"), nil
	case EncDate:
		// Minutes since the FRU epoch, three little-endian bytes.
		return fmt.Sprintf("%d", uint32(raw[0])|uint32(raw[1])<<8|uint32(raw[2])<<16), nil
	case EncByte:
		return fmt.Sprintf("%d", raw[0]), nil
	}
	return "", ErrNoField
}

// UUID returns the board UUID field.
func (d *Device) UUID() (uuid.UUID, error) {
	raw, err := d.Raw(FieldUUID)
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(raw)
}

// MfgInfo is the board-info snapshot served over the transport.
type MfgInfo struct {
	ProductName     string
	PartNumber      string
	MfgPartRevision string
	Serial          string
	MfgDate         string
	NumMacIDs       string
	Mac             string
	UUID            string
}

// Info collects every field the version exposes. Missing fields are left
// empty rather than failing the whole snapshot.
func (d *Device) Info() MfgInfo {
	get := func(f Field) string {
		s, err := d.String(f)
		if err != nil {
			return ""
		}
		return s
	}
	return MfgInfo{
		ProductName:     get(FieldProductName),
		PartNumber:      get(FieldPartNumber),
		MfgPartRevision: get(FieldMfgPartRevision),
		Serial:          get(FieldSerial),
		MfgDate:         get(FieldMfgDate),
		NumMacIDs:       get(FieldNumMacIDs),
		Mac:             get(FieldMac),
		UUID:            get(FieldUUID),
	}
}
