// Package fpt parses and builds the Flash Partition Table, the on-device
// directory of programmable partitions. The table carries no explicit
// checksum field; instead the sum of all its bytes must be zero modulo 256.
package fpt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies a valid table.
const Magic uint32 = 0x92F7A516

// Version is the current table revision. If firmware ever introduces an
// explicit checksum field this must be bumped.
const Version uint8 = 1

const (
	headerSize   = 8
	entryWire    = 12
	// buildEntrySize leaves room after each entry's three words; the pad
	// bytes of the final entry absorb the checksum adjustment.
	buildEntrySize = 16

	// MaxEntries bounds table parsing; real devices carry at most 15
	// partitions.
	MaxEntries = 32
)

// Well-known partition types.
const (
	TypePDI      uint32 = 0x0E
	TypeFPT      uint32 = 0x01
	TypeRecovery uint32 = 0x02
	TypeScratch  uint32 = 0x03
)

var (
	// ErrBadTable covers structural failures: wrong magic, absurd counts,
	// short input.
	ErrBadTable = errors.New("fpt: malformed table")

	// ErrChecksum means the sum-to-zero convention does not hold.
	ErrChecksum = errors.New("fpt: checksum mismatch")
)

// Header is the fixed table prologue.
type Header struct {
	Version    uint8
	HeaderSize uint8
	EntrySize  uint8
	NumEntries uint8
}

// Entry describes one partition.
type Entry struct {
	Type uint32
	Base uint32
	Size uint32
}

// Table is a parsed FPT.
type Table struct {
	Header
	Entries []Entry
}

// Len returns the wire length of the table described by h.
func (h Header) Len() int {
	return int(h.HeaderSize) + int(h.NumEntries)*int(h.EntrySize)
}

// Parse decodes and validates the table at the start of b. The entry stride
// is taken from the header, so tables with padded entries parse the same as
// tightly packed ones. Any table whose bytes do not sum to zero modulo 256
// is rejected.
func Parse(b []byte) (*Table, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadTable, len(b))
	}
	le := binary.LittleEndian
	if m := le.Uint32(b[0:]); m != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrBadTable, m)
	}
	h := Header{
		Version:    b[4],
		HeaderSize: b[5],
		EntrySize:  b[6],
		NumEntries: b[7],
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadTable, h.Version)
	}
	if h.HeaderSize < headerSize || h.EntrySize < entryWire || h.NumEntries > MaxEntries {
		return nil, fmt.Errorf("%w: geometry %d/%d/%d", ErrBadTable, h.HeaderSize, h.EntrySize, h.NumEntries)
	}
	total := h.Len()
	if len(b) < total {
		return nil, fmt.Errorf("%w: table of %d bytes truncated at %d", ErrBadTable, total, len(b))
	}

	var sum uint8
	for _, c := range b[:total] {
		sum += c
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: residue 0x%02x", ErrChecksum, sum)
	}

	t := &Table{Header: h, Entries: make([]Entry, h.NumEntries)}
	for i := range t.Entries {
		off := int(h.HeaderSize) + i*int(h.EntrySize)
		t.Entries[i] = Entry{
			Type: le.Uint32(b[off:]),
			Base: le.Uint32(b[off+4:]),
			Size: le.Uint32(b[off+8:]),
		}
	}
	return t, nil
}

// Partition returns the entry at index i.
func (t *Table) Partition(i int) (Entry, error) {
	if i < 0 || i >= len(t.Entries) {
		return Entry{}, fmt.Errorf("%w: partition %d of %d", ErrBadTable, i, len(t.Entries))
	}
	return t.Entries[i], nil
}

// Build serializes a table that satisfies the sum-to-zero convention.
// Entries are emitted with pad bytes and the final pad byte carries the
// checksum adjustment, so the content fields stay exactly as given.
func Build(entries []Entry) ([]byte, error) {
	if len(entries) == 0 || len(entries) > MaxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrBadTable, len(entries))
	}
	h := Header{
		Version:    Version,
		HeaderSize: headerSize,
		EntrySize:  buildEntrySize,
		NumEntries: uint8(len(entries)),
	}
	b := make([]byte, h.Len())
	le := binary.LittleEndian
	le.PutUint32(b[0:], Magic)
	b[4] = h.Version
	b[5] = h.HeaderSize
	b[6] = h.EntrySize
	b[7] = h.NumEntries
	for i, e := range entries {
		off := headerSize + i*buildEntrySize
		le.PutUint32(b[off:], e.Type)
		le.PutUint32(b[off+4:], e.Base)
		le.PutUint32(b[off+8:], e.Size)
	}

	var sum uint8
	for _, c := range b {
		sum += c
	}
	b[len(b)-1] = -sum
	return b, nil
}
