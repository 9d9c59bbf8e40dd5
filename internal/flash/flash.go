// Package flash defines the contract between the command dispatcher and a
// boot device's non-volatile store, plus a memory-backed device used by the
// tests and the queue simulator. The dispatcher only ever erases whole
// sectors and programs into erased space; anything smarter belongs to a
// real controller driver behind the same interface.
package flash

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrBounds reports an access outside the device.
	ErrBounds = errors.New("flash: access out of bounds")

	// ErrNotErased reports a program into non-erased space.
	ErrNotErased = errors.New("flash: program into non-erased region")

	// ErrAlignment reports an erase that is not sector aligned.
	ErrAlignment = errors.New("flash: unaligned erase")
)

// Device is a NOR-style store: erase sets sectors to 0xFF, program clears
// bits within previously erased space.
type Device interface {
	// Erase resets [off, off+length) to 0xFF. Both bounds must be sector
	// aligned.
	Erase(off, length uint32) error

	// Program writes data at off. The target range must be erased.
	Program(off uint32, data []byte) error

	// Read copies n bytes at off.
	Read(off, n uint32) ([]byte, error)

	Size() uint32
	SectorSize() uint32
}

// Mem is an in-memory Device.
type Mem struct {
	mu     sync.Mutex
	data   []byte
	sector uint32

	// FailProgramAt injects a device failure at a byte offset; used to
	// exercise the aborted-stream paths. Zero disables injection.
	FailProgramAt uint32
}

// NewMem returns an erased in-memory device. size must be a multiple of
// sector.
func NewMem(size, sector uint32) *Mem {
	if sector == 0 || size%sector != 0 {
		panic(fmt.Sprintf("flash: size %d not a multiple of sector %d", size, sector))
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	return &Mem{data: data, sector: sector}
}

func (m *Mem) Size() uint32       { return uint32(len(m.data)) }
func (m *Mem) SectorSize() uint32 { return m.sector }

func (m *Mem) Erase(off, length uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off%m.sector != 0 || length%m.sector != 0 {
		return fmt.Errorf("%w: erase 0x%x+0x%x, sector 0x%x", ErrAlignment, off, length, m.sector)
	}
	if uint64(off)+uint64(length) > uint64(len(m.data)) {
		return fmt.Errorf("%w: erase 0x%x+0x%x", ErrBounds, off, length)
	}
	for i := off; i < off+length; i++ {
		m.data[i] = 0xFF
	}
	return nil
}

func (m *Mem) Program(off uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := uint64(off) + uint64(len(data))
	if end > uint64(len(m.data)) {
		return fmt.Errorf("%w: program 0x%x+0x%x", ErrBounds, off, len(data))
	}
	if m.FailProgramAt != 0 && off <= m.FailProgramAt && m.FailProgramAt < uint32(end) {
		return errors.New("flash: injected program failure")
	}
	for i, b := range data {
		if m.data[off+uint32(i)] != 0xFF {
			return fmt.Errorf("%w: at 0x%x", ErrNotErased, off+uint32(i))
		}
		m.data[off+uint32(i)] = b
	}
	return nil
}

func (m *Mem) Read(off, n uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(off)+uint64(n) > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: read 0x%x+0x%x", ErrBounds, off, n)
	}
	out := make([]byte, n)
	copy(out, m.data[off:])
	return out, nil
}

// EraseSpan widens [off, off+length) to sector bounds and erases it.
// Helper for callers that write arbitrary-length chunks.
func EraseSpan(d Device, off, length uint32) error {
	s := d.SectorSize()
	start := off - off%s
	end := off + length
	if r := end % s; r != 0 {
		end += s - r
	}
	return d.Erase(start, end-start)
}
