// Package vsec turns a device selector into a mapped sGCQ window. The
// contract with the rest of the transport is deliberately thin: map the BAR
// (or a plain file standing in for it), carve out the register file, the
// ring area, and the bulk payload region, and read the logic UUID published
// in shared memory. PCIe enumeration beyond this lives in the kernel.
package vsec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/dl/amictl/internal/mmio"
)

// Window layout. The sGCQ register file sits at the base of the mapping,
// the shared memory region behind it.
const (
	RegBase = 0x0
	RegLen  = 0x1000
	MemBase = 0x1000
	MemLen  = 0x1F000

	// RingBase is the header offset within the shared memory region;
	// PayloadBase..PayloadBase+PayloadLen is the bulk data region.
	RingBase    = 0x0
	PayloadBase = 0x4000
	PayloadLen  = 0x8000

	// logicUUIDOff is where firmware publishes the 16-byte logic UUID,
	// little-endian words, highest word first.
	logicUUIDOff = 0x1E000

	mapLen = RegLen + MemLen
)

var bdfRe = regexp.MustCompile(`^(?:([0-9a-fA-F]{4}):)?([0-9a-fA-F]{2}):([0-9a-fA-F]{2})\.([0-7])$`)

// ParseBDF normalizes a bus:device.function selector to the canonical
// sysfs form, defaulting the domain to 0000.
func ParseBDF(s string) (string, error) {
	m := bdfRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", fmt.Errorf("vsec: invalid BDF %q", s)
	}
	domain := m[1]
	if domain == "" {
		domain = "0000"
	}
	return strings.ToLower(fmt.Sprintf("%s:%s:%s.%s", domain, m[2], m[3], m[4])), nil
}

// MapDevice maps the sGCQ BAR of the device at bdf and returns the window
// plus an unmap closure.
func MapDevice(bdf string) (*mmio.Window, func() error, error) {
	norm, err := ParseBDF(bdf)
	if err != nil {
		return nil, nil, err
	}
	return MapFile(fmt.Sprintf("/sys/bus/pci/devices/%s/resource0", norm))
}

// MapFile maps path as the shared window. Plain files work the same as PCI
// resource files, which is how the queue simulator and the CLI share state
// without hardware: both sides mmap the same file and run the transport in
// in-memory-pointer mode.
func MapFile(path string) (*mmio.Window, func() error, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("vsec: open %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("vsec: stat %s: %w", path, err)
	}
	if stat.Size < mapLen {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("vsec: %s is %d bytes, need %d", path, stat.Size, mapLen)
	}

	data, err := unix.Mmap(fd, 0, mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("vsec: mmap %s: %w", path, err)
	}

	w, err := mmio.NewWindowBytes(data, RegBase, RegLen, MemBase, MemLen)
	if err != nil {
		unix.Munmap(data)
		unix.Close(fd)
		return nil, nil, err
	}

	closer := func() error {
		err := unix.Munmap(data)
		unix.Close(fd)
		return err
	}
	return w, closer, nil
}

// LogicUUID reads the 16-byte logic UUID out of shared memory.
func LogicUUID(io mmio.Access) (uuid.UUID, error) {
	var b [16]byte
	for i := 3; i >= 0; i-- {
		v := io.MemRead32(logicUUIDOff + uint64(i)*4)
		off := (3 - i) * 4
		b[off] = byte(v >> 24)
		b[off+1] = byte(v >> 16)
		b[off+2] = byte(v >> 8)
		b[off+3] = byte(v)
	}
	return uuid.FromBytes(b[:])
}

// PublishLogicUUID writes the logic UUID; the simulator's side of the
// contract above.
func PublishLogicUUID(io mmio.Access, id uuid.UUID) {
	for i := 3; i >= 0; i-- {
		off := (3 - i) * 4
		v := uint32(id[off])<<24 | uint32(id[off+1])<<16 | uint32(id[off+2])<<8 | uint32(id[off+3])
		io.MemWrite32(logicUUIDOff+uint64(i)*4, v)
	}
}
