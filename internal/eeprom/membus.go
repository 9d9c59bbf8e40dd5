package eeprom

import "fmt"

// MemBus is an in-memory ByteTransport used by the simulator and the
// tests. The image it serves must already satisfy the checksum convention;
// SealImage fixes one up.
type MemBus struct {
	DeviceID uint16
	Image    [bufSize]byte

	// IDErr, when set, makes ReadDeviceID fail.
	IDErr error
}

func (m *MemBus) ReadDeviceID() (uint16, error) {
	if m.IDErr != nil {
		return 0, m.IDErr
	}
	return m.DeviceID, nil
}

func (m *MemBus) Read(off uint8, buf []byte) error {
	if int(off)+len(buf) > len(m.Image) {
		return fmt.Errorf("eeprom: read 0x%x+%d out of range", off, len(buf))
	}
	copy(buf, m.Image[off:])
	return nil
}

// SealImage rewrites the header and board-area checksum bytes so the image
// passes verification.
func SealImage(img *[bufSize]byte) {
	var sum uint8
	for _, b := range img[:headerChecksumOff] {
		sum += b
	}
	img[headerChecksumOff] = -sum

	sum = 0
	for _, b := range img[boardAreaOff : boardAreaOff+boardAreaLen-1] {
		sum += b
	}
	img[boardAreaOff+boardAreaLen-1] = -sum
}
