// Package pdi parses the boot-image container far enough for the host to
// extract compatibility metadata before streaming. The device-side flash
// programmer consumes the image as an opaque blob; only the headers matter
// here.
package pdi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// smapLen is the optional width-detection preamble prepended by some
	// packaging flows.
	smapLen = 16

	// widthDetectionWord marks a present boot header at preamble offset
	// 0x10.
	widthDetectionWord uint32 = 0xAA995566

	// bootHeaderIHTOff locates the image-header-table byte offset within
	// the boot header.
	bootHeaderIHTOff = 0xC4

	ihtVersionOff        = 0x00
	ihtImageCountOff     = 0x04
	ihtFirstImageHdrOff  = 0x08
	ihtPartitionCountOff = 0x0C
	ihtKeySourceOff      = 0x40
	ihtLen               = 0x80

	imageHdrParentUIDOff = 0x28
	imageHdrLen          = 0x40

	// uuidHexDigits is the width of the exported parent-UUID string.
	uuidHexDigits = 15
)

// smapWords are the three canonical first-word patterns of the preamble,
// one per bus width.
var smapWords = [3]uint32{0xDD000000, 0x00DD0000, 0x000000DD}

// ihtVersions enumerates the supported image-header-table revisions.
var ihtVersions = [4]uint32{0x01030000, 0x00020000, 0x00030000, 0x00040000}

var (
	// ErrBadImage covers structural parse failures.
	ErrBadImage = errors.New("pdi: malformed image")

	// ErrEncryptedMeta means the metadata headers are encrypted and the
	// parent id cannot be read.
	ErrEncryptedMeta = errors.New("pdi: metadata headers encrypted")
)

// Info is the decoded header metadata of an image.
type Info struct {
	HasSMAP        bool
	HasBootHeader  bool
	Version        uint32
	ImageCount     uint32
	PartitionCount uint32
	ParentUniqueID uint32
}

// ParentUUID renders the parent unique id in the fixed-width hex form used
// for compatibility checks against the device's logic UUID.
func (i Info) ParentUUID() string {
	return fmt.Sprintf("%0*x", uuidHexDigits, i.ParentUniqueID)
}

func word(b []byte, off int) (uint32, error) {
	if off < 0 || off+4 > len(b) {
		return 0, fmt.Errorf("%w: truncated at 0x%x", ErrBadImage, off)
	}
	return binary.LittleEndian.Uint32(b[off:]), nil
}

// Parse decodes the image headers. The boot header is optional: when the
// width-detection word is absent the image-header table sits at offset
// zero, shifted past the SMAP preamble if one is present.
func Parse(img []byte) (Info, error) {
	var info Info

	w0, err := word(img, 0)
	if err != nil {
		return info, err
	}
	for _, s := range smapWords {
		if w0 == s {
			info.HasSMAP = true
			break
		}
	}

	ihtOff := 0
	if wd, err := word(img, smapLen); err == nil && wd == widthDetectionWord {
		info.HasBootHeader = true
		v, err := word(img, bootHeaderIHTOff)
		if err != nil {
			return info, err
		}
		ihtOff = int(v)
	} else if info.HasSMAP {
		ihtOff = smapLen
	}

	if ihtOff+ihtLen > len(img) {
		return info, fmt.Errorf("%w: image header table at 0x%x out of range", ErrBadImage, ihtOff)
	}
	info.Version, _ = word(img, ihtOff+ihtVersionOff)
	known := false
	for _, v := range ihtVersions {
		if info.Version == v {
			known = true
			break
		}
	}
	if !known {
		return info, fmt.Errorf("%w: image header table version 0x%08x", ErrBadImage, info.Version)
	}

	info.ImageCount, _ = word(img, ihtOff+ihtImageCountOff)
	info.PartitionCount, _ = word(img, ihtOff+ihtPartitionCountOff)
	if info.PartitionCount == 0 || info.PartitionCount >= 0xFF {
		return info, fmt.Errorf("%w: partition count %d", ErrBadImage, info.PartitionCount)
	}

	keySource, _ := word(img, ihtOff+ihtKeySourceOff)
	if keySource != 0 {
		return info, ErrEncryptedMeta
	}

	firstImageWords, _ := word(img, ihtOff+ihtFirstImageHdrOff)
	imgHdrOff := int(firstImageWords) * 4
	if imgHdrOff+imageHdrLen > len(img) {
		return info, fmt.Errorf("%w: image header at 0x%x out of range", ErrBadImage, imgHdrOff)
	}
	info.ParentUniqueID, _ = word(img, imgHdrOff+imageHdrParentUIDOff)
	return info, nil
}

// ParentUUID is the one-call form of Parse for callers that only need the
// compatibility id.
func ParentUUID(img []byte) (string, error) {
	info, err := Parse(img)
	if err != nil {
		return "", err
	}
	return info.ParentUUID(), nil
}
