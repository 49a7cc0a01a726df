// Package pkg reads PS4 package containers: the header, the meta entry
// table, entry payloads, the embedded PFS image, and the integrity data
// binding them together.
package pkg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the container magic at offset 0 ("\x7FCNT", big-endian).
const Magic = 0x7F434E54

// HeaderSize is the reserved header region at the start of the container.
const HeaderSize = 0x1000

// ContentIDLength is the fixed length of a content ID string.
const ContentIDLength = 36

// ContentType selects the package variant.
type ContentType uint32

const (
	ContentTypeGD ContentType = 0x1A // game/app data
	ContentTypeAC ContentType = 0x1B // additional content with data
	ContentTypeAL ContentType = 0x1C // additional content, license only
	ContentTypeDP ContentType = 0x1E // delta patch
)

// String returns the conventional short name of the content type.
func (c ContentType) String() string {
	switch c {
	case ContentTypeGD:
		return "GD"
	case ContentTypeAC:
		return "AC"
	case ContentTypeAL:
		return "AL"
	case ContentTypeDP:
		return "DP"
	default:
		return fmt.Sprintf("ContentType(0x%X)", uint32(c))
	}
}

var (
	// ErrBadMagic means the file does not start with the container magic.
	ErrBadMagic = errors.New("bad PKG magic")
	// ErrBadStructure means header or meta table fields are inconsistent.
	ErrBadStructure = errors.New("inconsistent PKG structure")
	// ErrCryptoMismatch means a passcode, EKPFS or XTS key failed to verify.
	ErrCryptoMismatch = errors.New("key verification failed")
	// ErrMissingKey means an operation needs key material that is absent.
	ErrMissingKey = errors.New("required key is not available")
)

// Header is the fixed container header. All integers are big-endian on
// disk.
type Header struct {
	Type             uint32
	FileCount        uint32
	EntryCount       uint32
	SCEntryCount     uint16
	EntryTableOffset uint32
	BodyOffset       uint64
	BodySize         uint64
	ContentID        string
	DrmType          uint32
	ContentType      ContentType
	ContentFlags     uint32
	PromoteSize      uint32
	VersionDate      uint32
	VersionHash      uint32
	IroTag           uint32

	HeaderDigest [32]byte
	BodyDigest   [32]byte

	PfsImageCount   uint32
	PfsFlags        uint64
	PfsImageOffset  uint64
	PfsImageSize    uint64
	MountImageOff   uint64
	MountImageSize  uint64
	PackageSize     uint64
	PfsSignedSize   uint32
	PfsCacheSize    uint32
	PfsImageDigest  [32]byte
	PfsSignedDigest [32]byte
	PfsSplitSizeNth [2]uint64
}

// ParseHeader decodes the container header from the first HeaderSize bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: header needs 0x%X bytes, got 0x%X", ErrBadStructure, HeaderSize, len(data))
	}

	if binary.BigEndian.Uint32(data) != Magic {
		return nil, fmt.Errorf("%w: got 0x%08X, want 0x%08X", ErrBadMagic, binary.BigEndian.Uint32(data), uint32(Magic))
	}

	hdr := &Header{
		Type:             binary.BigEndian.Uint32(data[0x004:]),
		FileCount:        binary.BigEndian.Uint32(data[0x00C:]),
		EntryCount:       binary.BigEndian.Uint32(data[0x010:]),
		SCEntryCount:     binary.BigEndian.Uint16(data[0x014:]),
		EntryTableOffset: binary.BigEndian.Uint32(data[0x018:]),
		BodyOffset:       binary.BigEndian.Uint64(data[0x020:]),
		BodySize:         binary.BigEndian.Uint64(data[0x028:]),
		DrmType:          binary.BigEndian.Uint32(data[0x070:]),
		ContentType:      ContentType(binary.BigEndian.Uint32(data[0x074:])),
		ContentFlags:     binary.BigEndian.Uint32(data[0x078:]),
		PromoteSize:      binary.BigEndian.Uint32(data[0x07C:]),
		VersionDate:      binary.BigEndian.Uint32(data[0x080:]),
		VersionHash:      binary.BigEndian.Uint32(data[0x084:]),
		IroTag:           binary.BigEndian.Uint32(data[0x088:]),

		PfsImageCount:  binary.BigEndian.Uint32(data[0x400:]),
		PfsFlags:       binary.BigEndian.Uint64(data[0x408:]),
		PfsImageOffset: binary.BigEndian.Uint64(data[0x410:]),
		PfsImageSize:   binary.BigEndian.Uint64(data[0x418:]),
		MountImageOff:  binary.BigEndian.Uint64(data[0x420:]),
		MountImageSize: binary.BigEndian.Uint64(data[0x428:]),
		PackageSize:    binary.BigEndian.Uint64(data[0x430:]),
		PfsSignedSize:  binary.BigEndian.Uint32(data[0x438:]),
		PfsCacheSize:   binary.BigEndian.Uint32(data[0x43C:]),
	}

	hdr.ContentID = string(data[0x040 : 0x040+ContentIDLength])
	copy(hdr.HeaderDigest[:], data[0x100:0x120])
	copy(hdr.BodyDigest[:], data[0x120:0x140])
	copy(hdr.PfsImageDigest[:], data[0x440:0x460])
	copy(hdr.PfsSignedDigest[:], data[0x460:0x480])
	hdr.PfsSplitSizeNth[0] = binary.BigEndian.Uint64(data[0x480:])
	hdr.PfsSplitSizeNth[1] = binary.BigEndian.Uint64(data[0x488:])

	if hdr.PfsImageSize > 0 && hdr.PfsImageOffset < HeaderSize {
		return nil, fmt.Errorf("%w: PFS image offset 0x%X inside the header", ErrBadStructure, hdr.PfsImageOffset)
	}

	return hdr, nil
}
