// Package pfs reads PlayStation File System images: the read-only volumes
// embedded in PKG containers, either plaintext or XTS-encrypted, outer
// (carrying pfs_image.dat) or inner (carrying the game tree).
package pfs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the PFS superblock magic value.
const Magic = 20130315

// HeaderSize is the fixed superblock size at offset 0 of the image.
const HeaderSize = 0x380

// Mode flag bits of the superblock.
const (
	ModeSigned    uint16 = 0x1
	ModeIs64Bit   uint16 = 0x2
	ModeEncrypted uint16 = 0x4
)

var (
	// ErrBadMagic means the superblock magic did not match.
	ErrBadMagic = errors.New("bad PFS magic")
	// ErrBadStructure means superblock or inode fields are inconsistent.
	ErrBadStructure = errors.New("inconsistent PFS structure")
	// ErrMissingKey means the image is encrypted and no usable key was given.
	ErrMissingKey = errors.New("encrypted PFS image requires a key")
	// ErrNotFound means a named entry does not exist in a directory.
	ErrNotFound = errors.New("entry not found")
)

// Header is the PFS superblock.
type Header struct {
	Version          uint64
	Magic            uint64
	ID               uint64
	Fmode            uint8
	Clean            uint8
	ReadOnly         uint8
	Mode             uint16
	BlockSize        uint32
	NBackupBlocks    uint32
	NBlocks          uint64
	DinodeCount      uint64
	NDblock          uint64
	DinodeBlockCount uint64
	SuperrootIno     uint64

	// InodeBlockSig is the signed dinode protecting the inode table; its
	// first timestamp doubles as the volume creation time.
	InodeBlockSig Dinode

	// CryptSeed feeds the XTS key derivation together with the EKPFS.
	CryptSeed [16]byte
}

// Signed reports whether dinodes carry per-block signatures.
func (h *Header) Signed() bool {
	return h.Mode&ModeSigned != 0
}

// Encrypted reports whether data blocks are XTS-encrypted.
func (h *Header) Encrypted() bool {
	return h.Mode&ModeEncrypted != 0
}

// DinodeSize returns the on-disk dinode stride for this image.
func (h *Header) DinodeSize() int {
	if h.Signed() {
		return DinodeSizeSigned
	}
	return DinodeSizeUnsigned
}

// VolumeTimestamp returns the image creation time in UNIX seconds.
func (h *Header) VolumeTimestamp() uint64 {
	return h.InodeBlockSig.Time1Sec
}

// ParseHeader decodes a superblock from the first HeaderSize bytes of an
// image. All fields are little-endian.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: superblock needs %d bytes, got %d", ErrBadStructure, HeaderSize, len(data))
	}

	hdr := &Header{
		Version:          binary.LittleEndian.Uint64(data[0x00:0x08]),
		Magic:            binary.LittleEndian.Uint64(data[0x08:0x10]),
		ID:               binary.LittleEndian.Uint64(data[0x10:0x18]),
		Fmode:            data[0x18],
		Clean:            data[0x19],
		ReadOnly:         data[0x1A],
		Mode:             binary.LittleEndian.Uint16(data[0x1C:0x1E]),
		BlockSize:        binary.LittleEndian.Uint32(data[0x20:0x24]),
		NBackupBlocks:    binary.LittleEndian.Uint32(data[0x24:0x28]),
		NBlocks:          binary.LittleEndian.Uint64(data[0x28:0x30]),
		DinodeCount:      binary.LittleEndian.Uint64(data[0x30:0x38]),
		NDblock:          binary.LittleEndian.Uint64(data[0x38:0x40]),
		DinodeBlockCount: binary.LittleEndian.Uint64(data[0x40:0x48]),
		SuperrootIno:     binary.LittleEndian.Uint64(data[0x48:0x50]),
	}

	if hdr.Magic != Magic {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadMagic, hdr.Magic, uint64(Magic))
	}

	if hdr.BlockSize == 0 {
		return nil, fmt.Errorf("%w: zero block size", ErrBadStructure)
	}

	// The inode table signature dinode is always stored in the signed
	// layout, whatever the image mode.
	sig, err := parseDinode(data[0x50:0x50+DinodeSizeSigned], true)
	if err != nil {
		return nil, fmt.Errorf("parse inode block signature: %w", err)
	}
	hdr.InodeBlockSig = *sig

	copy(hdr.CryptSeed[:], data[0x318:0x328])

	return hdr, nil
}
