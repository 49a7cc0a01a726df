package pfs

import (
	"encoding/binary"
	"fmt"
)

// Dinode sizes for the two on-disk layouts. Signed images prefix each
// block pointer with a 32-byte signature.
const (
	DinodeSizeUnsigned = 0xA8
	DinodeSizeSigned   = 0x2C8

	dinodeCommonSize = 0x64
	directPointers   = 12
	indirectPointers = 5
	blockSigSize     = 32
)

// Inode mode type bits.
const (
	InodeModeDir  uint16 = 0x4000
	InodeModeFile uint16 = 0x8000
)

// Dinode is one decoded inode record. Block pointers are logical block
// indices within the image; -1 marks an unused slot.
type Dinode struct {
	Mode           uint16
	Nlink          uint16
	Flags          uint32
	Size           uint64
	SizeCompressed uint64
	Time1Sec       uint64
	Time2Sec       uint64
	Time3Sec       uint64
	Time4Sec       uint64
	Time1Nsec      uint32
	Time2Nsec      uint32
	Time3Nsec      uint32
	Time4Nsec      uint32
	UID            uint32
	GID            uint32
	Blocks         uint32

	Direct   [directPointers]int32
	Indirect [indirectPointers]int32
}

// IsDir reports whether the inode mode marks a directory.
func (d *Dinode) IsDir() bool {
	return d.Mode&InodeModeDir != 0
}

// StartBlock returns the first direct data block, or -1 for an empty file.
func (d *Dinode) StartBlock() int32 {
	return d.Direct[0]
}

// parseDinode decodes one dinode record. signed selects the wide layout
// with per-pointer signatures; the signatures themselves are skipped.
func parseDinode(data []byte, signed bool) (*Dinode, error) {
	need := DinodeSizeUnsigned
	if signed {
		need = DinodeSizeSigned
	}

	if len(data) < need {
		return nil, fmt.Errorf("%w: dinode needs %d bytes, got %d", ErrBadStructure, need, len(data))
	}

	d := &Dinode{
		Mode:           binary.LittleEndian.Uint16(data[0x00:0x02]),
		Nlink:          binary.LittleEndian.Uint16(data[0x02:0x04]),
		Flags:          binary.LittleEndian.Uint32(data[0x04:0x08]),
		Size:           binary.LittleEndian.Uint64(data[0x08:0x10]),
		SizeCompressed: binary.LittleEndian.Uint64(data[0x10:0x18]),
		Time1Sec:       binary.LittleEndian.Uint64(data[0x18:0x20]),
		Time2Sec:       binary.LittleEndian.Uint64(data[0x20:0x28]),
		Time3Sec:       binary.LittleEndian.Uint64(data[0x28:0x30]),
		Time4Sec:       binary.LittleEndian.Uint64(data[0x30:0x38]),
		Time1Nsec:      binary.LittleEndian.Uint32(data[0x38:0x3C]),
		Time2Nsec:      binary.LittleEndian.Uint32(data[0x3C:0x40]),
		Time3Nsec:      binary.LittleEndian.Uint32(data[0x40:0x44]),
		Time4Nsec:      binary.LittleEndian.Uint32(data[0x44:0x48]),
		UID:            binary.LittleEndian.Uint32(data[0x48:0x4C]),
		GID:            binary.LittleEndian.Uint32(data[0x4C:0x50]),
		Blocks:         binary.LittleEndian.Uint32(data[0x60:0x64]),
	}

	off := dinodeCommonSize
	for i := 0; i < directPointers; i++ {
		if signed {
			off += blockSigSize
		}
		d.Direct[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}

	for i := 0; i < indirectPointers; i++ {
		if signed {
			off += blockSigSize
		}
		d.Indirect[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}

	return d, nil
}

// writeDinode encodes d into data using the selected layout. Signatures in
// the signed layout are left zeroed; only fixture builders write dinodes.
func writeDinode(data []byte, d *Dinode, signed bool) {
	binary.LittleEndian.PutUint16(data[0x00:], d.Mode)
	binary.LittleEndian.PutUint16(data[0x02:], d.Nlink)
	binary.LittleEndian.PutUint32(data[0x04:], d.Flags)
	binary.LittleEndian.PutUint64(data[0x08:], d.Size)
	binary.LittleEndian.PutUint64(data[0x10:], d.SizeCompressed)
	binary.LittleEndian.PutUint64(data[0x18:], d.Time1Sec)
	binary.LittleEndian.PutUint64(data[0x20:], d.Time2Sec)
	binary.LittleEndian.PutUint64(data[0x28:], d.Time3Sec)
	binary.LittleEndian.PutUint64(data[0x30:], d.Time4Sec)
	binary.LittleEndian.PutUint32(data[0x38:], d.Time1Nsec)
	binary.LittleEndian.PutUint32(data[0x3C:], d.Time2Nsec)
	binary.LittleEndian.PutUint32(data[0x40:], d.Time3Nsec)
	binary.LittleEndian.PutUint32(data[0x44:], d.Time4Nsec)
	binary.LittleEndian.PutUint32(data[0x48:], d.UID)
	binary.LittleEndian.PutUint32(data[0x4C:], d.GID)
	binary.LittleEndian.PutUint32(data[0x60:], d.Blocks)

	off := dinodeCommonSize
	for i := 0; i < directPointers; i++ {
		if signed {
			off += blockSigSize
		}
		binary.LittleEndian.PutUint32(data[off:], uint32(d.Direct[i]))
		off += 4
	}

	for i := 0; i < indirectPointers; i++ {
		if signed {
			off += blockSigSize
		}
		binary.LittleEndian.PutUint32(data[off:], uint32(d.Indirect[i]))
		off += 4
	}
}
