package pfs

import (
	"encoding/binary"
	"fmt"
)

// Dirent type values.
const (
	DirentFile   int32 = 2
	DirentDir    int32 = 3
	DirentSelf   int32 = 4
	DirentParent int32 = 5
)

// direntHeaderSize is the fixed part preceding the name.
const direntHeaderSize = 0x10

// Dirent is one directory entry record.
type Dirent struct {
	Ino     int32
	Type    int32
	NameLen int32
	EntSize int32
	Name    string
}

// direntEncodedSize returns the on-disk record size for a name, 8-byte aligned.
func direntEncodedSize(nameLen int) int {
	size := direntHeaderSize + nameLen
	if size%8 != 0 {
		size += 8 - size%8
	}
	return size
}

// EncodedSize returns the on-disk size of a dirent for the given name.
func (d *Dirent) EncodedSize() int {
	return direntEncodedSize(len(d.Name))
}

// AppendDirent encodes one dirent record onto buf.
func AppendDirent(buf []byte, ino, typ int32, name string) []byte {
	record := make([]byte, direntEncodedSize(len(name)))
	writeDirent(record, ino, typ, name)
	return append(buf, record...)
}

// ParseDirents decodes the dirent records of one directory data block.
// A zero EntSize terminates the block.
func ParseDirents(block []byte) ([]Dirent, error) {
	var out []Dirent

	off := 0
	for off+direntHeaderSize <= len(block) {
		entSize := int32(binary.LittleEndian.Uint32(block[off+0x0C : off+0x10]))
		if entSize == 0 {
			break
		}

		if entSize < direntHeaderSize || off+int(entSize) > len(block) {
			return nil, fmt.Errorf("%w: dirent size %d at offset 0x%X", ErrBadStructure, entSize, off)
		}

		d := Dirent{
			Ino:     int32(binary.LittleEndian.Uint32(block[off+0x00 : off+0x04])),
			Type:    int32(binary.LittleEndian.Uint32(block[off+0x04 : off+0x08])),
			NameLen: int32(binary.LittleEndian.Uint32(block[off+0x08 : off+0x0C])),
			EntSize: entSize,
		}

		if int(d.NameLen) > int(entSize)-direntHeaderSize {
			return nil, fmt.Errorf("%w: dirent name length %d exceeds record size %d", ErrBadStructure, d.NameLen, entSize)
		}

		d.Name = string(block[off+direntHeaderSize : off+direntHeaderSize+int(d.NameLen)])
		out = append(out, d)

		off += int(entSize)
	}

	return out, nil
}

// writeDirent encodes one dirent at data. Used by AppendDirent.
func writeDirent(data []byte, ino, typ int32, name string) int {
	size := direntEncodedSize(len(name))

	binary.LittleEndian.PutUint32(data[0x00:], uint32(ino))
	binary.LittleEndian.PutUint32(data[0x04:], uint32(typ))
	binary.LittleEndian.PutUint32(data[0x08:], uint32(len(name)))
	binary.LittleEndian.PutUint32(data[0x0C:], uint32(size))
	copy(data[direntHeaderSize:], name)

	return size
}
