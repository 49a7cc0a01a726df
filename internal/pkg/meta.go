package pkg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// MetaEntrySize is the size of one meta table record.
const MetaEntrySize = 0x20

// metaEncryptedFlag marks an encrypted entry in Flags1.
const metaEncryptedFlag = 0x80000000

// MetaEntry describes one tagged blob in the package body.
type MetaEntry struct {
	// Index is the entry's position in the meta table.
	Index uint32

	ID             EntryID
	FilenameOffset uint32
	Flags1         uint32
	Flags2         uint32
	DataOffset     uint32
	DataSize       uint32
}

// Encrypted reports whether the entry payload is stored encrypted.
func (m *MetaEntry) Encrypted() bool {
	return m.Flags1&metaEncryptedFlag != 0
}

// KeyIndex returns the entry key slot (0..7) from Flags2.
func (m *MetaEntry) KeyIndex() uint32 {
	return (m.Flags2 >> 12) & 0xF
}

// DiskSize returns the number of bytes the entry occupies on disk:
// encrypted payloads are padded to a whole number of AES blocks.
func (m *MetaEntry) DiskSize() uint32 {
	if m.Encrypted() {
		return (m.DataSize + 15) &^ 15
	}
	return m.DataSize
}

// parseMetaTable decodes count entries from the meta table region and
// validates their ranges against the package size.
func parseMetaTable(data []byte, count uint32, packageSize uint64) ([]MetaEntry, error) {
	if int64(count)*MetaEntrySize > int64(len(data)) {
		return nil, fmt.Errorf("%w: meta table of %d entries exceeds its region", ErrBadStructure, count)
	}

	metas := make([]MetaEntry, count)
	for i := uint32(0); i < count; i++ {
		rec := data[i*MetaEntrySize:]
		metas[i] = MetaEntry{
			Index:          i,
			ID:             EntryID(binary.BigEndian.Uint32(rec[0x00:])),
			FilenameOffset: binary.BigEndian.Uint32(rec[0x04:]),
			Flags1:         binary.BigEndian.Uint32(rec[0x08:]),
			Flags2:         binary.BigEndian.Uint32(rec[0x0C:]),
			DataOffset:     binary.BigEndian.Uint32(rec[0x10:]),
			DataSize:       binary.BigEndian.Uint32(rec[0x14:]),
		}
	}

	for i := range metas {
		m := &metas[i]

		end := uint64(m.DataOffset) + uint64(m.DiskSize())
		if end > packageSize {
			return nil, fmt.Errorf("%w: entry 0x%X range [0x%X, 0x%X) outside package of 0x%X bytes",
				ErrBadStructure, uint32(m.ID), m.DataOffset, end, packageSize)
		}
	}

	// Entries must not overlap.
	ordered := make([]*MetaEntry, len(metas))
	for i := range metas {
		ordered[i] = &metas[i]
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].DataOffset < ordered[j].DataOffset })

	for i := 1; i < len(ordered); i++ {
		prevEnd := uint64(ordered[i-1].DataOffset) + uint64(ordered[i-1].DiskSize())
		if uint64(ordered[i].DataOffset) < prevEnd {
			return nil, fmt.Errorf("%w: entries 0x%X and 0x%X overlap",
				ErrBadStructure, uint32(ordered[i-1].ID), uint32(ordered[i].ID))
		}
	}

	return metas, nil
}

// EntryName resolves an entry's file name: through the name table when the
// entry carries a table offset, falling back to the well-known mapping.
func EntryName(m *MetaEntry, nameTable []byte) string {
	if m.FilenameOffset != 0 && int(m.FilenameOffset) < len(nameTable) {
		rest := nameTable[m.FilenameOffset:]
		if i := bytes.IndexByte(rest, 0); i > 0 {
			return string(rest[:i])
		}
	}

	return m.ID.Name()
}
