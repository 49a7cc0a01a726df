// Package pkgtest synthesizes complete PKG containers in memory so reader,
// validator and exporter tests can run without real packages.
package pkgtest

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-orbispkg/internal/crypto"
	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
)

// Entry is one caller-supplied meta entry.
type Entry struct {
	ID   pkg.EntryID
	Name string
	Data []byte

	Encrypted bool
	KeyIndex  uint32
}

// Spec describes the container to build.
type Spec struct {
	ContentID   string
	ContentType pkg.ContentType

	// Passcode derives the EKPFS bound into ENTRY_KEYS and the entry keys
	// of encrypted entries. Empty means the zero passcode.
	Passcode string

	Entries []Entry

	// PFSImage is the complete outer PFS image, or nil for none.
	PFSImage []byte

	// NoEntryKeys omits the ENTRY_KEYS entry, leaving the package locked.
	NoEntryKeys bool

	// ImageKey adds an IMAGE_KEY entry holding the EKPFS under the debug
	// key.
	ImageKey bool

	// ChunkSha adds a PLAYGO_CHUNK_SHA entry with the truncated per-chunk
	// digests of the PFS image.
	ChunkSha bool
}

const (
	headerSize     = 0x1000
	metaEntrySize  = 0x20
	entryKeysSeed  = "0123456789abcdef"
	playgoChunk    = 0x10000
	imageAlignment = 0x10000
)

type builtEntry struct {
	id        pkg.EntryID
	nameOff   uint32
	flags1    uint32
	flags2    uint32
	logical   []byte // what ExtractEntry(decrypt=true) should return
	stored    []byte // bytes placed in the body
	fixedOff  uint32 // nonzero for entries aliasing existing regions
	fixedSize uint32
}

// Build assembles the container.
func Build(spec Spec) []byte {
	passcode := spec.Passcode
	if passcode == "" {
		passcode = crypto.ZeroPasscode
	}

	if len(spec.ContentID) != pkg.ContentIDLength {
		panic(fmt.Sprintf("pkgtest: content ID must be %d chars, got %d", pkg.ContentIDLength, len(spec.ContentID)))
	}

	ekpfs := crypto.DeriveEKPFS(spec.ContentID, passcode)

	var names []byte
	names = append(names, 0) // offset 0 means "no name table entry"

	entries := []builtEntry{{id: pkg.EntryDigests}}

	if !spec.NoEntryKeys {
		seed := []byte(entryKeysSeed)
		mac := crypto.HMACSHA256(crypto.PfsGenSignKey(ekpfs, seed), seed)
		entries = append(entries, builtEntry{id: pkg.EntryEntryKeys, logical: append(seed, mac...)})
	}

	if spec.ImageKey {
		blob := make([]byte, crypto.EKPFSSize)
		copy(blob, ekpfs)
		if err := crypto.EncryptCBC(crypto.DebugKey, make([]byte, 16), blob); err != nil {
			panic(err)
		}
		entries = append(entries, builtEntry{id: pkg.EntryImageKey, logical: blob})
	}

	entries = append(entries,
		builtEntry{id: pkg.EntryMetas},
		builtEntry{id: pkg.EntryNames},
	)

	if spec.ChunkSha && spec.PFSImage != nil {
		entries = append(entries, builtEntry{id: pkg.EntryPlaygoChunkSha, logical: chunkShaTable(spec.PFSImage)})
	}

	for _, e := range spec.Entries {
		be := builtEntry{id: e.ID, logical: e.Data}

		if e.Name != "" {
			be.nameOff = uint32(len(names))
			names = append(names, e.Name...)
			names = append(names, 0)
		}

		if e.Encrypted {
			be.flags1 = 0x80000000
			be.flags2 = (e.KeyIndex & 0xF) << 12
		}

		entries = append(entries, be)
	}

	metaCount := len(entries)
	metaTableOff := uint32(headerSize)
	metaTableSize := uint32(metaCount * metaEntrySize)
	namesOff := metaTableOff + metaTableSize

	// Fix the self-describing entries now that the layout is known.
	for i := range entries {
		switch entries[i].id {
		case pkg.EntryMetas:
			entries[i].fixedOff = metaTableOff
			entries[i].fixedSize = metaTableSize
		case pkg.EntryNames:
			entries[i].fixedOff = namesOff
			entries[i].fixedSize = uint32(len(names))
		}
	}

	// Assign body offsets, 16-byte aligned.
	dataOff := (namesOff + uint32(len(names)) + 15) &^ 15
	digestsSize := uint32(metaCount * sha256.Size)

	offsets := make([]uint32, metaCount)
	sizes := make([]uint32, metaCount)

	for i := range entries {
		e := &entries[i]

		if e.fixedSize != 0 {
			offsets[i] = e.fixedOff
			sizes[i] = e.fixedSize
			continue
		}

		if e.id == pkg.EntryDigests {
			offsets[i] = dataOff
			sizes[i] = digestsSize
			dataOff = (dataOff + digestsSize + 15) &^ 15
			continue
		}

		e.stored = e.logical
		if e.flags1&0x80000000 != 0 {
			e.stored = encryptEntry(spec.ContentID, passcode, ekpfs, uint32(i), e)
		}

		offsets[i] = dataOff
		sizes[i] = uint32(len(e.logical))
		dataOff = (dataOff + uint32(len(e.stored)) + 15) &^ 15
	}

	// Place the PFS image on a coarse alignment after the body.
	pfsOff := uint64(0)
	total := uint64(dataOff)
	if spec.PFSImage != nil {
		pfsOff = (uint64(dataOff) + imageAlignment - 1) &^ uint64(imageAlignment-1)
		total = pfsOff + uint64(len(spec.PFSImage))
	}

	image := make([]byte, total)

	// Meta table.
	for i := range entries {
		rec := image[metaTableOff+uint32(i)*metaEntrySize:]
		binary.BigEndian.PutUint32(rec[0x00:], uint32(entries[i].id))
		binary.BigEndian.PutUint32(rec[0x04:], entries[i].nameOff)
		binary.BigEndian.PutUint32(rec[0x08:], entries[i].flags1)
		binary.BigEndian.PutUint32(rec[0x0C:], entries[i].flags2)
		binary.BigEndian.PutUint32(rec[0x10:], offsets[i])
		binary.BigEndian.PutUint32(rec[0x14:], sizes[i])
	}

	copy(image[namesOff:], names)

	// Entry payloads.
	for i := range entries {
		if entries[i].stored != nil && entries[i].fixedSize == 0 && entries[i].id != pkg.EntryDigests {
			copy(image[offsets[i]:], entries[i].stored)
		}
	}

	// Digest table: SHA-256 of each entry's logical bytes; the digest
	// entry itself stays zero.
	var digestsIdx int
	for i := range entries {
		if entries[i].id == pkg.EntryDigests {
			digestsIdx = i
			continue
		}

		logical := entries[i].logical
		if entries[i].fixedSize != 0 {
			logical = image[offsets[i] : offsets[i]+sizes[i]]
		}

		digest := sha256.Sum256(logical)
		copy(image[offsets[digestsIdx]+uint32(i)*sha256.Size:], digest[:])
	}

	if spec.PFSImage != nil {
		copy(image[pfsOff:], spec.PFSImage)
	}

	// Header.
	binary.BigEndian.PutUint32(image[0x000:], pkg.Magic)
	binary.BigEndian.PutUint32(image[0x00C:], uint32(len(spec.Entries)))
	binary.BigEndian.PutUint32(image[0x010:], uint32(metaCount))
	binary.BigEndian.PutUint32(image[0x018:], metaTableOff)
	binary.BigEndian.PutUint64(image[0x020:], uint64(metaTableOff))
	binary.BigEndian.PutUint64(image[0x028:], uint64(dataOff)-uint64(metaTableOff))
	copy(image[0x040:], spec.ContentID)
	binary.BigEndian.PutUint32(image[0x074:], uint32(spec.ContentType))

	if spec.PFSImage != nil {
		binary.BigEndian.PutUint32(image[0x400:], 1)
		binary.BigEndian.PutUint64(image[0x410:], pfsOff)
		binary.BigEndian.PutUint64(image[0x418:], uint64(len(spec.PFSImage)))

		digest := sha256.Sum256(spec.PFSImage)
		copy(image[0x440:], digest[:])
	}

	binary.BigEndian.PutUint64(image[0x430:], total)

	headerDigest := sha256.Sum256(image[:0x100])
	copy(image[0x100:], headerDigest[:])

	return image
}

func encryptEntry(contentID, passcode string, ekpfs []byte, index uint32, e *builtEntry) []byte {
	padded := make([]byte, (len(e.logical)+15)&^15)
	copy(padded, e.logical)

	var key, iv []byte
	if e.flags2>>12&0xF == 3 {
		h := sha256.New()
		h.Write(ekpfs)
		var u [8]byte
		binary.LittleEndian.PutUint32(u[0:4], index)
		binary.LittleEndian.PutUint32(u[4:8], uint32(e.id))
		h.Write(u[:])
		digest := h.Sum(nil)
		key, iv = digest[16:32], digest[0:16]
	} else {
		key, iv = crypto.EntryKey(contentID, passcode, index, uint32(e.id))
	}

	if err := crypto.EncryptCBC(key, iv, padded); err != nil {
		panic(err)
	}
	return padded
}

func chunkShaTable(image []byte) []byte {
	chunks := (len(image) + playgoChunk - 1) / playgoChunk
	table := make([]byte, chunks*4)

	for i := 0; i < chunks; i++ {
		end := (i + 1) * playgoChunk
		if end > len(image) {
			end = len(image)
		}

		digest := sha256.Sum256(image[i*playgoChunk : end])
		copy(table[i*4:], digest[:4])
	}

	return table
}
