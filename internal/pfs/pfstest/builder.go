// Package pfstest synthesizes small PFS images in memory for tests, the
// same way the parser tests build superblocks byte by byte.
package pfstest

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-orbispkg/internal/crypto"
	"github.com/deploymenttheory/go-orbispkg/internal/pfs"
)

// Node describes one entry of the tree to build.
type Node struct {
	Name     string
	Dir      bool
	Data     []byte
	Children []Node
}

// File is a convenience constructor for a file node.
func File(name string, data []byte) Node {
	return Node{Name: name, Data: data}
}

// Dir is a convenience constructor for a directory node.
func Dir(name string, children ...Node) Node {
	return Node{Name: name, Dir: true, Children: children}
}

// Spec describes the image to build. The super_root always contains a
// flat_path_table file followed by a uroot directory holding Uroot.
type Spec struct {
	// BlockSize defaults to 0x1000.
	BlockSize uint32

	// Timestamp becomes the volume creation time (InodeBlockSig.Time1Sec).
	Timestamp uint64

	// Uroot holds the user-visible tree.
	Uroot []Node

	// FlatPathTable is the raw content of the flat_path_table file.
	FlatPathTable []byte

	// EKPFS, when set, encrypts every block after the superblock block
	// with XTS keys derived from Seed.
	EKPFS []byte
	Seed  [16]byte
}

const (
	direntHeaderSize = 0x10
	dinodeStride     = 0xA8
)

type entry struct {
	node       Node
	parent     int
	children   []int
	dataBlocks []int32
	indirect   int32
}

// Build assembles the image. It panics on specs that do not fit the
// single-dirent-block-per-directory fixture layout; tests keep trees small.
func Build(spec Spec) []byte {
	blockSize := spec.BlockSize
	if blockSize == 0 {
		blockSize = 0x1000
	}

	superroot := Node{Dir: true, Children: append(
		[]Node{{Name: "flat_path_table", Data: spec.FlatPathTable}},
		Node{Name: "uroot", Dir: true, Children: spec.Uroot},
	)}

	// Flatten breadth-first; the slice index is the inode number.
	entries := []*entry{{node: superroot, parent: -1}}
	for i := 0; i < len(entries); i++ {
		for _, child := range entries[i].node.Children {
			entries = append(entries, &entry{node: child, parent: i})
			entries[i].children = append(entries[i].children, len(entries)-1)
		}
	}

	inodesPerBlock := int(blockSize) / dinodeStride
	inodeBlocks := (len(entries) + inodesPerBlock - 1) / inodesPerBlock

	// Assign data blocks: one dirent block per directory, ceil(size/block)
	// per file plus an indirect block past twelve pointers.
	next := int32(1 + inodeBlocks)
	for _, e := range entries {
		e.indirect = -1

		if e.node.Dir {
			e.dataBlocks = []int32{next}
			next++
			continue
		}

		n := (len(e.node.Data) + int(blockSize) - 1) / int(blockSize)
		for i := 0; i < n; i++ {
			e.dataBlocks = append(e.dataBlocks, next)
			next++
		}

		if n > 12 {
			e.indirect = next
			next++
		}
	}

	total := int64(next) * int64(blockSize)
	image := make([]byte, total)

	writeSuperblock(image, spec, blockSize, len(entries), inodeBlocks)

	for ino, e := range entries {
		writeInode(image, blockSize, ino, e)

		if e.node.Dir {
			writeDirents(image, blockSize, e, entries, ino)
			continue
		}

		for i, blk := range e.dataBlocks {
			start := i * int(blockSize)
			end := start + int(blockSize)
			if end > len(e.node.Data) {
				end = len(e.node.Data)
			}
			copy(image[int64(blk)*int64(blockSize):], e.node.Data[start:end])
		}

		if e.indirect >= 0 {
			off := int64(e.indirect) * int64(blockSize)
			for i, blk := range e.dataBlocks {
				if i < 12 {
					continue
				}
				binary.LittleEndian.PutUint32(image[off+int64(i-12)*4:], uint32(blk))
			}
		}
	}

	if spec.EKPFS != nil {
		encrypt(image, spec, blockSize)
	}

	return image
}

func writeSuperblock(image []byte, spec Spec, blockSize uint32, inodes, inodeBlocks int) {
	binary.LittleEndian.PutUint64(image[0x00:], 1)
	binary.LittleEndian.PutUint64(image[0x08:], pfs.Magic)
	binary.LittleEndian.PutUint64(image[0x10:], 0x1234)

	mode := uint16(0)
	if spec.EKPFS != nil {
		mode |= pfs.ModeEncrypted
	}
	binary.LittleEndian.PutUint16(image[0x1C:], mode)

	binary.LittleEndian.PutUint32(image[0x20:], blockSize)
	binary.LittleEndian.PutUint64(image[0x28:], uint64(len(image))/uint64(blockSize))
	binary.LittleEndian.PutUint64(image[0x30:], uint64(inodes))
	binary.LittleEndian.PutUint64(image[0x40:], uint64(inodeBlocks))
	binary.LittleEndian.PutUint64(image[0x48:], 0) // superroot ino

	// InodeBlockSig: only the volume timestamp matters to readers.
	binary.LittleEndian.PutUint64(image[0x50+0x18:], spec.Timestamp)

	copy(image[0x318:0x328], spec.Seed[:])
}

func writeInode(image []byte, blockSize uint32, ino int, e *entry) {
	perBlock := int(blockSize) / dinodeStride
	base := int64(1+ino/perBlock)*int64(blockSize) + int64(ino%perBlock)*dinodeStride
	d := image[base : base+dinodeStride]

	mode := uint16(0x8000)
	size := uint64(len(e.node.Data))
	if e.node.Dir {
		mode = 0x4000
		size = uint64(blockSize)
	}

	binary.LittleEndian.PutUint16(d[0x00:], mode)
	binary.LittleEndian.PutUint16(d[0x02:], 1)
	binary.LittleEndian.PutUint64(d[0x08:], size)
	binary.LittleEndian.PutUint64(d[0x10:], size)
	binary.LittleEndian.PutUint32(d[0x60:], uint32(len(e.dataBlocks)))

	for i := 0; i < 12; i++ {
		v := int32(-1)
		if i < len(e.dataBlocks) {
			v = e.dataBlocks[i]
		}
		binary.LittleEndian.PutUint32(d[0x64+i*4:], uint32(v))
	}

	for i := 0; i < 5; i++ {
		v := int32(-1)
		if i == 0 {
			v = e.indirect
		}
		binary.LittleEndian.PutUint32(d[0x94+i*4:], uint32(v))
	}
}

func writeDirents(image []byte, blockSize uint32, e *entry, entries []*entry, self int) {
	block := image[int64(e.dataBlocks[0])*int64(blockSize):]
	off := 0

	parent := e.parent
	if parent < 0 {
		parent = self
	}

	off += putDirent(block[off:], int32(self), 4, ".")
	off += putDirent(block[off:], int32(parent), 5, "..")

	for _, c := range e.children {
		typ := int32(2)
		if entries[c].node.Dir {
			typ = 3
		}
		off += putDirent(block[off:], int32(c), typ, entries[c].node.Name)
	}

	if off > int(blockSize) {
		panic(fmt.Sprintf("pfstest: dirents of %q exceed one block", e.node.Name))
	}
}

func putDirent(data []byte, ino, typ int32, name string) int {
	size := direntHeaderSize + len(name)
	if size%8 != 0 {
		size += 8 - size%8
	}

	binary.LittleEndian.PutUint32(data[0x00:], uint32(ino))
	binary.LittleEndian.PutUint32(data[0x04:], uint32(typ))
	binary.LittleEndian.PutUint32(data[0x08:], uint32(len(name)))
	binary.LittleEndian.PutUint32(data[0x0C:], uint32(size))
	copy(data[direntHeaderSize:], name)
	return size
}

func encrypt(image []byte, spec Spec, blockSize uint32) {
	tweak, data := crypto.XtsKeysFromEKPFS(spec.EKPFS, spec.Seed[:])

	x, err := crypto.NewXtsCipher(tweak, data, int(blockSize))
	if err != nil {
		panic(err)
	}

	for blk := int64(1); blk < int64(len(image))/int64(blockSize); blk++ {
		if err := x.EncryptSector(image[blk*int64(blockSize):(blk+1)*int64(blockSize)], uint64(blk)); err != nil {
			panic(err)
		}
	}
}
