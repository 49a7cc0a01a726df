package pfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-orbispkg/internal/crypto"
	"github.com/deploymenttheory/go-orbispkg/internal/memio"
)

// Keys carries the material needed to open an encrypted image. Either
// EKPFS (from which the XTS pair is derived with the image seed) or the
// explicit XTS tweak/data keys must be set.
type Keys struct {
	EKPFS    []byte
	XtsTweak []byte
	XtsData  []byte
}

// Reader decodes a PFS image from a random-access view, decrypting blocks
// on demand when the image is encrypted. The reader borrows the view and
// must be released before the view is closed.
type Reader struct {
	src    memio.Reader
	hdr    *Header
	xts    *crypto.XtsCipher
	inodes []Dinode
	tree   *Tree
}

// NewReader parses the superblock and inode table. keys may be nil for
// plaintext images; for encrypted images a usable key is required.
func NewReader(src memio.Reader, keys *Keys) (*Reader, error) {
	raw, err := memio.ReadExact(src, 0, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("read PFS superblock: %w", err)
	}

	hdr, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	r := &Reader{src: src, hdr: hdr}

	if hdr.Encrypted() {
		tweak, data, err := resolveXtsKeys(hdr, keys)
		if err != nil {
			return nil, err
		}

		r.xts, err = crypto.NewXtsCipher(tweak, data, int(hdr.BlockSize))
		if err != nil {
			return nil, fmt.Errorf("failed to create XTS cipher: %w", err)
		}
	}

	if err := r.loadInodes(); err != nil {
		return nil, err
	}

	return r, nil
}

func resolveXtsKeys(hdr *Header, keys *Keys) (tweak, data []byte, err error) {
	switch {
	case keys == nil:
		return nil, nil, ErrMissingKey
	case len(keys.XtsTweak) == 16 && len(keys.XtsData) == 16:
		return keys.XtsTweak, keys.XtsData, nil
	case len(keys.EKPFS) == crypto.EKPFSSize:
		tweak, data = crypto.XtsKeysFromEKPFS(keys.EKPFS, hdr.CryptSeed[:])
		return tweak, data, nil
	default:
		return nil, nil, ErrMissingKey
	}
}

// Header returns the parsed superblock.
func (r *Reader) Header() *Header {
	return r.hdr
}

// InodeCount returns the number of loaded inodes.
func (r *Reader) InodeCount() int {
	return len(r.inodes)
}

// Inode returns inode number ino.
func (r *Reader) Inode(ino int64) (*Dinode, error) {
	if ino < 0 || ino >= int64(len(r.inodes)) {
		return nil, fmt.Errorf("%w: inode %d of %d", ErrBadStructure, ino, len(r.inodes))
	}
	return &r.inodes[ino], nil
}

// readBlock reads and, when needed, decrypts one filesystem block. Block 0
// holds the superblock and stays cleartext even on encrypted images.
func (r *Reader) readBlock(idx int64) ([]byte, error) {
	buf, err := memio.ReadExact(r.src, idx*int64(r.hdr.BlockSize), int(r.hdr.BlockSize))
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", idx, err)
	}

	if r.xts != nil && idx != 0 {
		if err := r.xts.DecryptSector(buf, uint64(idx)); err != nil {
			return nil, fmt.Errorf("decrypt block %d: %w", idx, err)
		}
	}

	return buf, nil
}

// loadInodes reads the inode table from blocks [1, DinodeBlockCount].
func (r *Reader) loadInodes() error {
	stride := r.hdr.DinodeSize()
	perBlock := int(r.hdr.BlockSize) / stride
	capacity := uint64(perBlock) * r.hdr.DinodeBlockCount

	if capacity < r.hdr.DinodeCount {
		return fmt.Errorf("%w: %d inode blocks cannot hold %d dinodes", ErrBadStructure, r.hdr.DinodeBlockCount, r.hdr.DinodeCount)
	}

	r.inodes = make([]Dinode, 0, r.hdr.DinodeCount)

	for blk := int64(1); blk <= int64(r.hdr.DinodeBlockCount); blk++ {
		data, err := r.readBlock(blk)
		if err != nil {
			return err
		}

		for i := 0; i < perBlock && uint64(len(r.inodes)) < r.hdr.DinodeCount; i++ {
			d, err := parseDinode(data[i*stride:(i+1)*stride], r.hdr.Signed())
			if err != nil {
				return err
			}
			r.inodes = append(r.inodes, *d)
		}
	}

	if uint64(len(r.inodes)) != r.hdr.DinodeCount {
		return fmt.Errorf("%w: loaded %d inodes, superblock says %d", ErrBadStructure, len(r.inodes), r.hdr.DinodeCount)
	}

	return nil
}

// blockList resolves the logical-to-physical block mapping of an inode,
// following the first indirect block when the direct pointers run out.
func (r *Reader) blockList(d *Dinode) ([]int32, error) {
	blockSize := uint64(r.hdr.BlockSize)
	maxBlocks := uint64(directPointers) + blockSize/4
	if d.Size > maxBlocks*blockSize {
		return nil, fmt.Errorf("%w: inode size 0x%X is beyond single indirection", ErrBadStructure, d.Size)
	}

	count := int((d.Size + blockSize - 1) / blockSize)

	blocks := make([]int32, 0, count)
	for i := 0; i < directPointers && len(blocks) < count; i++ {
		blocks = append(blocks, d.Direct[i])
	}

	if len(blocks) < count {
		if d.Indirect[0] < 0 {
			return nil, fmt.Errorf("%w: inode needs %d blocks but has no indirect pointer", ErrBadStructure, count)
		}

		data, err := r.readBlock(int64(d.Indirect[0]))
		if err != nil {
			return nil, err
		}

		for off := 0; off+4 <= len(data) && len(blocks) < count; off += 4 {
			blocks = append(blocks, int32(binary.LittleEndian.Uint32(data[off:])))
		}
	}

	if len(blocks) < count {
		return nil, fmt.Errorf("%w: inode spans %d blocks, beyond single indirection", ErrBadStructure, count)
	}

	return blocks, nil
}

// readDir returns the dirents of a directory inode in on-disk order.
func (r *Reader) readDir(d *Dinode) ([]Dirent, error) {
	blocks, err := r.blockList(d)
	if err != nil {
		return nil, err
	}

	var out []Dirent
	for _, blk := range blocks {
		data, err := r.readBlock(int64(blk))
		if err != nil {
			return nil, err
		}

		ents, err := ParseDirents(data)
		if err != nil {
			return nil, err
		}

		out = append(out, ents...)
	}

	return out, nil
}

// Tree walks the image from the super_root and returns the node arena.
// The result is cached.
func (r *Reader) Tree() (*Tree, error) {
	if r.tree != nil {
		return r.tree, nil
	}

	t := &Tree{Root: 0}
	t.Nodes = append(t.Nodes, Node{
		Name:   "",
		Type:   NodeDir,
		Ino:    int64(r.hdr.SuperrootIno),
		Parent: -1,
	})

	// Breadth-first; children appended in dirent order.
	queue := []int{0}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		ino, err := r.Inode(t.Nodes[cur].Ino)
		if err != nil {
			return nil, err
		}

		ents, err := r.readDir(ino)
		if err != nil {
			return nil, fmt.Errorf("read directory %q: %w", t.Path(cur), err)
		}

		for _, e := range ents {
			if e.Type == DirentSelf || e.Type == DirentParent {
				continue
			}

			child, err := r.Inode(int64(e.Ino))
			if err != nil {
				return nil, err
			}

			node := Node{
				Name:           e.Name,
				Ino:            int64(e.Ino),
				Parent:         cur,
				Size:           child.Size,
				SizeCompressed: child.SizeCompressed,
			}

			if e.Type == DirentDir {
				node.Type = NodeDir
			} else {
				node.Type = NodeFile
				if start := child.StartBlock(); start >= 0 {
					node.Offset = int64(start) * int64(r.hdr.BlockSize)
				}
			}

			// Each inode appears at most once; more nodes than inodes means
			// a corrupt or mis-decrypted directory graph.
			if len(t.Nodes) >= len(r.inodes) {
				return nil, fmt.Errorf("%w: directory graph exceeds %d inodes", ErrBadStructure, len(r.inodes))
			}

			idx := len(t.Nodes)
			t.Nodes = append(t.Nodes, node)
			t.Nodes[cur].Children = append(t.Nodes[cur].Children, idx)

			if node.Type == NodeDir {
				queue = append(queue, idx)
			}
		}
	}

	r.tree = t
	return t, nil
}

// Uroot returns the index of the user-visible root directory. The
// super_root of a well-formed image contains both uroot and the flat path
// table.
func (r *Reader) Uroot() (int, error) {
	t, err := r.Tree()
	if err != nil {
		return -1, err
	}

	i := t.Child(t.Root, "uroot")
	if i < 0 {
		return -1, fmt.Errorf("%w: super_root has no uroot", ErrBadStructure)
	}

	if t.Child(t.Root, "flat_path_table") < 0 {
		return -1, fmt.Errorf("%w: super_root has no flat_path_table", ErrBadStructure)
	}

	return i, nil
}

// FileReader is a byte view over one file's data, decrypted on demand.
type FileReader struct {
	r      *Reader
	blocks []int32
	size   int64
}

// FileView returns a reader over the contents of file node i.
func (r *Reader) FileView(i int) (*FileReader, error) {
	t, err := r.Tree()
	if err != nil {
		return nil, err
	}

	node := &t.Nodes[i]
	if node.IsDir() {
		return nil, fmt.Errorf("%w: %q is a directory", ErrBadStructure, t.Path(i))
	}

	ino, err := r.Inode(node.Ino)
	if err != nil {
		return nil, err
	}

	blocks, err := r.blockList(ino)
	if err != nil {
		return nil, err
	}

	return &FileReader{r: r, blocks: blocks, size: int64(ino.Size)}, nil
}

// Size returns the file length in bytes.
func (f *FileReader) Size() int64 {
	return f.size
}

// ReadAt implements io.ReaderAt over the file contents.
func (f *FileReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > f.size {
		return 0, memio.ErrOutOfRange
	}

	blockSize := int64(f.r.hdr.BlockSize)

	read := 0
	for read < len(p) && off < f.size {
		idx := off / blockSize
		within := off % blockSize

		data, err := f.r.readBlock(int64(f.blocks[idx]))
		if err != nil {
			return read, err
		}

		end := blockSize
		if rem := f.size - idx*blockSize; rem < end {
			end = rem
		}

		n := copy(p[read:], data[within:end])
		read += n
		off += int64(n)
	}

	if read < len(p) {
		return read, io.EOF
	}

	return read, nil
}
