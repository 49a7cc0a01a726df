// Package fpt reads and builds the flat_path_table: the hash-to-inode
// accelerator stored beside uroot in a PFS image.
package fpt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/deploymenttheory/go-orbispkg/internal/pfs"
)

// FlatType occupies the top nibble of a table value.
type FlatType uint32

const (
	TypeFile       FlatType = 0x0
	TypeDir        FlatType = 0x2
	TypeSceSysFile FlatType = 0x4
	TypeSceSysDir  FlatType = 0x6
	TypeCollision  FlatType = 0x8
)

const (
	typeShift = 28
	valueMask = (1 << typeShift) - 1

	// resolverTrailer pads each collision list.
	resolverTrailer = 0x18
)

var (
	// ErrBadStructure means the row blob is misaligned or unsorted.
	ErrBadStructure = errors.New("malformed flat path table")
	// ErrDuplicatePath means two build inputs share the same full path.
	ErrDuplicatePath = errors.New("duplicate path in flat path table input")
)

// Row is one (hash, value) pair.
type Row struct {
	Hash  uint32
	Value uint32
}

// Type returns the row's type tag.
func (r Row) Type() FlatType {
	return FlatType(r.Value >> typeShift)
}

// Payload returns the low 28 bits: an inode number, or a resolver offset
// for collision rows.
func (r Row) Payload() uint32 {
	return r.Value & valueMask
}

// PathEntry is one build input: a full uroot-relative path and its inode.
type PathEntry struct {
	Path string
	Ino  uint32
	Dir  bool
}

// Table is a decoded or freshly built flat path table. Resolver is the
// collision-resolver blob, empty when no hashes collide.
type Table struct {
	Rows     []Row
	Resolver []byte
}

// HashPath computes the table hash of a full path: each character is
// upper-cased and folded as h = toUpper(c) + 31*h. Lookups are therefore
// case-insensitive.
func HashPath(path string) uint32 {
	var h uint32
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		h = uint32(c) + 31*h
	}
	return h
}

func tagFor(e PathEntry) FlatType {
	sceSys := strings.HasPrefix(e.Path, "/sce_sys")
	switch {
	case sceSys && e.Dir:
		return TypeSceSysDir
	case sceSys:
		return TypeSceSysFile
	case e.Dir:
		return TypeDir
	default:
		return TypeFile
	}
}

// Build computes the table for a node list. Entries whose hashes collide
// are routed through the resolver blob; identical full paths are rejected.
func Build(entries []PathEntry) (*Table, error) {
	groups := make(map[uint32][]PathEntry, len(entries))
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if _, dup := seen[e.Path]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePath, e.Path)
		}
		seen[e.Path] = struct{}{}

		h := HashPath(e.Path)
		groups[h] = append(groups[h], e)
	}

	t := &Table{Rows: make([]Row, 0, len(groups))}

	hashes := make([]uint32, 0, len(groups))
	for h := range groups {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	for _, h := range hashes {
		group := groups[h]

		if len(group) == 1 {
			e := group[0]
			t.Rows = append(t.Rows, Row{Hash: h, Value: e.Ino&valueMask | uint32(tagFor(e))<<typeShift})
			continue
		}

		offset := uint32(len(t.Resolver))
		t.Rows = append(t.Rows, Row{Hash: h, Value: offset&valueMask | uint32(TypeCollision)<<typeShift})

		// The resolver keeps full dirent records so colliding paths stay
		// distinguishable; the dirent name holds the full path.
		for _, e := range group {
			typ := pfs.DirentFile
			if e.Dir {
				typ = pfs.DirentDir
			}
			t.Resolver = pfs.AppendDirent(t.Resolver, int32(e.Ino), typ, e.Path)
		}
		t.Resolver = append(t.Resolver, make([]byte, resolverTrailer)...)
	}

	return t, nil
}

// Encode serializes the rows: little-endian (hash, value) pairs sorted by
// hash. The resolver blob is stored as its own file.
func (t *Table) Encode() []byte {
	out := make([]byte, len(t.Rows)*8)
	for i, r := range t.Rows {
		binary.LittleEndian.PutUint32(out[i*8:], r.Hash)
		binary.LittleEndian.PutUint32(out[i*8+4:], r.Value)
	}
	return out
}

// Parse decodes a row blob. resolver may be nil when the image carries no
// collision resolver file.
func Parse(data, resolver []byte) (*Table, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of rows", ErrBadStructure, len(data))
	}

	t := &Table{Rows: make([]Row, len(data)/8), Resolver: resolver}
	for i := range t.Rows {
		t.Rows[i].Hash = binary.LittleEndian.Uint32(data[i*8:])
		t.Rows[i].Value = binary.LittleEndian.Uint32(data[i*8+4:])

		if i > 0 && t.Rows[i].Hash < t.Rows[i-1].Hash {
			return nil, fmt.Errorf("%w: rows not sorted at index %d", ErrBadStructure, i)
		}

		if t.Rows[i].Type() == TypeCollision && len(resolver) == 0 {
			return nil, fmt.Errorf("%w: collision row without resolver", ErrBadStructure)
		}
	}

	return t, nil
}

// Lookup resolves a full path to its inode and type tag. Collision rows
// are resolved through the dirent list in the resolver blob.
func (t *Table) Lookup(path string) (uint32, FlatType, bool) {
	h := HashPath(path)

	i := sort.Search(len(t.Rows), func(i int) bool { return t.Rows[i].Hash >= h })
	if i == len(t.Rows) || t.Rows[i].Hash != h {
		return 0, 0, false
	}

	row := t.Rows[i]
	if row.Type() != TypeCollision {
		return row.Payload(), row.Type(), true
	}

	off := int(row.Payload())
	if off >= len(t.Resolver) {
		return 0, 0, false
	}

	ents, err := pfs.ParseDirents(t.Resolver[off:])
	if err != nil {
		return 0, 0, false
	}

	for _, e := range ents {
		if strings.EqualFold(e.Name, path) {
			typ := TypeFile
			if e.Type == pfs.DirentDir {
				typ = TypeDir
			}
			if strings.HasPrefix(e.Name, "/sce_sys") {
				typ |= TypeSceSysFile
			}
			return uint32(e.Ino), typ, true
		}
	}

	return 0, 0, false
}

// Sorted returns the rows ordered by (type, inode) for presentation.
func (t *Table) Sorted() []Row {
	out := make([]Row, len(t.Rows))
	copy(out, t.Rows)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type() != out[j].Type() {
			return out[i].Type() < out[j].Type()
		}
		return out[i].Payload() < out[j].Payload()
	})

	return out
}
