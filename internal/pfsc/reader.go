// Package pfsc reads the PFSC block container: one large PFS blob stored as
// a sector-indexed deflate stream so byte ranges can be read without
// inflating the whole image.
package pfsc

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-orbispkg/internal/memio"
)

// Magic identifies a PFSC container ("PFSC", little-endian).
const Magic = 0x43534650

// HeaderSize is the fixed PFSC header size preceding the sector map.
const HeaderSize = 0x30

// Mode values observed in the Unk8 header field. Readers accept either.
const (
	ModeCompressed   = 2
	ModeUncompressed = 6
)

var (
	// ErrBadMagic means the stream does not start with the PFSC magic.
	ErrBadMagic = errors.New("bad PFSC magic")
	// ErrBadStructure means header fields are inconsistent.
	ErrBadStructure = errors.New("inconsistent PFSC header")
	// ErrBadSectorMap means the sector map does not start at the data start
	// or is not monotonic. A truncated map fails with memio.ErrOutOfRange.
	ErrBadSectorMap = errors.New("malformed PFSC sector map")
	// ErrDecompressionFailed means a sector inflated to fewer bytes than the
	// block size or the deflate stream was corrupt.
	ErrDecompressionFailed = errors.New("sector decompression failed")
)

// Header is the fixed 0x30-byte PFSC header.
type Header struct {
	Magic        uint32
	Unk4         uint32
	Unk8         uint32
	BlockSize    uint32
	BlockSize64  uint64
	BlockOffsets uint64
	DataStart    uint64
	DataLength   uint64
}

func parseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrBadStructure, len(data), HeaderSize)
	}

	hdr := &Header{
		Magic:        binary.LittleEndian.Uint32(data[0x00:0x04]),
		Unk4:         binary.LittleEndian.Uint32(data[0x04:0x08]),
		Unk8:         binary.LittleEndian.Uint32(data[0x08:0x0C]),
		BlockSize:    binary.LittleEndian.Uint32(data[0x0C:0x10]),
		BlockSize64:  binary.LittleEndian.Uint64(data[0x10:0x18]),
		BlockOffsets: binary.LittleEndian.Uint64(data[0x18:0x20]),
		DataStart:    binary.LittleEndian.Uint64(data[0x20:0x28]),
		DataLength:   binary.LittleEndian.Uint64(data[0x28:0x30]),
	}

	if hdr.Magic != Magic {
		return nil, fmt.Errorf("%w: got 0x%08X, want 0x%08X", ErrBadMagic, hdr.Magic, uint32(Magic))
	}

	if hdr.BlockSize == 0 || uint64(hdr.BlockSize) != hdr.BlockSize64 {
		return nil, fmt.Errorf("%w: block size %d does not match 64-bit field %d", ErrBadStructure, hdr.BlockSize, hdr.BlockSize64)
	}

	if hdr.DataLength%uint64(hdr.BlockSize) != 0 {
		return nil, fmt.Errorf("%w: data length 0x%X is not block aligned", ErrBadStructure, hdr.DataLength)
	}

	return hdr, nil
}

// Reader presents the decompressed PFSC payload as a flat byte range. It
// implements memio.Reader so a PFS reader can be layered directly on top.
type Reader struct {
	src       memio.Reader
	hdr       *Header
	sectorMap []uint64
}

// NewReader parses the PFSC header and sector map from src.
func NewReader(src memio.Reader) (*Reader, error) {
	raw, err := memio.ReadExact(src, 0, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("read PFSC header: %w", err)
	}

	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	count := hdr.DataLength/uint64(hdr.BlockSize) + 1
	raw, err = memio.ReadExact(src, int64(hdr.BlockOffsets), int(count)*8)
	if err != nil {
		return nil, fmt.Errorf("read PFSC sector map: %w", err)
	}

	sectorMap := make([]uint64, count)
	for i := range sectorMap {
		sectorMap[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}

	if sectorMap[0] != hdr.DataStart {
		return nil, fmt.Errorf("%w: first entry 0x%X does not match data start 0x%X", ErrBadSectorMap, sectorMap[0], hdr.DataStart)
	}

	for i := 1; i < len(sectorMap); i++ {
		if sectorMap[i] < sectorMap[i-1] {
			return nil, fmt.Errorf("%w: entry %d decreases from 0x%X to 0x%X", ErrBadSectorMap, i, sectorMap[i-1], sectorMap[i])
		}
	}

	return &Reader{src: src, hdr: hdr, sectorMap: sectorMap}, nil
}

// Header returns the parsed PFSC header.
func (r *Reader) Header() Header {
	return *r.hdr
}

// SectorSize returns the decompressed sector size in bytes.
func (r *Reader) SectorSize() int {
	return int(r.hdr.BlockSize)
}

// SectorCount returns the number of sectors in the payload.
func (r *Reader) SectorCount() int {
	return len(r.sectorMap) - 1
}

// Size returns the decompressed payload length.
func (r *Reader) Size() int64 {
	return int64(r.hdr.DataLength)
}

// ReadSector fills buf with the decompressed contents of sector idx. buf
// must be exactly one sector long. A stored length equal to the block size
// is copied raw; a stored length greater than the block size marks a sparse
// hole and yields zeros; anything else is a deflate stream preceded by a
// 2-byte zlib header.
func (r *Reader) ReadSector(idx int, buf []byte) error {
	if idx < 0 || idx >= r.SectorCount() {
		return fmt.Errorf("%w: sector %d of %d", memio.ErrOutOfRange, idx, r.SectorCount())
	}

	if len(buf) != r.SectorSize() {
		return fmt.Errorf("sector buffer must be %d bytes, got %d", r.SectorSize(), len(buf))
	}

	start := r.sectorMap[idx]
	length := r.sectorMap[idx+1] - start

	if length > uint64(r.hdr.BlockSize) {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	raw, err := memio.ReadExact(r.src, int64(start), int(length))
	if err != nil {
		return fmt.Errorf("read sector %d at 0x%X: %w", idx, start, err)
	}

	if length == uint64(r.hdr.BlockSize) {
		copy(buf, raw)
		return nil
	}

	return inflateSector(raw, buf)
}

// inflateSector inflates one stored sector into buf, looping until buf is
// full or the stream ends. Some deflate readers return short counts before
// EOF, so a single Read is not enough.
func inflateSector(raw, buf []byte) error {
	if len(raw) < 2 {
		return fmt.Errorf("%w: stored sector of %d bytes", ErrDecompressionFailed, len(raw))
	}

	// The stored stream is zlib: skip the 2-byte header, inflate the
	// deflate body, ignore the adler32 trailer.
	fr := flate.NewReader(bytes.NewReader(raw[2:]))
	defer fr.Close()

	filled := 0
	for filled < len(buf) {
		n, err := fr.Read(buf[filled:])
		filled += n

		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
	}

	if filled < len(buf) {
		return fmt.Errorf("%w: inflated %d of %d bytes", ErrDecompressionFailed, filled, len(buf))
	}

	return nil
}

// ReadAt implements io.ReaderAt over the decompressed payload. Each covered
// sector is read once and the requested window copied out.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > r.Size() {
		return 0, memio.ErrOutOfRange
	}

	read := 0
	sector := make([]byte, r.SectorSize())

	for read < len(p) && off < r.Size() {
		idx := int(off / int64(r.SectorSize()))
		within := int(off % int64(r.SectorSize()))

		if err := r.ReadSector(idx, sector); err != nil {
			return read, err
		}

		n := copy(p[read:], sector[within:])
		read += n
		off += int64(n)
	}

	if read < len(p) {
		return read, io.EOF
	}

	return read, nil
}
