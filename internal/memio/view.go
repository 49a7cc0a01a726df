package memio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// ErrOutOfRange is returned when a read extends past the end of a view.
var ErrOutOfRange = errors.New("read out of range")

// Reader is a bounded random-access byte source. All container, filesystem
// and codec readers in this module consume this interface so they can be
// layered over files, decrypted block caches or in-memory buffers alike.
type Reader interface {
	io.ReaderAt

	// Size returns the total number of addressable bytes.
	Size() int64
}

// ReadExact reads exactly n bytes at off, failing with ErrOutOfRange when
// the range does not fit inside the reader.
func ReadExact(r Reader, off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > r.Size() {
		return nil, fmt.Errorf("%w: [0x%X, 0x%X) outside 0x%X bytes", ErrOutOfRange, off, off+int64(n), r.Size())
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(r, off, int64(n)), buf); err != nil {
		return nil, fmt.Errorf("read %d bytes at 0x%X: %w", n, off, err)
	}

	return buf, nil
}

// View is a bounded window over an io.ReaderAt. Sub-views share the parent
// source and must not outlive it.
type View struct {
	ra   io.ReaderAt
	off  int64
	size int64
}

// NewView wraps an io.ReaderAt with an explicit size.
func NewView(ra io.ReaderAt, size int64) *View {
	return &View{ra: ra, size: size}
}

// NewBytesView wraps an in-memory buffer.
func NewBytesView(data []byte) *View {
	return &View{ra: bytes.NewReader(data), size: int64(len(data))}
}

// Slice returns a sub-view of n bytes starting at off.
func (v *View) Slice(off, n int64) (*View, error) {
	if off < 0 || n < 0 || off+n > v.size {
		return nil, fmt.Errorf("%w: slice [0x%X, 0x%X) outside 0x%X bytes", ErrOutOfRange, off, off+n, v.size)
	}

	return &View{ra: v.ra, off: v.off + off, size: n}, nil
}

// ReadAt implements io.ReaderAt with bounds checking against the view size.
func (v *View) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > v.size {
		return 0, ErrOutOfRange
	}

	if rem := v.size - off; int64(len(p)) > rem {
		n, err := v.ra.ReadAt(p[:rem], v.off+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}

	return v.ra.ReadAt(p, v.off+off)
}

// Size returns the number of bytes addressable through the view.
func (v *View) Size() int64 {
	return v.size
}

// FileView is a View backed by an open file. It owns the handle; derived
// sub-views are only valid until Close.
type FileView struct {
	View
	file afero.File
}

// OpenFile opens path on fs and returns a view covering the whole file.
// Reads go through the file handle chunk by chunk, so sources larger than
// addressable memory are fine.
func OpenFile(fs afero.Fs, path string) (*FileView, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return &FileView{
		View: View{ra: f, size: fi.Size()},
		file: f,
	}, nil
}

// Close releases the underlying file handle.
func (v *FileView) Close() error {
	if v.file == nil {
		return nil
	}

	err := v.file.Close()
	v.file = nil
	return err
}
