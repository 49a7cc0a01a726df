package memio

import (
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadExact(t *testing.T) {
	v := NewBytesView([]byte{0, 1, 2, 3, 4, 5, 6, 7})

	got, err := ReadExact(v, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4, 5}, got)

	_, err = ReadExact(v, 6, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = ReadExact(v, -1, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSliceBounds(t *testing.T) {
	v := NewBytesView([]byte("abcdefgh"))

	sub, err := v.Slice(2, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sub.Size())

	got, err := ReadExact(sub, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("cdef"), got)

	// Sub-view offsets are relative to the slice, not the parent.
	nested, err := sub.Slice(1, 2)
	require.NoError(t, err)
	got, err = ReadExact(nested, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("de"), got)

	_, err = sub.Slice(2, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReadAtShortReadReturnsEOF(t *testing.T) {
	v := NewBytesView([]byte{1, 2, 3})

	buf := make([]byte, 8)
	n, err := v.ReadAt(buf, 1)
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestOpenFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data.bin", []byte("hello world"), 0o644))

	fv, err := OpenFile(fs, "/data.bin")
	require.NoError(t, err)
	defer fv.Close()

	assert.Equal(t, int64(11), fv.Size())

	got, err := ReadExact(fv, 6, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	require.NoError(t, fv.Close())
	require.NoError(t, fv.Close())
}
