package pfs_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-orbispkg/internal/crypto"
	"github.com/deploymenttheory/go-orbispkg/internal/memio"
	"github.com/deploymenttheory/go-orbispkg/internal/pfs"
	"github.com/deploymenttheory/go-orbispkg/internal/pfs/pfstest"
)

func testTree() []pfstest.Node {
	return []pfstest.Node{
		pfstest.Dir("sce_sys",
			pfstest.File("param.sfo", bytes.Repeat([]byte{0xAA}, 100)),
		),
		pfstest.File("eboot.bin", bytes.Repeat([]byte{0xBB}, 0x1800)),
		pfstest.Dir("assets",
			pfstest.File("data.bin", []byte("hello pfs")),
			pfstest.Dir("sub",
				pfstest.File("deep.txt", []byte("deep")),
			),
		),
	}
}

func TestPlaintextWalk(t *testing.T) {
	image := pfstest.Build(pfstest.Spec{Uroot: testTree(), Timestamp: 1700000000})

	r, err := pfs.NewReader(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	hdr := r.Header()
	assert.False(t, hdr.Encrypted())
	assert.Equal(t, uint64(1700000000), hdr.VolumeTimestamp())
	assert.Equal(t, int(hdr.DinodeCount), r.InodeCount())

	uroot, err := r.Uroot()
	require.NoError(t, err)

	tree, err := r.Tree()
	require.NoError(t, err)

	assert.Equal(t, "/uroot", tree.Path(uroot))
	assert.GreaterOrEqual(t, tree.Child(tree.Root, "flat_path_table"), 0)

	// Children come back in dirent order.
	names := make([]string, 0)
	for _, c := range tree.Nodes[uroot].Children {
		names = append(names, tree.Nodes[c].Name)
	}
	assert.Equal(t, []string{"sce_sys", "eboot.bin", "assets"}, names)

	deep := tree.Lookup("/uroot/assets/sub/deep.txt")
	require.GreaterOrEqual(t, deep, 0)
	assert.Equal(t, "/uroot/assets/sub/deep.txt", tree.Path(deep))
	assert.Equal(t, uint64(4), tree.Nodes[deep].Size)
}

func TestFileViews(t *testing.T) {
	image := pfstest.Build(pfstest.Spec{Uroot: testTree()})

	r, err := pfs.NewReader(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	tree, err := r.Tree()
	require.NoError(t, err)

	// Single-block file.
	i := tree.Lookup("/uroot/assets/data.bin")
	require.GreaterOrEqual(t, i, 0)

	fv, err := r.FileView(i)
	require.NoError(t, err)
	assert.Equal(t, int64(9), fv.Size())

	got, err := memio.ReadExact(fv, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello pfs"), got)

	// Multi-block file read across the block boundary.
	i = tree.Lookup("/uroot/eboot.bin")
	require.GreaterOrEqual(t, i, 0)

	fv, err = r.FileView(i)
	require.NoError(t, err)
	assert.Equal(t, int64(0x1800), fv.Size())

	got, err = memio.ReadExact(fv, 0, 0x1800)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, 0x1800), got)

	got, err = memio.ReadExact(fv, 0xFF0, 0x20)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, 0x20), got)

	_, err = memio.ReadExact(fv, 0x17F8, 0x10)
	assert.ErrorIs(t, err, memio.ErrOutOfRange)

	// Directories have no file view.
	i = tree.Lookup("/uroot/assets")
	require.GreaterOrEqual(t, i, 0)
	_, err = r.FileView(i)
	assert.Error(t, err)
}

func TestIndirectBlocks(t *testing.T) {
	// Fourteen blocks force the pointer list through the indirect block.
	data := make([]byte, 14*0x1000-123)
	for i := range data {
		data[i] = byte(i)
	}

	image := pfstest.Build(pfstest.Spec{
		Uroot: []pfstest.Node{pfstest.File("big.bin", data)},
	})

	r, err := pfs.NewReader(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	tree, err := r.Tree()
	require.NoError(t, err)

	i := tree.Lookup("/uroot/big.bin")
	require.GreaterOrEqual(t, i, 0)

	fv, err := r.FileView(i)
	require.NoError(t, err)

	got, err := memio.ReadExact(fv, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEncryptedImage(t *testing.T) {
	ekpfs := crypto.DeriveEKPFS("AA0000-BBBB00000_00-ZZZZZZZZZZZZZZZZ", crypto.ZeroPasscode)
	seed := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	image := pfstest.Build(pfstest.Spec{
		Uroot: testTree(),
		EKPFS: ekpfs,
		Seed:  seed,
	})

	// Without a key the reader refuses.
	_, err := pfs.NewReader(memio.NewBytesView(image), nil)
	assert.ErrorIs(t, err, pfs.ErrMissingKey)

	// With the EKPFS everything reads like the plaintext image.
	r, err := pfs.NewReader(memio.NewBytesView(image), &pfs.Keys{EKPFS: ekpfs})
	require.NoError(t, err)

	tree, err := r.Tree()
	require.NoError(t, err)

	i := tree.Lookup("/uroot/assets/data.bin")
	require.GreaterOrEqual(t, i, 0)

	fv, err := r.FileView(i)
	require.NoError(t, err)

	got, err := memio.ReadExact(fv, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello pfs"), got)

	// Explicit XTS keys work too.
	tweak, data := crypto.XtsKeysFromEKPFS(ekpfs, seed[:])
	r, err = pfs.NewReader(memio.NewBytesView(image), &pfs.Keys{XtsTweak: tweak, XtsData: data})
	require.NoError(t, err)
	_, err = r.Uroot()
	require.NoError(t, err)

	// A wrong key decrypts the inode table into garbage; the tree walk
	// cannot reproduce the plaintext layout.
	wrong := crypto.DeriveEKPFS("AA0000-BBBB00000_00-ZZZZZZZZZZZZZZZZ", "11111111111111111111111111111111")
	r, err = pfs.NewReader(memio.NewBytesView(image), &pfs.Keys{EKPFS: wrong})
	if err == nil {
		if _, err = r.Uroot(); err == nil {
			tree, err := r.Tree()
			require.NoError(t, err)
			assert.Less(t, tree.Lookup("/uroot/assets/data.bin"), 0)
		}
	}
}

func TestBadMagic(t *testing.T) {
	image := pfstest.Build(pfstest.Spec{Uroot: testTree()})
	image[0x08] ^= 0xFF

	_, err := pfs.NewReader(memio.NewBytesView(image), nil)
	assert.ErrorIs(t, err, pfs.ErrBadMagic)
}
