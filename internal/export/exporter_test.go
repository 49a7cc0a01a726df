package export

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-orbispkg/internal/crypto"
	"github.com/deploymenttheory/go-orbispkg/internal/fpt"
	"github.com/deploymenttheory/go-orbispkg/internal/gp4"
	"github.com/deploymenttheory/go-orbispkg/internal/memio"
	"github.com/deploymenttheory/go-orbispkg/internal/pfs"
	"github.com/deploymenttheory/go-orbispkg/internal/pfs/pfstest"
	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
	"github.com/deploymenttheory/go-orbispkg/internal/pkg/pkgtest"
	"github.com/deploymenttheory/go-orbispkg/internal/sfo"
)

const testContentID = "AA0000-BBBB00000_00-ZZZZZZZZZZZZZZZZ"

func testParamSfo(t *testing.T) []byte {
	t.Helper()

	f := &sfo.File{}
	f.SetString("TITLE", "Export Me", sfo.TypeUtf8, 128)
	f.SetString("VERSION", "01.00", sfo.TypeUtf8, 8)
	f.SetString("PUBTOOLINFO", "c_date=20240102,c_time=030405,sdk_ver=09500001", sfo.TypeUtf8, 0x200)
	f.SetString("PUBTOOLVER", "3.10", sfo.TypeUtf8, 8)

	data, err := f.Serialize()
	require.NoError(t, err)
	return data
}

func buildGD(t *testing.T) []byte {
	t.Helper()

	inner := pfstest.Build(pfstest.Spec{
		Timestamp: 1700000000, // 2023-11-14 22:13:20 UTC
		Uroot: []pfstest.Node{
			pfstest.Dir("sce_module", pfstest.File("libc.prx", bytes.Repeat([]byte{0xC0}, 0x1234))),
			pfstest.File("eboot.bin", bytes.Repeat([]byte{0xE0}, 0x3000)),
			pfstest.Dir("assets",
				pfstest.File("data.bin", []byte("asset payload")),
			),
		},
	})

	outer := pfstest.Build(pfstest.Spec{
		Uroot: []pfstest.Node{pfstest.File("pfs_image.dat", pfstest.WrapPFSC(inner, 0x1000))},
		EKPFS: crypto.DeriveEKPFS(testContentID, crypto.ZeroPasscode),
		Seed:  [16]byte{9, 8, 7, 6, 5, 4, 3, 2, 1},
	})

	return pkgtest.Build(pkgtest.Spec{
		ContentID:   testContentID,
		ContentType: pkg.ContentTypeGD,
		PFSImage:    outer,
		Entries: []pkgtest.Entry{
			{ID: pkg.EntryParamSfo, Data: testParamSfo(t), Encrypted: true},
			{ID: pkg.EntryIcon0Png, Data: bytes.Repeat([]byte{0x11}, 64)},
			{ID: pkg.EntryChangeinfoXML, Data: []byte("<changeinfo/>")},
		},
	})
}

func openTestPkg(t *testing.T, image []byte) *pkg.Reader {
	t.Helper()

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)
	return r
}

func TestExportProject(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := openTestPkg(t, buildGD(t))

	var lastPercent int
	e := New(fs, r, Options{
		OutDir:         "/out",
		DecryptEntries: true,
		Progress: func(percent int, _ string) {
			assert.GreaterOrEqual(t, percent, lastPercent)
			lastPercent = percent
		},
	})

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 100, lastPercent)
	assert.Equal(t, "/out/Project.gp4", res.ProjectPath)

	// The uroot tree is mirrored relative to the output root.
	for _, p := range []string{
		"/out/sce_sys/param.sfo",
		"/out/sce_sys/icon0.png",
		"/out/sce_sys/changeinfo/changeinfo.xml",
		"/out/sce_module/libc.prx",
		"/out/eboot.bin",
		"/out/assets/data.bin",
	} {
		ok, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}

	got, err := afero.ReadFile(fs, "/out/eboot.bin")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xE0}, 0x3000), got)

	got, err = afero.ReadFile(fs, "/out/assets/data.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("asset payload"), got)

	// param.sfo was rewritten without the packer fields.
	got, err = afero.ReadFile(fs, "/out/sce_sys/param.sfo")
	require.NoError(t, err)

	param, err := sfo.Parse(got)
	require.NoError(t, err)
	assert.Nil(t, param.Get("PUBTOOLINFO"))
	assert.Nil(t, param.Get("PUBTOOLVER"))
	assert.Equal(t, "Export Me", param.GetString("TITLE"))

	// Project.gp4 reflects the volume and creation metadata.
	pf, err := fs.Open("/out/Project.gp4")
	require.NoError(t, err)
	defer pf.Close()

	project, err := gp4.Parse(pf)
	require.NoError(t, err)

	assert.Equal(t, gp4.VolumeTypeApp, project.Volume.Type)
	assert.Equal(t, "2023-11-14 22:13:20", project.Volume.Timestamp)
	assert.Equal(t, testContentID, project.Volume.Package.ContentID)
	assert.Equal(t, crypto.ZeroPasscode, project.Volume.Package.Passcode)
	assert.Equal(t, "2024-01-02 03:04:05", project.Volume.Package.CreationDate)

	assert.True(t, project.HasFile("eboot.bin"))
	assert.True(t, project.HasFile("sce_sys/param.sfo"))
	assert.True(t, project.HasFile("assets/data.bin"))
}

func TestExportSkipsGeneratedEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := openTestPkg(t, buildGD(t))

	_, err := New(fs, r, Options{OutDir: "/out", DecryptEntries: true}).Run(context.Background())
	require.NoError(t, err)

	for _, p := range []string{
		"/out/sce_sys/.digests",
		"/out/sce_sys/.entry_keys",
		"/out/sce_sys/.metas",
		"/out/sce_sys/.entry_names",
	} {
		ok, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}
}

func TestExportEntitlementKey(t *testing.T) {
	want := bytes.Repeat([]byte{0x7A}, 16)

	secret := make([]byte, 0x90)
	copy(secret[0x70:0x80], want)
	require.NoError(t, crypto.EncryptCBC(crypto.DebugKey, make([]byte, 16), secret))

	license := make([]byte, 0x230)
	copy(license[0x1A0:], secret)

	image := pkgtest.Build(pkgtest.Spec{
		ContentID:   testContentID,
		ContentType: pkg.ContentTypeAC,
		Entries: []pkgtest.Entry{
			{ID: pkg.EntryParamSfo, Data: testParamSfo(t)},
			{ID: pkg.EntryLicenseDat, Data: license},
		},
	})

	fs := afero.NewMemMapFs()
	r := openTestPkg(t, image)

	res, err := New(fs, r, Options{OutDir: "/out", DecryptEntries: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Failed)

	pf, err := fs.Open("/out/Project.gp4")
	require.NoError(t, err)
	defer pf.Close()

	project, err := gp4.Parse(pf)
	require.NoError(t, err)
	assert.Equal(t, gp4.VolumeTypeACData, project.Volume.Type)
	assert.Equal(t, "7a7a7a7a7a7a7a7a7a7a7a7a7a7a7a7a", project.Volume.Package.EntitlementKey)

	// license.dat is generated at packaging time and must not be exported.
	ok, err := afero.Exists(fs, "/out/sce_sys/license.dat")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportCancellation(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := openTestPkg(t, buildGD(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(fs, r, Options{OutDir: "/out"}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlatPathTableMatchesTreeWalk(t *testing.T) {
	// Build an inner image whose flat_path_table is generated from the
	// same node list, then check table lookups against the tree.
	uroot := []pfstest.Node{
		pfstest.Dir("sce_sys", pfstest.File("param.sfo", testParamSfo(t))),
		pfstest.File("eboot.bin", []byte("boot")),
	}

	// Inode numbers in pfstest images are breadth-first: 0 super_root,
	// 1 flat_path_table, 2 uroot, then uroot's tree.
	entries := []fpt.PathEntry{
		{Path: "/sce_sys", Ino: 3, Dir: true},
		{Path: "/eboot.bin", Ino: 4},
		{Path: "/sce_sys/param.sfo", Ino: 5},
	}

	table, err := fpt.Build(entries)
	require.NoError(t, err)

	inner := pfstest.Build(pfstest.Spec{
		Uroot:         uroot,
		FlatPathTable: table.Encode(),
	})

	r, err := openInner(t, inner)
	require.NoError(t, err)

	tree, err := r.Tree()
	require.NoError(t, err)

	urootIdx, err := r.Uroot()
	require.NoError(t, err)
	urootPath := tree.Path(urootIdx)

	// Read the table back out of the image.
	fptIdx := tree.Child(tree.Root, "flat_path_table")
	require.GreaterOrEqual(t, fptIdx, 0)

	fv, err := r.FileView(fptIdx)
	require.NoError(t, err)

	blob, err := memio.ReadExact(fv, 0, int(fv.Size()))
	require.NoError(t, err)

	parsed, err := fpt.Parse(blob, nil)
	require.NoError(t, err)

	// Every tree path resolves to the inode the walk found.
	err = tree.Walk(urootIdx, func(i int) error {
		if i == urootIdx {
			return nil
		}

		rel := trimPrefix(tree.Path(i), urootPath)
		ino, _, ok := parsed.Lookup(rel)
		require.True(t, ok, rel)
		assert.Equal(t, uint32(tree.Nodes[i].Ino), ino, rel)
		return nil
	})
	require.NoError(t, err)
}

func openInner(t *testing.T, image []byte) (*pfs.Reader, error) {
	t.Helper()
	return pfs.NewReader(memio.NewBytesView(image), nil)
}

func trimPrefix(p, prefix string) string {
	if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
		return p[len(prefix):]
	}
	return p
}
