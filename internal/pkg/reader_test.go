package pkg_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-orbispkg/internal/crypto"
	"github.com/deploymenttheory/go-orbispkg/internal/keystore"
	"github.com/deploymenttheory/go-orbispkg/internal/memio"
	"github.com/deploymenttheory/go-orbispkg/internal/pfs/pfstest"
	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
	"github.com/deploymenttheory/go-orbispkg/internal/pkg/pkgtest"
	"github.com/deploymenttheory/go-orbispkg/internal/sfo"
)

const testContentID = "AA0000-BBBB00000_00-ZZZZZZZZZZZZZZZZ"

func testParamSfo(t *testing.T) []byte {
	t.Helper()

	f := &sfo.File{}
	f.SetString("TITLE", "Test Title", sfo.TypeUtf8, 128)
	f.SetString("CONTENT_ID", testContentID, sfo.TypeUtf8, 48)
	f.SetString("VERSION", "01.00", sfo.TypeUtf8, 8)
	f.SetString("PUBTOOLINFO", "c_date=20240102,c_time=030405", sfo.TypeUtf8, 0x200)
	f.SetString("PUBTOOLVER", "1.00", sfo.TypeUtf8, 8)

	data, err := f.Serialize()
	require.NoError(t, err)
	return data
}

// buildGD assembles a GD package holding an encrypted param.sfo, an icon,
// and an encrypted outer PFS wrapping a compressed inner filesystem.
func buildGD(t *testing.T, passcode string) []byte {
	t.Helper()

	inner := pfstest.Build(pfstest.Spec{
		Timestamp: 1700000000,
		Uroot: []pfstest.Node{
			pfstest.Dir("sce_sys", pfstest.File("param.sfo", testParamSfo(t))),
			pfstest.File("eboot.bin", bytes.Repeat([]byte{0xE0}, 0x2345)),
		},
	})

	outer := pfstest.Build(pfstest.Spec{
		Uroot: []pfstest.Node{pfstest.File("pfs_image.dat", pfstest.WrapPFSC(inner, 0x1000))},
		EKPFS: crypto.DeriveEKPFS(testContentID, passcode),
		Seed:  [16]byte{0xAA, 0xBB, 0xCC, 0xDD, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	})

	return pkgtest.Build(pkgtest.Spec{
		ContentID:   testContentID,
		ContentType: pkg.ContentTypeGD,
		Passcode:    passcode,
		PFSImage:    outer,
		ChunkSha:    true,
		Entries: []pkgtest.Entry{
			{ID: pkg.EntryParamSfo, Data: testParamSfo(t), Encrypted: true},
			{ID: pkg.EntryIcon0Png, Data: bytes.Repeat([]byte{0x11}, 100)},
		},
	})
}

func TestOpenWithZeroPasscode(t *testing.T) {
	image := buildGD(t, crypto.ZeroPasscode)

	store := keystore.New()
	r, err := pkg.OpenView(memio.NewBytesView(image), store)
	require.NoError(t, err)

	assert.Equal(t, testContentID, r.Header.ContentID)
	assert.Equal(t, pkg.ContentTypeGD, r.Header.ContentType)

	// Ladder step 1: the zero passcode unlocks the image.
	assert.Equal(t, crypto.ZeroPasscode, r.Passcode())
	assert.True(t, r.IsFileSystemAccessible())

	// The verified material lands in the store.
	cached, ok := store.Passcode(testContentID)
	require.True(t, ok)
	assert.Equal(t, crypto.ZeroPasscode, cached)

	_, err = r.OuterPFS()
	require.NoError(t, err)
}

func TestExtractParamSfo(t *testing.T) {
	image := buildGD(t, crypto.ZeroPasscode)

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	m := r.Meta(pkg.EntryParamSfo)
	require.NotNil(t, m)
	assert.True(t, m.Encrypted())

	data, err := r.ExtractEntry(m, true)
	require.NoError(t, err)

	assert.Equal(t, int(m.DataSize), len(data))
	assert.Equal(t, []byte{0x00, 0x50, 0x53, 0x46}, data[:4])

	parsed, err := sfo.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "Test Title", parsed.GetString("TITLE"))

	// Without decryption the padded ciphertext comes back.
	raw, err := r.ExtractEntry(m, false)
	require.NoError(t, err)
	assert.Equal(t, int(m.DiskSize()), len(raw))
	assert.NotEqual(t, data[:4], raw[:4])
}

func TestInnerFileSystem(t *testing.T) {
	image := buildGD(t, crypto.ZeroPasscode)

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	inner, _, err := r.InnerPFS()
	require.NoError(t, err)

	assert.Equal(t, uint64(1700000000), inner.Header().VolumeTimestamp())

	tree, err := inner.Tree()
	require.NoError(t, err)

	i := tree.Lookup("/uroot/eboot.bin")
	require.GreaterOrEqual(t, i, 0)

	fv, err := inner.FileView(i)
	require.NoError(t, err)

	got, err := memio.ReadExact(fv, 0, int(fv.Size()))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xE0}, 0x2345), got)
}

func TestKeyLadderCachedPasscode(t *testing.T) {
	const passcode = "SECRETSECRETSECRETSECRETSECRET12"
	image := buildGD(t, passcode)

	// Without hints the package stays locked.
	r, err := pkg.OpenView(memio.NewBytesView(image), keystore.New())
	require.NoError(t, err)
	assert.Empty(t, r.Passcode())
	assert.False(t, r.IsFileSystemAccessible())

	// Ladder step 2: a cached passcode for the content ID.
	store := keystore.New()
	store.SetPasscode(testContentID, passcode)

	r, err = pkg.OpenView(memio.NewBytesView(image), store)
	require.NoError(t, err)
	assert.Equal(t, passcode, r.Passcode())
	assert.True(t, r.IsFileSystemAccessible())
}

func TestKeyLadderImageKey(t *testing.T) {
	const passcode = "SECRETSECRETSECRETSECRETSECRET12"

	image := pkgtest.Build(pkgtest.Spec{
		ContentID:   testContentID,
		ContentType: pkg.ContentTypeGD,
		Passcode:    passcode,
		ImageKey:    true,
	})

	// Ladder step 3: the EKPFS recovered through the debug key.
	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	assert.Empty(t, r.Passcode())
	assert.Equal(t, crypto.DeriveEKPFS(testContentID, passcode), r.EKPFS())
}

func TestKeyLadderCachedEKPFS(t *testing.T) {
	const passcode = "SECRETSECRETSECRETSECRETSECRET12"
	image := buildGD(t, passcode)

	store := keystore.New()
	store.SetEKPFS(testContentID, crypto.DeriveEKPFS(testContentID, passcode))

	// Ladder step 4: a cached EKPFS.
	r, err := pkg.OpenView(memio.NewBytesView(image), store)
	require.NoError(t, err)
	assert.True(t, r.IsFileSystemAccessible())

	_, _, err = r.InnerPFS()
	require.NoError(t, err)
}

func TestTryPasscode(t *testing.T) {
	const passcode = "SECRETSECRETSECRETSECRETSECRET12"
	image := buildGD(t, passcode)

	store := keystore.New()
	r, err := pkg.OpenView(memio.NewBytesView(image), store)
	require.NoError(t, err)

	assert.False(t, r.TryPasscode("wrong"))
	assert.False(t, r.TryPasscode("WRONGWRONGWRONGWRONGWRONGWRONG12"))
	assert.True(t, r.TryPasscode(passcode))

	cached, ok := store.Passcode(testContentID)
	require.True(t, ok)
	assert.Equal(t, passcode, cached)
}

func TestTryXTSKeys(t *testing.T) {
	const passcode = "SECRETSECRETSECRETSECRETSECRET12"
	image := buildGD(t, passcode)

	r, err := pkg.OpenView(memio.NewBytesView(image), keystore.New())
	require.NoError(t, err)
	require.False(t, r.IsFileSystemAccessible())

	// Derive the pair the way the packer did and feed it in directly.
	ekpfs := crypto.DeriveEKPFS(testContentID, passcode)
	seed := [16]byte{0xAA, 0xBB, 0xCC, 0xDD, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	tweak, data := crypto.XtsKeysFromEKPFS(ekpfs, seed[:])

	assert.False(t, r.TryXTSKeys([]byte{1}, []byte{2}))
	assert.True(t, r.TryXTSKeys(tweak, data))
	assert.True(t, r.IsFileSystemAccessible())

	_, _, err = r.InnerPFS()
	require.NoError(t, err)
}

func TestNoPfsImage(t *testing.T) {
	image := pkgtest.Build(pkgtest.Spec{
		ContentID:   testContentID,
		ContentType: pkg.ContentTypeAL,
		Entries: []pkgtest.Entry{
			{ID: pkg.EntryParamSfo, Data: testParamSfo(t)},
		},
	})

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	assert.Zero(t, r.Header.PfsImageSize)
	assert.False(t, r.IsFileSystemAccessible())

	_, err = r.PfsView()
	assert.Error(t, err)
}

func TestEntryNames(t *testing.T) {
	image := pkgtest.Build(pkgtest.Spec{
		ContentID:   testContentID,
		ContentType: pkg.ContentTypeGD,
		Entries: []pkgtest.Entry{
			{ID: pkg.EntryParamSfo, Data: testParamSfo(t)},
			{ID: pkg.EntryIcon0Png, Name: "icon0_custom.png", Data: []byte{1, 2, 3}},
		},
	})

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	// Known mapping when no table entry exists.
	assert.Equal(t, "param.sfo", r.Name(r.Meta(pkg.EntryParamSfo)))

	// The name table wins when the entry carries an offset.
	assert.Equal(t, "icon0_custom.png", r.Name(r.Meta(pkg.EntryIcon0Png)))
}

func TestBadMagic(t *testing.T) {
	image := buildGD(t, crypto.ZeroPasscode)
	image[0] = 0x00

	_, err := pkg.OpenView(memio.NewBytesView(image), nil)
	assert.ErrorIs(t, err, pkg.ErrBadMagic)
}

func TestValidate(t *testing.T) {
	image := buildGD(t, crypto.ZeroPasscode)

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	var results []pkg.ValidationResult
	for res := range r.Validate(context.Background()) {
		results = append(results, res)
	}
	require.NotEmpty(t, results)

	// Ordered by ascending location.
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Location, results[i].Location)
	}

	byName := map[string]pkg.ValidationResult{}
	for _, res := range results {
		byName[res.Name] = res
	}

	assert.Equal(t, pkg.StatusOk, byName["header digest"].Status)
	assert.Equal(t, pkg.StatusNoKey, byName["header cmac"].Status)
	assert.Equal(t, pkg.StatusOk, byName["pfs image digest"].Status)
	assert.Equal(t, pkg.StatusOk, byName["playgo chunk digests"].Status)
	assert.Equal(t, pkg.StatusOk, byName["entry param.sfo"].Status)
	assert.Equal(t, pkg.StatusOk, byName["entry icon0.png"].Status)
}

func TestValidateDetectsTampering(t *testing.T) {
	image := buildGD(t, crypto.ZeroPasscode)

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	// Flip one byte inside icon0.png.
	m := r.Meta(pkg.EntryIcon0Png)
	require.NotNil(t, m)
	image[m.DataOffset] ^= 0xFF

	r, err = pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	for res := range r.Validate(context.Background()) {
		if res.Name == "entry icon0.png" {
			assert.Equal(t, pkg.StatusFail, res.Status)
			return
		}
	}
	t.Fatal("icon0.png validation row missing")
}

func TestValidateLockedEntriesReportNoKey(t *testing.T) {
	image := buildGD(t, "SECRETSECRETSECRETSECRETSECRET12")

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)
	require.False(t, r.IsFileSystemAccessible())

	for res := range r.Validate(context.Background()) {
		if res.Name == "entry param.sfo" {
			assert.Equal(t, pkg.StatusNoKey, res.Status)
			return
		}
	}
	t.Fatal("param.sfo validation row missing")
}

func TestValidateCancellation(t *testing.T) {
	image := buildGD(t, crypto.ZeroPasscode)

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Validate(ctx)

	<-ch
	cancel()

	// The stream drains without deadlocking after cancellation.
	count := 0
	for range ch {
		count++
	}
	assert.Less(t, count, 20)
}

func TestEntitlementKey(t *testing.T) {
	want := bytes.Repeat([]byte{0x5E}, 16)

	secret := make([]byte, 0x90)
	copy(secret[0x70:0x80], want)
	require.NoError(t, crypto.EncryptCBC(crypto.DebugKey, make([]byte, 16), secret))

	license := make([]byte, 0x230)
	copy(license[0x1A0:], secret)

	image := pkgtest.Build(pkgtest.Spec{
		ContentID:   testContentID,
		ContentType: pkg.ContentTypeAC,
		Entries: []pkgtest.Entry{
			{ID: pkg.EntryLicenseDat, Data: license},
		},
	})

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	key, err := r.EntitlementKey()
	require.NoError(t, err)
	assert.Equal(t, want, key)
}

func TestEntitlementKeyRejectsGameData(t *testing.T) {
	image := buildGD(t, crypto.ZeroPasscode)

	r, err := pkg.OpenView(memio.NewBytesView(image), nil)
	require.NoError(t, err)

	_, err = r.EntitlementKey()
	assert.Error(t, err)
}
