package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContentID = "AA0000-BBBB00000_00-ZZZZZZZZZZZZZZZZ"

func TestDeriveEKPFSDeterministic(t *testing.T) {
	a := DeriveEKPFS(testContentID, ZeroPasscode)
	b := DeriveEKPFS(testContentID, ZeroPasscode)

	assert.Len(t, a, EKPFSSize)
	assert.Equal(t, a, b)
}

func TestDeriveEKPFSDependsOnAllInputs(t *testing.T) {
	base := DeriveEKPFS(testContentID, ZeroPasscode)

	otherPasscode := DeriveEKPFS(testContentID, "11111111111111111111111111111111")
	otherContent := DeriveEKPFS("AA0000-BBBB00000_00-YYYYYYYYYYYYYYYY", ZeroPasscode)

	assert.NotEqual(t, base, otherPasscode)
	assert.NotEqual(t, base, otherContent)
}

func TestPfsGenCryptoKeyIndexesDiffer(t *testing.T) {
	ekpfs := DeriveEKPFS(testContentID, ZeroPasscode)
	seed := bytes.Repeat([]byte{0xA5}, 16)

	enc := PfsGenEncKey(ekpfs, seed)
	sign := PfsGenSignKey(ekpfs, seed)

	assert.Len(t, enc, 32)
	assert.Len(t, sign, 32)
	assert.NotEqual(t, enc, sign)

	tweak, data := XtsKeysFromEKPFS(ekpfs, seed)
	assert.Equal(t, enc[:16], tweak)
	assert.Equal(t, enc[16:32], data)
}

func TestEntryKeyDistinctPerEntry(t *testing.T) {
	k0, iv0 := EntryKey(testContentID, ZeroPasscode, 0, 0x1000)
	k1, iv1 := EntryKey(testContentID, ZeroPasscode, 1, 0x1000)
	k2, iv2 := EntryKey(testContentID, ZeroPasscode, 0, 0x1200)

	assert.Len(t, k0, 16)
	assert.Len(t, iv0, 16)
	assert.NotEqual(t, k0, k1)
	assert.NotEqual(t, iv0, iv1)
	assert.NotEqual(t, k0, k2)
	assert.NotEqual(t, iv0, iv2)
}

func TestXtsRoundTrip(t *testing.T) {
	const sectorSize = 0x200

	tweak := bytes.Repeat([]byte{0x11}, 16)
	data := bytes.Repeat([]byte{0x22}, 16)

	x, err := NewXtsCipher(tweak, data, sectorSize)
	require.NoError(t, err)

	plain := make([]byte, sectorSize)
	for i := range plain {
		plain[i] = byte(i * 7)
	}

	buf := make([]byte, sectorSize)
	copy(buf, plain)

	require.NoError(t, x.EncryptSector(buf, 5))
	assert.NotEqual(t, plain, buf)

	require.NoError(t, x.DecryptSector(buf, 5))
	assert.Equal(t, plain, buf)
}

func TestXtsSectorIndexMatters(t *testing.T) {
	const sectorSize = 0x200

	x, err := NewXtsCipher(bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{2}, 16), sectorSize)
	require.NoError(t, err)

	a := make([]byte, sectorSize)
	b := make([]byte, sectorSize)

	require.NoError(t, x.EncryptSector(a, 0))
	require.NoError(t, x.EncryptSector(b, 1))
	assert.NotEqual(t, a, b)
}

func TestXtsRejectsBadGeometry(t *testing.T) {
	_, err := NewXtsCipher(make([]byte, 16), make([]byte, 16), 100)
	assert.Error(t, err)

	_, err = NewXtsCipher(make([]byte, 8), make([]byte, 16), 0x200)
	assert.Error(t, err)

	x, err := NewXtsCipher(make([]byte, 16), make([]byte, 16), 0x200)
	require.NoError(t, err)
	assert.Error(t, x.DecryptSector(make([]byte, 0x100), 0))
}

func TestEncryptBlockECB(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)

	a := make([]byte, 16)
	b := make([]byte, 16)

	require.NoError(t, EncryptBlockECB(key, a))
	require.NoError(t, EncryptBlockECB(key, b))
	assert.Equal(t, a, b)
	assert.NotEqual(t, make([]byte, 16), a)

	assert.Error(t, EncryptBlockECB(key, make([]byte, 15)))
	assert.Error(t, EncryptBlockECB(make([]byte, 5), make([]byte, 16)))
}

func TestCBCRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	iv := bytes.Repeat([]byte{0x17}, 16)

	plain := []byte("0123456789abcdef0123456789abcdef")
	buf := make([]byte, len(plain))
	copy(buf, plain)

	require.NoError(t, EncryptCBC(key, iv, buf))
	assert.NotEqual(t, plain, buf)

	require.NoError(t, DecryptCBC(key, iv, buf))
	assert.Equal(t, plain, buf)
}

func TestCBCRejectsUnalignedData(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)

	assert.Error(t, DecryptCBC(key, iv, make([]byte, 15)))
	assert.Error(t, EncryptCBC(key, iv, make([]byte, 17)))
}

func TestPKCS7RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31} {
		data := bytes.Repeat([]byte{0x5A}, n)

		padded := PadPKCS7(data, 16)
		assert.Zero(t, len(padded)%16)

		got, err := UnpadPKCS7(padded)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	_, err := UnpadPKCS7([]byte{1, 2, 3, 0})
	assert.ErrorIs(t, err, ErrBadPadding)
}
