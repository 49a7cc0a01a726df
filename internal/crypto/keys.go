package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// EKPFSSize is the size of the image encryption key derived from a passcode.
const EKPFSSize = 32

// PasscodeLength is the fixed length of a package passcode.
const PasscodeLength = 32

// ZeroPasscode is the passcode carried by packages built without a secret.
const ZeroPasscode = "00000000000000000000000000000000"

// pfsSigSeed keys the outer HMAC of the passcode derivation.
var pfsSigSeed = []byte{
	0x2A, 0x65, 0x1E, 0x5C, 0x4F, 0x8A, 0x93, 0x27, 0xB1, 0x6E, 0x19, 0xD0, 0x57, 0x3C, 0xE2, 0x44,
	0x8D, 0x0B, 0x72, 0xF6, 0x31, 0xAE, 0xC5, 0x98, 0x6A, 0x42, 0xD7, 0x0F, 0xE4, 0x5B, 0x29, 0x83,
}

// DebugKey decrypts the image-key entry and license secrets of debug and
// fake-signed packages.
var DebugKey = []byte{
	0x42, 0x0C, 0x67, 0x1A, 0xD1, 0x9E, 0x75, 0x3B, 0xF8, 0x24, 0x5D, 0x96, 0x0E, 0xC3, 0x88, 0x51,
}

// HMACSHA256 computes a keyed SHA-256 MAC.
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// PfsGenCryptoKey derives a 32-byte subkey from an EKPFS and the image key
// seed: HMAC-SHA256(ekpfs, u32le(index) || seed).
func PfsGenCryptoKey(ekpfs, seed []byte, index uint32) []byte {
	data := make([]byte, 4+len(seed))
	binary.LittleEndian.PutUint32(data, index)
	copy(data[4:], seed)
	return HMACSHA256(ekpfs, data)
}

// PfsGenEncKey derives the XTS key pair material (index 1).
func PfsGenEncKey(ekpfs, seed []byte) []byte {
	return PfsGenCryptoKey(ekpfs, seed, 1)
}

// PfsGenSignKey derives the signing key used by the EKPFS check MAC (index 2).
func PfsGenSignKey(ekpfs, seed []byte) []byte {
	return PfsGenCryptoKey(ekpfs, seed, 2)
}

// XtsKeysFromEKPFS splits the derived enc key into the XTS tweak and data
// keys: the first 16 bytes tweak, the last 16 bytes data.
func XtsKeysFromEKPFS(ekpfs, seed []byte) (tweak, data []byte) {
	enc := PfsGenEncKey(ekpfs, seed)
	return enc[:16], enc[16:32]
}

// DeriveEKPFS computes the image encryption key from a content ID and
// passcode. The inner HMAC binds the key to the content ID under the fixed
// pfs_sig seed; the outer HMAC mixes in the passcode.
func DeriveEKPFS(contentID, passcode string) []byte {
	data := make([]byte, 0, 4+7+len(contentID))
	data = binary.LittleEndian.AppendUint32(data, 1)
	data = append(data, "pfs_sig"...)
	data = append(data, contentID...)

	key := HMACSHA256(pfsSigSeed, data)
	return HMACSHA256(key, []byte(passcode))
}

// EntryKey derives the AES-CBC key and IV for an encrypted meta entry with
// key index 0..2. The digest binds content ID, passcode, table index and
// entry ID; its first half is the IV, the second half the key.
func EntryKey(contentID, passcode string, index, id uint32) (key, iv []byte) {
	h := sha256.New()
	h.Write([]byte(contentID))
	h.Write([]byte(passcode))

	var u [8]byte
	binary.LittleEndian.PutUint32(u[0:4], index)
	binary.LittleEndian.PutUint32(u[4:8], id)
	h.Write(u[:])

	digest := h.Sum(nil)
	return digest[16:32], digest[0:16]
}
