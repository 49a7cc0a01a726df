package pkg

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/deploymenttheory/go-orbispkg/internal/crypto"
	"github.com/deploymenttheory/go-orbispkg/internal/keystore"
	"github.com/deploymenttheory/go-orbispkg/internal/memio"
	"github.com/deploymenttheory/go-orbispkg/internal/pfs"
	"github.com/deploymenttheory/go-orbispkg/internal/pfsc"
)

// entryKeysSeedSize and entryKeysMacSize describe the ENTRY_KEYS payload:
// a seed followed by an HMAC computed with the PFS sign key over the seed.
const (
	entryKeysSeedSize = 16
	entryKeysMacSize  = 32
)

// Reader is an open package session. It owns the underlying file view for
// its lifetime; PFS readers derived from it borrow sub-views and must be
// dropped before Close.
type Reader struct {
	// ID tags the session in logs.
	ID uuid.UUID

	Header *Header
	Metas  []MetaEntry

	src   memio.Reader
	owned *memio.FileView
	names []byte
	store *keystore.Store

	// Unlocked key material, populated by the key ladder.
	passcode string
	ekpfs    []byte
	xtsTweak []byte
	xtsData  []byte
}

// Open opens the package at path and runs the key ladder against store.
// store may be nil to skip caching.
func Open(fs afero.Fs, path string, store *keystore.Store) (*Reader, error) {
	fv, err := memio.OpenFile(fs, path)
	if err != nil {
		return nil, err
	}

	r, err := OpenView(fv, store)
	if err != nil {
		fv.Close()
		return nil, err
	}

	r.owned = fv
	return r, nil
}

// OpenView opens a package from an existing view.
func OpenView(src memio.Reader, store *keystore.Store) (*Reader, error) {
	raw, err := memio.ReadExact(src, 0, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("read PKG header: %w", err)
	}

	hdr, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		ID:     uuid.New(),
		Header: hdr,
		src:    src,
		store:  store,
	}

	table, err := memio.ReadExact(src, int64(hdr.EntryTableOffset), int(hdr.EntryCount)*MetaEntrySize)
	if err != nil {
		return nil, fmt.Errorf("read meta table: %w", err)
	}

	r.Metas, err = parseMetaTable(table, hdr.EntryCount, hdr.PackageSize)
	if err != nil {
		return nil, err
	}

	if names := r.Meta(EntryNames); names != nil {
		r.names, err = memio.ReadExact(src, int64(names.DataOffset), int(names.DataSize))
		if err != nil {
			return nil, fmt.Errorf("read name table: %w", err)
		}
	}

	r.runKeyLadder()
	return r, nil
}

// Close releases the file view when the session owns one.
func (r *Reader) Close() error {
	if r.owned != nil {
		return r.owned.Close()
	}
	return nil
}

// Meta returns the first entry with the given ID, or nil.
func (r *Reader) Meta(id EntryID) *MetaEntry {
	for i := range r.Metas {
		if r.Metas[i].ID == id {
			return &r.Metas[i]
		}
	}
	return nil
}

// Name resolves the file name of a meta entry.
func (r *Reader) Name(m *MetaEntry) string {
	return EntryName(m, r.names)
}

// Passcode returns the verified passcode, or "".
func (r *Reader) Passcode() string {
	return r.passcode
}

// EKPFS returns the unlocked image key, or nil.
func (r *Reader) EKPFS() []byte {
	return r.ekpfs
}

// IsFileSystemAccessible reports whether the embedded PFS image can be
// opened: it exists, and is either plaintext or unlocked.
func (r *Reader) IsFileSystemAccessible() bool {
	if r.Header.PfsImageSize == 0 {
		return false
	}
	return r.ekpfs != nil || (r.xtsTweak != nil && r.xtsData != nil) || !r.pfsEncrypted()
}

// pfsEncrypted peeks at the outer superblock mode. Parse failures count as
// encrypted so the key ladder outcome still gates access.
func (r *Reader) pfsEncrypted() bool {
	raw, err := memio.ReadExact(r.src, int64(r.Header.PfsImageOffset), pfs.HeaderSize)
	if err != nil {
		return true
	}

	hdr, err := pfs.ParseHeader(raw)
	if err != nil {
		return true
	}

	return hdr.Encrypted()
}

// entryKeysSeed returns the seed and MAC from the ENTRY_KEYS entry.
func (r *Reader) entryKeysSeed() (seed, mac []byte, err error) {
	m := r.Meta(EntryEntryKeys)
	if m == nil || m.DataSize < entryKeysSeedSize+entryKeysMacSize {
		return nil, nil, fmt.Errorf("%w: no usable entry_keys entry", ErrMissingKey)
	}

	raw, err := memio.ReadExact(r.src, int64(m.DataOffset), entryKeysSeedSize+entryKeysMacSize)
	if err != nil {
		return nil, nil, err
	}

	return raw[:entryKeysSeedSize], raw[entryKeysSeedSize:], nil
}

// CheckEKPFS verifies candidate key material against the image-embedded
// MAC: the ENTRY_KEYS seed signed with the derived sign key.
func (r *Reader) CheckEKPFS(ekpfs []byte) bool {
	seed, mac, err := r.entryKeysSeed()
	if err != nil {
		return false
	}

	signKey := crypto.PfsGenSignKey(ekpfs, seed)
	return hmac.Equal(mac, crypto.HMACSHA256(signKey, seed))
}

// CheckPasscode derives the EKPFS from a candidate passcode and verifies it.
func (r *Reader) CheckPasscode(passcode string) bool {
	return r.CheckEKPFS(crypto.DeriveEKPFS(r.Header.ContentID, passcode))
}

// imageKeyEKPFS recovers the EKPFS from the IMAGE_KEY entry using the
// debug key.
func (r *Reader) imageKeyEKPFS() ([]byte, error) {
	m := r.Meta(EntryImageKey)
	if m == nil || m.DataSize < crypto.EKPFSSize {
		return nil, fmt.Errorf("%w: no usable image_key entry", ErrMissingKey)
	}

	raw, err := memio.ReadExact(r.src, int64(m.DataOffset), int(m.DiskSize()))
	if err != nil {
		return nil, err
	}

	iv := make([]byte, 16)
	if err := crypto.DecryptCBC(crypto.DebugKey, iv, raw); err != nil {
		return nil, err
	}

	return raw[:crypto.EKPFSSize], nil
}

// runKeyLadder tries the documented key sources in order and keeps the
// first that verifies. Verified material is cached back into the store.
func (r *Reader) runKeyLadder() {
	cid := r.Header.ContentID

	// 1. The zero passcode.
	if r.TryPasscode(crypto.ZeroPasscode) {
		return
	}

	// 2. A passcode cached for this content ID.
	if r.store != nil {
		if passcode, ok := r.store.Passcode(cid); ok && r.TryPasscode(passcode) {
			return
		}
	}

	// 3. The EKPFS recovered from the image key entry via the debug key.
	if ekpfs, err := r.imageKeyEKPFS(); err == nil && r.TryEKPFS(ekpfs) {
		return
	}

	// 4. An EKPFS cached for this content ID.
	if r.store != nil {
		if ekpfs, ok := r.store.EKPFS(cid); ok && r.TryEKPFS(ekpfs) {
			return
		}
	}

	// 5. Explicit XTS keys, cached plain or suffixed with the image digest.
	if r.store != nil {
		for _, key := range []string{cid, cid + "-" + hex.EncodeToString(r.Header.PfsImageDigest[:4])} {
			if tweak, data, ok := r.store.XtsKeys(key); ok && r.TryXTSKeys(tweak, data) {
				return
			}
		}
	}
}

// TryPasscode attempts to unlock the image with a passcode. On success the
// passcode is cached for the content ID.
func (r *Reader) TryPasscode(passcode string) bool {
	if len(passcode) != crypto.PasscodeLength || !r.CheckPasscode(passcode) {
		return false
	}

	r.passcode = passcode
	r.ekpfs = crypto.DeriveEKPFS(r.Header.ContentID, passcode)

	if r.store != nil {
		r.store.SetPasscode(r.Header.ContentID, passcode)
	}
	return true
}

// TryEKPFS attempts to unlock the image with an EKPFS. On success the key
// is cached for the content ID.
func (r *Reader) TryEKPFS(ekpfs []byte) bool {
	if len(ekpfs) != crypto.EKPFSSize || !r.CheckEKPFS(ekpfs) {
		return false
	}

	r.ekpfs = ekpfs

	if r.store != nil {
		r.store.SetEKPFS(r.Header.ContentID, ekpfs)
	}
	return true
}

// TryXTSKeys installs explicit XTS keys. The image MAC cannot vouch for
// them, so they are verified by opening the outer image.
func (r *Reader) TryXTSKeys(tweak, data []byte) bool {
	if len(tweak) != 16 || len(data) != 16 {
		return false
	}

	saveTweak, saveData := r.xtsTweak, r.xtsData
	r.xtsTweak, r.xtsData = tweak, data

	outer, err := r.OuterPFS()
	if err == nil {
		_, err = outer.Uroot()
	}
	if err != nil {
		r.xtsTweak, r.xtsData = saveTweak, saveData
		return false
	}

	if r.store != nil {
		r.store.SetXtsKeys(r.Header.ContentID, tweak, data)
	}
	return true
}

// PfsView returns the byte range of the embedded PFS image.
func (r *Reader) PfsView() (*memio.View, error) {
	if r.Header.PfsImageSize == 0 {
		return nil, fmt.Errorf("%w: package carries no PFS image", ErrBadStructure)
	}

	view := memio.NewView(r.src, r.src.Size())
	return view.Slice(int64(r.Header.PfsImageOffset), int64(r.Header.PfsImageSize))
}

// OuterPFS opens the outer PFS image with the unlocked key material.
func (r *Reader) OuterPFS() (*pfs.Reader, error) {
	view, err := r.PfsView()
	if err != nil {
		return nil, err
	}

	keys := &pfs.Keys{EKPFS: r.ekpfs, XtsTweak: r.xtsTweak, XtsData: r.xtsData}
	return pfs.NewReader(view, keys)
}

// InnerPFS opens the inner filesystem: the outer image's pfs_image.dat
// routed through the PFSC decompressor. The returned readers borrow the
// session's file view.
func (r *Reader) InnerPFS() (*pfs.Reader, *pfsc.Reader, error) {
	outer, err := r.OuterPFS()
	if err != nil {
		return nil, nil, err
	}

	uroot, err := outer.Uroot()
	if err != nil {
		return nil, nil, err
	}

	tree, err := outer.Tree()
	if err != nil {
		return nil, nil, err
	}

	imageNode := tree.Child(uroot, "pfs_image.dat")
	if imageNode < 0 {
		return nil, nil, fmt.Errorf("%w: outer image has no pfs_image.dat", pfs.ErrNotFound)
	}

	imageView, err := outer.FileView(imageNode)
	if err != nil {
		return nil, nil, err
	}

	compressed, err := pfsc.NewReader(imageView)
	if err != nil {
		return nil, nil, err
	}

	inner, err := pfs.NewReader(compressed, nil)
	if err != nil {
		return nil, nil, err
	}

	return inner, compressed, nil
}

// ExtractEntry reads one meta entry. When decrypt is set, encrypted
// payloads are decrypted through the entry-key or image-key path and the
// logical size returned without padding.
func (r *Reader) ExtractEntry(m *MetaEntry, decrypt bool) ([]byte, error) {
	raw, err := memio.ReadExact(r.src, int64(m.DataOffset), int(m.DiskSize()))
	if err != nil {
		return nil, fmt.Errorf("read entry 0x%X: %w", uint32(m.ID), err)
	}

	if !m.Encrypted() || !decrypt {
		return raw, nil
	}

	key, iv, err := r.entryCipher(m)
	if err != nil {
		return nil, err
	}

	if err := crypto.DecryptCBC(key, iv, raw); err != nil {
		return nil, fmt.Errorf("decrypt entry 0x%X: %w", uint32(m.ID), err)
	}

	return raw[:m.DataSize], nil
}

// entryCipher derives the AES-CBC key and IV for an encrypted entry. Key
// slots 0..2 bind to the passcode; slot 3 binds to the image key.
func (r *Reader) entryCipher(m *MetaEntry) (key, iv []byte, err error) {
	if m.KeyIndex() == 3 {
		if r.ekpfs == nil {
			return nil, nil, fmt.Errorf("%w: entry 0x%X needs the image key", ErrCryptoMismatch, uint32(m.ID))
		}

		h := sha256.New()
		h.Write(r.ekpfs)
		var u [8]byte
		binary.LittleEndian.PutUint32(u[0:4], m.Index)
		binary.LittleEndian.PutUint32(u[4:8], uint32(m.ID))
		h.Write(u[:])

		digest := h.Sum(nil)
		return digest[16:32], digest[0:16], nil
	}

	if r.passcode == "" {
		return nil, nil, fmt.Errorf("%w: entry 0x%X needs the passcode", ErrCryptoMismatch, uint32(m.ID))
	}

	key, iv = crypto.EntryKey(r.Header.ContentID, r.passcode, m.Index, uint32(m.ID))
	return key, iv, nil
}
