package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// XtsCipher implements XTS-AES-128 over fixed-size sectors as specified in
// IEEE Std 1619-2007. PFS images use the filesystem block size as the XTS
// sector size and the block index as the tweak.
type XtsCipher struct {
	data       cipher.Block
	tweak      cipher.Block
	sectorSize int
}

// NewXtsCipher builds an XTS cipher from 16-byte tweak and data keys.
func NewXtsCipher(tweakKey, dataKey []byte, sectorSize int) (*XtsCipher, error) {
	if len(tweakKey) != 16 || len(dataKey) != 16 {
		return nil, fmt.Errorf("xts keys must be 16 bytes, got %d and %d", len(tweakKey), len(dataKey))
	}

	if sectorSize <= 0 || sectorSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("xts sector size must be a positive multiple of %d, got %d", aes.BlockSize, sectorSize)
	}

	dataCipher, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create data AES cipher: %w", err)
	}

	tweakCipher, err := aes.NewCipher(tweakKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create tweak AES cipher: %w", err)
	}

	return &XtsCipher{data: dataCipher, tweak: tweakCipher, sectorSize: sectorSize}, nil
}

// SectorSize returns the XTS sector size in bytes.
func (x *XtsCipher) SectorSize() int {
	return x.sectorSize
}

// DecryptSector decrypts one sector in place. sector is the tweak index of
// the data, big-endian in the second half of the 16-byte tweak block.
func (x *XtsCipher) DecryptSector(buf []byte, sector uint64) error {
	return x.process(buf, sector, false)
}

// EncryptSector encrypts one sector in place.
func (x *XtsCipher) EncryptSector(buf []byte, sector uint64) error {
	return x.process(buf, sector, true)
}

func (x *XtsCipher) process(buf []byte, sector uint64, encrypt bool) error {
	if len(buf) != x.sectorSize {
		return fmt.Errorf("sector buffer must be %d bytes, got %d", x.sectorSize, len(buf))
	}

	var tweakBlock [aes.BlockSize]byte
	binary.BigEndian.PutUint64(tweakBlock[8:], sector)
	x.tweak.Encrypt(tweakBlock[:], tweakBlock[:])

	for i := 0; i < len(buf); i += aes.BlockSize {
		block := buf[i : i+aes.BlockSize]

		for j := range block {
			block[j] ^= tweakBlock[j]
		}

		if encrypt {
			x.data.Encrypt(block, block)
		} else {
			x.data.Decrypt(block, block)
		}

		for j := range block {
			block[j] ^= tweakBlock[j]
		}

		galoisMultiply(tweakBlock[:])
	}

	return nil
}

// galoisMultiply multiplies a 128-bit tweak by alpha (x) in GF(2^128),
// little-endian bit order with the 0x87 reduction polynomial.
func galoisMultiply(x []byte) {
	carry := byte(0)
	for i := 0; i < len(x); i++ {
		next := x[i] >> 7
		x[i] = x[i]<<1 | carry
		carry = next
	}

	if carry != 0 {
		x[0] ^= 0x87
	}
}
