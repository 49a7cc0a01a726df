package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrBadPadding is returned when PKCS#7 padding fails to validate.
var ErrBadPadding = errors.New("invalid PKCS#7 padding")

// EncryptBlockECB encrypts a single 16-byte block with AES-128.
func EncryptBlockECB(key, block []byte) error {
	c, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create AES cipher: %w", err)
	}

	if len(block) != aes.BlockSize {
		return fmt.Errorf("block must be %d bytes, got %d", aes.BlockSize, len(block))
	}

	c.Encrypt(block, block)
	return nil
}

// DecryptCBC decrypts data in place with AES-CBC and no padding. The data
// length must be a multiple of the AES block size.
func DecryptCBC(key, iv, data []byte) error {
	c, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create AES cipher: %w", err)
	}

	if len(iv) != aes.BlockSize {
		return fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	if len(data)%aes.BlockSize != 0 {
		return fmt.Errorf("data length %d is not a multiple of the AES block size", len(data))
	}

	cipher.NewCBCDecrypter(c, iv).CryptBlocks(data, data)
	return nil
}

// EncryptCBC encrypts data in place with AES-CBC and no padding.
func EncryptCBC(key, iv, data []byte) error {
	c, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create AES cipher: %w", err)
	}

	if len(iv) != aes.BlockSize {
		return fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	if len(data)%aes.BlockSize != 0 {
		return fmt.Errorf("data length %d is not a multiple of the AES block size", len(data))
	}

	cipher.NewCBCEncrypter(c, iv).CryptBlocks(data, data)
	return nil
}

// PadPKCS7 appends PKCS#7 padding up to blockSize.
func PadPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

// UnpadPKCS7 strips and validates PKCS#7 padding.
func UnpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}

	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data) {
		return nil, ErrBadPadding
	}

	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}

	return data[:len(data)-pad], nil
}
