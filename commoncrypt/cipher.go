package commoncrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"
)

// NewBlock constructs the block cipher for a cipherAlgorithm name and key.
// Only AES is block-based in the supported set; RC4 is a stream cipher and
// is wired up by the scheme packages directly.
func NewBlock(name string, key []byte) (cipher.Block, error) {
	if strings.ToUpper(name) != "AES" {
		return nil, fmt.Errorf("commoncrypt: cipher algorithm %q is not supported", name)
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("commoncrypt: %d byte AES key: %w", len(key), err)
	}
	return b, nil
}

// DecryptECB decrypts src in place, each block independently. src must be a
// whole number of cipher blocks; no padding scheme is involved.
func DecryptECB(b cipher.Block, src []byte) error {
	bs := b.BlockSize()
	if len(src)%bs != 0 {
		return fmt.Errorf("commoncrypt: %d ciphertext bytes is not a multiple of the %d byte cipher block", len(src), bs)
	}
	for off := 0; off < len(src); off += bs {
		b.Decrypt(src[off:off+bs], src[off:off+bs])
	}
	return nil
}

// EncryptECB encrypts src in place, each block independently.
func EncryptECB(b cipher.Block, src []byte) error {
	bs := b.BlockSize()
	if len(src)%bs != 0 {
		return fmt.Errorf("commoncrypt: %d plaintext bytes is not a multiple of the %d byte cipher block", len(src), bs)
	}
	for off := 0; off < len(src); off += bs {
		b.Encrypt(src[off:off+bs], src[off:off+bs])
	}
	return nil
}

// DecryptCBC decrypts src in place under iv. src must be a whole number of
// cipher blocks; no padding scheme is involved.
func DecryptCBC(b cipher.Block, iv, src []byte) error {
	bs := b.BlockSize()
	if len(iv) != bs {
		return fmt.Errorf("commoncrypt: %d byte IV for a %d byte cipher block", len(iv), bs)
	}
	if len(src)%bs != 0 {
		return fmt.Errorf("commoncrypt: %d ciphertext bytes is not a multiple of the %d byte cipher block", len(src), bs)
	}
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(src, src)
	return nil
}

// EncryptCBC encrypts src in place under iv.
func EncryptCBC(b cipher.Block, iv, src []byte) error {
	bs := b.BlockSize()
	if len(iv) != bs {
		return fmt.Errorf("commoncrypt: %d byte IV for a %d byte cipher block", len(iv), bs)
	}
	if len(src)%bs != 0 {
		return fmt.Errorf("commoncrypt: %d plaintext bytes is not a multiple of the %d byte cipher block", len(src), bs)
	}
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(src, src)
	return nil
}
