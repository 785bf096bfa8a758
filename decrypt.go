package offcrypt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
)

// Metadata aggregates everything learned about an encrypted container before
// any key derivation takes place.
type Metadata struct {
	// Source identifies the container when known (usually a file path).
	Source string

	// Info is the parsed EncryptionInfo record.
	Info EncryptionInfo

	// EncryptedSize is the byte length of the package ciphertext, not
	// counting the 8-byte length prefix.
	EncryptedSize uint64

	// PackageSize is the declared plaintext byte length from the prefix.
	PackageSize uint64
}

// ParseMetadata classifies the container and parses its encryption metadata.
// Plaintext containers return ErrNotEncrypted.
func ParseMetadata(c Container) (*Metadata, error) {
	enc, err := Detect(c)
	if err != nil {
		return nil, err
	}
	if !enc {
		return nil, ErrNotEncrypted
	}

	r, err := c.Open(StreamEncryptionInfo)
	if err != nil {
		return nil, WrapErr(fmt.Errorf("offcrypt: no %s stream: %v", StreamEncryptionInfo, err), ErrCorruptedMetadata)
	}
	record, err := io.ReadAll(r)
	if err != nil {
		return nil, WrapErr(err, ErrCorruptedMetadata)
	}
	nfo, err := ParseEncryptionInfo(record)
	if err != nil {
		return nil, err
	}
	if Debug {
		for _, w := range nfo.Warnings() {
			log.Println("  metadata warning:", w)
		}
	}

	md := &Metadata{Info: nfo}
	if n, ok := c.(interface{ Name() string }); ok {
		md.Source = n.Name()
	}

	pr, err := c.Open(StreamEncryptedPackage)
	if err != nil {
		return nil, WrapErr(fmt.Errorf("offcrypt: no %s stream: %v", StreamEncryptedPackage, err), ErrCorruptedMetadata)
	}
	end, err := pr.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if end < 8 {
		return nil, fmt.Errorf("offcrypt: %d byte package stream: %w", end, ErrCorruptedMetadata)
	}
	if _, err = pr.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err = binary.Read(pr, binary.LittleEndian, &md.PackageSize); err != nil {
		return nil, err
	}
	md.EncryptedSize = uint64(end) - 8

	// Plaintext never exceeds ciphertext under either scheme, so a larger
	// declared size means the prefix or the stream is damaged.
	if md.PackageSize > md.EncryptedSize {
		return nil, fmt.Errorf("offcrypt: declared plaintext size %d exceeds %d bytes of ciphertext: %w",
			md.PackageSize, md.EncryptedSize, ErrCorruptedMetadata)
	}
	return md, nil
}

// VerifyPassword checks the password against the container's embedded
// verifier without decrypting any content.
func VerifyPassword(ctx context.Context, md *Metadata, password string) (bool, error) {
	key, err := md.Info.Key(ctx, password, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidPassword) {
			return false, nil
		}
		return false, err
	}
	commoncrypt.Zero(key)
	return true, nil
}

// PackageKey derives and verifies the package key. The caller owns the
// returned key and should zero it after use.
func PackageKey(ctx context.Context, md *Metadata, password string) ([]byte, error) {
	return md.Info.Key(ctx, password, nil)
}

// Decrypt verifies the password and returns the whole plaintext package.
// When the scheme stores a package HMAC it is checked first.
func Decrypt(ctx context.Context, c Container, md *Metadata, password string) ([]byte, error) {
	key, err := md.Info.Key(ctx, password, nil)
	if err != nil {
		return nil, err
	}
	defer commoncrypt.Zero(key)

	if v, ok := md.Info.(IntegrityVerifier); ok {
		r, err := c.Open(StreamEncryptedPackage)
		if err != nil {
			return nil, err
		}
		if err := v.VerifyIntegrity(ctx, r, key); err != nil {
			return nil, err
		}
	}

	pr, err := DecryptStreamWithKey(ctx, c, md, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(pr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != md.PackageSize {
		return nil, fmt.Errorf("offcrypt: decrypted %d of %d plaintext bytes: %w",
			len(data), md.PackageSize, ErrCorruptedMetadata)
	}
	return data, nil
}

// DecryptStream verifies the password and returns a reader over the plaintext
// package. The reader yields exactly md.PackageSize bytes. A stored package
// HMAC is not checked on this path, since that would require a full pass over
// the ciphertext up front; use Decrypt to enforce it.
func DecryptStream(ctx context.Context, c Container, md *Metadata, password string) (io.Reader, error) {
	key, err := md.Info.Key(ctx, password, nil)
	if err != nil {
		return nil, err
	}
	defer commoncrypt.Zero(key)
	return DecryptStreamWithKey(ctx, c, md, key)
}

// DecryptStreamWithKey is DecryptStream for callers that already hold a
// package key, bypassing password verification.
func DecryptStreamWithKey(ctx context.Context, c Container, md *Metadata, key []byte) (io.Reader, error) {
	r, err := c.Open(StreamEncryptedPackage)
	if err != nil {
		return nil, err
	}
	return md.Info.DecryptStream(ctx, r, key)
}

// DecryptFile opens the named compound file and decrypts it with password.
func DecryptFile(ctx context.Context, filename, password string) ([]byte, error) {
	c, err := OpenFile(filename)
	if err != nil {
		return nil, err
	}
	md, err := ParseMetadata(c)
	if err != nil {
		return nil, err
	}
	return Decrypt(ctx, c, md, password)
}
