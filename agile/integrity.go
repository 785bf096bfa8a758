package agile

import (
	"context"
	"crypto/hmac"
	"fmt"
	"io"

	"github.com/fcwoknhenuxdfiyv/offcrypt"
	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
)

// VerifyIntegrity checks the dataIntegrity HMAC from 2.3.4.14 against the
// whole encrypted package stream, length prefix included. Descriptors
// without a dataIntegrity element pass trivially. The key is the unwrapped
// package key, as returned by Key.
func (e *Info) VerifyIntegrity(ctx context.Context, r io.ReadSeeker, key []byte) error {
	if e.integrity == nil {
		return nil
	}
	newHash, err := commoncrypt.NewHash(e.keyData.HashAlgorithm)
	if err != nil {
		return offcrypt.WrapErr(err, offcrypt.ErrUnsupportedScheme)
	}

	hmacKey, err := e.unwrapIntegrity(key, blockHmacKey, e.integrity.EncryptedHmacKey)
	if err != nil {
		return err
	}
	defer commoncrypt.Zero(hmacKey)
	want, err := e.unwrapIntegrity(key, blockHmacValue, e.integrity.EncryptedHmacValue)
	if err != nil {
		return err
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	mac := hmac.New(newHash, hmacKey)
	if _, err := copyCtx(ctx, mac, r); err != nil {
		return err
	}
	got := mac.Sum(nil)

	n := len(got)
	if e.keyData.HashSize < n {
		n = e.keyData.HashSize
	}
	if len(want) < n {
		n = len(want)
	}
	if n == 0 || !hmac.Equal(got[:n], want[:n]) {
		return fmt.Errorf("agile: package hmac mismatch: %w", offcrypt.ErrCorruptedMetadata)
	}
	return nil
}

// unwrapIntegrity decrypts one dataIntegrity field under the package key,
// IV derived from the keyData salt and the field's block key, and trims the
// result to the keyData digest length.
func (e *Info) unwrapIntegrity(key, blockKey, src []byte) ([]byte, error) {
	newHash, err := commoncrypt.NewHash(e.keyData.HashAlgorithm)
	if err != nil {
		return nil, offcrypt.WrapErr(err, offcrypt.ErrUnsupportedScheme)
	}
	d := commoncrypt.HashConcat(newHash, e.keyData.Salt, blockKey)
	iv := commoncrypt.PadOrTruncate(d, e.keyData.BlockSize)

	out, err := decryptField(&e.keyData, key, iv, src)
	if err != nil {
		return nil, err
	}
	if len(out) > e.keyData.HashSize {
		commoncrypt.Zero(out[e.keyData.HashSize:])
		out = out[:e.keyData.HashSize]
	}
	return out, nil
}

// copyCtx is io.Copy with a cancellation check between chunks.
func copyCtx(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
