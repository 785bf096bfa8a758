package standard

import (
	"context"
	"crypto/cipher"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/fcwoknhenuxdfiyv/offcrypt"
	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
)

// 2.3.4.7 fixes the iteration count; Standard has no spinCount field.
const spinCount = 50000

// Key implements the 2.3.4.7 key derivation and the 2.3.4.9 verifier check.
// All intermediate digests are zeroed before returning; the caller owns the
// returned key.
func (e *Info) Key(ctx context.Context, password string, trace commoncrypt.TraceFunc) ([]byte, error) {
	newHash, err := commoncrypt.NewHash(e.hashName)
	if err != nil {
		return nil, offcrypt.WrapErr(err, offcrypt.ErrUnsupportedScheme)
	}

	pw, err := commoncrypt.PasswordBytes(password)
	if err != nil {
		return nil, err
	}
	h0 := commoncrypt.HashConcat(newHash, e.Salt, pw)
	commoncrypt.Zero(pw)
	if trace != nil {
		trace("h0", 0, h0)
	}

	hn, err := commoncrypt.IterateHash(ctx, newHash, h0, spinCount, "spin", trace)
	commoncrypt.Zero(h0)
	if err != nil {
		return nil, err
	}

	// Hfinal = H(Hn || block), block number fixed at zero for the package.
	var block [4]byte
	hfinal := commoncrypt.HashConcat(newHash, hn, block[:])
	commoncrypt.Zero(hn)
	if trace != nil {
		trace("final", 0, hfinal)
	}

	key := deriveKey(newHash, hfinal, e.keyBits/8)
	commoncrypt.Zero(hfinal)
	if trace != nil {
		trace("key", 0, key)
	}

	if err := e.checkVerifier(key); err != nil {
		commoncrypt.Zero(key)
		return nil, err
	}
	return key, nil
}

// deriveKey expands hfinal to keyLen bytes per 2.3.4.7: a 0x36-filled and a
// 0x5C-filled 64-byte buffer are each XORed with the hash, digested, and the
// two digests concatenated.
func deriveKey(newHash func() hash.Hash, hfinal []byte, keyLen int) []byte {
	var buf [64]byte
	expand := func(pad byte) []byte {
		for i := range buf {
			buf[i] = pad
		}
		for i, c := range hfinal {
			buf[i] ^= c
		}
		return commoncrypt.HashConcat(newHash, buf[:])
	}
	x1 := expand(0x36)
	x2 := expand(0x5C)
	commoncrypt.Zero(buf[:])

	x3 := make([]byte, 0, len(x1)+len(x2))
	x3 = append(x3, x1...)
	x3 = append(x3, x2...)
	commoncrypt.Zero(x1)
	commoncrypt.Zero(x2)

	key := make([]byte, keyLen)
	copy(key, x3)
	commoncrypt.Zero(x3)
	return key
}

// checkVerifier implements 2.3.4.9: decrypt the verifier pair and compare
// the verifier's digest against the decrypted hash, constant-time.
func (e *Info) checkVerifier(key []byte) error {
	verifier := append([]byte(nil), e.EncryptedVerifier...)
	vhash := append([]byte(nil), e.EncryptedVerifierHash...)
	defer commoncrypt.Zero(verifier)
	defer commoncrypt.Zero(vhash)

	switch e.cipherName {
	case "AES":
		b, err := commoncrypt.NewBlock("AES", key)
		if err != nil {
			return err
		}
		if err := commoncrypt.DecryptECB(b, verifier); err != nil {
			return offcrypt.WrapErr(err, offcrypt.ErrCorruptedMetadata)
		}
		if err := commoncrypt.DecryptECB(b, vhash); err != nil {
			return offcrypt.WrapErr(err, offcrypt.ErrCorruptedMetadata)
		}
	case "RC4":
		// one keystream covers both fields, in stream order
		c, err := rc4.NewCipher(key)
		if err != nil {
			return fmt.Errorf("standard: %v: %w", err, offcrypt.ErrCorruptedMetadata)
		}
		c.XORKeyStream(verifier, verifier)
		c.XORKeyStream(vhash, vhash)
	}

	newHash, err := commoncrypt.NewHash(e.hashName)
	if err != nil {
		return offcrypt.WrapErr(err, offcrypt.ErrUnsupportedScheme)
	}
	digest := commoncrypt.HashConcat(newHash, verifier)
	defer commoncrypt.Zero(digest)

	n := len(digest)
	if int(e.VerifierHashSize) < n {
		n = int(e.VerifierHashSize)
	}
	if len(vhash) < n {
		n = len(vhash)
	}
	if !commoncrypt.ConstantTimeEqual(digest[:n], vhash[:n]) {
		return offcrypt.ErrInvalidPassword
	}
	return nil
}

// DecryptStream implements 2.3.4.15 for Standard encryption: after the
// 8-byte plaintext length prefix the package is decrypted in one pass with
// no chaining, and the output truncated to the declared length.
func (e *Info) DecryptStream(ctx context.Context, r io.ReadSeeker, key []byte) (io.Reader, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var declared uint64
	if err := binary.Read(r, binary.LittleEndian, &declared); err != nil {
		return nil, offcrypt.WrapErr(fmt.Errorf("standard: package length prefix: %v", err), offcrypt.ErrCorruptedMetadata)
	}

	switch e.cipherName {
	case "AES":
		b, err := commoncrypt.NewBlock("AES", key)
		if err != nil {
			return nil, err
		}
		return &ecbReader{src: r, block: b, remaining: declared}, nil
	case "RC4":
		c, err := rc4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("standard: %v: %w", err, offcrypt.ErrCorruptedMetadata)
		}
		return &exactReader{r: cipher.StreamReader{S: c, R: r}, left: declared}, nil
	}
	return nil, fmt.Errorf("standard: cipher %q: %w", e.cipherName, offcrypt.ErrUnsupportedScheme)
}

// ecbReader decrypts AES-ECB ciphertext block by block as it is read.
type ecbReader struct {
	src       io.Reader
	block     cipher.Block
	remaining uint64 // plaintext bytes still owed
	buf       [4096]byte
	avail     []byte // decrypted and not yet delivered
	err       error
}

func (er *ecbReader) Read(p []byte) (int, error) {
	for len(er.avail) == 0 {
		if er.err != nil {
			return 0, er.err
		}
		if er.remaining == 0 {
			er.err = io.EOF
			return 0, io.EOF
		}
		er.fill()
	}
	n := copy(p, er.avail)
	er.avail = er.avail[n:]
	return n, nil
}

func (er *ecbReader) fill() {
	bs := er.block.BlockSize()
	n, err := io.ReadFull(er.src, er.buf[:])
	final := false
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		final = true
	default:
		er.err = err
		return
	}

	// only the final fill can come up short, so a partial trailing block
	// is either stream padding or damage
	aligned := n - n%bs
	for off := 0; off < aligned; off += bs {
		er.block.Decrypt(er.buf[off:off+bs], er.buf[off:off+bs])
	}
	out := uint64(aligned)
	if out > er.remaining {
		out = er.remaining
	}
	er.avail = er.buf[:out]
	er.remaining -= out
	if final && er.remaining > 0 {
		er.err = fmt.Errorf("standard: package stream ends %d bytes early: %w", er.remaining, offcrypt.ErrCorruptedMetadata)
	}
}

// exactReader delivers exactly left bytes from r and converts an early EOF
// into a corruption error instead of a silently short result.
type exactReader struct {
	r    io.Reader
	left uint64
}

func (x *exactReader) Read(p []byte) (int, error) {
	if x.left == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > x.left {
		p = p[:x.left]
	}
	n, err := x.r.Read(p)
	x.left -= uint64(n)
	if err == io.EOF && x.left > 0 {
		err = fmt.Errorf("standard: package stream ends %d bytes early: %w", x.left, offcrypt.ErrCorruptedMetadata)
	}
	return n, err
}
