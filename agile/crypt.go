package agile

import (
	"context"
	"crypto/cipher"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/fcwoknhenuxdfiyv/offcrypt"
	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
)

// Fixed block keys from 2.3.4.10 and 2.3.4.14.
var (
	blockVerifierHashInput = []byte{0xfe, 0xa7, 0xd2, 0x76, 0x3b, 0x4b, 0x9e, 0x79}
	blockVerifierHashValue = []byte{0xd7, 0xaa, 0x0f, 0x6d, 0x30, 0x61, 0x34, 0x4e}
	blockEncryptedKeyValue = []byte{0x14, 0x6e, 0x0b, 0xe7, 0xab, 0xac, 0xd0, 0xd6}
	blockHmacKey           = []byte{0x5f, 0xb2, 0xad, 0x01, 0x0c, 0xb9, 0xe1, 0xf6}
	blockHmacValue         = []byte{0xa0, 0x67, 0x7f, 0x02, 0xb2, 0x2c, 0x84, 0x33}
)

// Key implements the 2.3.4.11 password key derivation: spin the password
// hash, derive the three purpose keys, check the verifier pair, then unwrap
// encryptedKeyValue into the package key. Intermediates are zeroed before
// returning; the caller owns the returned key.
func (e *Info) Key(ctx context.Context, password string, trace commoncrypt.TraceFunc) ([]byte, error) {
	newHash, err := commoncrypt.NewHash(e.pwd.HashAlgorithm)
	if err != nil {
		return nil, offcrypt.WrapErr(err, offcrypt.ErrUnsupportedScheme)
	}

	pw, err := commoncrypt.PasswordBytes(password)
	if err != nil {
		return nil, err
	}
	h0 := commoncrypt.HashConcat(newHash, e.pwd.Salt, pw)
	commoncrypt.Zero(pw)
	if trace != nil {
		trace("h0", 0, h0)
	}
	hn, err := commoncrypt.IterateHash(ctx, newHash, h0, e.pwd.SpinCount, "spin", trace)
	commoncrypt.Zero(h0)
	if err != nil {
		return nil, err
	}

	kInput := e.purposeKey(newHash, hn, blockVerifierHashInput)
	kValue := e.purposeKey(newHash, hn, blockVerifierHashValue)
	kKey := e.purposeKey(newHash, hn, blockEncryptedKeyValue)
	commoncrypt.Zero(hn)
	defer commoncrypt.Zero(kInput)
	defer commoncrypt.Zero(kValue)
	defer commoncrypt.Zero(kKey)
	if trace != nil {
		trace("verifierInputKey", 0, kInput)
		trace("verifierValueKey", 0, kValue)
		trace("keyValueKey", 0, kKey)
	}

	// the password salt doubles as the IV for all three wrapped fields
	iv := commoncrypt.PadOrTruncate(append([]byte(nil), e.pwd.Salt...), e.pwd.BlockSize)

	input, err := decryptField(&e.pwd.params, kInput, iv, e.pwd.EncryptedVerifierHashInput)
	if err != nil {
		return nil, err
	}
	defer commoncrypt.Zero(input)
	value, err := decryptField(&e.pwd.params, kValue, iv, e.pwd.EncryptedVerifierHashValue)
	if err != nil {
		return nil, err
	}
	defer commoncrypt.Zero(value)

	if len(input) < e.pwd.SaltSize {
		return nil, fmt.Errorf("agile: %d byte verifier input: %w", len(input), offcrypt.ErrCorruptedMetadata)
	}
	expected := commoncrypt.HashConcat(newHash, input[:e.pwd.SaltSize])
	defer commoncrypt.Zero(expected)

	n := len(expected)
	if e.pwd.HashSize < n {
		n = e.pwd.HashSize
	}
	if len(value) < n {
		n = len(value)
	}
	if !commoncrypt.ConstantTimeEqual(expected[:n], value[:n]) {
		return nil, offcrypt.ErrInvalidPassword
	}

	raw, err := decryptField(&e.pwd.params, kKey, iv, e.pwd.EncryptedKeyValue)
	if err != nil {
		return nil, err
	}
	key := make([]byte, e.keyData.KeyBits/8)
	fitted := commoncrypt.PadOrTruncate(raw, len(key))
	copy(key, fitted)
	commoncrypt.Zero(fitted)
	commoncrypt.Zero(raw)
	if trace != nil {
		trace("packageKey", 0, key)
	}
	return key, nil
}

// purposeKey derives one block-keyed encryption key per 2.3.4.11: the spun
// digest concatenated with the fixed block key, hashed, then fitted to the
// password encryptor's key length.
func (e *Info) purposeKey(newHash func() hash.Hash, hn, blockKey []byte) []byte {
	d := commoncrypt.HashConcat(newHash, hn, blockKey)
	key := make([]byte, e.pwd.KeyBits/8)
	fitted := commoncrypt.PadOrTruncate(d, len(key))
	copy(key, fitted)
	commoncrypt.Zero(fitted)
	commoncrypt.Zero(d)
	return key
}

// decryptField applies the role's cipher to one wrapped metadata field.
func decryptField(p *params, key, iv, src []byte) ([]byte, error) {
	out := append([]byte(nil), src...)
	switch strings.ToUpper(p.CipherAlgorithm) {
	case "AES":
		b, err := commoncrypt.NewBlock("AES", key)
		if err != nil {
			return nil, err
		}
		if err := commoncrypt.DecryptCBC(b, iv, out); err != nil {
			return nil, offcrypt.WrapErr(err, offcrypt.ErrCorruptedMetadata)
		}
	case "RC4":
		c, err := rc4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("agile: %v: %w", err, offcrypt.ErrCorruptedMetadata)
		}
		c.XORKeyStream(out, out)
	}
	return out, nil
}

// DecryptStream implements 2.3.4.15: after the 8-byte plaintext length
// prefix the package is decrypted in 4096-byte segments, each under an IV
// derived from the keyData salt and the segment index; chaining never
// crosses a segment boundary.
func (e *Info) DecryptStream(ctx context.Context, r io.ReadSeeker, key []byte) (io.Reader, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var declared uint64
	if err := binary.Read(r, binary.LittleEndian, &declared); err != nil {
		return nil, offcrypt.WrapErr(fmt.Errorf("agile: package length prefix: %v", err), offcrypt.ErrCorruptedMetadata)
	}
	newHash, err := commoncrypt.NewHash(e.keyData.HashAlgorithm)
	if err != nil {
		return nil, offcrypt.WrapErr(err, offcrypt.ErrUnsupportedScheme)
	}

	sr := &segmentReader{
		src:       r,
		newHash:   newHash,
		salt:      append([]byte(nil), e.keyData.Salt...),
		blockSize: e.keyData.BlockSize,
		remaining: declared,
	}
	switch strings.ToUpper(e.keyData.CipherAlgorithm) {
	case "AES":
		if sr.block, err = commoncrypt.NewBlock("AES", key); err != nil {
			return nil, err
		}
	case "RC4":
		sr.rc4key = append([]byte(nil), key...)
	default:
		return nil, fmt.Errorf("agile: cipher %q: %w", e.keyData.CipherAlgorithm, offcrypt.ErrUnsupportedScheme)
	}
	return sr, nil
}

// segmentReader decrypts 4096-byte package segments as they are read.
type segmentReader struct {
	src       io.Reader
	block     cipher.Block // AES; nil for RC4
	rc4key    []byte       // RC4 segment key; nil for AES
	newHash   func() hash.Hash
	salt      []byte
	blockSize int
	seg       uint32
	remaining uint64 // plaintext bytes still owed
	buf       [4096]byte
	avail     []byte
	err       error
}

func (sr *segmentReader) Read(p []byte) (int, error) {
	for len(sr.avail) == 0 {
		if sr.err != nil {
			return 0, sr.err
		}
		if sr.remaining == 0 {
			sr.err = io.EOF
			return 0, io.EOF
		}
		sr.fill()
	}
	n := copy(p, sr.avail)
	sr.avail = sr.avail[n:]
	return n, nil
}

func (sr *segmentReader) fill() {
	n, err := io.ReadFull(sr.src, sr.buf[:])
	final := false
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		final = true
	default:
		sr.err = err
		return
	}

	data := sr.buf[:n]
	if sr.block != nil {
		aligned := n - n%sr.blockSize
		data = data[:aligned]
		if err := commoncrypt.DecryptCBC(sr.block, sr.segmentIV(), data); err != nil {
			sr.err = offcrypt.WrapErr(err, offcrypt.ErrCorruptedMetadata)
			return
		}
	} else {
		// keystream restarts on every segment, mirroring the CBC reset
		c, err := rc4.NewCipher(sr.rc4key)
		if err != nil {
			sr.err = err
			return
		}
		c.XORKeyStream(data, data)
	}
	sr.seg++

	out := uint64(len(data))
	if out > sr.remaining {
		out = sr.remaining
	}
	sr.avail = data[:out]
	sr.remaining -= out
	if final && sr.remaining > 0 {
		sr.err = fmt.Errorf("agile: package stream ends %d bytes early: %w", sr.remaining, offcrypt.ErrCorruptedMetadata)
	}
}

// segmentIV derives the per-segment IV, H(salt || LE32(segment)) fitted to
// the cipher block size.
func (sr *segmentReader) segmentIV() []byte {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], sr.seg)
	d := commoncrypt.HashConcat(sr.newHash, sr.salt, le[:])
	return commoncrypt.PadOrTruncate(d, sr.blockSize)
}
