package commoncrypt

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"strings"
)

// NewHash returns a constructor for the named digest. Standard metadata
// carries ALG_ID integers which the standard package maps onto these names;
// Agile metadata carries the names directly.
func NewHash(name string) (func() hash.Hash, error) {
	switch NormalizeHashName(name) {
	case "MD5":
		return md5.New, nil
	case "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA384":
		return sha512.New384, nil
	case "SHA512":
		return sha512.New, nil
	}
	return nil, fmt.Errorf("commoncrypt: hash algorithm %q is not supported", name)
}

// NormalizeHashName folds the spellings seen in real metadata ("SHA1",
// "SHA-1", "sha512") onto a single form.
func NormalizeHashName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", ""))
}

// IterateHash runs the iterated spin both key derivations share: starting
// from seed, digest = H(LE32(i) || digest) for i in [0, spins). Cancellation
// is checked every 1024 rounds. trace, when non-nil, sees every intermediate
// digest under the given stage name.
func IterateHash(ctx context.Context, newHash func() hash.Hash, seed []byte, spins int, stage string, trace TraceFunc) ([]byte, error) {
	cur := make([]byte, len(seed))
	copy(cur, seed)

	var le [4]byte
	h := newHash()
	for i := 0; i < spins; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				Zero(cur)
				return nil, err
			}
		}
		binary.LittleEndian.PutUint32(le[:], uint32(i))
		h.Reset()
		h.Write(le[:])
		h.Write(cur)
		cur = h.Sum(cur[:0])
		if trace != nil {
			trace(stage, i, cur)
		}
	}
	return cur, nil
}

// HashConcat digests the concatenation of parts.
func HashConcat(newHash func() hash.Hash, parts ...[]byte) []byte {
	h := newHash()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
