package commoncrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordBytes(t *testing.T) {
	cases := []struct {
		in   string
		want []byte
	}{
		{"", []byte{}},
		{"abc", []byte{0x61, 0, 0x62, 0, 0x63, 0}},
		{"Password1", []byte{
			'P', 0, 'a', 0, 's', 0, 's', 0, 'w', 0, 'o', 0, 'r', 0, 'd', 0, '1', 0,
		}},
		// U+0416 and U+20AC, little-endian code units
		{"Ж", []byte{0x16, 0x04}},
		{"€", []byte{0xac, 0x20}},
		// U+10437 encodes as the surrogate pair D801 DC37
		{"\U00010437", []byte{0x01, 0xd8, 0x37, 0xdc}},
	}
	for _, c := range cases {
		got, err := PasswordBytes(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, "%q", c.in)
	}
}

func TestUTF16String(t *testing.T) {
	s, err := UTF16String([]byte{'M', 0, 'i', 0, 'c', 0, 'r', 0, 'o', 0, 's', 0, 'o', 0, 'f', 0, 't', 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, "Microsoft", s)

	_, err = UTF16String([]byte{'M', 0, 'i'})
	assert.Error(t, err)
}

func TestPasswordBytesRoundTrip(t *testing.T) {
	for _, pw := range []string{"hello", "pässword", "日本語", "\U00010437x"} {
		b, err := PasswordBytes(pw)
		require.NoError(t, err)
		back, err := UTF16String(b)
		require.NoError(t, err)
		assert.Equal(t, pw, back)
	}
}

func TestIterateHashMatchesManualChain(t *testing.T) {
	seed := sha1.Sum([]byte("seed material"))
	got, err := IterateHash(context.Background(), sha1.New, seed[:], 50, "spin", nil)
	require.NoError(t, err)

	want := append([]byte(nil), seed[:]...)
	for i := 0; i < 50; i++ {
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], uint32(i))
		d := sha1.Sum(append(le[:], want...))
		want = d[:]
	}
	assert.Equal(t, want, got)
}

func TestIterateHashZeroSpins(t *testing.T) {
	seed := []byte{1, 2, 3, 4}
	got, err := IterateHash(context.Background(), sha1.New, seed, 0, "spin", nil)
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	// the result is a copy, not a view of the seed
	got[0] = 99
	assert.Equal(t, byte(1), seed[0])
}

func TestIterateHashTrace(t *testing.T) {
	var stages []string
	var indexes []int
	trace := func(stage string, i int, digest []byte) {
		stages = append(stages, stage)
		indexes = append(indexes, i)
		assert.Len(t, digest, sha1.Size)
	}
	_, err := IterateHash(context.Background(), sha1.New, []byte("x"), 10, "spin", trace)
	require.NoError(t, err)
	require.Len(t, stages, 10)
	for i := range indexes {
		assert.Equal(t, i, indexes[i])
		assert.Equal(t, "spin", stages[i])
	}
}

func TestIterateHashCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := IterateHash(ctx, sha1.New, []byte("x"), 5000, "spin", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHashConcat(t *testing.T) {
	direct := sha1.Sum([]byte("onetwo"))
	assert.Equal(t, direct[:], HashConcat(sha1.New, []byte("one"), []byte("two")))
}

func TestNewHash(t *testing.T) {
	for name, size := range map[string]int{
		"MD5": 16, "SHA1": 20, "SHA-1": 20, "sha256": 32, "SHA384": 48, "SHA512": 64,
	} {
		newHash, err := NewHash(name)
		require.NoError(t, err, name)
		assert.Equal(t, size, newHash().Size(), name)
	}
	_, err := NewHash("RIPEMD160")
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 255}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("same"), []byte("same")))
	assert.False(t, ConstantTimeEqual([]byte("same"), []byte("sane")))
	assert.False(t, ConstantTimeEqual([]byte("same"), []byte("same!")))
	assert.True(t, ConstantTimeEqual(nil, []byte{}))
}

func TestPadOrTruncate(t *testing.T) {
	assert.Equal(t, []byte{1, 2}, PadOrTruncate([]byte{1, 2, 3, 4}, 2))
	assert.Equal(t, []byte{1, 2, 3, 4}, PadOrTruncate([]byte{1, 2, 3, 4}, 4))
	assert.Equal(t, []byte{1, 2, 0x36, 0x36}, PadOrTruncate([]byte{1, 2}, 4))
}

func TestECBRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 16)
	b, err := NewBlock("AES", key)
	require.NoError(t, err)

	plain := []byte("exactly 32 bytes of plain text!!")
	require.Len(t, plain, 32)
	buf := append([]byte(nil), plain...)
	require.NoError(t, EncryptECB(b, buf))
	assert.NotEqual(t, plain, buf)
	require.NoError(t, DecryptECB(b, buf))
	assert.Equal(t, plain, buf)

	assert.Error(t, EncryptECB(b, make([]byte, 17)))
	assert.Error(t, DecryptECB(b, make([]byte, 15)))
}

func TestCBCRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{9}, 32)
	iv := bytes.Repeat([]byte{3}, 16)
	b, err := NewBlock("AES", key)
	require.NoError(t, err)

	plain := bytes.Repeat([]byte("0123456789abcdef"), 4)
	buf := append([]byte(nil), plain...)
	require.NoError(t, EncryptCBC(b, iv, buf))
	assert.NotEqual(t, plain, buf)
	require.NoError(t, DecryptCBC(b, iv, buf))
	assert.Equal(t, plain, buf)

	// identical plaintext blocks must chain to distinct ciphertext blocks
	buf2 := append([]byte(nil), plain...)
	require.NoError(t, EncryptCBC(b, iv, buf2))
	assert.NotEqual(t, buf2[:16], buf2[16:32])

	assert.Error(t, EncryptCBC(b, iv[:8], make([]byte, 16)))
	assert.Error(t, DecryptCBC(b, iv, make([]byte, 20)))
}

func TestNewBlock(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		b, err := NewBlock("AES", make([]byte, n))
		require.NoError(t, err)
		assert.Equal(t, aes.BlockSize, b.BlockSize())
	}
	_, err := NewBlock("AES", make([]byte, 20))
	assert.Error(t, err)
	_, err = NewBlock("DES", make([]byte, 8))
	assert.Error(t, err)
}
