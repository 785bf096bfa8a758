package standard

// Test-side encryptor. Records and ciphertext are produced from first
// principles with the raw crypto primitives, so the decrypt path is checked
// against an independent rendering of the algorithm rather than against
// itself.

import (
	"bytes"
	"crypto/aes"
	"crypto/rc4"
	"encoding/binary"
	"hash"
)

type encryptor struct {
	major     uint16
	algID     uint32
	algIDHash uint32
	keyBits   int
	flags     uint32 // 0 means derived from algID
	newHash   func() hash.Hash
	salt      []byte
	password  string
	cspName   string
}

func (en *encryptor) isRC4() bool {
	if en.algID == AlgRC4 {
		return true
	}
	return en.algID == 0 && en.headerFlags()&flagAES == 0
}

func (en *encryptor) headerFlags() uint32 {
	if en.flags != 0 {
		return en.flags
	}
	if en.algID == AlgRC4 {
		return flagCryptoAPI
	}
	return flagCryptoAPI | flagAES
}

// key derives the package key per the documented chain: hash the salted
// password, spin 50000 times with a little-endian counter prefix, bind block
// number zero, then expand through the 0x36/0x5C padded buffers.
func (en *encryptor) key() []byte {
	pw := make([]byte, 0, len(en.password)*2)
	for _, r := range en.password {
		// test passwords stay in the BMP
		pw = append(pw, byte(r), byte(r>>8))
	}
	h := en.newHash()
	h.Write(en.salt)
	h.Write(pw)
	cur := h.Sum(nil)

	var le [4]byte
	for i := 0; i < 50000; i++ {
		binary.LittleEndian.PutUint32(le[:], uint32(i))
		h.Reset()
		h.Write(le[:])
		h.Write(cur)
		cur = h.Sum(cur[:0])
	}
	h.Reset()
	h.Write(cur)
	h.Write([]byte{0, 0, 0, 0})
	hfinal := h.Sum(nil)

	fill := func(pad byte) []byte {
		b := make([]byte, 64)
		for i := range b {
			b[i] = pad
		}
		for i, c := range hfinal {
			b[i] ^= c
		}
		h.Reset()
		h.Write(b)
		return h.Sum(nil)
	}
	x := append(fill(0x36), fill(0x5C)...)
	return x[:en.keyBits/8]
}

// verifierFields encrypts a fixed verifier and its digest under key.
func (en *encryptor) verifierFields(key []byte) (encVerifier, encVHash []byte) {
	verifier := make([]byte, 16)
	for i := range verifier {
		verifier[i] = byte(i * 7)
	}
	h := en.newHash()
	h.Write(verifier)
	vhash := h.Sum(nil)

	if en.isRC4() {
		c, _ := rc4.NewCipher(key)
		encVerifier = make([]byte, len(verifier))
		c.XORKeyStream(encVerifier, verifier)
		encVHash = make([]byte, len(vhash))
		c.XORKeyStream(encVHash, vhash)
		return
	}
	b, _ := aes.NewCipher(key)
	encVerifier = make([]byte, len(verifier))
	b.Encrypt(encVerifier, verifier)
	padded := make([]byte, (len(vhash)+15)&^15)
	copy(padded, vhash)
	encVHash = make([]byte, len(padded))
	for off := 0; off < len(padded); off += 16 {
		b.Encrypt(encVHash[off:off+16], padded[off:off+16])
	}
	return
}

// record serializes the EncryptionInfo record for this parameter set.
func (en *encryptor) record(key []byte) []byte {
	encVerifier, encVHash := en.verifierFields(key)
	csp := utf16z(en.cspName)
	flags := en.headerFlags()

	var b bytes.Buffer
	le := binary.LittleEndian
	w16 := func(v uint16) { binary.Write(&b, le, v) }
	w32 := func(v uint32) { binary.Write(&b, le, v) }

	w16(en.major)
	w16(2)
	w32(flags)
	w32(uint32(32 + len(csp)))

	w32(flags)
	w32(0) // SizeExtra
	w32(en.algID)
	w32(en.algIDHash)
	w32(uint32(en.keyBits))
	if en.isRC4() {
		w32(provRSAFull)
	} else {
		w32(provRSAAES)
	}
	w32(0)
	w32(0)
	b.Write(csp)

	w32(uint32(len(en.salt)))
	b.Write(en.salt)
	b.Write(encVerifier)
	w32(uint32(en.newHash().Size()))
	b.Write(encVHash)
	return b.Bytes()
}

// pack encrypts a plaintext package, length prefix included.
func (en *encryptor) pack(key, plaintext []byte) []byte {
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint64(len(plaintext)))
	if en.isRC4() {
		c, _ := rc4.NewCipher(key)
		ct := make([]byte, len(plaintext))
		c.XORKeyStream(ct, plaintext)
		out.Write(ct)
		return out.Bytes()
	}
	padded := make([]byte, (len(plaintext)+15)&^15)
	copy(padded, plaintext)
	b, _ := aes.NewCipher(key)
	for off := 0; off < len(padded); off += 16 {
		b.Encrypt(padded[off:off+16], padded[off:off+16])
	}
	out.Write(padded)
	return out.Bytes()
}

func utf16z(s string) []byte {
	out := make([]byte, 0, (len(s)+1)*2)
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return append(out, 0, 0)
}
