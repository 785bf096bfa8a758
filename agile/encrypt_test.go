package agile

// Test-side encryptor. Descriptors and ciphertext are produced from first
// principles, block key constants included, so the decrypt path is checked
// against an independent rendering of the algorithm.

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rc4"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
)

var (
	tbVerifierInput = []byte{0xfe, 0xa7, 0xd2, 0x76, 0x3b, 0x4b, 0x9e, 0x79}
	tbVerifierValue = []byte{0xd7, 0xaa, 0x0f, 0x6d, 0x30, 0x61, 0x34, 0x4e}
	tbKeyValue      = []byte{0x14, 0x6e, 0x0b, 0xe7, 0xab, 0xac, 0xd0, 0xd6}
	tbHmacKey       = []byte{0x5f, 0xb2, 0xad, 0x01, 0x0c, 0xb9, 0xe1, 0xf6}
	tbHmacValue     = []byte{0xa0, 0x67, 0x7f, 0x02, 0xb2, 0x2c, 0x84, 0x33}
)

type agileEncryptor struct {
	hashName   string
	newHash    func() hash.Hash
	keyBits    int
	spinCount  int
	rc4        bool
	keySalt    []byte // keyData saltValue
	pwdSalt    []byte // password encryptor saltValue
	password   string
	packageKey []byte // keyBits/8 bytes, encrypts the package
	integrity  bool
}

func testVector(n int, mul, add byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)*mul + add
	}
	return b
}

func (en *agileEncryptor) fit(b []byte, n int) []byte {
	out := make([]byte, n)
	copied := copy(out, b)
	for i := copied; i < n; i++ {
		out[i] = 0x36
	}
	return out
}

func (en *agileEncryptor) hashOf(parts ...[]byte) []byte {
	h := en.newHash()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// spun runs the password hash chain.
func (en *agileEncryptor) spun() []byte {
	pw := make([]byte, 0, len(en.password)*2)
	for _, r := range en.password {
		// test passwords stay in the BMP
		pw = append(pw, byte(r), byte(r>>8))
	}
	cur := en.hashOf(en.pwdSalt, pw)
	var le [4]byte
	for i := 0; i < en.spinCount; i++ {
		binary.LittleEndian.PutUint32(le[:], uint32(i))
		cur = en.hashOf(le[:], cur)
	}
	return cur
}

func (en *agileEncryptor) purpose(spun, blockKey []byte) []byte {
	return en.fit(en.hashOf(spun, blockKey), en.keyBits/8)
}

// encryptField wraps one metadata field. AES fields are zero-padded to the
// block, RC4 fields keep their exact length.
func (en *agileEncryptor) encryptField(key, iv, data []byte) []byte {
	if en.rc4 {
		c, _ := rc4.NewCipher(key)
		out := make([]byte, len(data))
		c.XORKeyStream(out, data)
		return out
	}
	padded := make([]byte, (len(data)+15)&^15)
	copy(padded, data)
	b, _ := aes.NewCipher(key)
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(padded, padded)
	return padded
}

// pack encrypts a plaintext package in 4096-byte segments.
func (en *agileEncryptor) pack(plaintext []byte) []byte {
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint64(len(plaintext)))
	for seg := 0; seg*4096 < len(plaintext) || (seg == 0 && len(plaintext) == 0); seg++ {
		chunk := plaintext[seg*4096:]
		if len(chunk) > 4096 {
			chunk = chunk[:4096]
		}
		if len(chunk) == 0 {
			break
		}
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], uint32(seg))
		if en.rc4 {
			c, _ := rc4.NewCipher(en.packageKey)
			ct := make([]byte, len(chunk))
			c.XORKeyStream(ct, chunk)
			out.Write(ct)
			continue
		}
		iv := en.fit(en.hashOf(en.keySalt, le[:]), 16)
		padded := make([]byte, (len(chunk)+15)&^15)
		copy(padded, chunk)
		b, _ := aes.NewCipher(en.packageKey)
		cipher.NewCBCEncrypter(b, iv).CryptBlocks(padded, padded)
		out.Write(padded)
	}
	return out.Bytes()
}

// record builds the full EncryptionInfo record: version, reserved dword,
// then the XML descriptor. The encrypted package bytes must be supplied when
// a dataIntegrity element is wanted, since its HMAC covers them.
func (en *agileEncryptor) record(encryptedPackage []byte) []byte {
	spun := en.spun()
	verifierInput := testVector(len(en.pwdSalt), 11, 3)

	b64 := base64.StdEncoding.EncodeToString
	ivFields := en.fit(en.pwdSalt, 16)
	encInput := en.encryptField(en.purpose(spun, tbVerifierInput), ivFields, verifierInput)
	encValue := en.encryptField(en.purpose(spun, tbVerifierValue), ivFields, en.hashOf(verifierInput))
	encKey := en.encryptField(en.purpose(spun, tbKeyValue), ivFields, en.packageKey)

	hashSize := en.newHash().Size()
	chaining := "ChainingModeCBC"
	cipherAlg := "AES"
	if en.rc4 {
		chaining = ""
		cipherAlg = "RC4"
	}

	integrity := ""
	if en.integrity {
		hmacKey := testVector(hashSize, 3, 1)
		mac := hmac.New(en.newHash, hmacKey)
		mac.Write(encryptedPackage)

		encHK := en.encryptField(en.packageKey, en.fit(en.hashOf(en.keySalt, tbHmacKey), 16), hmacKey)
		encHV := en.encryptField(en.packageKey, en.fit(en.hashOf(en.keySalt, tbHmacValue), 16), mac.Sum(nil))
		integrity = fmt.Sprintf(`<dataIntegrity encryptedHmacKey="%s" encryptedHmacValue="%s"/>`,
			b64(encHK), b64(encHV))
	}

	xml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`+
		`<encryption xmlns="http://schemas.microsoft.com/office/2006/encryption" xmlns:p="http://schemas.microsoft.com/office/2006/keyEncryptor/password">`+
		`<keyData saltSize="%d" blockSize="16" keyBits="%d" hashSize="%d" cipherAlgorithm="%s" cipherChaining="%s" hashAlgorithm="%s" saltValue="%s"/>`+
		`%s`+
		`<keyEncryptors><keyEncryptor uri="http://schemas.microsoft.com/office/2006/keyEncryptor/password">`+
		`<p:encryptedKey spinCount="%d" saltSize="%d" blockSize="16" keyBits="%d" hashSize="%d" cipherAlgorithm="%s" cipherChaining="%s" hashAlgorithm="%s" saltValue="%s" `+
		`encryptedVerifierHashInput="%s" encryptedVerifierHashValue="%s" encryptedKeyValue="%s"/>`+
		`</keyEncryptor></keyEncryptors></encryption>`,
		len(en.keySalt), en.keyBits, hashSize, cipherAlg, chaining, en.hashName, b64(en.keySalt),
		integrity,
		en.spinCount, len(en.pwdSalt), en.keyBits, hashSize, cipherAlg, chaining, en.hashName, b64(en.pwdSalt),
		b64(encInput), b64(encValue), b64(encKey))

	var rec bytes.Buffer
	rec.Write([]byte{4, 0, 4, 0})
	binary.Write(&rec, binary.LittleEndian, uint32(0x40))
	rec.WriteString(xml)
	return rec.Bytes()
}
