// Package standard implements ECMA-376 Standard Encryption, the binary
// metadata scheme used by encrypted Office documents with EncryptionInfo
// versions 2.2, 3.2 and 4.2.
package standard

// https://learn.microsoft.com/en-us/openspecs/office_file_formats/ms-offcrypto/3c34d72a-1a61-4b52-a893-196f9157f083
// Record layout per 2.3.4.5 (EncryptionInfo stream, EncryptionHeader) and
// 2.3.4.6 (EncryptionVerifier).

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fcwoknhenuxdfiyv/offcrypt"
	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
)

var _ = offcrypt.Register("standard", 1, Parse)

// ALG_ID values from 2.3.4.5.
const (
	AlgRC4    uint32 = 0x00006801
	AlgAES128 uint32 = 0x0000660E
	AlgAES192 uint32 = 0x0000660F
	AlgAES256 uint32 = 0x00006610

	AlgHashMD5    uint32 = 0x00008003
	AlgHashSHA1   uint32 = 0x00008004
	AlgHashSHA256 uint32 = 0x0000800C
	AlgHashSHA384 uint32 = 0x0000800D
	AlgHashSHA512 uint32 = 0x0000800E
)

// EncryptionHeader flag bits.
const (
	flagCryptoAPI uint32 = 0x04
	flagDocProps  uint32 = 0x08
	flagExternal  uint32 = 0x10
	flagAES       uint32 = 0x20
)

// Provider types seen in the wild.
const (
	provRSAFull uint32 = 0x00000001 // PROV_RSA_FULL, RC4
	provRSAAES  uint32 = 0x00000018 // PROV_RSA_AES
)

// 2.3.4.5 EncryptionInfo stream start
type recordHeader struct {
	Major      uint16
	Minor      uint16 // MUST be 0x0002 for Standard
	Flags      uint32 // copy of EncryptionHeader.Flags
	HeaderSize uint32 // size of the EncryptionHeader; unreliable in the wild
}

// 2.3.4.5 EncryptionHeader fixed fields
type encryptionHeader struct {
	Flags        uint32 // fCryptoAPI 0x04, fExternal 0x10, fAES 0x20
	SizeExtra    uint32 // MUST be 0x00000000
	AlgID        uint32 // cipher ALG_ID; 0x0000 means determined by Flags
	AlgIDHash    uint32 // hash ALG_ID; 0x0000 means SHA-1
	KeySize      uint32 // key length in bits; 0x0000 means 40-bit RC4
	ProviderType uint32 // PROV_RSA_FULL or PROV_RSA_AES
	Reserved1    uint32 // ignored
	Reserved2    uint32 // MUST be 0x00000000
}

// Info holds a parsed Standard encryption metadata record.
type Info struct {
	Major, Minor uint16
	Flags        uint32
	AlgID        uint32
	AlgIDHash    uint32
	KeySize      uint32
	ProviderType uint32
	CSPName      string

	Salt                  []byte
	EncryptedVerifier     []byte // 16 bytes
	VerifierHashSize      uint32
	EncryptedVerifierHash []byte // block-padded for AES, exact for RC4

	cipherName string // "AES" or "RC4"
	hashName   string
	keyBits    int
	warns      []string
}

// Parse reads a Standard encryption metadata record. Version minor 2 with
// major 2, 3 or 4 is Standard; anything else belongs to another scheme.
func Parse(record []byte) (offcrypt.EncryptionInfo, error) {
	if len(record) < 4 {
		return nil, offcrypt.ErrWrongScheme
	}
	le := binary.LittleEndian
	major, minor := le.Uint16(record), le.Uint16(record[2:])
	if minor != 2 || major < 2 || major > 4 {
		return nil, offcrypt.ErrWrongScheme
	}

	br := bytes.NewReader(record)
	rh := recordHeader{}
	hdr := encryptionHeader{}
	if err := binary.Read(br, le, &rh); err != nil {
		return nil, offcrypt.WrapErr(fmt.Errorf("standard: truncated record: %v", err), offcrypt.ErrCorruptedMetadata)
	}
	if err := binary.Read(br, le, &hdr); err != nil {
		return nil, offcrypt.WrapErr(fmt.Errorf("standard: truncated encryption header: %v", err), offcrypt.ErrCorruptedMetadata)
	}
	if hdr.Flags&flagExternal != 0 {
		return nil, fmt.Errorf("standard: extensible encryption (fExternal): %w", offcrypt.ErrUnsupportedScheme)
	}

	e := &Info{
		Major: rh.Major, Minor: rh.Minor,
		Flags:        hdr.Flags,
		AlgID:        hdr.AlgID,
		AlgIDHash:    hdr.AlgIDHash,
		KeySize:      hdr.KeySize,
		ProviderType: hdr.ProviderType,
	}
	if hdr.SizeExtra != 0 {
		e.warn("SizeExtra is 0x%08X, expected 0", hdr.SizeExtra)
	}
	if hdr.Reserved2 != 0 {
		e.warn("Reserved2 is 0x%08X, expected 0", hdr.Reserved2)
	}

	if err := e.resolveAlgorithms(&hdr); err != nil {
		return nil, err
	}
	if err := e.parseVerifier(record); err != nil {
		return nil, err
	}
	return e, nil
}

// resolveAlgorithms normalizes the ALG_ID/KeySize/Flags triple into a cipher
// name, hash name and key length, collecting warnings for the inconsistent
// combinations real writers produce.
func (e *Info) resolveAlgorithms(hdr *encryptionHeader) error {
	switch hdr.AlgID {
	case AlgRC4:
		e.cipherName = "RC4"
	case AlgAES128:
		e.cipherName, e.keyBits = "AES", 128
	case AlgAES192:
		e.cipherName, e.keyBits = "AES", 192
	case AlgAES256:
		e.cipherName, e.keyBits = "AES", 256
	case 0:
		// 0x0000 defers to the flags
		if hdr.Flags&flagAES != 0 {
			e.cipherName, e.keyBits = "AES", 128
		} else if hdr.Flags&flagCryptoAPI != 0 {
			e.cipherName = "RC4"
		} else {
			return fmt.Errorf("standard: cipher ALG_ID 0 with flags 0x%08X: %w", hdr.Flags, offcrypt.ErrUnsupportedScheme)
		}
	default:
		return fmt.Errorf("standard: cipher ALG_ID 0x%08X: %w", hdr.AlgID, offcrypt.ErrUnsupportedScheme)
	}

	switch e.cipherName {
	case "AES":
		if hdr.KeySize != 0 && int(hdr.KeySize) != e.keyBits {
			e.warn("key size %d bits does not match AES ALG_ID, using %d", hdr.KeySize, e.keyBits)
		}
		if hdr.Flags&flagAES == 0 {
			e.warn("fAES flag clear on an AES record")
		}
		if hdr.ProviderType != 0 && hdr.ProviderType != provRSAAES {
			e.warn("provider type 0x%02X, expected PROV_RSA_AES", hdr.ProviderType)
		}
	case "RC4":
		ks := hdr.KeySize
		if ks == 0 {
			ks = 40
		}
		if ks%8 != 0 || ks > 2048 {
			return fmt.Errorf("standard: RC4 key size %d bits: %w", hdr.KeySize, offcrypt.ErrCorruptedMetadata)
		}
		if ks < 40 || ks > 128 {
			e.warn("unusual RC4 key size %d bits", ks)
		}
		e.keyBits = int(ks)
		if hdr.ProviderType != 0 && hdr.ProviderType != provRSAFull {
			e.warn("provider type 0x%02X, expected PROV_RSA_FULL", hdr.ProviderType)
		}
	}

	switch hdr.AlgIDHash {
	case 0, AlgHashSHA1:
		e.hashName = "SHA1"
	case AlgHashMD5:
		e.hashName = "MD5"
	case AlgHashSHA256:
		e.hashName = "SHA256"
	case AlgHashSHA384:
		e.hashName = "SHA384"
	case AlgHashSHA512:
		e.hashName = "SHA512"
	default:
		return fmt.Errorf("standard: hash ALG_ID 0x%08X: %w", hdr.AlgIDHash, offcrypt.ErrUnsupportedScheme)
	}
	if e.cipherName == "AES" && e.hashName != "SHA1" {
		e.warn("version %d.2 AES record uses %s, expected SHA-1", e.Major, e.hashName)
	}
	return nil
}

// parseVerifier locates the EncryptionVerifier after the variable-length
// CSP name. The declared header size does not reliably bound the name, so
// the boundary is found by scanning for a plausible salt size followed by a
// plausible verifier hash size.
func (e *Info) parseVerifier(record []byte) error {
	const fixed = 44 // version + flags + header size + fixed header fields
	const scanCap = 512
	if len(record) < fixed {
		return fmt.Errorf("standard: %d byte record: %w", len(record), offcrypt.ErrCorruptedMetadata)
	}
	le := binary.LittleEndian
	rest := record[fixed:]

	nameLen := -1
	var saltSize, vhs uint32
	for off := 0; off+24 <= len(rest) && off <= scanCap; off += 2 {
		ss := le.Uint32(rest[off:])
		if ss < 1 || ss > 64 {
			continue
		}
		vhsOff := off + 4 + int(ss) + 16
		if vhsOff+4 > len(rest) {
			continue
		}
		hs := le.Uint32(rest[vhsOff:])
		if hs < 1 || hs > 64 {
			continue
		}
		nameLen, saltSize, vhs = off, ss, hs
		break
	}
	if nameLen < 0 {
		return fmt.Errorf("standard: no verifier found after CSP name: %w", offcrypt.ErrCorruptedMetadata)
	}

	if nameLen > 0 {
		name, err := commoncrypt.UTF16String(rest[:nameLen])
		if err != nil {
			e.warn("undecodable CSP name: %v", err)
		}
		e.CSPName = name
	}
	if saltSize != 16 {
		e.warn("salt is %d bytes, expected 16", saltSize)
	}

	p := nameLen + 4
	e.Salt = append([]byte(nil), rest[p:p+int(saltSize)]...)
	p += int(saltSize)
	e.EncryptedVerifier = append([]byte(nil), rest[p:p+16]...)
	p += 16 + 4
	e.VerifierHashSize = vhs

	want := int(vhs)
	if e.cipherName == "AES" {
		want = (want + 15) &^ 15
	}
	if len(rest)-p < want {
		return fmt.Errorf("standard: %d byte encrypted verifier hash, expected %d: %w",
			len(rest)-p, want, offcrypt.ErrCorruptedMetadata)
	}
	e.EncryptedVerifierHash = append([]byte(nil), rest[p:p+want]...)

	if newHash, err := commoncrypt.NewHash(e.hashName); err == nil {
		if hl := newHash().Size(); hl != int(vhs) {
			e.warn("verifier hash size %d does not match the %d byte %s digest", vhs, hl, e.hashName)
		}
	}
	return nil
}

func (e *Info) warn(format string, args ...interface{}) {
	e.warns = append(e.warns, fmt.Sprintf(format, args...))
}

// Version reports the record's major and minor version numbers.
func (e *Info) Version() (uint16, uint16) { return e.Major, e.Minor }

// Scheme names the encryption scheme.
func (e *Info) Scheme() string { return "standard" }

// Warnings lists non-fatal inconsistencies found while parsing.
func (e *Info) Warnings() []string { return e.warns }

// Describe returns a one-line summary of the encryption parameters.
func (e *Info) Describe() string {
	return fmt.Sprintf("standard v%d.%d: %s %d-bit, %s verifier, %d byte salt",
		e.Major, e.Minor, e.cipherName, e.keyBits, e.hashName, len(e.Salt))
}
