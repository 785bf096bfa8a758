// Package agile implements ECMA-376 Agile Encryption, the XML metadata
// scheme used by encrypted Office documents with EncryptionInfo version 4.4.
package agile

// https://learn.microsoft.com/en-us/openspecs/office_file_formats/ms-offcrypto/3c34d72a-1a61-4b52-a893-196f9157f083
// Descriptor layout per 2.3.4.10, key derivation per 2.3.4.11.

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/fcwoknhenuxdfiyv/offcrypt"
	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
)

var _ = offcrypt.Register("agile", 2, Parse)

// Key encryptor URIs from 2.3.4.10.
const (
	uriPassword    = "http://schemas.microsoft.com/office/2006/keyEncryptor/password"
	uriCertificate = "http://schemas.microsoft.com/office/2006/keyEncryptor/certificate"
)

// spinCountCap bounds the iterated hash per 2.3.4.11 (spinCount MUST be no
// greater than 10,000,000), so damaged metadata cannot demand unbounded work.
const spinCountCap = 10000000

// params carries the attribute set shared by keyData and encryptedKey.
type params struct {
	SaltSize        int
	BlockSize       int
	KeyBits         int
	HashSize        int
	CipherAlgorithm string
	CipherChaining  string
	HashAlgorithm   string
	Salt            []byte
}

// passwordParams is the password key encryptor (p:encryptedKey).
type passwordParams struct {
	params
	SpinCount                  int
	EncryptedVerifierHashInput []byte
	EncryptedVerifierHashValue []byte
	EncryptedKeyValue          []byte
}

// integrityParams is the optional dataIntegrity element (2.3.4.14).
type integrityParams struct {
	EncryptedHmacKey   []byte
	EncryptedHmacValue []byte
}

// Info holds a parsed Agile encryption descriptor.
type Info struct {
	Major, Minor uint16

	keyData   params
	pwd       passwordParams
	integrity *integrityParams

	haveKeyData   bool
	havePassword  bool
	encryptorURIs []string
	warns         []string
}

// Parse reads an Agile encryption descriptor. Version 4.4 is Agile; anything
// else belongs to another scheme.
func Parse(record []byte) (offcrypt.EncryptionInfo, error) {
	if len(record) < 4 {
		return nil, offcrypt.ErrWrongScheme
	}
	le := binary.LittleEndian
	major, minor := le.Uint16(record), le.Uint16(record[2:])
	if major != 4 || minor != 4 {
		return nil, offcrypt.ErrWrongScheme
	}

	// a reserved dword sits between the version and the XML document
	xmlStart := -1
	for i := 4; i < len(record) && i < 12; i++ {
		if record[i] == '<' {
			xmlStart = i
			break
		}
	}
	if xmlStart < 0 {
		return nil, fmt.Errorf("agile: no XML descriptor after version: %w", offcrypt.ErrCorruptedMetadata)
	}

	e := &Info{Major: major, Minor: minor}
	if err := e.parseXML(xml.NewDecoder(bytes.NewReader(record[xmlStart:]))); err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Info) parseXML(dec *xml.Decoder) error {
	uri := ""
	done := false
	tok, err := dec.RawToken()
	for ; err == nil && !done; tok, err = dec.RawToken() {
		switch v := tok.(type) {
		case xml.StartElement:
			switch v.Name.Local {
			case "encryption", "keyEncryptors":
				// containers
			case "keyData":
				if err2 := e.paramsFromAttrs(&e.keyData, v.Attr); err2 != nil {
					return err2
				}
				e.haveKeyData = true
			case "dataIntegrity":
				ax := getAttrs(v.Attr, "encryptedHmacKey", "encryptedHmacValue")
				hk, err2 := b64Attr(ax[0], "encryptedHmacKey")
				if err2 != nil {
					return err2
				}
				hv, err2 := b64Attr(ax[1], "encryptedHmacValue")
				if err2 != nil {
					return err2
				}
				e.integrity = &integrityParams{EncryptedHmacKey: hk, EncryptedHmacValue: hv}
			case "keyEncryptor":
				uri = getAttrs(v.Attr, "uri")[0]
				e.encryptorURIs = append(e.encryptorURIs, uri)
			case "encryptedKey":
				if uri != uriPassword {
					e.warn("ignoring %q key encryptor", uri)
					continue
				}
				if err2 := e.paramsFromAttrs(&e.pwd.params, v.Attr); err2 != nil {
					return err2
				}
				ax := getAttrs(v.Attr, "spinCount", "encryptedVerifierHashInput", "encryptedVerifierHashValue", "encryptedKeyValue")
				var err2 error
				if e.pwd.SpinCount, err2 = sizeAttr(ax[0], "spinCount", 0, spinCountCap); err2 != nil {
					return err2
				}
				if e.pwd.EncryptedVerifierHashInput, err2 = b64Attr(ax[1], "encryptedVerifierHashInput"); err2 != nil {
					return err2
				}
				if e.pwd.EncryptedVerifierHashValue, err2 = b64Attr(ax[2], "encryptedVerifierHashValue"); err2 != nil {
					return err2
				}
				if e.pwd.EncryptedKeyValue, err2 = b64Attr(ax[3], "encryptedKeyValue"); err2 != nil {
					return err2
				}
				e.havePassword = true
			default:
				if offcrypt.Debug {
					log.Println("      Unhandled encryption xml tag", v.Name.Local, v.Attr)
				}
			}
		case xml.EndElement:
			if v.Name.Local == "encryption" {
				// records are often zero-padded past the document
				done = true
			}
		default:
			if offcrypt.Debug {
				log.Printf("      Unhandled encryption xml tokens %T %+v", tok, tok)
			}
		}
	}
	if err != nil && err != io.EOF {
		return offcrypt.WrapErr(fmt.Errorf("agile: malformed XML descriptor: %v", err), offcrypt.ErrCorruptedMetadata)
	}
	return nil
}

// paramsFromAttrs fills the shared attribute set, enforcing the size bounds
// of 2.3.4.10.
func (e *Info) paramsFromAttrs(p *params, attrs []xml.Attr) error {
	ax := getAttrs(attrs, "saltSize", "blockSize", "keyBits", "hashSize",
		"cipherAlgorithm", "cipherChaining", "hashAlgorithm", "saltValue")
	var err error
	if p.SaltSize, err = sizeAttr(ax[0], "saltSize", 1, 64); err != nil {
		return err
	}
	if p.BlockSize, err = sizeAttr(ax[1], "blockSize", 2, 4096); err != nil {
		return err
	}
	if p.KeyBits, err = sizeAttr(ax[2], "keyBits", 8, 2048); err != nil {
		return err
	}
	if p.HashSize, err = sizeAttr(ax[3], "hashSize", 1, 64); err != nil {
		return err
	}
	p.CipherAlgorithm, p.CipherChaining, p.HashAlgorithm = ax[4], ax[5], ax[6]
	if p.Salt, err = b64Attr(ax[7], "saltValue"); err != nil {
		return err
	}
	if len(p.Salt) != p.SaltSize {
		e.warn("saltValue is %d bytes but saltSize says %d", len(p.Salt), p.SaltSize)
		p.SaltSize = len(p.Salt)
	}
	return nil
}

// validate resolves algorithm names and rejects descriptors this package
// cannot decrypt.
func (e *Info) validate() error {
	if !e.haveKeyData {
		return fmt.Errorf("agile: missing keyData element: %w", offcrypt.ErrCorruptedMetadata)
	}
	if !e.havePassword {
		return fmt.Errorf("agile: no password key encryptor among %v: %w", e.encryptorURIs, offcrypt.ErrUnsupportedScheme)
	}
	if err := e.checkParams(&e.keyData, "keyData"); err != nil {
		return err
	}
	if err := e.checkParams(&e.pwd.params, "encryptedKey"); err != nil {
		return err
	}
	for _, f := range [][]byte{e.pwd.EncryptedVerifierHashInput, e.pwd.EncryptedVerifierHashValue, e.pwd.EncryptedKeyValue} {
		if err := fieldFits(f, &e.pwd.params); err != nil {
			return fmt.Errorf("agile: wrapped verifier field: %w", err)
		}
	}
	if e.integrity != nil {
		for _, f := range [][]byte{e.integrity.EncryptedHmacKey, e.integrity.EncryptedHmacValue} {
			if err := fieldFits(f, &e.keyData); err != nil {
				return fmt.Errorf("agile: dataIntegrity field: %w", err)
			}
		}
	}
	return nil
}

// fieldFits rejects encrypted fields a block cipher cannot decrypt. RC4 is a
// stream cipher and carries no alignment requirement.
func fieldFits(f []byte, p *params) error {
	if len(f) == 0 {
		return fmt.Errorf("empty: %w", offcrypt.ErrCorruptedMetadata)
	}
	if strings.ToUpper(p.CipherAlgorithm) == "AES" && len(f)%p.BlockSize != 0 {
		return fmt.Errorf("%d bytes with blockSize %d: %w", len(f), p.BlockSize, offcrypt.ErrCorruptedMetadata)
	}
	return nil
}

func (e *Info) checkParams(p *params, role string) error {
	newHash, err := commoncrypt.NewHash(p.HashAlgorithm)
	if err != nil {
		return fmt.Errorf("agile: %s hash algorithm %q: %w", role, p.HashAlgorithm, offcrypt.ErrUnsupportedScheme)
	}
	if hl := newHash().Size(); hl != p.HashSize {
		e.warn("%s hashSize %d does not match the %d byte %s digest", role, p.HashSize, hl, p.HashAlgorithm)
	}
	switch strings.ToUpper(p.CipherAlgorithm) {
	case "AES":
		if p.CipherChaining != "ChainingModeCBC" {
			return fmt.Errorf("agile: %s cipher chaining %q: %w", role, p.CipherChaining, offcrypt.ErrUnsupportedScheme)
		}
		if p.BlockSize != 16 {
			return fmt.Errorf("agile: %s blockSize %d for AES: %w", role, p.BlockSize, offcrypt.ErrCorruptedMetadata)
		}
		if p.KeyBits != 128 && p.KeyBits != 192 && p.KeyBits != 256 {
			return fmt.Errorf("agile: %s keyBits %d for AES: %w", role, p.KeyBits, offcrypt.ErrCorruptedMetadata)
		}
	case "RC4":
		if p.CipherChaining != "" {
			e.warn("%s cipher chaining %q ignored for RC4", role, p.CipherChaining)
		}
	default:
		return fmt.Errorf("agile: %s cipher algorithm %q: %w", role, p.CipherAlgorithm, offcrypt.ErrUnsupportedScheme)
	}
	return nil
}

func (e *Info) warn(format string, args ...interface{}) {
	e.warns = append(e.warns, fmt.Sprintf(format, args...))
}

// Version reports the record's major and minor version numbers.
func (e *Info) Version() (uint16, uint16) { return e.Major, e.Minor }

// Scheme names the encryption scheme.
func (e *Info) Scheme() string { return "agile" }

// Warnings lists non-fatal inconsistencies found while parsing.
func (e *Info) Warnings() []string { return e.warns }

// Describe returns a one-line summary of the encryption parameters.
func (e *Info) Describe() string {
	s := fmt.Sprintf("agile v%d.%d: %s %d-bit %s, %s verifier, %d spins",
		e.Major, e.Minor, e.keyData.CipherAlgorithm, e.keyData.KeyBits,
		strings.TrimPrefix(e.keyData.CipherChaining, "ChainingMode"),
		e.pwd.HashAlgorithm, e.pwd.SpinCount)
	if e.integrity != nil {
		s += ", hmac"
	}
	return s
}

func sizeAttr(s, name string, min, max int) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("agile: missing %s attribute: %w", name, offcrypt.ErrCorruptedMetadata)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("agile: %s=%q outside [%d,%d]: %w", name, s, min, max, offcrypt.ErrCorruptedMetadata)
	}
	return n, nil
}

func b64Attr(s, name string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("agile: missing %s attribute: %w", name, offcrypt.ErrCorruptedMetadata)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("agile: %s attribute: %v: %w", name, err, offcrypt.ErrCorruptedMetadata)
	}
	return b, nil
}

func getAttrs(attrs []xml.Attr, keys ...string) []string {
	res := make([]string, len(keys))
	for _, a := range attrs {
		for i, k := range keys {
			if a.Name.Local == k {
				res[i] = a.Value
			}
		}
	}
	return res
}
