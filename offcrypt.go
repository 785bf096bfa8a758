// Package offcrypt decrypts password-protected Microsoft Office documents
// held in OLE compound file containers. It implements the two ECMA-376
// document encryption schemes defined by MS-OFFCRYPTO: Standard encryption
// (binary metadata, versions 2.x through 4.2) and Agile encryption (XML
// metadata, version 4.4).
package offcrypt

// https://learn.microsoft.com/en-us/openspecs/office_file_formats/ms-offcrypto/3c34d72a-1a61-4b52-a893-196f9157f083

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
)

// Container provides named-stream access to a compound file. The decryption
// engine never walks the container itself; it only asks for these two
// operations. Each Open must return an independent reader.
type Container interface {
	// Name returns the container's source path when opened from a file.
	Name() string

	// List the stream names at the root of the container.
	List() ([]string, error)

	// Open a root-level stream of the container by name.
	Open(name string) (io.ReadSeeker, error)
}

// Stream names used by encrypted ECMA-376 documents.
const (
	StreamEncryptionInfo   = "EncryptionInfo"
	StreamEncryptedPackage = "EncryptedPackage"
)

// EncryptionInfo is a parsed encryption-metadata record. Exactly two
// implementations exist, standard.Info and agile.Info; callers needing
// scheme specifics switch on the concrete type.
type EncryptionInfo interface {
	// Version reports the record's major and minor version numbers.
	Version() (major, minor uint16)

	// Scheme names the encryption scheme, "standard" or "agile".
	Scheme() string

	// Warnings lists non-fatal inconsistencies found while parsing.
	Warnings() []string

	// Describe returns a one-line summary of the encryption parameters.
	Describe() string

	// Key derives the package key from password and checks it against the
	// embedded verifier, returning ErrInvalidPassword on mismatch.
	// trace may be nil.
	Key(ctx context.Context, password string, trace commoncrypt.TraceFunc) ([]byte, error)

	// DecryptStream decrypts the EncryptedPackage stream r with a key
	// obtained from Key (or supplied directly). The returned reader yields
	// exactly the plaintext length declared in the stream prefix. The key
	// is copied into cipher state; the caller may zero it once
	// DecryptStream returns.
	DecryptStream(ctx context.Context, r io.ReadSeeker, key []byte) (io.Reader, error)
}

// IntegrityVerifier is implemented by schemes that store an HMAC over the
// encrypted package (Agile dataIntegrity).
type IntegrityVerifier interface {
	// VerifyIntegrity recomputes the package HMAC from r and compares it
	// with the stored value, returning a wrapped ErrCorruptedMetadata on
	// mismatch.
	VerifyIntegrity(ctx context.Context, r io.ReadSeeker, key []byte) error
}

// ParseFunc defines a scheme's metadata parser.
// It should return ErrWrongScheme immediately if the record version does not
// belong to the scheme.
type ParseFunc func(record []byte) (EncryptionInfo, error)

// ParseEncryptionInfo parses a raw EncryptionInfo record with the registered
// scheme parsers.
func ParseEncryptionInfo(record []byte) (EncryptionInfo, error) {
	if len(record) < 4 {
		return nil, fmt.Errorf("offcrypt: %d byte metadata record: %w", len(record), ErrCorruptedMetadata)
	}
	major := binary.LittleEndian.Uint16(record)
	minor := binary.LittleEndian.Uint16(record[2:])
	for _, s := range schemeTable {
		nfo, err := s.parse(record)
		if err == nil {
			return nfo, nil
		}
		if !errors.Is(err, ErrWrongScheme) {
			return nil, err
		}
		if Debug {
			log.Printf("  version %d.%d is not in %s scheme", major, minor, s.name)
		}
	}
	return nil, fmt.Errorf("offcrypt: %s: %w", versionName(major, minor), ErrUnsupportedScheme)
}

// versionName identifies known-but-unsupported version tuples so that errors
// name what was actually found.
func versionName(major, minor uint16) string {
	switch {
	case major == 1 && minor == 1:
		return "version 1.1 (legacy RC4 encryption)"
	case minor == 3:
		return fmt.Sprintf("version %d.3 (extensible encryption)", major)
	default:
		return fmt.Sprintf("encryption version %d.%d", major, minor)
	}
}

type schemeTab struct {
	name  string
	pri   int
	parse ParseFunc
}

var schemeTable = make([]*schemeTab, 0, 4)

// Register the named scheme as an offcrypt metadata parser implementation.
func Register(name string, priority int, parser ParseFunc) error {
	schemeTable = append(schemeTable, &schemeTab{name: name, pri: priority, parse: parser})
	sort.Slice(schemeTable, func(i, j int) bool {
		return schemeTable[i].pri < schemeTable[j].pri
	})
	return nil
}

// Detect reports whether the container holds an encrypted document, judged
// solely by the presence of the well-known encryption streams.
func Detect(c Container) (bool, error) {
	names, err := c.List()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == StreamEncryptionInfo || n == StreamEncryptedPackage {
			return true, nil
		}
	}
	return false, nil
}
