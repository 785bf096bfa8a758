// Package commoncrypt implements the key-derivation and cipher plumbing
// shared by the ECMA-376 document encryption schemes.
package commoncrypt

// https://learn.microsoft.com/en-us/openspecs/office_file_formats/ms-offcrypto/3c34d72a-1a61-4b52-a893-196f9157f083

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// PasswordBytes converts a password into the UTF-16LE byte layout that every
// MS-OFFCRYPTO key derivation hashes. No byte order mark, no terminator.
func PasswordBytes(password string) ([]byte, error) {
	b, err := utf16le.NewEncoder().Bytes([]byte(password))
	if err != nil {
		return nil, fmt.Errorf("commoncrypt: encoding password: %w", err)
	}
	return b, nil
}

// UTF16String decodes UTF-16LE bytes into a string, dropping NUL terminators.
func UTF16String(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("commoncrypt: %d byte UTF-16 string", len(b))
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("commoncrypt: decoding UTF-16 string: %w", err)
	}
	return strings.TrimRight(string(out), "\x00"), nil
}

// TraceFunc receives key-derivation intermediates for diagnostics. stage
// names the derivation step, i is the iteration index within the step (0 for
// non-iterative steps), and digest is the step output. The digest slice is
// reused between calls and must be copied to be retained. Key material flows
// through here, so a trace should only be wired in controlled debugging
// sessions; the default everywhere is nil.
type TraceFunc func(stage string, i int, digest []byte)

// Zero overwrites b with zero bytes. Password buffers and derived keys are
// zeroed as soon as their last use is done.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeEqual compares two byte slices without leaking the mismatch
// position through timing. Slices of unequal length compare false.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// PadOrTruncate fits b to exactly n bytes, truncating or appending 0x36
// bytes as 2.3.4.11 prescribes for both keys and IVs. The result may alias b.
func PadOrTruncate(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	for i := len(b); i < n; i++ {
		out[i] = 0x36
	}
	return out
}
