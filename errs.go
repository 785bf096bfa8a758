package offcrypt

import "errors"

var (
	// configure at build time by adding go build arguments:
	//   -ldflags="-X github.com/fcwoknhenuxdfiyv/offcrypt.loglevel=debug"
	loglevel string = "warn"

	// Debug should be set to true to expose detailed logging.
	Debug bool = (loglevel == "debug")
)

// ErrNotEncrypted is returned when a container carries no encryption streams,
// i.e. the document is already plaintext.
var ErrNotEncrypted = errors.New("offcrypt: document is not encrypted")

// ErrCorruptedMetadata is returned when the encryption metadata is present but
// structurally invalid (truncated records, out-of-range size fields, missing
// required XML attributes).
var ErrCorruptedMetadata = errors.New("offcrypt: encryption metadata is corrupted")

// ErrUnsupportedScheme is returned for encryption variants this package does
// not implement. The wrapping error names the offending identifier.
var ErrUnsupportedScheme = errors.New("offcrypt: unsupported encryption scheme")

// ErrInvalidPassword is returned when key derivation succeeds but the derived
// key fails the embedded verifier check.
var ErrInvalidPassword = errors.New("offcrypt: invalid password")

// ErrWrongScheme is used to dispatch metadata records to scheme parsers.
// It is returned by ParseFunc when the record version is not the parser's own.
var ErrWrongScheme = errors.New("offcrypt: record is not in this scheme")

type errx struct {
	errs []error
}

func (e errx) Error() string {
	return e.errs[0].Error()
}
func (e errx) Unwrap() error {
	if len(e.errs) > 1 {
		return e.errs[1]
	}
	return nil
}

// WrapErr wraps a set of errors.
func WrapErr(e ...error) error {
	if len(e) == 1 {
		return e[0]
	}
	return errx{errs: e}
}
