package offcrypt

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
)

// DefaultPassword is the default encryption password defined by note
// <100> Section 2.4.191 of MS-XLS: if an encryption password is not specified
// but the workbook or a sheet is protected, Excel 97 through Excel 2010 still
// encrypt the document, using this fixed password. Later Office releases kept
// the same convention for OOXML packages, so it is worth trying whenever no
// password is known.
var DefaultPassword = "VelvetSweatshop"

// errFoundPassword stops a candidate search early once a password verifies.
var errFoundPassword = errors.New("offcrypt: candidate password found")

// TryPasswords checks the candidate passwords against the embedded verifier
// and returns the first one that matches. Candidates are independent, so each
// key derivation runs on its own goroutine, bounded by GOMAXPROCS. Returns
// ErrInvalidPassword when no candidate matches.
func TryPasswords(ctx context.Context, nfo EncryptionInfo, candidates []string) (string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	var (
		mu    sync.Mutex
		found string
		okay  bool
	)
	for _, pw := range candidates {
		pw := pw
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			key, err := nfo.Key(gctx, pw, nil)
			if err != nil {
				if errors.Is(err, ErrInvalidPassword) {
					return nil
				}
				return err
			}
			commoncrypt.Zero(key)
			mu.Lock()
			if !okay {
				found, okay = pw, true
			}
			mu.Unlock()
			return errFoundPassword
		})
	}
	err := g.Wait()
	if okay {
		return found, nil
	}
	if err != nil && !errors.Is(err, errFoundPassword) {
		return "", err
	}
	return "", ErrInvalidPassword
}
