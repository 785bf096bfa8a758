package offcrypt

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/richardlehane/mscfb"
)

// storage is an in-memory view of the root streams of a compound file,
// loaded through github.com/richardlehane/mscfb. Substorage trees such as
// "\x06DataSpaces" are ignored; the encryption streams live at the root.
type storage struct {
	name    string
	order   []string
	streams map[string][]byte
}

// OpenFile loads the named compound file into memory and returns a Container
// over its root streams. A file that is not a compound file (for instance a
// plaintext OOXML zip package) returns an error wrapping ErrNotEncrypted.
func OpenFile(filename string) (Container, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	s, err := load(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	s.name = filename
	return s, nil
}

// NewContainer reads a compound file and returns a Container over its root
// streams.
func NewContainer(ra io.ReaderAt) (Container, error) {
	return load(ra)
}

func load(ra io.ReaderAt) (*storage, error) {
	doc, err := mscfb.New(ra)
	if err != nil {
		return nil, WrapErr(fmt.Errorf("offcrypt: not a compound file: %v", err), ErrNotEncrypted)
	}
	s := &storage{streams: make(map[string][]byte, 8)}
	f, err := doc.Next()
	for ; err == nil; f, err = doc.Next() {
		if len(f.Path) > 0 {
			// stream inside a substorage
			continue
		}
		if _, ok := s.streams[f.Name]; ok {
			continue
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("offcrypt: reading stream %q: %w", f.Name, err)
		}
		s.streams[f.Name] = data
		s.order = append(s.order, f.Name)
	}
	if err != io.EOF {
		return nil, fmt.Errorf("offcrypt: walking compound file: %w", err)
	}
	return s, nil
}

// Name returns the container's source path when opened from a file.
func (s *storage) Name() string {
	return s.name
}

// List the root stream names contained in the document.
func (s *storage) List() ([]string, error) {
	res := make([]string, len(s.order))
	copy(res, s.order)
	return res, nil
}

// Open the named root stream contained in the document.
func (s *storage) Open(name string) (io.ReadSeeker, error) {
	data, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("offcrypt: stream '%s' not found", name)
	}
	return bytes.NewReader(data), nil
}
