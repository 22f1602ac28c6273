// Package imaging models processed page images and renders them into
// compressed bitmap streams suitable for embedding in a PDF page.
package imaging

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Storage is the backing store of a processed image: either a file on disk or
// an in-memory buffer.
type Storage interface {
	// Identity returns a stable identifier for the stored content.
	Identity() string
	// Open returns a reader over the stored bytes and their length.
	Open() (ReadAtCloser, int64, error)
	// Ext returns the lower-cased type hint, including the leading dot.
	Ext() string
}

// ReadAtCloser is the access contract shared by file and memory storages.
type ReadAtCloser interface {
	io.ReaderAt
	io.Reader
	io.Seeker
	io.Closer
}

// FileStorage is an image stored as a file.
type FileStorage struct {
	Path string
}

// NewFileStorage returns a FileStorage for path made absolute.
func NewFileStorage(path string) *FileStorage {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &FileStorage{Path: path}
}

func (s *FileStorage) Identity() string { return "file:" + s.Path }

func (s *FileStorage) Ext() string { return strings.ToLower(filepath.Ext(s.Path)) }

func (s *FileStorage) Open() (ReadAtCloser, int64, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// MemoryStorage is an image held in memory. TypeHint carries the format the
// bytes would have on disk (".pdf", ".jpg", ...).
type MemoryStorage struct {
	Data     []byte
	TypeHint string
	id       string
}

// NewMemoryStorage wraps data. The identity is derived from the content so
// equal buffers share OCR cache entries.
func NewMemoryStorage(data []byte, typeHint string) *MemoryStorage {
	return &MemoryStorage{Data: data, TypeHint: typeHint, id: contentID(data)}
}

func (s *MemoryStorage) Identity() string {
	if s.id == "" {
		return contentID(s.Data)
	}
	return s.id
}

func contentID(data []byte) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], xxhash.Sum64(data))
	return "mem:" + hex.EncodeToString(b[:])
}

func (s *MemoryStorage) Ext() string {
	hint := strings.ToLower(s.TypeHint)
	if hint != "" && !strings.HasPrefix(hint, ".") {
		hint = "." + hint
	}
	return hint
}

func (s *MemoryStorage) Open() (ReadAtCloser, int64, error) {
	return nopCloser{bytes.NewReader(s.Data)}, int64(len(s.Data)), nil
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

// IsPDF reports whether s holds PDF content according to its file extension
// or type hint.
func IsPDF(s Storage) bool {
	if s == nil {
		return false
	}
	return s.Ext() == ".pdf"
}

// ReadAll returns the full content of s.
func ReadAll(s Storage) ([]byte, error) {
	if m, ok := s.(*MemoryStorage); ok {
		return m.Data, nil
	}
	r, _, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Identity(), err)
	}
	return data, nil
}
