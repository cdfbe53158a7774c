package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable wraps I/O failures reading or writing stored files. Distinct
// from corrupt content: the bytes may simply be temporarily unreachable.
var ErrUnavailable = errors.New("file storage unavailable")

// FileStore is the storage collaborator consumed by the ingestion pipeline.
// References are opaque to callers.
type FileStore interface {
	Store(data []byte, suggestedName string) (ref string, err error)
	Fetch(ref string) ([]byte, error)
	Delete(ref string) error
}

// LocalStore keeps uploaded files on the local filesystem under a base
// directory. References are paths relative to that directory.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create storage dir: %v", ErrUnavailable, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Store(data []byte, suggestedName string) (string, error) {
	base := sanitizeName(suggestedName)
	ref := fmt.Sprintf("%s_%s", uuid.NewString(), base)
	path := filepath.Join(s.dir, ref)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", ErrUnavailable, ref, err)
	}
	return ref, nil
}

func (s *LocalStore) Fetch(ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(ref)))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, ref, err)
	}
	return data, nil
}

// Delete removes the stored file. Deleting an already-absent reference is
// not an error.
func (s *LocalStore) Delete(ref string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.Base(ref)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, ref, err)
	}
	return nil
}

func sanitizeName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "upload_" + time.Now().Format("20060102150405")
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}
