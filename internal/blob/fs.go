package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// FSStore implements Store on the local filesystem. Blobs live under
// blobs/<address>; a pin is a marker file under pins/<address>.
type FSStore struct {
	basePath string
}

// NewFSStore creates a filesystem-backed content store rooted at basePath.
func NewFSStore(basePath string) (*FSStore, error) {
	for _, dir := range []string{"blobs", "pins", "tmp"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, err
		}
	}
	return &FSStore{basePath: basePath}, nil
}

func (s *FSStore) blobPath(addr string) string {
	return filepath.Join(s.basePath, "blobs", addr)
}

func (s *FSStore) pinPath(addr string) string {
	return filepath.Join(s.basePath, "pins", addr)
}

// Add spools data to a temp file while hashing, then moves it into place.
// Re-adding existing content is a no-op beyond the hash pass.
func (s *FSStore) Add(ctx context.Context, data io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.basePath, "tmp"), "add-*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}

	addr := hex.EncodeToString(hasher.Sum(nil))
	dst := s.blobPath(addr)
	if _, err := os.Stat(dst); err == nil {
		return addr, size, nil
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", 0, err
	}
	return addr, size, nil
}

func (s *FSStore) Pin(ctx context.Context, addr string) error {
	if !ValidAddress(addr) {
		return ErrInvalidAddress
	}
	if _, err := os.Stat(s.blobPath(addr)); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	f, err := os.OpenFile(s.pinPath(addr), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *FSStore) Unpin(ctx context.Context, addr string) error {
	if !ValidAddress(addr) {
		return ErrInvalidAddress
	}
	err := os.Remove(s.pinPath(addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil // already unpinned
	}
	return err
}

func (s *FSStore) Fetch(ctx context.Context, addr string) (io.ReadCloser, error) {
	if !ValidAddress(addr) {
		return nil, ErrInvalidAddress
	}
	f, err := os.Open(s.blobPath(addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FSStore) IsPinned(ctx context.Context, addr string) (bool, error) {
	if !ValidAddress(addr) {
		return false, ErrInvalidAddress
	}
	_, err := os.Stat(s.pinPath(addr))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
