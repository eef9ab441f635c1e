package blob

import (
	"context"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound       = errors.New("content not found")
	ErrInvalidAddress = errors.New("invalid content address")
)

// validAddressPattern matches a lowercase hex SHA-256 digest. Nothing else is
// a valid address, which also rules out path traversal in the fs backend.
var validAddressPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidAddress reports whether addr is a well-formed content address.
func ValidAddress(addr string) bool {
	return validAddressPattern.MatchString(addr)
}

// Store is the content-addressed store collaborator. Identical bytes always
// land at the same address; Add is therefore a natural dedup point. Unpin is
// idempotent: unpinning an address with no pin is success.
type Store interface {
	Add(ctx context.Context, data io.Reader) (address string, size int64, err error)
	Pin(ctx context.Context, address string) error
	Unpin(ctx context.Context, address string) error
	Fetch(ctx context.Context, address string) (io.ReadCloser, error)
	IsPinned(ctx context.Context, address string) (bool, error)
}
