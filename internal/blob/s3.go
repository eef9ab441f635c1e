package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pinvault/internal/logging"
)

// S3Store implements Store against any S3-compatible endpoint. Blobs land at
// <prefix>/blobs/<address>; a pin is a zero-byte marker at
// <prefix>/pins/<address>.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// S3Config holds configuration for the S3-compatible content store.
type S3Config struct {
	Endpoint string
	KeyID    string
	AppKey   string
	Bucket   string
	Prefix   string
}

// NewS3Store creates an S3-backed content store.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	logging.Blob.Printf("initializing s3 store (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		logging.Blob.Printf("failed to create client: %v", err)
		return nil, err
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) blobKey(addr string) string {
	return path.Join(s.prefix, "blobs", addr)
}

func (s *S3Store) pinKey(addr string) string {
	return path.Join(s.prefix, "pins", addr)
}

// Add spools data to a temp file while hashing (the address is not known
// until the full body has been read), then uploads the spool.
func (s *S3Store) Add(ctx context.Context, data io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp("", "pinvault-add-*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	defer tmp.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if err != nil {
		return "", 0, err
	}
	addr := hex.EncodeToString(hasher.Sum(nil))
	key := s.blobKey(addr)

	// Existing object means identical bytes; skip the upload.
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return addr, size, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, tmp, size, minio.PutObjectOptions{})
	if err != nil {
		logging.Blob.Printf("upload failed for %s: %v", key, err)
		return "", 0, err
	}
	logging.Blob.Printf("uploaded %s (%d bytes)", key, info.Size)
	return addr, size, nil
}

func (s *S3Store) Pin(ctx context.Context, addr string) error {
	if !ValidAddress(addr) {
		return ErrInvalidAddress
	}
	if _, err := s.client.StatObject(ctx, s.bucket, s.blobKey(addr), minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.pinKey(addr), bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		logging.Blob.Printf("pin failed for %s: %v", addr, err)
	}
	return err
}

func (s *S3Store) Unpin(ctx context.Context, addr string) error {
	if !ValidAddress(addr) {
		return ErrInvalidAddress
	}
	// S3 deletes are idempotent; a missing marker is success.
	err := s.client.RemoveObject(ctx, s.bucket, s.pinKey(addr), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil
	}
	return err
}

func (s *S3Store) Fetch(ctx context.Context, addr string) (io.ReadCloser, error) {
	if !ValidAddress(addr) {
		return nil, ErrInvalidAddress
	}
	key := s.blobKey(addr)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; stat to surface missing objects now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3Store) IsPinned(ctx context.Context, addr string) (bool, error) {
	if !ValidAddress(addr) {
		return false, ErrInvalidAddress
	}
	_, err := s.client.StatObject(ctx, s.bucket, s.pinKey(addr), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
