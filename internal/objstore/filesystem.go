package objstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileStore persists assets onto the local filesystem. It is intended for
// development and test environments where an S3-compatible service is not
// available. Signed URLs are produced with an HMAC over (key, expiry) so the
// serving process can enforce the same time bound as a real object store.
type FileStore struct {
	basePath   string
	baseURL    string
	signingKey []byte
	now        func() time.Time
}

// NewFileStore initializes a FileStore rooted at basePath. baseURL is the
// public prefix under which signed asset URLs are served.
func NewFileStore(basePath, baseURL string, signingKey []byte) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("objstore: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: ensure base path: %w", err)
	}
	return &FileStore{
		basePath:   basePath,
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: signingKey,
		now:        time.Now,
	}, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("objstore: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return fmt.Errorf("objstore: write file: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if err != nil {
		return nil, fmt.Errorf("objstore: read file: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("objstore: stat file: %w", err)
	}
	return true, nil
}

// PresignGet returns an expiring URL of the form
// <base>/<key>?expires=<unix>&sig=<hex>. VerifySignedPath checks it.
func (s *FileStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	sig := s.sign(cleanKey, expires)
	return fmt.Sprintf("%s/%s?expires=%d&sig=%s", s.baseURL, cleanKey, expires, sig), nil
}

// VerifySignedPath validates the signature and expiry from a signed URL's
// key and query values.
func (s *FileStore) VerifySignedPath(key string, query url.Values) bool {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return false
	}
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil || s.now().Unix() > expires {
		return false
	}
	expected := s.sign(cleanKey, expires)
	return hmac.Equal([]byte(expected), []byte(query.Get("sig")))
}

func (s *FileStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("objstore: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("objstore: invalid key")
	}
	return cleaned, nil
}

var _ Store = (*FileStore)(nil)
