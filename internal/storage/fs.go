package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSStore is a filesystem-backed blob store. Blobs are fanned out under the
// root by the first two characters of the key to keep directories small.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes the blob under the given key and returns its location and hash.
func (s *FSStore) Put(_ context.Context, key string, r io.Reader) (*PutResult, error) {
	cleaned := sanitizeKey(key)
	if cleaned == "" {
		return nil, fmt.Errorf("invalid blob key %q", key)
	}

	dir := filepath.Join(s.root, fanout(cleaned))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	path := filepath.Join(dir, cleaned)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close blob file: %w", err)
	}

	return &PutResult{
		Location:  filepath.Join(fanout(cleaned), cleaned),
		SHA256Hex: hex.EncodeToString(hasher.Sum(nil)),
		Size:      size,
	}, nil
}

// Open returns a reader for a previously stored blob.
func (s *FSStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	cleaned := filepath.Clean(location)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return nil, fmt.Errorf("invalid blob location %q", location)
	}

	f, err := os.Open(filepath.Join(s.root, cleaned))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// sanitizeKey keeps keys safe as single path elements.
func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return strings.Trim(key, "._")
}

func fanout(key string) string {
	if len(key) < 2 {
		return "00"
	}
	return strings.ToLower(key[:2])
}
