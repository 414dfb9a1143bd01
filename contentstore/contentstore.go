// Package contentstore is the content-addressed file backend (C1): bytes go
// in keyed by their sha256, and come back out by the same key. Writes are
// atomic (temp file + rename) so a crash mid-write never leaves a partial
// file at the final path, and a write to an already-present hash is a no-op.
package contentstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/conduitlabs/ibxpub/horosafe"
)

// ErrUnsupportedBackend is returned when a non-file STORAGE_BACKEND is used;
// this build only implements the file backend.
var ErrUnsupportedBackend = errors.New("contentstore: only the file backend is implemented")

// Store persists content-addressed blobs under BaseDir, laid out as
// {BaseDir}/{tenant}/{hash[:2]}/{hash}{ext}.
type Store struct {
	BaseDir string
}

// Open parses a STORAGE_BASE_URI of the form file:///abs/path and returns a
// Store rooted there. Any other scheme is rejected.
func Open(baseURI string) (*Store, error) {
	const prefix = "file://"
	if !strings.HasPrefix(baseURI, prefix) {
		return nil, ErrUnsupportedBackend
	}
	return &Store{BaseDir: strings.TrimPrefix(baseURI, prefix)}, nil
}

// Put writes data under its content hash for tenantID, returning a file://
// URI to the stored object. If an object already exists at that path (the
// same tenant uploaded the same bytes before), Put skips the write and
// returns the existing URI.
func (s *Store) Put(tenantID, contentHash, ext string, data []byte) (string, error) {
	if err := horosafe.ValidateIdentifier(tenantID); err != nil {
		return "", fmt.Errorf("contentstore: tenant id: %w", err)
	}
	if len(contentHash) < 2 {
		return "", fmt.Errorf("contentstore: content hash too short")
	}

	dir := filepath.Join(s.BaseDir, tenantID, contentHash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("contentstore: mkdir %s: %w", dir, err)
	}

	finalPath := filepath.Join(dir, contentHash+ext)
	if _, err := os.Stat(finalPath); err == nil {
		return "file://" + finalPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("contentstore: stat %s: %w", finalPath, err)
	}

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("contentstore: generate temp suffix: %w", err)
	}
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", contentHash, hex.EncodeToString(suffix[:])))

	if err := writeAtomic(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("contentstore: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("contentstore: rename into place: %w", err)
	}
	return "file://" + finalPath, nil
}

func writeAtomic(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Get reads the bytes behind a file:// URI previously returned by Put.
func (s *Store) Get(uri string) ([]byte, error) {
	const prefix = "file://"
	if !strings.HasPrefix(uri, prefix) {
		return nil, fmt.Errorf("contentstore: unsupported storage URI %q", uri)
	}
	path := strings.TrimPrefix(uri, prefix)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contentstore: read %s: %w", path, err)
	}
	return data, nil
}
