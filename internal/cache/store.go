package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/mpr/internal/checksum"
)

// Store holds compiled artifacts under the cache directory.
type Store struct {
	root string // absolute path to the cache directory
}

// NewStore creates the cache directory if needed and returns a Store for it.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cache: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("cache: mkdir root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute cache directory.
func (s *Store) Root() string { return s.root }

// Path resolves rel against the cache root and rejects any result that
// escapes it.
func (s *Store) Path(rel string) (string, error) {
	if rel == "" {
		return s.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("cache: absolute paths not allowed: %s", rel)
	}
	abs := filepath.Join(s.root, cleaned)
	if !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) && abs != s.root {
		return "", fmt.Errorf("cache: path escapes cache root: %s", rel)
	}
	return abs, nil
}

// Temp reserves a temporary file next to the artifact rel. The caller fills
// it and then either commits it with Commit or removes it.
func (s *Store) Temp(rel string) (string, error) {
	abs, err := s.Path(rel)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cache: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".mpr-tmp-*.mpy")
	if err != nil {
		return "", fmt.Errorf("cache: create temp: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("cache: close temp: %w", err)
	}
	return name, nil
}

// Commit fsyncs tmp and renames it over the artifact rel, returning the
// checksum of the committed bytes.
func (s *Store) Commit(tmp, rel string) (string, error) {
	abs, err := s.Path(rel)
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmp)
		}
	}()

	f, err := os.OpenFile(tmp, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("cache: open temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("cache: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("cache: close temp: %w", err)
	}
	sum, err := checksum.File(tmp)
	if err != nil {
		return "", fmt.Errorf("cache: checksum temp: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return "", fmt.Errorf("cache: rename: %w", err)
	}
	success = true
	return sum, nil
}

// Write atomically writes content to rel: tmp file, fsync, rename.
func (s *Store) Write(rel string, content []byte) error {
	tmp, err := s.Temp(rel)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cache: write temp: %w", err)
	}
	_, err = s.Commit(tmp, rel)
	return err
}

// Sum returns the checksum of the artifact rel.
func (s *Store) Sum(rel string) (string, error) {
	abs, err := s.Path(rel)
	if err != nil {
		return "", err
	}
	return checksum.File(abs)
}

// Remove deletes the artifact rel. A missing artifact is not an error.
func (s *Store) Remove(rel string) error {
	abs, err := s.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: remove %s: %w", rel, err)
	}
	return nil
}
