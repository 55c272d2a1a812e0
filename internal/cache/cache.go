// Package cache keeps compiled artifacts keyed by source fingerprint so a
// file is only recompiled after its content changed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/mpr/internal/apperr"
	"github.com/starford/mpr/internal/compiler"
	"github.com/starford/mpr/internal/scanner"
)

const (
	// DirName is the cache directory created under the watched root.
	DirName = ".mpr-xrun.cache"
	// ManifestName is the manifest database inside the cache directory.
	ManifestName = "manifest.db"
	// ArtifactExt is the extension of compiled artifacts.
	ArtifactExt = ".mpy"
)

// Outcome says how Ensure satisfied a request.
type Outcome int

const (
	Hit Outcome = iota
	Compiled
)

func (o Outcome) String() string {
	if o == Compiled {
		return "compiled"
	}
	return "hit"
}

// Cache maps source files to compiled artifacts.
type Cache struct {
	store    *Store
	manifest *Manifest
	compiler compiler.Compiler
	logger   *slog.Logger
	now      func() time.Time
}

// Open opens the cache for the sources under srcRoot. An empty dir selects
// DirName under srcRoot. c is handed root-relative sources, so its working
// directory must be srcRoot.
func Open(srcRoot, dir string, c compiler.Compiler, logger *slog.Logger) (*Cache, error) {
	if dir == "" {
		dir = filepath.Join(srcRoot, DirName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	store, err := NewStore(dir)
	if err != nil {
		return nil, err
	}
	if err := ensureGitignore(store); err != nil {
		return nil, err
	}
	manifest, err := OpenManifest(filepath.Join(store.Root(), ManifestName))
	if err != nil {
		return nil, err
	}
	return &Cache{
		store:    store,
		manifest: manifest,
		compiler: c,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func ensureGitignore(s *Store) error {
	p, err := s.Path(".gitignore")
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	return s.Write(".gitignore", []byte("*\n"))
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string { return c.store.Root() }

// Close closes the manifest.
func (c *Cache) Close() error { return c.manifest.Close() }

// ArtifactPath returns the cache-relative artifact path for a source path.
func ArtifactPath(src string) string {
	return strings.TrimSuffix(src, scanner.SourceExt) + ArtifactExt
}

// LocalPath returns the absolute path of an entry's artifact.
func (c *Cache) LocalPath(e Entry) (string, error) {
	return c.store.Path(e.Artifact)
}

// Ensure returns an up-to-date entry for sf, compiling it when the
// fingerprint changed or the stored artifact no longer matches its checksum.
// A failed compile leaves the previous entry and artifact untouched.
func (c *Cache) Ensure(ctx context.Context, sf scanner.SourceFile) (Entry, Outcome, error) {
	prev, err := c.manifest.Get(sf.Path)
	switch {
	case err == nil && prev.Fingerprint == sf.Fingerprint:
		sum, sumErr := c.store.Sum(prev.Artifact)
		if sumErr == nil && sum == prev.ArtifactSum {
			return *prev, Hit, nil
		}
		c.logger.Debug("cache: artifact damaged, recompiling", slog.String("path", sf.Path))
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return Entry{}, Hit, err
	}

	rel := ArtifactPath(sf.Path)
	tmp, err := c.store.Temp(rel)
	if err != nil {
		return Entry{}, Hit, err
	}
	if err := c.compiler.Compile(ctx, filepath.FromSlash(sf.Path), tmp); err != nil {
		_ = os.Remove(tmp)
		var fe *apperr.FileError
		if errors.As(err, &fe) {
			return Entry{}, Hit, &apperr.FileError{Path: sf.Path, Output: fe.Output, Err: fe.Err}
		}
		return Entry{}, Hit, err
	}
	sum, err := c.store.Commit(tmp, rel)
	if err != nil {
		return Entry{}, Hit, err
	}

	e := Entry{
		Path:        sf.Path,
		Fingerprint: sf.Fingerprint,
		Artifact:    rel,
		ArtifactSum: sum,
		CompiledAt:  c.now(),
		Dirty:       true,
	}
	if err := c.manifest.Upsert(e); err != nil {
		return Entry{}, Hit, err
	}
	c.logger.Debug("cache: compiled", slog.String("path", sf.Path), slog.String("artifact", rel))
	return e, Compiled, nil
}

// Entries returns every cache entry ordered by source path.
func (c *Cache) Entries() ([]Entry, error) {
	return c.manifest.All()
}

// MarkSynced clears the dirty flag of path if its entry still holds
// fingerprint.
func (c *Cache) MarkSynced(path, fingerprint string) error {
	_, err := c.manifest.SetClean(path, fingerprint)
	return err
}

// Flush discards every entry and artifact.
func (c *Cache) Flush() error {
	entries, err := c.manifest.All()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.store.Remove(e.Artifact); err != nil {
			return err
		}
	}
	if err := c.manifest.Clear(); err != nil {
		return err
	}
	c.logger.Debug("cache: flushed", slog.Int("entries", len(entries)))
	return nil
}

// Prune drops the entries whose source is not in live and returns their
// paths. Files already on the device are left alone.
func (c *Cache) Prune(live map[string]struct{}) ([]string, error) {
	entries, err := c.manifest.All()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if _, ok := live[e.Path]; ok {
			continue
		}
		if err := c.store.Remove(e.Artifact); err != nil {
			return removed, err
		}
		if err := c.manifest.Delete(e.Path); err != nil {
			return removed, fmt.Errorf("cache: prune %s: %w", e.Path, err)
		}
		removed = append(removed, e.Path)
	}
	return removed, nil
}
