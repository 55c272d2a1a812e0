// Package scanner enumerates the Python source files that take part in an
// xrun session.
package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/starford/mpr/internal/apperr"
	"github.com/starford/mpr/internal/checksum"
)

// SourceExt is the extension of files that are compiled and synced.
const SourceExt = ".py"

// DefaultExcludes are the entry-point modules a device runs on its own at
// boot. They are only compiled when explicitly run as the program.
var DefaultExcludes = []string{"main.py", "boot.py"}

// SourceFile is one candidate source file under the watched root.
type SourceFile struct {
	Path        string // root-relative path with forward slashes
	ModTime     time.Time
	Fingerprint string // hex sha256 of the file contents
}

// Options selects the candidate set.
type Options struct {
	// Depth limits how deep the tree is searched. 0 means unlimited, 1 the
	// root directory only, 2 adds one level of subdirectories, and so on.
	Depth int
	// Excludes are root-relative file or directory paths. A directory
	// excludes its whole subtree.
	Excludes []string
	// Program is the root-relative path of the program to run, if any. It
	// is always a candidate, even when excluded.
	Program string
	// Only restricts the candidate set to Program.
	Only bool
}

// Rules decides whether a path is a candidate. It is shared by Scan and the
// change detector so both agree on the candidate set.
type Rules struct {
	depth    int
	excludes []string
	program  string
	only     bool
}

// NewRules builds Rules from opts. The program is removed from the exclude
// set and duplicate excludes are dropped.
func NewRules(opts Options) *Rules {
	r := &Rules{
		depth:   opts.Depth,
		program: normalize(opts.Program),
		only:    opts.Only && opts.Program != "",
	}
	seen := make(map[string]struct{}, len(opts.Excludes))
	for _, e := range opts.Excludes {
		n := normalize(e)
		if n == "" || n == "." || n == r.program {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		r.excludes = append(r.excludes, n)
	}
	sort.Strings(r.excludes)
	return r
}

// Program returns the normalized program path, or "".
func (r *Rules) Program() string { return r.program }

// Excludes returns the effective exclude set.
func (r *Rules) Excludes() []string {
	return append([]string(nil), r.excludes...)
}

// Match reports whether the root-relative file path rel is a candidate.
func (r *Rules) Match(rel string) bool {
	rel = normalize(rel)
	if rel == "" || !strings.HasSuffix(rel, SourceExt) {
		return false
	}
	if r.program != "" && rel == r.program {
		return true
	}
	if r.only {
		return false
	}
	if hidden(rel) || r.excluded(rel) {
		return false
	}
	return r.depth <= 0 || parts(rel) <= r.depth
}

// SkipDir reports whether the root-relative directory rel can hold no
// candidates and should not be descended or watched.
func (r *Rules) SkipDir(rel string) bool {
	rel = normalize(rel)
	if rel == "" || rel == "." {
		return false
	}
	if r.only || hidden(rel) || r.excluded(rel) {
		return true
	}
	return r.depth > 0 && parts(rel)+1 > r.depth
}

func (r *Rules) excluded(rel string) bool {
	for _, e := range r.excludes {
		if rel == e || strings.HasPrefix(rel, e+"/") {
			return true
		}
	}
	return false
}

// Scan walks root and returns the candidates selected by rules, sorted by
// path. It fails with apperr.ErrNotFound when root or the program file is
// missing.
func Scan(root string, rules *Rules) ([]SourceFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scanner: root %s: %w", root, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("scanner: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scanner: root %s is not a directory: %w", root, apperr.ErrNotFound)
	}
	if p := rules.Program(); p != "" {
		pi, err := os.Stat(filepath.Join(root, filepath.FromSlash(p)))
		if err != nil || !pi.Mode().IsRegular() {
			return nil, fmt.Errorf("scanner: program %s: %w", p, apperr.ErrNotFound)
		}
	}

	var out []SourceFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Unreadable entries are not candidates.
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if path != root && rules.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !rules.Match(rel) {
			return nil
		}
		sf, err := readSourceFile(path, rel)
		if err != nil {
			// Vanished between listing and reading, e.g. an editor swap.
			return nil
		}
		out = append(out, sf)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanner: walk: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func readSourceFile(abs, rel string) (SourceFile, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return SourceFile{}, err
	}
	sum, err := checksum.File(abs)
	if err != nil {
		return SourceFile{}, err
	}
	return SourceFile{Path: rel, ModTime: info.ModTime(), Fingerprint: sum}, nil
}

func normalize(p string) string {
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(filepath.Clean(p))
	return strings.TrimPrefix(p, "/")
}

func parts(rel string) int {
	return strings.Count(rel, "/") + 1
}

// hidden reports whether any directory segment of rel starts with a dot.
func hidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}
