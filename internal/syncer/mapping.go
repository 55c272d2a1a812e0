package syncer

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/starford/mpr/internal/cache"
	"github.com/starford/mpr/internal/scanner"
)

// NameMapping renames the run program on the device. Keys and values are
// file stems, e.g. "main" -> "main1" makes main.py land as main1.mpy.
type NameMapping struct {
	stems map[string]string
}

// ParseMapping parses "src:tgt" entries. Both sides must be plain file
// names; a .py or .mpy suffix is dropped.
func ParseMapping(entries []string) (NameMapping, error) {
	m := NameMapping{stems: make(map[string]string, len(entries))}
	for _, raw := range entries {
		src, tgt, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok || strings.Contains(tgt, ":") {
			return NameMapping{}, fmt.Errorf("map %q: want src:tgt", raw)
		}
		src, tgt = stem(src), stem(tgt)
		if src == "" || tgt == "" {
			return NameMapping{}, fmt.Errorf("map %q: empty name", raw)
		}
		if strings.ContainsAny(src+tgt, `/\`) {
			return NameMapping{}, fmt.Errorf("map %q: only file names, not directories", raw)
		}
		if prev, dup := m.stems[src]; dup && prev != tgt {
			return NameMapping{}, fmt.Errorf("map %q: %s already maps to %s", raw, src, prev)
		}
		m.stems[src] = tgt
	}
	return m, nil
}

// Lookup returns the target stem for src.
func (m NameMapping) Lookup(src string) (string, bool) {
	tgt, ok := m.stems[stem(src)]
	return tgt, ok
}

// Entries returns the mapping as sorted "src:tgt" strings.
func (m NameMapping) Entries() []string {
	out := make([]string, 0, len(m.stems))
	for s, t := range m.stems {
		out = append(out, s+":"+t)
	}
	sort.Strings(out)
	return out
}

// Target returns the device path for the source rel. Only the program is
// renamed.
func (m NameMapping) Target(rel, program string) string {
	if program != "" && rel == program {
		if tgt, ok := m.Lookup(path.Base(rel)); ok {
			return path.Join(path.Dir(rel), tgt+cache.ArtifactExt)
		}
	}
	return cache.ArtifactPath(rel)
}

// Module returns the module name the device imports to run program.
func (m NameMapping) Module(program string) string {
	if tgt, ok := m.Lookup(path.Base(program)); ok {
		return tgt
	}
	return stem(path.Base(program))
}

func stem(name string) string {
	name = strings.TrimSpace(name)
	for _, ext := range []string{scanner.SourceExt, cache.ArtifactExt} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}
