package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/starford/mpr/internal/apperr"
)

func writeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, rel := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("# "+rel+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func paths(files []SourceFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

func scan(t *testing.T, root string, opts Options) []string {
	t.Helper()
	files, err := Scan(root, NewRules(opts))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return paths(files)
}

func TestScanDefaultsExcludeEntryPoints(t *testing.T) {
	root := writeTree(t, "main.py", "boot.py", "app.py", "lib/util.py", "README.md")
	got := scan(t, root, Options{Excludes: DefaultExcludes})
	want := []string{"app.py", "lib/util.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScanProgramOverridesExclude(t *testing.T) {
	root := writeTree(t, "main.py", "boot.py", "lib/util.py")
	got := scan(t, root, Options{Excludes: DefaultExcludes, Program: "main.py"})
	want := []string{"lib/util.py", "main.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScanDepth(t *testing.T) {
	root := writeTree(t, "a.py", "x/b.py", "x/y/c.py", "x/y/z/d.py")
	cases := []struct {
		depth int
		want  []string
	}{
		{0, []string{"a.py", "x/b.py", "x/y/c.py", "x/y/z/d.py"}},
		{1, []string{"a.py"}},
		{2, []string{"a.py", "x/b.py"}},
		{3, []string{"a.py", "x/b.py", "x/y/c.py"}},
	}
	for _, tc := range cases {
		got := scan(t, root, Options{Depth: tc.depth})
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("depth %d: got %v, want %v", tc.depth, got, tc.want)
		}
	}
}

func TestScanExcludedDirectoryPrunedAtAnyDepth(t *testing.T) {
	root := writeTree(t, "a.py", "vendor/v.py", "vendor/deep/w.py", "lib/vendor/keep.py", "lib/u.py")
	for _, depth := range []int{0, 1, 2, 3, 10} {
		got := scan(t, root, Options{Depth: depth, Excludes: []string{"vendor/"}})
		for _, p := range got {
			if p == "vendor/v.py" || p == "vendor/deep/w.py" {
				t.Errorf("depth %d: excluded file %s present", depth, p)
			}
		}
	}
	got := scan(t, root, Options{Excludes: []string{"./vendor"}})
	want := []string{"a.py", "lib/u.py", "lib/vendor/keep.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScanOnlyProgram(t *testing.T) {
	root := writeTree(t, "main.py", "app.py", "lib/util.py")
	got := scan(t, root, Options{Program: "app.py", Only: true, Excludes: DefaultExcludes})
	if !reflect.DeepEqual(got, []string{"app.py"}) {
		t.Errorf("got %v", got)
	}
}

func TestScanSkipsHiddenDirectories(t *testing.T) {
	root := writeTree(t, "a.py", ".mpr-xrun.cache/a.py", ".venv/lib/site.py")
	got := scan(t, root, Options{})
	if !reflect.DeepEqual(got, []string{"a.py"}) {
		t.Errorf("got %v", got)
	}
}

func TestScanFingerprints(t *testing.T) {
	root := writeTree(t, "a.py")
	files, err := Scan(root, NewRules(Options{}))
	if err != nil {
		t.Fatal(err)
	}
	before := files[0].Fingerprint
	if len(before) != 64 {
		t.Fatalf("fingerprint = %q", before)
	}
	if err := os.WriteFile(filepath.Join(root, "a.py"), []byte("x = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, _ = Scan(root, NewRules(Options{}))
	if files[0].Fingerprint == before {
		t.Error("fingerprint did not change after edit")
	}
}

func TestScanNotFound(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "missing"), NewRules(Options{}))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing root: err = %v, want ErrNotFound", err)
	}

	root := writeTree(t, "a.py")
	_, err = Scan(root, NewRules(Options{Program: "main.py"}))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing program: err = %v, want ErrNotFound", err)
	}
}

func TestRulesMatch(t *testing.T) {
	r := NewRules(Options{Depth: 2, Excludes: []string{"main.py", "boot.py", "tests"}, Program: "main.py"})
	cases := map[string]bool{
		"main.py":          true,
		"boot.py":          false,
		"lib/util.py":      true,
		"lib/sub/deep.py":  false,
		"tests/test_a.py":  false,
		"lib/notes.txt":    false,
		".hidden/x.py":     false,
		"testsuite/run.py": true,
	}
	for rel, want := range cases {
		if got := r.Match(rel); got != want {
			t.Errorf("Match(%q) = %v, want %v", rel, got, want)
		}
	}
	if got := r.Excludes(); !reflect.DeepEqual(got, []string{"boot.py", "tests"}) {
		t.Errorf("Excludes = %v", got)
	}
}

func TestRulesSkipDir(t *testing.T) {
	r := NewRules(Options{Depth: 2, Excludes: []string{"build"}})
	cases := map[string]bool{
		".":         false,
		"lib":       false,
		"lib/sub":   true,
		"build":     true,
		".git":      true,
		"buildtool": false,
	}
	for rel, want := range cases {
		if got := r.SkipDir(rel); got != want {
			t.Errorf("SkipDir(%q) = %v, want %v", rel, got, want)
		}
	}
}
