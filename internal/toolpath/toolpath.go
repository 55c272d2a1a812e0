// Package toolpath locates the external tools xrun drives.
package toolpath

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/starford/mpr/internal/apperr"
)

// Resolve works out the command to run for tool name.
//
// An explicit option is resolved relative to the directory of self (the
// running executable) after ~ expansion, and must exist. Without an option
// a sibling of self named name is preferred, else name is looked up on
// PATH. The returned error wraps apperr.ErrToolMissing.
func Resolve(option, name, self string) (string, error) {
	selfDir := ""
	if self != "" {
		if abs, err := filepath.Abs(self); err == nil {
			selfDir = filepath.Dir(abs)
		}
	}

	if option != "" {
		p := expandHome(option)
		if !filepath.IsAbs(p) && selfDir != "" {
			p = filepath.Join(selfDir, p)
		}
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("%s %s does not exist: %w", name, p, apperr.ErrToolMissing)
		}
		return p, nil
	}

	if selfDir != "" {
		sibling := filepath.Join(selfDir, name)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}

	p, err := exec.LookPath(name)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%s not found on PATH: %w", name, apperr.ErrToolMissing)
		}
		return "", fmt.Errorf("%s: %v: %w", name, err, apperr.ErrToolMissing)
	}
	return p, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
