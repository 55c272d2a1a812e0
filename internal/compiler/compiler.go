// Package compiler runs the mpy-cross bytecode compiler.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/starford/mpr/internal/apperr"
)

// Compiler turns one source file into a device-loadable artifact at dst.
// A relative src is resolved against the compiler's working directory.
type Compiler interface {
	Compile(ctx context.Context, src, dst string) error
}

// MpyCross invokes the mpy-cross executable once per source file.
type MpyCross struct {
	// Path is the mpy-cross command.
	Path string
	// Args are passed before the source file, e.g. -march=armv7m.
	Args []string
	// Dir is the working directory, usually the watched root. mpy-cross
	// records src as given, so a root-relative src shows up in device
	// tracebacks.
	Dir string
}

// Compile runs "mpy-cross [args] src -o dst". A non-zero exit is reported as
// an *apperr.FileError wrapping apperr.ErrCompile with the compiler output.
func (m *MpyCross) Compile(ctx context.Context, src, dst string) error {
	args := make([]string, 0, len(m.Args)+3)
	args = append(args, m.Args...)
	args = append(args, src, "-o", dst)

	cmd := exec.CommandContext(ctx, m.Path, args...)
	cmd.Dir = m.Dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("mpy-cross %s: %w", src, apperr.ErrToolHung)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &apperr.FileError{
			Path:   src,
			Output: strings.TrimSpace(string(out)),
			Err:    apperr.ErrCompile,
		}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("mpy-cross %s: %v: %w", m.Path, err, apperr.ErrToolMissing)
	}
	return fmt.Errorf("mpy-cross %s: %w", src, err)
}
