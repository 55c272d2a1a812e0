// Package device wraps the mpremote tool used to talk to the board.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/starford/mpr/internal/apperr"
)

// failureText matches mpremote output that reports a failure even when the
// exit status is zero.
var failureText = regexp.MustCompile(`(?i)traceback|error:`)

// Mpremote runs mpremote subcommands against one device.
type Mpremote struct {
	// Path is the mpremote command.
	Path string
	// Device is passed to "mpremote connect" verbatim. Empty lets mpremote
	// pick the first board it finds.
	Device string
	Logger *slog.Logger
}

func (m *Mpremote) args(sub ...string) []string {
	var out []string
	if m.Device != "" {
		out = append(out, "connect", m.Device)
	}
	return append(out, sub...)
}

func (m *Mpremote) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Copy pushes the local file to remote on the device filesystem. Remote
// directories are not created.
func (m *Mpremote) Copy(ctx context.Context, local, remote string) error {
	args := m.args("cp", "--no-verbose", local, ":"+remote)
	m.logger().Debug("device: exec", slog.String("cmd", m.Path), slog.Any("args", args))

	cmd := exec.CommandContext(ctx, m.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := strings.TrimSpace(strings.TrimSpace(stdout.String()) + "\n" + strings.TrimSpace(stderr.String()))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("mpremote cp %s: %w", remote, apperr.ErrToolHung)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &apperr.FileError{Path: remote, Output: output, Err: apperr.ErrSync}
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("mpremote %s: %v: %w", m.Path, err, apperr.ErrToolMissing)
		}
		return fmt.Errorf("mpremote cp %s: %w", remote, err)
	}
	if failureText.MatchString(output) {
		return &apperr.FileError{Path: remote, Output: output, Err: apperr.ErrSync}
	}
	return nil
}

// Command returns an unstarted mpremote process that imports module on the
// device. A non-empty argv is appended to sys.argv first.
func (m *Mpremote) Command(ctx context.Context, module string, argv []string) *exec.Cmd {
	return exec.CommandContext(ctx, m.Path, m.args("exec", RunScript(module, argv))...)
}

// RunScript returns the Python statement that runs module with argv.
func RunScript(module string, argv []string) string {
	if len(argv) == 0 {
		return "import " + module
	}
	items := make([]string, len(argv))
	for i, a := range argv {
		items[i] = strconv.Quote(a)
	}
	return fmt.Sprintf("import sys; sys.argv.extend([%s]); import %s", strings.Join(items, ", "), module)
}
