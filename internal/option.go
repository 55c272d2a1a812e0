package internal

import "io"

// Option is a functional option for configuring the application.
type Option func(*application)

// XrunOptions are the per-invocation choices of the xrun command that have
// no config file equivalent.
type XrunOptions struct {
	Program     string
	Args        []string
	Only        bool
	CompileOnly bool
	Once        bool
	Flush       bool
}

type application struct {
	config  *Config
	xrun    XrunOptions
	stdout  io.Writer
	stderr  io.Writer
	signals bool
	version string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithXrun sets the xrun invocation.
func WithXrun(x XrunOptions) Option {
	return func(a *application) {
		a.xrun = x
	}
}

// WithStdout sets where the device program output goes.
func WithStdout(w io.Writer) Option {
	return func(a *application) {
		a.stdout = w
	}
}

// WithStderr sets where logs and tool diagnostics go.
func WithStderr(w io.Writer) Option {
	return func(a *application) {
		a.stderr = w
	}
}

// WithSignals enables SIGINT/SIGTERM handling. A second signal kills
// external tools that are still running.
func WithSignals() Option {
	return func(a *application) {
		a.signals = true
	}
}

// WithVersion sets the version reported by the status server.
func WithVersion(v string) Option {
	return func(a *application) {
		a.version = v
	}
}
