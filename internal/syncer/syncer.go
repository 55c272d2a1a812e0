// Package syncer pushes changed artifacts to the device.
package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/starford/mpr/internal/apperr"
)

// Copier copies one local file to a device path.
type Copier interface {
	Copy(ctx context.Context, local, remote string) error
}

// Item is one artifact that may need pushing.
type Item struct {
	Source      string // source path relative to the watched root
	Local       string // absolute artifact path in the cache
	Target      string // device path
	Fingerprint string
	Dirty       bool // compiled since the last successful push
}

// Failure is an item whose push failed.
type Failure struct {
	Item Item
	Err  error
}

// Report summarises one Push.
type Report struct {
	Pushed []Item
	Failed []Failure
}

// Err joins every failure, or returns nil.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// DeviceState records the fingerprint last pushed to each device path. It
// lives in memory only.
type DeviceState struct {
	files map[string]string
}

// NewDeviceState returns an empty state.
func NewDeviceState() *DeviceState {
	return &DeviceState{files: make(map[string]string)}
}

func (s *DeviceState) Get(target string) (string, bool) {
	fp, ok := s.files[target]
	return fp, ok
}

func (s *DeviceState) Set(target, fingerprint string) { s.files[target] = fingerprint }

// Reset forgets everything.
func (s *DeviceState) Reset() { s.files = make(map[string]string) }

func (s *DeviceState) Len() int { return len(s.files) }

// Engine decides which artifacts to push and pushes them. It is owned by
// the control goroutine.
type Engine struct {
	copier Copier
	state  *DeviceState
	logger *slog.Logger
}

// NewEngine creates an Engine with an empty device state.
func NewEngine(copier Copier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{copier: copier, state: NewDeviceState(), logger: logger}
}

// State exposes the device state.
func (e *Engine) State() *DeviceState { return e.state }

// Seed records clean items as already present on the device.
func (e *Engine) Seed(items []Item) {
	for _, it := range items {
		if !it.Dirty {
			e.state.Set(it.Target, it.Fingerprint)
		}
	}
}

// Reset forgets the device state, so every item is pushed again.
func (e *Engine) Reset() { e.state.Reset() }

// Pending returns the items that are dirty or differ from the device state.
func (e *Engine) Pending(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if fp, ok := e.state.Get(it.Target); it.Dirty || !ok || fp != it.Fingerprint {
			out = append(out, it)
		}
	}
	return out
}

// Push copies every pending item. A failed item is reported and left out of
// the device state. A missing or hung tool stops the pass.
func (e *Engine) Push(ctx context.Context, items []Item) Report {
	var rep Report
	for _, it := range e.Pending(items) {
		err := e.copier.Copy(ctx, it.Local, it.Target)
		if err != nil {
			e.logger.Warn("syncer: push failed",
				slog.String("path", it.Source),
				slog.String("target", it.Target),
				slog.String("error", err.Error()))
			rep.Failed = append(rep.Failed, Failure{Item: it, Err: err})
			if apperr.IsFatal(err) {
				return rep
			}
			continue
		}
		e.state.Set(it.Target, it.Fingerprint)
		e.logger.Info("syncer: pushed", slog.String("path", it.Source), slog.String("target", it.Target))
		rep.Pushed = append(rep.Pushed, it)
	}
	return rep
}
