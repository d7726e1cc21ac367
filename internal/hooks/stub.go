//go:build no_hooks

package hooks

import (
	"log/slog"
	"time"

	"ncsi-sideband/internal/events"
)

// Restarter requests a new probe cycle.
type Restarter interface {
	Restart() error
}

// Manager is a no-op stub when hooks are disabled.
type Manager struct{}

// NewManager returns a nil manager when hooks are disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

// Engine is a no-op stub when hooks are disabled.
type Engine struct{}

// NewEngine returns a no-op engine when hooks are disabled.
func NewEngine(_ *events.Bus, _ *Manager, _ Restarter, _ time.Duration, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Scripts returns nil.
func (e *Engine) Scripts() []string { return nil }
