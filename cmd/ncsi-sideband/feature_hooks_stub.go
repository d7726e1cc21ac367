//go:build no_hooks

package main

import (
	"log/slog"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/sideband"
)

type hookStopper struct{}

func (h *hookStopper) Stop() {}

func initHooks(_ *events.Bus, _ *sideband.Runner, _ *Config, _ *slog.Logger) *hookStopper {
	return &hookStopper{}
}
