//go:build !no_hooks

package main

import (
	"log/slog"
	"time"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/hooks"
	"ncsi-sideband/internal/sideband"
)

type hookStopper struct {
	engine *hooks.Engine
}

func (h *hookStopper) Stop() {
	if h.engine != nil {
		h.engine.Stop()
	}
}

func initHooks(bus *events.Bus, runner *sideband.Runner, cfg *Config, logger *slog.Logger) *hookStopper {
	if !cfg.Hooks.Enabled {
		return &hookStopper{}
	}
	mgr, err := hooks.NewManager(cfg.Hooks.Dir, logger)
	if err != nil {
		logger.Error("create hook manager", "err", err)
		return &hookStopper{}
	}

	var timeout time.Duration
	if cfg.Hooks.Timeout != "" {
		// Checked by validate.
		timeout, _ = time.ParseDuration(cfg.Hooks.Timeout)
	}

	engine := hooks.NewEngine(bus, mgr, runner, timeout, logger)
	engine.Start()
	return &hookStopper{engine: engine}
}
