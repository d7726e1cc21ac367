package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/link"
	"ncsi-sideband/internal/sideband"
	"ncsi-sideband/internal/store"
	"ncsi-sideband/internal/web"
)

var runMode string

var runCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Probe the sideband and configure a channel",
	Long: `Open the configured link, probe every package and channel, and configure
the first channel with link.

Exit codes:
  0 - channel configured (oneshot) or clean shutdown (daemon)
  1 - probe failed, or config/link error`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSideband,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "Override ncsi.mode (oneshot or daemon)")
}

func runSideband(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(resolveConfig(args))
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.NCSI.Mode = runMode
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("ncsi-sideband starting", "version", version, "mode", cfg.NCSI.Mode, "link", cfg.Link.Type)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	l, err := link.Open(cfg.Link, logger)
	if err != nil {
		return fmt.Errorf("open link: %w", err)
	}
	defer l.Close()

	linkName := cfg.Link.Interface
	if cfg.Link.Type == "serial" {
		linkName = cfg.Link.Port
	}

	bus := events.NewBus(logger)
	runner := sideband.New(l, bus, db, sideband.Options{
		Mode:        cfg.NCSI.Mode,
		LinkName:    linkName,
		Engine:      cfg.engineConfig(),
		JournalKeep: cfg.Store.Keep,
	}, logger)

	// Hooks and MQTT are no-ops when built with no_hooks / no_mqtt.
	hooks := initHooks(bus, runner, cfg, logger)
	defer hooks.Stop()
	mqtt := initMQTT(runner, cfg, logger)
	defer mqtt.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shutdownWeb func()
	if cfg.NCSI.Mode == sideband.ModeDaemon {
		shutdownWeb = startWeb(runner, cfg, logger)
	}

	err = runner.Run(ctx)

	if shutdownWeb != nil {
		shutdownWeb()
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("goodbye")
	return nil
}

// startWeb serves the status API until the returned function is called.
func startWeb(runner *sideband.Runner, cfg *Config, logger *slog.Logger) func() {
	var opts []web.ServerOption
	if cfg.Web.APIKey != "" {
		opts = append(opts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		opts = append(opts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	opts = append(opts, web.WithVersion(version))

	webServer := web.NewServer(runner, logger, opts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		webServer.Stop()
	}
}
