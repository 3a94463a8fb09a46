package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/rlm/internal/config"
	"github.com/michaelbrown/rlm/internal/observability"
	"github.com/michaelbrown/rlm/internal/sandbox"
	"github.com/michaelbrown/rlm/internal/storage"
	"github.com/michaelbrown/rlm/internal/storage/postgres"
	"github.com/michaelbrown/rlm/internal/storage/sqlite"
	"github.com/michaelbrown/rlm/internal/tools"
)

var errNoStorage = errors.New("history storage is disabled (storage.driver: none)")

// loadConfig reads the config and applies its logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if err := setupLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// openStore opens the configured history store. It returns errNoStorage
// when storage is disabled.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, cfg.Storage.Postgres, logrus.StandardLogger())
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return store, nil
	case "none":
		return nil, errNoStorage
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// openStoreOptional is openStore for commands that work without history.
func openStoreOptional(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := openStore(ctx, cfg)
	if errors.Is(err, errNoStorage) {
		return nil, nil
	}
	return store, err
}

// newManager builds a session manager with metrics, logging and, when a
// store is given, history recording. extra observers run last. The
// returned func closes every session and then drains the recorder, so it
// must run before the store is closed.
func newManager(cfg *config.Config, store storage.Store, extra ...sandbox.Observer) (*sandbox.Manager, func()) {
	log := logrus.StandardLogger()
	observers := sandbox.Observers{
		observability.MetricsObserver{},
		observability.LogObserver{Log: log},
	}
	var recorder *storage.Recorder
	if store != nil {
		recorder = storage.NewRecorder(store, log)
		observers = append(observers, recorder)
	}
	observers = append(observers, extra...)

	manager := sandbox.NewManager(
		sandbox.WithCompleters(config.NewResolver(cfg, log)),
		sandbox.WithObserver(observers),
		sandbox.WithScratchRoot(cfg.Server.ScratchDir),
		sandbox.WithLogger(log),
	)
	return manager, func() {
		manager.CloseAll()
		if recorder != nil {
			recorder.Close()
		}
	}
}

// newRegistry starts the MCP tool servers named in config. Failures are
// logged and skipped.
func newRegistry(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry()
	for name, toolCfg := range cfg.Tools {
		if err := registry.Register(name, toolCfg); err != nil {
			logrus.WithError(err).WithField("tool_server", name).Warn("failed to start tool server")
		}
	}
	return registry
}
