// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/playbookd/playbookd/internal/broadcast"
	"github.com/playbookd/playbookd/internal/config"
	"github.com/playbookd/playbookd/internal/handler"
	"github.com/playbookd/playbookd/internal/log"
	"github.com/playbookd/playbookd/internal/manager"
	"github.com/playbookd/playbookd/internal/metrics"
	"github.com/playbookd/playbookd/internal/rpc"
	"github.com/playbookd/playbookd/internal/secrets"
	"github.com/playbookd/playbookd/internal/storage"
	"github.com/playbookd/playbookd/internal/tracing"
	"github.com/playbookd/playbookd/pkg/playbook"
)

func serve(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Engine.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Engine.PlaybookDir, 0o755); err != nil {
		return fmt.Errorf("create playbook dir: %w", err)
	}
	if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}

	tracer, err := tracing.Setup(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "playbookd",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}

	loader, err := playbook.NewLoader(cfg.Engine.PlaybookDir)
	if err != nil {
		return err
	}
	if err := loader.Watch(); err != nil {
		logger.Warn("playbook watcher disabled", "error", err)
	}
	defer loader.Close()

	store, err := storage.Open(storage.Config{
		Path:         cfg.Storage.DatabasePath,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	sink := storage.NewSink(store, logger)

	vault := secrets.NewVault(credentialBackends(cfg, logger)...)

	registry := handler.NewRegistry()
	handler.RegisterBuiltins(registry, nil)
	registry.Freeze()

	broadcaster := broadcast.New(logger,
		broadcast.WithDropHook(metrics.RecordSubscriberDrop))

	mgr := manager.New(manager.Config{
		Loader:          loader,
		Registry:        registry,
		Broadcaster:     broadcaster,
		Store:           store,
		Sink:            sink,
		Credentials:     vault,
		Logger:          logger,
		Tracer:          tracer.Tracer("playbookd"),
		DataDir:         cfg.Engine.DataDir,
		ExecutionTTL:    cfg.Engine.ExecutionTTL,
		WatchdogTimeout: cfg.Engine.WatchdogTimeout,
	})

	server := rpc.NewServer(rpc.Config{
		Manager:     mgr,
		Broadcaster: broadcaster,
		Loader:      loader,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Warn("execution shutdown", "error", err)
	}
	broadcaster.Close()
	sink.Close()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("trace shutdown", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	// CLI flags win over file and environment.
	if v, _ := flags.GetString("listen"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v, _ := flags.GetString("playbook-dir"); v != "" {
		cfg.Engine.PlaybookDir = v
	}
	if v, _ := flags.GetString("data-dir"); v != "" {
		cfg.Engine.DataDir = v
		cfg.Storage.DatabasePath = filepath.Join(v, "playbookd.db")
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if on, _ := flags.GetBool("tracing"); on {
		cfg.Tracing.Enabled = true
	}

	return cfg, cfg.Validate()
}

// credentialBackends assembles the vault backend chain: environment
// variables first, then the encrypted file store when configured, then
// the OS keyring when present.
func credentialBackends(cfg *config.Config, logger *slog.Logger) []secrets.Backend {
	backends := []secrets.Backend{secrets.NewEnvBackend()}

	if cfg.Engine.CredentialsFile != "" {
		fb, err := secrets.NewFileBackend(cfg.Engine.CredentialsFile, os.Getenv("PLAYBOOKD_MASTER_KEY"))
		if err != nil {
			logger.Warn("file credential backend disabled", "error", err)
		} else {
			backends = append(backends, fb)
		}
	}

	backends = append(backends, secrets.NewKeyringBackend())
	return backends
}
