// run.go: run subcommand hosting plugins until interrupted
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	plughost "github.com/agilira/go-plughost"
)

const queueDrainInterval = 100 * time.Millisecond

type runOptions struct {
	dir         string
	configPath  string
	watchConfig bool
	hotReload   bool
	poll        time.Duration
	workers     int
	metricsAddr string
	healthAddr  string
	allowList   string
}

// NewRunCmd creates the run subcommand.
func NewRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load, initialize and host the plugins of a directory",
		Long: `Load every plugin module of a directory in dependency order, initialize
them and keep them running until SIGINT or SIGTERM. With --hot-reload a
module is reloaded when its file changes and its state carried over.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dir, "dir", "", "plugin directory (default plughost.plugin_dir or ./plugins)")
	flags.StringVar(&opts.configPath, "config", "", "host configuration file (yaml, json, toml, hcl, ini)")
	flags.BoolVar(&opts.watchConfig, "watch-config", false, "reload the configuration file when it changes")
	flags.BoolVar(&opts.hotReload, "hot-reload", false, "reload plugins when their module files change")
	flags.DurationVar(&opts.poll, "poll", 0, "hot reload poll interval (default plughost.poll_interval)")
	flags.IntVar(&opts.workers, "workers", 0, "worker pool size shared with plugins (0 selects the CPU count)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.healthAddr, "health-addr", "", "serve gRPC health checks on this address")
	flags.StringVar(&opts.allowList, "allow-list", "", "module allow list (default plughost.allow_list)")

	return cmd
}

func runHost(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	zl, err := root.newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := plughost.NewZapLogger(zl)

	cfg := plughost.NewConfigStore(logger)
	if opts.configPath != "" {
		if err := cfg.LoadFile(opts.configPath); err != nil {
			return err
		}
		if opts.watchConfig {
			if err := cfg.WatchFile(opts.configPath, 0); err != nil {
				return err
			}
			defer func() { _ = cfg.StopWatching() }()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	workers := opts.workers
	if workers == 0 {
		workers = cfg.GetInt("plughost.workers", 0)
	}
	pool := plughost.NewWorkerPool(workers, logger)
	defer pool.Shutdown(true)

	options := plughost.ManagerOptionsFromConfig(cfg)
	options.Logger = logger
	options.Metrics = plughost.NewMetrics(registry)
	options.Health = plughost.NewHealthReporter()
	if path := firstNonEmpty(opts.allowList, cfg.GetString("plughost.allow_list", "")); path != "" {
		list, err := plughost.LoadModuleAllowList(path, logger)
		if err != nil {
			return err
		}
		options.AllowList = list
		logger.Info("Module allow list loaded", "path", path, "policy", list.Policy().String(), "entries", list.Len())
	}
	manager := plughost.NewManager(options)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("Failed to unload plugins", "error", err)
		}
	}()

	bus := plughost.NewEventBus(logger)
	if err := manager.Initialize(plughost.HostServices{
		Bus:       bus,
		Services:  plughost.NewServiceRegistry(logger),
		Host:      manager,
		Workers:   pool,
		Config:    cfg,
		Resources: plughost.NewResourceCache(logger),
	}); err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		server := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		plughost.SafeGo(logger, func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "addr", opts.metricsAddr, "error", err)
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}
	if opts.healthAddr != "" {
		plughost.SafeGo(logger, func() {
			if err := options.Health.Serve(ctx, opts.healthAddr); err != nil {
				logger.Error("Health server failed", "addr", opts.healthAddr, "error", err)
			}
		})
	}

	dir := firstNonEmpty(opts.dir, cfg.GetString("plughost.plugin_dir", "./plugins"))
	loaded, err := manager.LoadFromDirectory(dir)
	if err != nil {
		return err
	}
	if err := manager.InitializeAll(); err != nil {
		return err
	}
	logger.Info("Plugins running", "directory", dir, "loaded", loaded, "order", manager.LoadedPlugins())

	if opts.hotReload || cfg.GetBool("plughost.hot_reload", false) {
		if err := manager.EnableHotReload(opts.poll); err != nil {
			return err
		}
		if watched, err := manager.WatchedModules(); err == nil {
			logger.Info("Watching plugin modules", "modules", watched)
		}
	}

	ticker := time.NewTicker(queueDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down", "reloads", len(manager.ReloadHistory()))
			return nil
		case <-ticker.C:
			bus.ProcessQueue()
		}
	}
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	return mux
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
