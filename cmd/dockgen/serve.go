package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/dockgen/dockgen/internal/config"
	"github.com/dockgen/dockgen/internal/discovery"
	"github.com/dockgen/dockgen/internal/metrics"
	"github.com/dockgen/dockgen/internal/orchestrator"
	"github.com/dockgen/dockgen/internal/queue"
	"github.com/dockgen/dockgen/internal/server"
	"github.com/dockgen/dockgen/internal/store"
	"github.com/dockgen/dockgen/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the build API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			if opts.logLevel == "" && opts.logFormat == "" {
				if err := setupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
					return err
				}
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the config")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	b := newBuilder(cfg)
	ws := workspace.New(cfg.WorkDir())
	orch, err := orchestrator.New(orchestrator.Options{
		Workspaces:   ws,
		Builder:      b,
		ImagePrefix:  cfg.ImagePrefix,
		BuildTimeout: cfg.BuildTimeout,
		Metrics:      m,
	})
	if err != nil {
		return err
	}
	mgr := queue.New(cfg, store.New(cfg), orch, ws, m)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer func() {
		cancel()
		mgr.Wait()
	}()

	api := server.New(cfg, mgr, b, m)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.DiscoveryEnabled {
		if adv := advertise(ctx, cfg); adv != nil {
			defer adv.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.G(ctx).WithFields(log.Fields{
			"addr":    cfg.ListenAddr,
			"workers": cfg.Workers,
			"base":    cfg.BaseDir,
		}).Info("dockgen server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
}

// advertise logs and returns nil when the announcement cannot start; the
// server keeps running without it.
func advertise(ctx context.Context, cfg config.Config) *discovery.Advertiser {
	port, err := discovery.ListenPort(cfg.ListenAddr)
	if err != nil {
		log.G(ctx).WithError(err).Warn("mdns advertisement disabled")
		return nil
	}
	instance := cfg.DiscoveryInstance
	if instance == "" {
		instance = hostname()
	}
	adv, err := discovery.Advertise(discovery.AdvertiseOptions{
		Instance: instance,
		Service:  cfg.DiscoveryService,
		Domain:   cfg.DiscoveryDomain,
		Port:     port,
		Text:     []string{"api=v1", "path=/healthz"},
	})
	if err != nil {
		log.G(ctx).WithError(err).Warn("mdns advertisement failed")
		return nil
	}
	log.G(ctx).WithFields(log.Fields{
		"service":  cfg.DiscoveryService,
		"domain":   cfg.DiscoveryDomain,
		"instance": instance,
		"port":     port,
	}).Info("mdns advertisement enabled")
	return adv
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return discovery.DefaultInstance
	}
	return strings.TrimSpace(h)
}
