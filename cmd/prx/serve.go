package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xff16/prx"
	"github.com/xff16/prx/admin"
	"github.com/xff16/prx/internal/logger"
	"github.com/xff16/prx/internal/metric"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reverse proxy",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	configPath := resolveConfigPath()

	cfg, err := prx.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Observability.LogLevel)
	defer func() { _ = log.Sync() }()

	if cfg.Server.Threads != nil && *cfg.Server.Threads > 0 {
		runtime.GOMAXPROCS(*cfg.Server.Threads)
	}

	metrics := metric.Metrics(metric.NewNop())
	if cfg.Observability.PrometheusListen != nil {
		metrics = metric.NewPrometheus()
	}

	proxy := prx.NewProxy(prx.BuildFabric(cfg), cfg, log.Named("proxy"), metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := make([]*http.Server, 0, len(cfg.Server.Listen)+2)
	group, groupCtx := errgroup.WithContext(ctx)

	for _, addr := range cfg.Server.Listen {
		srv := &http.Server{
			Addr:              addr,
			Handler:           proxy,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)

		group.Go(func() error {
			log.Info("proxy listener started", zap.String("listen", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
		srv := &http.Server{
			Addr:              tlsCfg.Listen,
			Handler:           proxy,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if !tlsCfg.EnableH2 {
			srv.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
		}
		servers = append(servers, srv)

		group.Go(func() error {
			log.Info("tls proxy listener started", zap.String("listen", tlsCfg.Listen))
			err := srv.ListenAndServeTLS(tlsCfg.CertPath, tlsCfg.KeyPath)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if cfg.Observability.PrometheusListen != nil {
		addr := *cfg.Observability.PrometheusListen
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)

		group.Go(func() error {
			log.Info("prometheus metrics endpoint is enabled", zap.String("listen", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	adminListen := admin.DefaultListen
	if env := os.Getenv("PRX_ADMIN_LISTEN"); env != "" {
		adminListen = env
	}
	adminServer := admin.NewServer(adminListen, configPath, proxy, log.Named("admin"))
	group.Go(func() error {
		return adminServer.Run(groupCtx)
	})

	supervisor := prx.NewReloadSupervisor(configPath, cfg.Server.ConfigReloadDebounceMs, proxy, log.Named("reload"))
	group.Go(func() error {
		if err := supervisor.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	log.Info("prx is starting", zap.String("config", configPath))

	<-groupCtx.Done()
	log.Info("shutdown signal received")

	if cfg.Server.GracePeriodSeconds != nil && *cfg.Server.GracePeriodSeconds > 0 {
		time.Sleep(time.Duration(*cfg.Server.GracePeriodSeconds) * time.Second)
	}

	shutdownTimeout := 10 * time.Second
	if cfg.Server.GracefulShutdownTimeoutSeconds != nil {
		shutdownTimeout = time.Duration(*cfg.Server.GracefulShutdownTimeoutSeconds) * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", zap.String("listen", srv.Addr), zap.Error(err))
		}
	}

	if err := group.Wait(); err != nil {
		return err
	}

	log.Info("server stopped")
	return nil
}
