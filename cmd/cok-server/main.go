/*
   Copyright 2026 Cok authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/annurdien/cok/internal/auth"
	"github.com/annurdien/cok/internal/config"
	"github.com/annurdien/cok/internal/controlserver"
	"github.com/annurdien/cok/internal/correlator"
	"github.com/annurdien/cok/internal/errs"
	"github.com/annurdien/cok/internal/gateway"
	"github.com/annurdien/cok/internal/health"
	"github.com/annurdien/cok/internal/metrics"
	"github.com/annurdien/cok/internal/ratelimit"
	"github.com/annurdien/cok/internal/shutdown"
	"github.com/annurdien/cok/internal/subdomain"
	"github.com/annurdien/cok/internal/tracing"
	"github.com/annurdien/cok/internal/tunnel"
	"github.com/google/uuid"
)

// version is stamped at release time with -ldflags; "dev" is what a
// plain `go build` produces.
var version = "dev"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd returns the cok-server root command.
func NewRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "cok-server",
		Short: "Run the cok gateway and control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.AddCommand(versionCommand())
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cok-server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("cok-server " + version)
			return nil
		},
	}
}

func runServer(verbose bool) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	shutdownTracing, err := tracing.InitTracing("cok-server", version)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.WithError(err).Warn("tracer provider shutdown failed")
		}
	}()

	clock := clockwork.NewRealClock()
	m := metrics.New("cok")

	denyList, err := subdomain.LoadDenyList(cfg.DenyListFile)
	if err != nil {
		return fmt.Errorf("loading deny-list: %w", err)
	}
	validator := subdomain.New(denyList)

	authSvc := auth.New(cfg.APIKeySecret, clock)
	registry := tunnel.NewRegistry(clock, cfg.MaxTunnels)
	corr := correlator.New(clock, cfg.RequestTimeout)
	registry.OnUnregister = func(id uuid.UUID) {
		corr.FailTunnel(id, errs.ErrConnectionLost)
	}

	httpLimiter, _ := ratelimit.NewFromPreset(clock, "http")
	connLimiter, _ := ratelimit.NewFromPreset(clock, "connection")

	healthChecker := health.New(version, clock)
	healthChecker.Register("registry", func() (health.Status, string) {
		return health.StatusHealthy, fmt.Sprintf("%d active tunnels", registry.Count())
	})

	cs := controlserver.New(controlserver.Config{
		ListenAddr:     fmt.Sprintf(":%d", cfg.TCPPort),
		BaseDomain:     cfg.BaseDomain,
		LivenessWindow: cfg.PingInterval * 3,
		TunnelTTL:      cfg.TunnelTTL,
	}, clock, log.WithField("component", "controlserver"), registry, corr, authSvc, validator, connLimiter, m)

	healthChecker.Register("accept-loop", func() (health.Status, string) {
		if cs.Accepting() {
			return health.StatusHealthy, "control server accepting connections"
		}
		return health.StatusUnhealthy, "control server accept loop is not running"
	})

	gw := gateway.New(gateway.Config{
		BaseDomain:  cfg.BaseDomain,
		HealthPaths: cfg.HealthCheckPaths,
		Watermarks:  gateway.DefaultWatermarks,
	}, registry, corr, httpLimiter, healthChecker, m, log.WithField("component", "gateway"))

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: gw}
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: m.Handler()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 3)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		log.WithField("addr", metricsServer.Addr).Info("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()
	go func() {
		if err := cs.ListenAndServe(ctx); err != nil {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	coordinator := shutdown.New(log,
		shutdown.Step{Name: "stop-control-server", Run: func(ctx context.Context) error {
			return cs.Shutdown(ctx)
		}},
		shutdown.Step{Name: "stop-gateway", Run: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		}},
		shutdown.Step{Name: "stop-metrics", Run: func(ctx context.Context) error {
			return metricsServer.Shutdown(ctx)
		}},
	)

	select {
	case err := <-errCh:
		log.WithError(err).Error("fatal component error, shutting down")
		cancel()
		_ = coordinator.Trigger()
		return err
	case <-waitForSignal(ctx, coordinator, log):
		cancel()
		return nil
	}
}

func waitForSignal(ctx context.Context, coordinator *shutdown.Coordinator, log *logrus.Entry) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := coordinator.Wait(ctx); err != nil {
			log.WithError(err).Warn("shutdown completed with errors")
		}
	}()
	return done
}
