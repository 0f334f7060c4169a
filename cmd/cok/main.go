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
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/annurdien/cok/internal/client"
	"github.com/annurdien/cok/internal/config"
	"github.com/annurdien/cok/internal/metrics"
	"github.com/annurdien/cok/internal/tracing"
)

var version = "dev"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd returns the cok CLI root command.
func NewRootCmd() *cobra.Command {
	opts := struct {
		server    string
		apiKey    string
		subdomain string
		verbose   bool
	}{}

	cmd := &cobra.Command{
		Use:   "cok [flags] <local-host:port>",
		Short: "Expose a local HTTP server through a cok tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(args[0], opts.server, opts.apiKey, opts.subdomain, opts.verbose)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "cok server address (host:port); falls back to COK_SERVER_ADDR")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key; falls back to COK_API_KEY")
	cmd.Flags().StringVar(&opts.subdomain, "subdomain", "", "requested subdomain; falls back to COK_SUBDOMAIN")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	cmd.AddCommand(versionCommand())
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cok client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("cok " + version)
			return nil
		},
	}
}

func runClient(localOrigin, serverFlag, apiKeyFlag, subdomainFlag string, verbose bool) error {
	envCfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	serverAddr := firstNonEmpty(serverFlag, envCfg.ServerAddr)
	if serverAddr == "" {
		return fmt.Errorf("server address is required: pass --server or set COK_SERVER_ADDR")
	}
	apiKey := firstNonEmpty(apiKeyFlag, envCfg.APIKey)
	if apiKey == "" {
		return fmt.Errorf("API key is required: pass --api-key or set COK_API_KEY")
	}
	requestedSubdomain := firstNonEmpty(subdomainFlag, envCfg.RequestedSubdomain)

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose || envCfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	shutdownTracing, err := tracing.InitTracing("cok", version)
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

	cc := client.New(client.Config{
		ServerAddr:         serverAddr,
		APIKey:             apiKey,
		RequestedSubdomain: requestedSubdomain,
		ClientVersion:      version,
		LocalOrigin:        localOrigin,
	}, clockwork.NewRealClock(), log)

	m := metrics.New("cok_client")
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", envCfg.MetricsPort), Handler: m.Handler()}
	go func() {
		log.WithField("addr", metricsServer.Addr).Info("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithFields(logrus.Fields{"server": serverAddr, "local_origin": localOrigin}).Info("connecting")

	go func() {
		<-ctx.Done()
		cc.Disconnect()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	go reportBreakerState(ctx, cc, m, time.Second)

	return cc.Run(ctx)
}

// reportBreakerState polls the control channel's circuit breaker on
// an interval and mirrors its state into the breaker gauge; the
// breaker has no change notification, so polling is the simplest way
// to keep the exporter honest.
func reportBreakerState(ctx context.Context, cc *client.ControlChannelClient, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.BreakerState.Set(float64(cc.Breaker().State()))
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
