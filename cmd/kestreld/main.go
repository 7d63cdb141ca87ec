// Command kestreld runs the container pool autoscaler as a standalone
// daemon: it restores any persisted pool state, starts the control loop,
// and serves a Prometheus metrics endpoint until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelrun/runtime/internal/config"
	"github.com/kestrelrun/runtime/internal/logging"
	"github.com/kestrelrun/runtime/internal/metrics"
	"github.com/kestrelrun/runtime/internal/persistence"
	"github.com/spf13/cobra"

	kestrel "github.com/kestrelrun/runtime"
)

var cfgFile string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kestreld",
		Short: "Container pool autoscaler daemon",
		RunE:  runDaemon,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a JSON config file")
	cmd.PersistentFlags().String("http-addr", "", "daemon HTTP listen address")
	cmd.PersistentFlags().String("log-level", "", "debug, info, warn, error")
	cmd.PersistentFlags().String("redis-url", "", "persistence Redis URL (enables persistence)")
	cmd.PersistentFlags().String("prometheus-url", "", "upstream Prometheus URL for container metrics")

	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if cfgFile != "" {
		loaded, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	applyFlagOverrides(cmd, cfg)

	logging.SetLevelFromString(cfg.Daemon.LogLevel)

	opts := []kestrel.Option{
		kestrel.WithDockerComposeNetworkHost(cfg.Engine.NetworkHost),
		kestrel.WithMinContainersPerFunction(cfg.Pool.MinContainers),
		kestrel.WithMaxContainersPerFunction(cfg.Pool.MaxContainers),
		kestrel.WithScaleCheckInterval(cfg.Pool.ScaleCheckInterval),
		kestrel.WithCPUOverloadThreshold(cfg.Pool.CPUOverload),
		kestrel.WithMemoryOverloadThreshold(cfg.Pool.MemoryOverload),
		kestrel.WithCooldownCPUThreshold(cfg.Pool.CooldownCPU),
		kestrel.WithCooldownDuration(cfg.Pool.CooldownDuration),
		kestrel.WithPrometheusURL(cfg.MetricsClient.PrometheusURL),
		kestrel.WithMetricsQueryTimeout(cfg.MetricsClient.QueryTimeout),
		kestrel.WithMetricsCacheTTL(cfg.MetricsClient.CacheTTL),
		kestrel.WithMetricsMaxRetries(cfg.MetricsClient.MaxRetries),
		kestrel.WithPersistence(persistence.Config{
			Enabled:   cfg.Persistence.Enabled,
			RedisURL:  cfg.Persistence.RedisURL,
			KeyPrefix: cfg.Persistence.KeyPrefix,
			BatchSize: cfg.Persistence.BatchSize,
		}),
	}

	rt, err := kestrel.New(opts...)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	if cfg.MetricsExport.Enabled {
		metrics.Init(cfg.MetricsExport.Namespace)
		go serveMetrics(cfg.MetricsExport.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	logging.Op().Info("kestreld started", "http_addr", cfg.Daemon.HTTPAddr)

	<-ctx.Done()
	logging.Op().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return rt.Stop(shutdownCtx)
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("redis-url"); v != "" {
		cfg.Persistence.RedisURL = v
		cfg.Persistence.Enabled = true
	}
	if v, _ := cmd.Flags().GetString("prometheus-url"); v != "" {
		cfg.MetricsClient.PrometheusURL = v
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Op().Error("metrics server stopped", "error", err)
	}
}
