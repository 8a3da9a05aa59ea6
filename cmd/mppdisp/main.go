package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kartikbazzad/mppdispatch/internal/config"
	"github.com/kartikbazzad/mppdispatch/internal/logger"
	"github.com/kartikbazzad/mppdispatch/internal/metrics"
)

const envPrefix = "MPPDISP_"

var (
	cfgPath     string
	logLevel    string
	metricsAddr string

	cfg *config.Config
	log *slog.Logger
	met *metrics.Metrics
)

var rootCmd = &cobra.Command{
	Use:           "mppdisp",
	Short:         "Dispatch query plans to MPP segments",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath, envPrefix)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if metricsAddr != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.ListenAddr = metricsAddr
		}

		logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, AddSource: cfg.Log.AddSource})
		log = logger.Get()

		if cfg.Metrics.Enabled {
			met = startMetrics(cfg.Metrics)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: DEBUG, INFO, WARN, ERROR")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(segmentCmd(), orderCmd(), dispatchCmd(), setCmd(), shellCmd())
}

func startMetrics(mc config.MetricsConfig) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, mc.Namespace)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: mc.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	log.Info("Serving metrics", "addr", mc.ListenAddr)
	return m
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
