package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AIAleph/bridgeprobe/internal/analyze"
	"github.com/AIAleph/bridgeprobe/internal/api"
	cfgpkg "github.com/AIAleph/bridgeprobe/internal/config"
	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/logging"
	"github.com/AIAleph/bridgeprobe/internal/metrics"
	"github.com/AIAleph/bridgeprobe/internal/report"
)

var (
	// version is set via -ldflags "-X main.version=..."
	version = "dev"
	// exit is aliased to os.Exit to allow overriding in tests.
	exit = os.Exit
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.Load()

	var showVersion bool
	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "Listen address (HTTP_ADDR)")
	flag.StringVar(&cfg.HeuristicsFile, "heuristics", cfg.HeuristicsFile, "Heuristics YAML (HEURISTICS_FILE)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logging.Configure(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		logging.Logger().Error("server_exit", "error", err.Error())
		stop()
		exit(1)
	}
}

// serve wires metrics, detectors, sinks and the HTTP API, then blocks until
// ctx is done.
func serve(ctx context.Context, cfg cfgpkg.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	h, err := cfgpkg.LoadHeuristics(cfg.HeuristicsFile)
	if err != nil {
		return err
	}
	detectors, err := analyze.Detectors(h, cfg, m)
	if err != nil {
		return err
	}
	sinks, err := report.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	a := analyze.New(nil, detectors, analyze.OptionsFromConfig(cfg, m, sinks...))
	popts := analyze.ProviderOptions(cfg, m)
	srv := api.NewServer(api.Config{
		Addr:            cfg.HTTPAddr,
		Version:         version,
		AllowedRPCHosts: cfg.AllowedRPCHosts,
		WriteTimeout:    cfg.AnalysisTimeout + cfg.AbandonGrace + analyze.SinkTimeout,
		Gatherer:        gatherer,
	}, a, func(rpcURL string) (eth.Provider, error) {
		return eth.NewProvider(rpcURL, popts)
	})
	logging.Component("server").Info("server_start",
		"addr", cfg.HTTPAddr,
		"version", version,
		"sinks", len(sinks),
		"allowed_rpc_hosts", cfg.AllowedRPCHosts,
	)
	return srv.Run(ctx)
}
