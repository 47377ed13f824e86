package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/AIAleph/bridgeprobe/internal/analyze"
	cfgpkg "github.com/AIAleph/bridgeprobe/internal/config"
	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
	"github.com/AIAleph/bridgeprobe/internal/logging"
	"github.com/AIAleph/bridgeprobe/internal/report"
)

var (
	// version is set via -ldflags "-X main.version=..."
	version = "dev"
	// exit is aliased to os.Exit to allow overriding in tests.
	exit = os.Exit
	// newProvider lets tests inject a stub gateway.
	newProvider = eth.NewProvider
)

// printUsage prints a detailed CLI help with env mappings and examples.
func printUsage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "\nUsage:\n  %s [--address 0x... | --targets file] [flags]\n\n", os.Args[0])
	fmt.Fprintln(out, "Without --address or --targets the address is read from stdin.")
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
	fmt.Fprintln(out, "\nEnvironment variables (defaults; a .env file is loaded first):")
	fmt.Fprintln(out, "  RPC_URL               JSON-RPC endpoint (default "+cfgpkg.DefaultRPCURL+")")
	fmt.Fprintln(out, "  RATE_LIMIT            RPC rate limit (req/s, default 0 = unlimited)")
	fmt.Fprintln(out, "  MAX_INFLIGHT          Concurrent RPC requests (default 4)")
	fmt.Fprintln(out, "  HTTP_RETRIES          HTTP retries on 5xx/429/network (default 0)")
	fmt.Fprintln(out, "  HTTP_BACKOFF_BASE     Backoff base for retries (default 100ms)")
	fmt.Fprintln(out, "  ANALYSIS_TIMEOUT      Deadline per token (default 60s)")
	fmt.Fprintln(out, "  ABANDON_GRACE         Wait for partial results after the deadline (default 250ms)")
	fmt.Fprintln(out, "  DETECTOR_CONCURRENCY  Detectors run at once (default 4)")
	fmt.Fprintln(out, "  LOG_CHUNK_BLOCKS      eth_getLogs range size (default 5000)")
	fmt.Fprintln(out, "  LOG_MIN_CHUNK_BLOCKS  Smallest retry range (default 10)")
	fmt.Fprintln(out, "  SCAN_FROM_BLOCK       First block scanned for transfers (default 0)")
	fmt.Fprintln(out, "  MAX_EVENT_EVIDENCE    Mint/burn items kept per kind (default 0 = all)")
	fmt.Fprintln(out, "  HEURISTICS_FILE       YAML overriding prefixes, coins, keywords, functions")
	fmt.Fprintln(out, "  REPORT_FILE           Append JSON lines results to this file")
	fmt.Fprintln(out, "  CLICKHOUSE_DSN        ClickHouse DSN (or CLICKHOUSE_URL/DB/USER/PASS)")
	fmt.Fprintln(out, "  LOG_LEVEL, LOG_FORMAT Logging to stderr (default info, json)")
	fmt.Fprintln(out, "\nExamples:")
	fmt.Fprintln(out, "  Inspect one token:")
	fmt.Fprintln(out, "    inspector --address 0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	fmt.Fprintln(out, "  Inspect a list as JSON lines:")
	fmt.Fprintln(out, "    inspector --targets tokens.yaml --json > results.jsonl")
}

func main() {
	// A missing .env file is fine; the environment may be injected directly.
	_ = godotenv.Load()
	cfg := cfgpkg.Load()

	var (
		address     string
		targets     string
		jsonOut     bool
		showVersion bool
	)
	flag.Usage = printUsage
	flag.StringVar(&address, "address", "", "Token contract address (0x...)")
	flag.StringVar(&targets, "targets", "", "File of addresses: YAML list, targets:/addresses: wrapper, or one per line")
	flag.BoolVar(&jsonOut, "json", false, "Print one JSON document per token")
	flag.StringVar(&cfg.ProviderURL, "provider", cfg.ProviderURL, "JSON-RPC endpoint (RPC_URL)")
	flag.DurationVar(&cfg.AnalysisTimeout, "timeout", cfg.AnalysisTimeout, "Deadline per token (ANALYSIS_TIMEOUT)")
	flag.StringVar(&cfg.HeuristicsFile, "heuristics", cfg.HeuristicsFile, "Heuristics YAML (HEURISTICS_FILE)")
	flag.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "RPC rate limit (req/s, 0 = unlimited)")
	flag.StringVar(&cfg.ReportFile, "report-file", cfg.ReportFile, "Append JSON lines results (REPORT_FILE)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if address != "" && targets != "" {
		fmt.Fprintln(os.Stderr, "use either --address or --targets, not both")
		exit(2)
		return
	}
	if cfg.AnalysisTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "--timeout must be > 0")
		exit(2)
		return
	}

	logging.Configure(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	var addrs []string
	switch {
	case targets != "":
		list, err := cfgpkg.ReadTargets(targets)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read targets: %v\n", err)
			exit(2)
			return
		}
		addrs = list
	case address != "":
		addrs = []string{address}
	default:
		a, err := prompt(os.Stdin, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read address: %v\n", err)
			exit(1)
			return
		}
		addrs = []string{a}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	code := run(ctx, cfg, addrs, jsonOut, os.Stdout, os.Stderr)
	if code != 0 {
		stop()
		exit(code)
	}
}

// prompt asks for one address on in.
func prompt(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Enter token contract address: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// run analyzes every address and returns the process exit code: 0 when all
// analyses completed, 1 when any address was invalid or its metadata could
// not be resolved, 2 for setup errors.
func run(ctx context.Context, cfg cfgpkg.Config, addrs []string, jsonOut bool, stdout, stderr io.Writer) int {
	log := logging.Component("inspector")
	h, err := cfgpkg.LoadHeuristics(cfg.HeuristicsFile)
	if err != nil {
		fmt.Fprintf(stderr, "heuristics: %v\n", err)
		return 2
	}
	detectors, err := analyze.Detectors(h, cfg, nil)
	if err != nil {
		fmt.Fprintf(stderr, "detectors: %v\n", err)
		return 2
	}
	prov, err := newProvider(cfg.ProviderURL, analyze.ProviderOptions(cfg, nil))
	if err != nil {
		fmt.Fprintf(stderr, "provider error: %v\n", err)
		return 2
	}
	sinks, err := report.FromConfig(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "sinks: %v\n", err)
		return 2
	}
	log.Debug("inspector_start", "provider", cfgpkg.RedactDSN(cfg.ProviderURL), "targets", len(addrs), "sinks", len(sinks))

	a := analyze.New(prov, detectors, analyze.OptionsFromConfig(cfg, nil, sinks...))
	enc := json.NewEncoder(stdout)
	code := 0
	for i, raw := range addrs {
		if ctx.Err() != nil {
			fmt.Fprintln(stderr, "interrupted")
			return 1
		}
		start := time.Now()
		res, err := a.Analyze(ctx, raw)
		switch {
		case errors.Is(err, evidence.ErrInvalidAddress):
			fmt.Fprintf(stderr, "Invalid address: %v\n", err)
			code = 1
			continue
		case errors.Is(err, evidence.ErrMetadata):
			fmt.Fprintf(stderr, "Cannot fetch token info: %v\n", err)
			code = 1
			continue
		case err != nil:
			fmt.Fprintf(stderr, "analysis error: %v\n", err)
			code = 1
			continue
		}
		if jsonOut {
			_ = enc.Encode(report.NewDocument(res))
		} else {
			if i > 0 {
				fmt.Fprintln(stdout)
			}
			_ = report.RenderText(stdout, res)
		}
		log.Debug("target_done", "address", res.Address.Hex(), "elapsed", time.Since(start).String())
	}
	return code
}
