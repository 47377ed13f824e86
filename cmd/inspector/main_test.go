package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/AIAleph/bridgeprobe/internal/config"
	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/logging"
)

const wbtc = "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"

// exitPanic is used to intercept exit calls in tests.
type exitPanic struct{ code int }

// stubChain serves a token whose name and symbol are fixed; any other
// address reverts.
type stubChain struct {
	tokens map[string][2]string
}

func (s *stubChain) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (s *stubChain) GetCode(context.Context, string) ([]byte, error) { return nil, nil }

func (s *stubChain) GetLogs(context.Context, string, uint64, uint64, [][]string) ([]eth.Log, error) {
	return nil, nil
}

func (s *stubChain) Call(_ context.Context, to string, data []byte) ([]byte, error) {
	md, ok := s.tokens[strings.ToLower(to)]
	if !ok {
		return nil, &eth.RPCError{Code: 3, Message: "execution reverted"}
	}
	switch hex.EncodeToString(data[:4]) {
	case "06fdde03":
		return abiString(md[0]), nil
	case "95d89b41":
		return abiString(md[1]), nil
	}
	return nil, nil
}

func abiString(s string) []byte {
	out := make([]byte, 64)
	out[31] = 0x20
	out[63] = byte(len(s))
	data := make([]byte, (len(s)+31)/32*32)
	copy(data, s)
	return append(out, data...)
}

func withStubProvider(t *testing.T) {
	t.Helper()
	chain := &stubChain{tokens: map[string][2]string{
		strings.ToLower(wbtc): {"Wrapped BTC", "WBTC"},
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": {"USD Coin", "USDC"},
	}}
	old := newProvider
	newProvider = func(string, eth.Options) (eth.Provider, error) { return chain, nil }
	t.Cleanup(func() { newProvider = old })
	logging.DiscardLogging()
}

func testConfig() cfgpkg.Config {
	return cfgpkg.Config{
		ProviderURL:         "http://stub",
		AnalysisTimeout:     5 * time.Second,
		DetectorConcurrency: 4,
		LogChunkBlocks:      1000,
		LogMinChunkBlocks:   10,
		MaxEventEvidence:    10,
	}
}

func withFreshFlags(t *testing.T, fn func()) {
	t.Helper()
	old := flag.CommandLine
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flag.CommandLine.SetOutput(&bytes.Buffer{})
	defer func() { flag.CommandLine = old }()
	fn()
}

func captureStd(t *testing.T, fn func()) (stdout, stderr string) {
	t.Helper()
	oldOut, oldErr := os.Stdout, os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout, os.Stderr = wOut, wErr
	defer func() { os.Stdout, os.Stderr = oldOut, oldErr }()
	doneOut := make(chan struct{})
	doneErr := make(chan struct{})
	var outBuf, errBuf bytes.Buffer
	go func() { _, _ = outBuf.ReadFrom(rOut); close(doneOut) }()
	go func() { _, _ = errBuf.ReadFrom(rErr); close(doneErr) }()
	fn()
	_ = wOut.Close()
	_ = wErr.Close()
	<-doneOut
	<-doneErr
	return outBuf.String(), errBuf.String()
}

// runMain runs main with args and returns the exit code (0 when exit was
// not called) and the captured output.
func runMain(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	withFreshFlags(t, func() {
		oldArgs := os.Args
		os.Args = append([]string{"inspector"}, args...)
		defer func() { os.Args = oldArgs }()
		oldExit := exit
		defer func() { exit = oldExit }()
		exit = func(c int) { panic(exitPanic{c}) }
		stdout, stderr = captureStd(t, func() {
			defer func() {
				if r := recover(); r != nil {
					ep, ok := r.(exitPanic)
					if !ok {
						panic(r)
					}
					code = ep.code
				}
			}()
			main()
		})
	})
	t.Cleanup(logging.DiscardLogging)
	return code, stdout, stderr
}

func TestPrintUsage(t *testing.T) {
	withFreshFlags(t, func() {
		var buf bytes.Buffer
		flag.CommandLine.SetOutput(&buf)
		printUsage()
		s := buf.String()
		if !strings.Contains(s, "Usage:") || !strings.Contains(s, "RPC_URL") || !strings.Contains(s, "--targets") {
			t.Fatalf("unexpected usage output: %q", s)
		}
	})
}

func TestMain_ShowVersion(t *testing.T) {
	version = "test-version"
	code, out, _ := runMain(t, "-version")
	if code != 0 || strings.TrimSpace(out) != "test-version" {
		t.Fatalf("code=%d out=%q", code, out)
	}
}

func TestMain_AddressAndTargetsConflict(t *testing.T) {
	code, _, errOut := runMain(t, "--address", wbtc, "--targets", "x.txt")
	if code != 2 || !strings.Contains(errOut, "not both") {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
}

func TestMain_InvalidAddressExitsOne(t *testing.T) {
	withStubProvider(t)
	code, out, errOut := runMain(t, "--address", "0xnothex")
	if code != 1 || !strings.Contains(errOut, "Invalid address") {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
	if out != "" {
		t.Fatalf("stdout should be empty: %q", out)
	}
}

func TestMain_ReportsToken(t *testing.T) {
	withStubProvider(t)
	code, out, _ := runMain(t, "--address", wbtc)
	if code != 0 {
		t.Fatalf("code=%d", code)
	}
	if !strings.Contains(out, "Token Name: Wrapped BTC, Token Symbol: WBTC") || !strings.Contains(out, "may be bridge related") {
		t.Fatalf("stdout=%q", out)
	}
}

func TestRun_MetadataFailureExitsOne(t *testing.T) {
	withStubProvider(t)
	var out, errOut bytes.Buffer
	unknown := "0x0000000000000000000000000000000000000001"
	if code := run(context.Background(), testConfig(), []string{unknown}, false, &out, &errOut); code != 1 {
		t.Fatalf("code=%d", code)
	}
	if !strings.Contains(errOut.String(), "Cannot fetch token info") || out.Len() != 0 {
		t.Fatalf("stdout=%q stderr=%q", out.String(), errOut.String())
	}
}

func TestRun_BatchJSON(t *testing.T) {
	withStubProvider(t)
	path := filepath.Join(t.TempDir(), "tokens.txt")
	content := "# tokens\n" + wbtc + "\n0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48, usdc\nbogus\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	addrs, err := cfgpkg.ReadTargets(path)
	if err != nil {
		t.Fatal(err)
	}
	var out, errOut bytes.Buffer
	code := run(context.Background(), testConfig(), addrs, true, &out, &errOut)
	if code != 1 || !strings.Contains(errOut.String(), "Invalid address") {
		t.Fatalf("code=%d stderr=%q", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%q", lines)
	}
	var first, second map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[1]), &second)
	if first["token_symbol"] != "WBTC" || first["bridge_related"] != true {
		t.Fatalf("first=%v", first)
	}
	if second["token_symbol"] != "USDC" || second["bridge_related"] != false {
		t.Fatalf("second=%v", second)
	}
}

func TestRun_BadHeuristicsFile(t *testing.T) {
	withStubProvider(t)
	cfg := testConfig()
	cfg.HeuristicsFile = filepath.Join(t.TempDir(), "missing.yaml")
	var out, errOut bytes.Buffer
	if code := run(context.Background(), cfg, []string{wbtc}, false, &out, &errOut); code != 2 {
		t.Fatalf("code=%d", code)
	}
}

func TestRun_WritesReportFile(t *testing.T) {
	withStubProvider(t)
	cfg := testConfig()
	cfg.ReportFile = filepath.Join(t.TempDir(), "results.jsonl")
	var out, errOut bytes.Buffer
	if code := run(context.Background(), cfg, []string{wbtc}, false, &out, &errOut); code != 0 {
		t.Fatalf("code=%d stderr=%q", code, errOut.String())
	}
	b, err := os.ReadFile(cfg.ReportFile)
	if err != nil || !strings.Contains(string(b), `"token_symbol":"WBTC"`) {
		t.Fatalf("report=%q err=%v", b, err)
	}
}

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	got, err := prompt(strings.NewReader("  "+wbtc+"\n"), &out)
	if err != nil || got != wbtc {
		t.Fatalf("got=%q err=%v", got, err)
	}
	if !strings.Contains(out.String(), "Enter token contract address") {
		t.Fatalf("prompt=%q", out.String())
	}
	if got, err := prompt(strings.NewReader(""), &out); err != nil || got != "" {
		t.Fatalf("empty input got=%q err=%v", got, err)
	}
}
