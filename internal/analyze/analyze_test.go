package analyze

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AIAleph/bridgeprobe/internal/config"
	"github.com/AIAleph/bridgeprobe/internal/detect"
	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
	"github.com/AIAleph/bridgeprobe/internal/logging"
	"github.com/AIAleph/bridgeprobe/internal/metrics"
	"github.com/AIAleph/bridgeprobe/internal/normalize"
)

const wbtc = "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"

func init() { logging.DiscardLogging() }

// chainStub answers name()/symbol() and serves fixed code and logs. Every
// RPC is counted.
type chainStub struct {
	rpcs    atomic.Int32
	name    string
	symbol  string
	callErr error
	code    []byte
	head    uint64
	logs    []eth.Log
}

func (c *chainStub) BlockNumber(ctx context.Context) (uint64, error) {
	c.rpcs.Add(1)
	return c.head, nil
}

func (c *chainStub) GetCode(ctx context.Context, address string) ([]byte, error) {
	c.rpcs.Add(1)
	return c.code, nil
}

func (c *chainStub) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	c.rpcs.Add(1)
	if c.callErr != nil {
		return nil, c.callErr
	}
	switch hex.EncodeToString(data[:4]) {
	case "06fdde03":
		return abiString(c.name), nil
	case "95d89b41":
		return abiString(c.symbol), nil
	}
	return nil, nil
}

func (c *chainStub) GetLogs(ctx context.Context, address string, from, to uint64, topics [][]string) ([]eth.Log, error) {
	c.rpcs.Add(1)
	var out []eth.Log
	for _, l := range c.logs {
		if l.BlockNum >= from && l.BlockNum <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func abiString(s string) []byte {
	out := make([]byte, 64)
	out[31] = 0x20
	out[63] = byte(len(s))
	data := make([]byte, (len(s)+31)/32*32)
	copy(data, s)
	return append(out, data...)
}

// stubDetector returns canned evidence after an optional delay.
type stubDetector struct {
	name  string
	ev    []evidence.Evidence
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Detect(ctx context.Context, _ *detect.Target) ([]evidence.Evidence, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.ev, s.err
}

func item(detector string, kind evidence.Kind) evidence.Evidence {
	return evidence.Evidence{Kind: kind, Detector: detector, Detail: detector + ":" + string(kind)}
}

func newStubChain() *chainStub {
	return &chainStub{name: "Wrapped BTC", symbol: "WBTC", head: 100}
}

func TestAnalyze_InvalidAddressMakesNoRPC(t *testing.T) {
	chain := newStubChain()
	d := &stubDetector{name: "a"}
	a := New(chain, []detect.Detector{d}, Options{})
	for _, raw := range []string{"", "0x123", "not-an-address", "0x2260fac5e5542a773aa44fbcfedf7c193bc2C599"} {
		res, err := a.Analyze(context.Background(), raw)
		if !errors.Is(err, evidence.ErrInvalidAddress) || res != nil {
			t.Fatalf("Analyze(%q) res=%v err=%v", raw, res, err)
		}
	}
	if chain.rpcs.Load() != 0 || d.calls.Load() != 0 {
		t.Fatalf("rpcs=%d detector calls=%d", chain.rpcs.Load(), d.calls.Load())
	}
}

func TestAnalyze_MetadataFailureStopsAnalysis(t *testing.T) {
	chain := newStubChain()
	chain.callErr = &eth.RPCError{Code: 3, Message: "execution reverted"}
	d := &stubDetector{name: "a", ev: []evidence.Evidence{item("a", evidence.KindKeywordMatch)}}
	res, err := New(chain, []detect.Detector{d}, Options{}).Analyze(context.Background(), wbtc)
	if res != nil || !errors.Is(err, evidence.ErrMetadata) {
		t.Fatalf("res=%v err=%v", res, err)
	}
	if d.calls.Load() != 0 {
		t.Fatal("detectors must not run after a metadata failure")
	}
}

func TestAnalyze_MergesInRegistrationOrder(t *testing.T) {
	slow := &stubDetector{name: "slow", delay: 30 * time.Millisecond, ev: []evidence.Evidence{item("slow", evidence.KindSpecialPrefix)}}
	mid := &stubDetector{name: "mid", delay: 10 * time.Millisecond, ev: []evidence.Evidence{item("mid", evidence.KindProxyPattern)}}
	fast := &stubDetector{name: "fast", ev: []evidence.Evidence{item("fast", evidence.KindMintEvent), item("fast", evidence.KindBurnEvent)}}
	a := New(newStubChain(), []detect.Detector{slow, mid, fast}, Options{Concurrency: 3})

	for run := 0; run < 3; run++ {
		res, err := a.Analyze(context.Background(), wbtc)
		if err != nil {
			t.Fatal(err)
		}
		got := res.Details()
		want := []string{"slow:special_prefix", "mid:proxy_pattern", "fast:mint_event", "fast:burn_event"}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("details=%v want %v", got, want)
		}
		if !res.BridgeRelated || res.Metadata.Symbol != "WBTC" || res.Address.Hex() != wbtc {
			t.Fatalf("res=%s", res)
		}
	}
}

func TestAnalyze_NoEvidenceIsNotBridgeRelated(t *testing.T) {
	a := New(newStubChain(), []detect.Detector{&stubDetector{name: "a"}, &stubDetector{name: "b"}}, Options{})
	res, err := a.Analyze(context.Background(), wbtc)
	if err != nil {
		t.Fatal(err)
	}
	if res.BridgeRelated || res.Evidence == nil || len(res.Evidence) != 0 || len(res.Failures) != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestAnalyze_FailuresKeepPartialEvidence(t *testing.T) {
	partial := &stubDetector{
		name: "transfers",
		ev:   []evidence.Evidence{item("transfers", evidence.KindMintEvent)},
		err:  errors.New("scan stopped at block 100: connection refused"),
	}
	broken := &stubDetector{name: "bytecode", err: evidence.Decodef("bad hex")}
	res, err := New(newStubChain(), []detect.Detector{broken, partial}, Options{}).Analyze(context.Background(), wbtc)
	if err != nil {
		t.Fatal(err)
	}
	if !res.BridgeRelated || len(res.Evidence) != 1 {
		t.Fatalf("evidence=%+v", res.Evidence)
	}
	if len(res.Failures) != 2 {
		t.Fatalf("failures=%+v", res.Failures)
	}
	if res.Failures[0].Detector != "bytecode" || res.Failures[0].Reason != evidence.ReasonDecode {
		t.Fatalf("failure[0]=%+v", res.Failures[0])
	}
	if res.Failures[1].Detector != "transfers" || res.Failures[1].Reason != evidence.ReasonNetwork {
		t.Fatalf("failure[1]=%+v", res.Failures[1])
	}
}

// ctxDetector returns partial evidence once ctx ends.
type ctxDetector struct{ name string }

func (c ctxDetector) Name() string { return c.name }

func (c ctxDetector) Detect(ctx context.Context, _ *detect.Target) ([]evidence.Evidence, error) {
	<-ctx.Done()
	return []evidence.Evidence{item(c.name, evidence.KindBurnEvent)}, ctx.Err()
}

// stuckDetector ignores ctx until release is closed.
type stuckDetector struct {
	name    string
	release chan struct{}
}

func (s stuckDetector) Name() string { return s.name }

func (s stuckDetector) Detect(context.Context, *detect.Target) ([]evidence.Evidence, error) {
	<-s.release
	return []evidence.Evidence{item(s.name, evidence.KindMintEvent)}, nil
}

func TestAnalyze_DeadlineAbandonsStuckDetectors(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	quick := &stubDetector{name: "identity", ev: []evidence.Evidence{item("identity", evidence.KindKeywordMatch)}}
	a := New(newStubChain(), []detect.Detector{
		quick,
		stuckDetector{name: "stuck", release: release},
		ctxDetector{name: "transfers"},
	}, Options{Timeout: 50 * time.Millisecond, AbandonGrace: 50 * time.Millisecond, Concurrency: 3})

	start := time.Now()
	res, err := a.Analyze(context.Background(), wbtc)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("analysis did not honour its deadline")
	}
	want := []string{"identity:keyword_match", "transfers:burn_event"}
	if strings.Join(res.Details(), ",") != strings.Join(want, ",") {
		t.Fatalf("details=%v", res.Details())
	}
	if len(res.Failures) != 2 {
		t.Fatalf("failures=%+v", res.Failures)
	}
	for _, f := range res.Failures {
		if f.Reason != evidence.ReasonTimeout {
			t.Fatalf("failure=%+v", f)
		}
	}
	if res.Failures[0].Detector != "stuck" || res.Failures[1].Detector != "transfers" {
		t.Fatalf("failures out of order: %+v", res.Failures)
	}
}

// gauge tracks the peak number of concurrent Detect calls.
type gauge struct {
	mu        sync.Mutex
	cur, peak int
}

type countingDetector struct {
	name string
	g    *gauge
}

func (c countingDetector) Name() string { return c.name }

func (c countingDetector) Detect(context.Context, *detect.Target) ([]evidence.Evidence, error) {
	c.g.mu.Lock()
	c.g.cur++
	c.g.peak = max(c.g.peak, c.g.cur)
	c.g.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	c.g.mu.Lock()
	c.g.cur--
	c.g.mu.Unlock()
	return nil, nil
}

func TestAnalyze_ConcurrencyLimit(t *testing.T) {
	g := &gauge{}
	var ds []detect.Detector
	for _, n := range []string{"a", "b", "c", "d"} {
		ds = append(ds, countingDetector{name: n, g: g})
	}
	if _, err := New(newStubChain(), ds, Options{Concurrency: 2}).Analyze(context.Background(), wbtc); err != nil {
		t.Fatal(err)
	}
	if g.peak > 2 || g.peak == 0 {
		t.Fatalf("peak concurrency=%d", g.peak)
	}
}

type recordingSink struct {
	name string
	err  error
	got  []*evidence.AnalysisResult
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(ctx context.Context, res *evidence.AnalysisResult) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.got = append(s.got, res)
	return s.err
}

func TestAnalyze_SinksAndMetrics(t *testing.T) {
	m := metrics.New()
	if err := m.Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	ok := &recordingSink{name: "jsonl"}
	broken := &recordingSink{name: "clickhouse", err: errors.New("503")}
	d := &stubDetector{name: "identity", ev: []evidence.Evidence{
		item("identity", evidence.KindKeywordMatch), item("identity", evidence.KindKeywordMatch),
	}}
	a := New(newStubChain(), []detect.Detector{d}, Options{Metrics: m, Sinks: []Sink{ok, broken}})
	res, err := a.Analyze(context.Background(), wbtc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ok.got) != 1 || ok.got[0] != res || len(broken.got) != 1 {
		t.Fatal("every sink should see the result")
	}
	if !res.BridgeRelated {
		t.Fatal("sink failure must not change the verdict")
	}
	if v := testutil.ToFloat64(m.SinkFailures.WithLabelValues("clickhouse")); v != 1 {
		t.Fatalf("sink failures=%v", v)
	}
	if v := testutil.ToFloat64(m.Analyses.WithLabelValues("bridge_related")); v != 1 {
		t.Fatalf("analyses=%v", v)
	}
	if v := testutil.ToFloat64(m.EvidenceFound.WithLabelValues("keyword_match")); v != 2 {
		t.Fatalf("evidence=%v", v)
	}
	if v := testutil.ToFloat64(m.AnalysesInFlight); v != 0 {
		t.Fatalf("in flight=%v", v)
	}

	if _, err := a.Analyze(context.Background(), "0x1"); err == nil {
		t.Fatal("expected invalid address")
	}
	if v := testutil.ToFloat64(m.Analyses.WithLabelValues("invalid_address")); v != 1 {
		t.Fatalf("invalid analyses=%v", v)
	}
}

func TestAnalyze_StandardDetectors(t *testing.T) {
	chain := newStubChain()
	// PUSH4 mint(address,uint256) EQ
	chain.code = append([]byte{0x63}, append(mustSelector(t, "mint(address,uint256)"), 0x14)...)
	chain.logs = []eth.Log{{
		TxHash:   "0x" + strings.Repeat("ab", 32),
		BlockNum: 42,
		Topics: []string{
			normalize.TopicTransfer(),
			"0x" + strings.Repeat("0", 64),
			"0x000000000000000000000000" + strings.Repeat("11", 20),
		},
	}}
	cfg := config.Config{LogChunkBlocks: 1000, LogMinChunkBlocks: 100, MaxEventEvidence: 5}
	ds, err := Detectors(config.DefaultHeuristics(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := New(chain, ds, Options{Concurrency: 4}).Analyze(context.Background(), wbtc)
	if err != nil {
		t.Fatal(err)
	}
	order := map[string]int{
		detect.NameIdentity: 0, detect.NameBytecode: 1, detect.NameCapability: 2, detect.NameTransfers: 3,
	}
	last := -1
	for _, e := range res.Evidence {
		idx, ok := order[e.Detector]
		if !ok || idx < last {
			t.Fatalf("evidence out of registration order: %+v", res.Evidence)
		}
		last = idx
	}
	counts := res.CountByKind()
	if counts[evidence.KindKeywordMatch] == 0 || counts[evidence.KindBridgeFunctionPresence] != 1 || counts[evidence.KindMintEvent] != 1 {
		t.Fatalf("counts=%v", counts)
	}
	if counts[evidence.KindProxyPattern] != 0 || len(res.Failures) != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func mustSelector(t *testing.T, sig string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.TrimPrefix(normalize.FunctionSelector(sig), "0x"))
	if err != nil || len(b) != 4 {
		t.Fatalf("selector %q: %v", sig, err)
	}
	return b
}

func TestWithProviderKeepsDetectors(t *testing.T) {
	d := &stubDetector{name: "a"}
	a := New(nil, []detect.Detector{d}, Options{})
	chain := newStubChain()
	if _, err := a.WithProvider(chain).Analyze(context.Background(), wbtc); err != nil {
		t.Fatal(err)
	}
	if d.calls.Load() != 1 || chain.rpcs.Load() == 0 {
		t.Fatal("bound provider should be used")
	}
	if a.prov != nil {
		t.Fatal("receiver must keep its provider")
	}
}
