// Package analyze runs the detectors against one token and merges their
// outcomes into a single verdict.
package analyze

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AIAleph/bridgeprobe/internal/config"
	"github.com/AIAleph/bridgeprobe/internal/detect"
	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
	"github.com/AIAleph/bridgeprobe/internal/logging"
	"github.com/AIAleph/bridgeprobe/internal/metrics"
	"github.com/AIAleph/bridgeprobe/internal/normalize"
)

// SinkTimeout bounds the time all sinks get to store one result.
const SinkTimeout = 10 * time.Second

// Sink receives every completed result. Write errors are logged and counted
// but never change the result.
type Sink interface {
	Name() string
	Write(ctx context.Context, res *evidence.AnalysisResult) error
}

// Options configure an Analyzer.
type Options struct {
	Timeout      time.Duration // overall deadline per analysis (0 = none)
	AbandonGrace time.Duration // wait after the deadline before abandoning detectors
	Concurrency  int           // detectors running at once (<=0 = all)
	Metrics      *metrics.Metrics
	Sinks        []Sink
}

// OptionsFromConfig maps the environment configuration onto Options.
func OptionsFromConfig(cfg config.Config, m *metrics.Metrics, sinks ...Sink) Options {
	return Options{
		Timeout:      cfg.AnalysisTimeout,
		AbandonGrace: cfg.AbandonGrace,
		Concurrency:  cfg.DetectorConcurrency,
		Metrics:      m,
		Sinks:        sinks,
	}
}

// ProviderOptions maps the environment configuration onto gateway options.
func ProviderOptions(cfg config.Config, m *metrics.Metrics) eth.Options {
	return eth.Options{
		RateLimit:   cfg.RateLimit,
		MaxInflight: cfg.MaxInflight,
		Retries:     cfg.HTTPRetries,
		Backoff:     cfg.HTTPBackoffBase,
		Observer:    m.ObserveRPC,
	}
}

// Detectors builds the standard detector set. The slice order is the merge
// order of the evidence list.
func Detectors(h config.Heuristics, cfg config.Config, m *metrics.Metrics) ([]detect.Detector, error) {
	capability, err := detect.NewCapability(h)
	if err != nil {
		return nil, err
	}
	return []detect.Detector{
		detect.NewIdentity(h),
		detect.NewBytecode(),
		capability,
		detect.NewTransfers(detect.TransferOptions{
			FromBlock:      cfg.ScanFromBlock,
			ChunkBlocks:    cfg.LogChunkBlocks,
			MinChunkBlocks: cfg.LogMinChunkBlocks,
			MaxEvidence:    cfg.MaxEventEvidence,
			OnRetry:        m.ChunkRetried,
		}),
	}, nil
}

// Analyzer is safe for concurrent use; detectors hold no per-analysis state.
type Analyzer struct {
	prov      eth.Provider
	detectors []detect.Detector
	opts      Options
	log       *slog.Logger
}

func New(p eth.Provider, detectors []detect.Detector, opts Options) *Analyzer {
	return &Analyzer{prov: p, detectors: detectors, opts: opts, log: logging.Component("analyze")}
}

// WithProvider returns a copy of the analyzer bound to another gateway.
func (a *Analyzer) WithProvider(p eth.Provider) *Analyzer {
	cp := *a
	cp.prov = p
	return &cp
}

// Analyze validates raw, resolves metadata and runs every detector. It
// returns an error only for an invalid address or unresolvable metadata;
// detector failures are listed in the result.
func (a *Analyzer) Analyze(ctx context.Context, raw string) (*evidence.AnalysisResult, error) {
	started := time.Now()
	defer a.opts.Metrics.Track()()

	addr, err := normalize.Address(raw)
	if err != nil {
		a.opts.Metrics.ObserveAnalysis("invalid_address", time.Since(started))
		return nil, err
	}

	runCtx := ctx
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	md, err := detect.ResolveMetadata(runCtx, a.prov, addr)
	if err != nil {
		a.opts.Metrics.ObserveAnalysis("metadata_error", time.Since(started))
		a.log.Warn("metadata_failed", "address", addr.Hex(), "error", err.Error())
		return nil, err
	}

	outcomes := a.run(runCtx, detect.NewTarget(addr, md, a.prov))
	res := evidence.NewResult(addr, md, outcomes, started, time.Since(started))

	outcome := "not_bridge_related"
	if res.BridgeRelated {
		outcome = "bridge_related"
	}
	a.opts.Metrics.ObserveAnalysis(outcome, res.Elapsed)
	for kind, n := range res.CountByKind() {
		a.opts.Metrics.AddEvidence(string(kind), n)
	}
	a.log.Info("analysis_done",
		"address", addr.Hex(),
		"symbol", md.Symbol,
		"bridge_related", res.BridgeRelated,
		"evidence", len(res.Evidence),
		"failures", len(res.Failures),
		"elapsed_ms", res.Elapsed.Milliseconds(),
	)
	a.publish(ctx, res)
	return res, nil
}

// run dispatches the detectors and collects one outcome per detector, in
// registration order. When ctx expires, detectors get AbandonGrace to return
// their partial evidence; any still running after that are recorded as timed
// out and left to finish in the background.
func (a *Analyzer) run(ctx context.Context, t *detect.Target) []evidence.Outcome {
	var (
		mu       sync.Mutex
		slots    = make([]evidence.Outcome, len(a.detectors))
		finished = make([]bool, len(a.detectors))
	)
	var g errgroup.Group
	if a.opts.Concurrency > 0 {
		g.SetLimit(a.opts.Concurrency)
	}
	allDone := make(chan struct{})
	go func() {
		defer close(allDone)
		for i, d := range a.detectors {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				start := time.Now()
				ev, err := d.Detect(ctx, t)
				o := evidence.Outcome{Detector: d.Name(), Evidence: ev, Err: err, Elapsed: time.Since(start)}
				a.opts.Metrics.ObserveDetector(o.Detector, o.Elapsed, string(evidence.Classify(err)))
				if err != nil {
					a.log.Warn("detector_failed", "detector", o.Detector, "address", t.Address.Hex(), "evidence", len(ev), "error", err.Error())
				}
				mu.Lock()
				slots[i] = o
				finished[i] = true
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		grace := time.NewTimer(a.opts.AbandonGrace)
		select {
		case <-allDone:
		case <-grace.C:
		}
		grace.Stop()
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]evidence.Outcome, len(a.detectors))
	for i, d := range a.detectors {
		if finished[i] {
			out[i] = slots[i]
			continue
		}
		out[i] = evidence.Outcome{
			Detector: d.Name(),
			Err:      fmt.Errorf("abandoned after deadline: %w", ctx.Err()),
		}
		a.opts.Metrics.ObserveDetector(d.Name(), 0, string(evidence.ReasonTimeout))
		a.log.Warn("detector_abandoned", "detector", d.Name(), "address", t.Address.Hex())
	}
	return out
}

// publish hands the result to every sink. Sinks get their own deadline so a
// result produced at the analysis deadline can still be written.
func (a *Analyzer) publish(ctx context.Context, res *evidence.AnalysisResult) {
	if len(a.opts.Sinks) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SinkTimeout)
	defer cancel()
	for _, s := range a.opts.Sinks {
		if err := s.Write(sctx, res); err != nil {
			a.opts.Metrics.SinkFailed(s.Name())
			a.log.Warn("sink_write_failed", "sink", s.Name(), "address", res.Address.Hex(), "error", err.Error())
		}
	}
}
