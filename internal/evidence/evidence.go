// Package evidence holds the verdict data model shared by detectors, the
// aggregator and the boundary layers. Values are built once per analysis and
// are not mutated after they are returned.
package evidence

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind enumerates the evidence variants a detector can emit.
type Kind string

const (
	KindSpecialPrefix          Kind = "special_prefix"
	KindNativeCoinCollision    Kind = "native_coin_collision"
	KindKeywordMatch           Kind = "keyword_match"
	KindERC677Support          Kind = "erc677_support"
	KindProxyPattern           Kind = "proxy_pattern"
	KindMintEvent              Kind = "mint_event"
	KindBurnEvent              Kind = "burn_event"
	KindBridgeFunctionPresence Kind = "bridge_function_presence"
)

// Evidence is one explainable signal. TxHash and BlockNumber are set only
// when the signal came from a specific log entry.
type Evidence struct {
	Kind        Kind   `json:"kind"`
	Detector    string `json:"detector"`
	Detail      string `json:"detail"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
}

// TokenMetadata is resolved once per analysis and shared read-only.
type TokenMetadata struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// Outcome is the result of one detector invocation. Err == nil means success.
// A failed outcome may still carry the evidence gathered before the failure.
type Outcome struct {
	Detector string
	Evidence []Evidence
	Err      error
	Elapsed  time.Duration
}

// Failure is the user-visible record of a detector that did not complete.
type Failure struct {
	Detector string `json:"detector"`
	Reason   Reason `json:"reason"`
	Message  string `json:"message"`
}

// AnalysisResult is the merged verdict for one token.
type AnalysisResult struct {
	Address       common.Address `json:"-"`
	Metadata      TokenMetadata  `json:"metadata"`
	BridgeRelated bool           `json:"bridge_related"`
	Evidence      []Evidence     `json:"evidence"`
	Failures      []Failure      `json:"detector_failures"`
	StartedAt     time.Time      `json:"started_at"`
	Elapsed       time.Duration  `json:"-"`
}

// NewResult merges outcomes in the order given. BridgeRelated is derived from
// evidence presence only; failures never influence it.
func NewResult(addr common.Address, md TokenMetadata, outcomes []Outcome, started time.Time, elapsed time.Duration) *AnalysisResult {
	res := &AnalysisResult{
		Address:   addr,
		Metadata:  md,
		Evidence:  []Evidence{},
		Failures:  []Failure{},
		StartedAt: started,
		Elapsed:   elapsed,
	}
	for _, o := range outcomes {
		res.Evidence = append(res.Evidence, o.Evidence...)
		if o.Err != nil {
			res.Failures = append(res.Failures, Failure{
				Detector: o.Detector,
				Reason:   Classify(o.Err),
				Message:  o.Err.Error(),
			})
		}
	}
	res.BridgeRelated = len(res.Evidence) > 0
	return res
}

// Details renders the evidence as flat human-readable lines.
func (r *AnalysisResult) Details() []string {
	out := make([]string, 0, len(r.Evidence))
	for _, e := range r.Evidence {
		out = append(out, e.Detail)
	}
	return out
}

// CountByKind tallies evidence per kind.
func (r *AnalysisResult) CountByKind() map[Kind]int {
	out := make(map[Kind]int)
	for _, e := range r.Evidence {
		out[e.Kind]++
	}
	return out
}

func (r *AnalysisResult) String() string {
	return fmt.Sprintf("%s (%s/%s) bridge_related=%t evidence=%d failures=%d",
		r.Address.Hex(), r.Metadata.Name, r.Metadata.Symbol, r.BridgeRelated, len(r.Evidence), len(r.Failures))
}
