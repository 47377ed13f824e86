// Package report renders analysis results for people and machines and
// implements the result sinks.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AIAleph/bridgeprobe/internal/evidence"
)

// Document is the flat wire form of a result, shared by the HTTP API, the
// CLI's --json output and the JSON-lines sink.
type Document struct {
	Address          string              `json:"address"`
	TokenName        string              `json:"token_name"`
	TokenSymbol      string              `json:"token_symbol"`
	BridgeRelated    bool                `json:"bridge_related"`
	Details          []string            `json:"details"`
	Evidence         []evidence.Evidence `json:"evidence"`
	DetectorFailures []evidence.Failure  `json:"detector_failures"`
	StartedAt        time.Time           `json:"started_at"`
	ElapsedMs        int64               `json:"elapsed_ms"`
}

func NewDocument(res *evidence.AnalysisResult) Document {
	return Document{
		Address:          res.Address.Hex(),
		TokenName:        res.Metadata.Name,
		TokenSymbol:      res.Metadata.Symbol,
		BridgeRelated:    res.BridgeRelated,
		Details:          res.Details(),
		Evidence:         res.Evidence,
		DetectorFailures: res.Failures,
		StartedAt:        res.StartedAt.UTC(),
		ElapsedMs:        res.Elapsed.Milliseconds(),
	}
}

// RenderText writes the human-readable report printed by the CLI.
func RenderText(w io.Writer, res *evidence.AnalysisResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Token Name: %s, Token Symbol: %s\n", res.Metadata.Name, res.Metadata.Symbol)
	fmt.Fprintf(&b, "Address: %s\n", res.Address.Hex())
	for _, e := range res.Evidence {
		fmt.Fprintf(&b, "  - [%s] %s\n", e.Kind, e.Detail)
	}
	if len(res.Failures) > 0 {
		b.WriteString("Incomplete checks:\n")
		for _, f := range res.Failures {
			fmt.Fprintf(&b, "  ! %s (%s): %s\n", f.Detector, f.Reason, f.Message)
		}
	}
	if res.BridgeRelated {
		fmt.Fprintf(&b, "Token %s may be bridge related.\n", res.Address.Hex())
	} else {
		fmt.Fprintf(&b, "Token %s shows no clear sign of being bridge related.\n", res.Address.Hex())
	}
	_, err := io.WriteString(w, b.String())
	return err
}
