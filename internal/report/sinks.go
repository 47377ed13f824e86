package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/AIAleph/bridgeprobe/internal/analyze"
	"github.com/AIAleph/bridgeprobe/internal/config"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
	"github.com/AIAleph/bridgeprobe/pkg/ch"
)

// JSONLSink appends one Document per line to a file.
type JSONLSink struct {
	path string
	mu   sync.Mutex
}

func NewJSONLSink(path string) *JSONLSink { return &JSONLSink{path: path} }

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) Write(_ context.Context, res *evidence.AnalysisResult) error {
	line, err := json.Marshal(NewDocument(res))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// DefaultTable receives one row per analysis.
const DefaultTable = "token_analyses"

// Row is the ClickHouse shape of a result.
type Row struct {
	Address       string   `json:"address"`
	TokenName     string   `json:"token_name"`
	TokenSymbol   string   `json:"token_symbol"`
	BridgeRelated uint8    `json:"bridge_related"`
	EvidenceKinds []string `json:"evidence_kinds"`
	Details       []string `json:"details"`
	Failures      []string `json:"failures"`
	StartedAt     string   `json:"started_at"`
	ElapsedMs     int64    `json:"elapsed_ms"`
}

func NewRow(res *evidence.AnalysisResult) Row {
	r := Row{
		Address:       res.Address.Hex(),
		TokenName:     res.Metadata.Name,
		TokenSymbol:   res.Metadata.Symbol,
		EvidenceKinds: make([]string, 0, len(res.Evidence)),
		Details:       res.Details(),
		Failures:      make([]string, 0, len(res.Failures)),
		StartedAt:     res.StartedAt.UTC().Format("2006-01-02 15:04:05.000"),
		ElapsedMs:     res.Elapsed.Milliseconds(),
	}
	if res.BridgeRelated {
		r.BridgeRelated = 1
	}
	for _, e := range res.Evidence {
		r.EvidenceKinds = append(r.EvidenceKinds, string(e.Kind))
	}
	for _, f := range res.Failures {
		r.Failures = append(r.Failures, fmt.Sprintf("%s:%s", f.Detector, f.Reason))
	}
	return r
}

// ClickHouseSink inserts one Row per result.
type ClickHouseSink struct {
	client *ch.Client
	table  string
}

func NewClickHouseSink(c *ch.Client, table string) *ClickHouseSink {
	if table == "" {
		table = DefaultTable
	}
	return &ClickHouseSink{client: c, table: ch.SanitizeIdent(table)}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// EnsureTable creates the table when missing.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return s.client.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	address String,
	token_name String,
	token_symbol String,
	bridge_related UInt8,
	evidence_kinds Array(LowCardinality(String)),
	details Array(String),
	failures Array(String),
	started_at DateTime64(3, 'UTC'),
	elapsed_ms Int64
) ENGINE = MergeTree ORDER BY (address, started_at)`, s.table))
}

func (s *ClickHouseSink) Write(ctx context.Context, res *evidence.AnalysisResult) error {
	return s.client.InsertJSONEachRow(ctx, s.table, []any{NewRow(res)})
}

// FromConfig builds the sinks enabled in cfg: the JSON-lines file when
// REPORT_FILE is set and ClickHouse when a DSN is configured. The ClickHouse
// table is created on first use.
func FromConfig(ctx context.Context, cfg config.Config) ([]analyze.Sink, error) {
	var sinks []analyze.Sink
	if cfg.ReportFile != "" {
		sinks = append(sinks, NewJSONLSink(cfg.ReportFile))
	}
	if cfg.ClickHouseDSN != "" {
		c, err := ch.New(cfg.ClickHouseDSN)
		if err != nil {
			return nil, fmt.Errorf("clickhouse sink %s: %w", config.RedactDSN(cfg.ClickHouseDSN), err)
		}
		s := NewClickHouseSink(c, DefaultTable)
		if err := s.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("clickhouse sink %s: %w", config.RedactDSN(cfg.ClickHouseDSN), err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
