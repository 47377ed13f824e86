package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRPCURL   = "https://ethereum-rpc.publicnode.com"
	DefaultHTTPAddr = ":5000"

	maxRateLimit           = 200
	minRateLimit           = 0
	maxInflightCap         = 64
	minInflightCap         = 1
	maxHTTPRetries         = 10
	minHTTPRetries         = 0
	minAnalysisTimeout     = time.Second
	maxAnalysisTimeout     = 30 * time.Minute
	maxAbandonGrace        = 10 * time.Second
	minDetectorConcurrency = 1
	maxDetectorConcurrency = 16
	minChunkBlocks         = 1
	maxChunkBlocks         = 100000
	maxEventEvidenceCap    = 10000
)

// Config holds 12-factor environment configuration used across binaries.
type Config struct {
	ProviderURL         string
	RateLimit           int
	MaxInflight         int
	HTTPRetries         int
	HTTPBackoffBase     time.Duration
	AnalysisTimeout     time.Duration
	AbandonGrace        time.Duration
	DetectorConcurrency int
	LogChunkBlocks      uint64
	LogMinChunkBlocks   uint64
	ScanFromBlock       uint64
	MaxEventEvidence    int
	HeuristicsFile      string
	HTTPAddr            string
	AllowedRPCHosts     []string
	ReportFile          string
	ClickHouseDSN       string
	LogLevel            string
	LogFormat           string
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func parseUintEnv(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.ParseUint(v, 10, 64); err == nil {
		return i
	}
	return def
}

func parseDurEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func parseListEnv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampUint(v, min, max uint64) uint64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// BuildClickHouseDSN assembles a ClickHouse DSN from individual env vars if provided.
// Prefers CLICKHOUSE_DSN if set; otherwise tries CLICKHOUSE_URL/DB/USER/PASS.
func BuildClickHouseDSN() string {
	if dsn := env("CLICKHOUSE_DSN", ""); dsn != "" {
		return dsn
	}
	base := env("CLICKHOUSE_URL", "") // e.g., http://localhost:8123
	db := env("CLICKHOUSE_DB", "")
	user := env("CLICKHOUSE_USER", "")
	pass := env("CLICKHOUSE_PASS", "")
	if base == "" || db == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err == nil {
		if user != "" {
			if pass != "" {
				u.User = url.UserPassword(user, pass)
			} else {
				u.User = url.User(user)
			}
		}
		// Normalize path and append db only when missing
		p := strings.TrimRight(u.Path, "/")
		switch {
		case p == "":
			u.Path = "/" + db
		case strings.HasSuffix(p, "/"+db):
			u.Path = p
		default:
			u.Path = p + "/" + db
		}
		return u.String()
	}
	// Fallback for unparsable base URL
	base = strings.TrimRight(base, "/")
	return base + "/" + db
}

// RedactDSN hides credentials in DSN-like URLs to avoid logging secrets.
// RPC endpoints go through it as well since many carry API keys as userinfo.
func RedactDSN(s string) string {
	if s == "" {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.User != nil {
		name := u.User.Username()
		if name != "" {
			u.User = url.UserPassword(name, "***")
		} else {
			u.User = url.User("***")
		}
		return u.String()
	}
	// Best-effort fallback when url.Parse fails or does not see user info.
	if i := strings.Index(s, "//"); i >= 0 {
		j := strings.Index(s[i+2:], "@")
		if j > 0 {
			prefix := s[:i+2]
			creds := s[i+2 : i+2+j]
			if strings.Contains(creds, ":") {
				user := strings.SplitN(creds, ":", 2)[0]
				return prefix + user + ":***@" + s[i+2+j+1:]
			}
		}
	}
	return s
}

// Load reads environment variables and returns a Config with defaults applied.
func Load() Config {
	chunk := clampUint(parseUintEnv("LOG_CHUNK_BLOCKS", 5000), minChunkBlocks, maxChunkBlocks)
	minChunk := clampUint(parseUintEnv("LOG_MIN_CHUNK_BLOCKS", 10), minChunkBlocks, chunk)
	return Config{
		ProviderURL:         strings.TrimSpace(env("RPC_URL", DefaultRPCURL)),
		RateLimit:           clampInt(parseIntEnv("RATE_LIMIT", 0), minRateLimit, maxRateLimit),
		MaxInflight:         clampInt(parseIntEnv("MAX_INFLIGHT", 4), minInflightCap, maxInflightCap),
		HTTPRetries:         clampInt(parseIntEnv("HTTP_RETRIES", 0), minHTTPRetries, maxHTTPRetries),
		HTTPBackoffBase:     parseDurEnv("HTTP_BACKOFF_BASE", 100*time.Millisecond),
		AnalysisTimeout:     clampDuration(parseDurEnv("ANALYSIS_TIMEOUT", 60*time.Second), minAnalysisTimeout, maxAnalysisTimeout),
		AbandonGrace:        clampDuration(parseDurEnv("ABANDON_GRACE", 250*time.Millisecond), 0, maxAbandonGrace),
		DetectorConcurrency: clampInt(parseIntEnv("DETECTOR_CONCURRENCY", 4), minDetectorConcurrency, maxDetectorConcurrency),
		LogChunkBlocks:      chunk,
		LogMinChunkBlocks:   minChunk,
		ScanFromBlock:       parseUintEnv("SCAN_FROM_BLOCK", 0),
		MaxEventEvidence:    clampInt(parseIntEnv("MAX_EVENT_EVIDENCE", 0), 0, maxEventEvidenceCap),
		HeuristicsFile:      env("HEURISTICS_FILE", ""),
		HTTPAddr:            env("HTTP_ADDR", DefaultHTTPAddr),
		AllowedRPCHosts:     parseListEnv("ALLOWED_RPC_HOSTS"),
		ReportFile:          env("REPORT_FILE", ""),
		ClickHouseDSN:       BuildClickHouseDSN(),
		LogLevel:            env("LOG_LEVEL", "info"),
		LogFormat:           env("LOG_FORMAT", "json"),
	}
}
