// Package api serves token analyses over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AIAleph/bridgeprobe/internal/analyze"
	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
	"github.com/AIAleph/bridgeprobe/internal/logging"
	"github.com/AIAleph/bridgeprobe/internal/normalize"
	"github.com/AIAleph/bridgeprobe/internal/report"
)

const (
	maxBodyBytes      = 64 << 10
	maxCachedGateways = 32
)

// ProviderFactory builds the gateway for a caller-supplied rpc_url.
type ProviderFactory func(rpcURL string) (eth.Provider, error)

// Config for the API server
type Config struct {
	Addr            string
	Version         string
	AllowedRPCHosts []string // lowercase hostnames; empty allows any
	WriteTimeout    time.Duration
	Gatherer        prometheus.Gatherer // nil uses the default registry
}

type Server struct {
	config    Config
	analyzer  *analyze.Analyzer
	providers ProviderFactory
	router    *mux.Router
	log       *slog.Logger

	gwMu     sync.Mutex
	gateways map[string]eth.Provider
}

// NewServer wires the routes. The analyzer's own provider is ignored; each
// request is bound to the gateway for its rpc_url.
func NewServer(cfg Config, a *analyze.Analyzer, pf ProviderFactory) *Server {
	s := &Server{
		config:    cfg,
		analyzer:  a,
		providers: pf,
		router:    mux.NewRouter(),
		log:       logging.Component("api"),
		gateways:  make(map[string]eth.Provider),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost, http.MethodOptions)

	gatherer := s.config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS handling.
func (s *Server) Handler() http.Handler { return corsMiddleware(s.router) }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 90 * time.Second
	}
	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http_listen", "addr", s.config.Addr)
		errc <- server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type analyzeRequest struct {
	RPCURL       string `json:"rpc_url"`
	TokenAddress string `json:"token_address"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.config.Version})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.RPCURL = strings.TrimSpace(req.RPCURL)
	req.TokenAddress = strings.TrimSpace(req.TokenAddress)
	if req.RPCURL == "" || req.TokenAddress == "" {
		writeError(w, http.StatusBadRequest, "Missing rpc_url or token_address")
		return
	}
	if _, err := normalize.Address(req.TokenAddress); err != nil {
		writeError(w, http.StatusOK, "Invalid token address")
		return
	}
	if !s.hostAllowed(req.RPCURL) {
		writeError(w, http.StatusForbidden, "rpc_url host not allowed")
		return
	}
	prov, err := s.gateway(req.RPCURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rpc_url")
		return
	}

	res, err := s.analyzer.WithProvider(prov).Analyze(r.Context(), req.TokenAddress)
	switch {
	case errors.Is(err, evidence.ErrInvalidAddress):
		writeError(w, http.StatusOK, "Invalid token address")
	case errors.Is(err, evidence.ErrMetadata):
		writeError(w, http.StatusOK, "Cannot fetch token info")
	case err != nil:
		s.log.Error("analyze_failed", "address", req.TokenAddress, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "Analysis failed")
	default:
		writeJSON(w, http.StatusOK, report.NewDocument(res))
	}
}

func (s *Server) hostAllowed(rawURL string) bool {
	if len(s.config.AllowedRPCHosts) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range s.config.AllowedRPCHosts {
		if host == h {
			return true
		}
	}
	return false
}

// gateway reuses one provider per rpc_url so the rate limiter and code
// cache span requests. The cache is dropped wholesale when full.
func (s *Server) gateway(rpcURL string) (eth.Provider, error) {
	s.gwMu.Lock()
	defer s.gwMu.Unlock()
	if p, ok := s.gateways[rpcURL]; ok {
		return p, nil
	}
	p, err := s.providers(rpcURL)
	if err != nil {
		return nil, err
	}
	if len(s.gateways) >= maxCachedGateways {
		clear(s.gateways)
	}
	s.gateways[rpcURL] = p
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
