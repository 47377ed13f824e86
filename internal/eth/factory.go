package eth

import (
	"net/http"
	"strings"
	"time"
)

// Options tunes the gateway returned by NewProvider. A negative Retries keeps
// the default of 2; zero Backoff keeps 100ms; zero RateLimit and MaxInflight
// mean unlimited.
type Options struct {
	RateLimit   int
	MaxInflight int
	Retries     int
	Backoff     time.Duration
	Client      *http.Client
	Observer    Observer
}

// NewProvider constructs the JSON-RPC gateway for endpoint and wraps it with
// the rate limiter and in-flight cap. Validation is centralized in
// NewHTTPProvider (after trimming whitespace).
func NewProvider(endpoint string, opts Options) (Provider, error) {
	base, err := NewHTTPProvider(strings.TrimSpace(endpoint), opts.Client)
	if err != nil {
		return nil, err
	}
	if hp, ok := base.(*httpProvider); ok {
		if opts.Retries >= 0 {
			hp.maxRetries = opts.Retries
		}
		if opts.Backoff > 0 {
			hp.backoffBase = opts.Backoff
		}
		hp.observe = opts.Observer
	}
	return WrapWithQueue(base, NewLimiter(opts.RateLimit), opts.MaxInflight), nil
}
