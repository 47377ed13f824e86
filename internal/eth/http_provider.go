package eth

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AIAleph/bridgeprobe/internal/evidence"
	"github.com/AIAleph/bridgeprobe/internal/logging"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer receives one callback per JSON-RPC method invocation, after
// retries have been exhausted or the call succeeded.
type Observer func(method string, elapsed time.Duration, err error)

// httpProvider is a minimal JSON-RPC client for Ethereum endpoints.
// Rate limiting and in-flight caps are left to RLProvider.
type httpProvider struct {
	endpoint    string
	providerLbl string
	hc          httpDoer
	maxRetries  int
	backoffBase time.Duration
	codeCache   *codeCache
	observe     Observer
}

// NewHTTPProvider constructs a JSON-RPC provider using the given http.Client (or a default one if nil).
func NewHTTPProvider(endpoint string, client *http.Client) (Provider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: want http(s)://host", deriveProviderLabel(endpoint))
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpProvider{
		endpoint:    endpoint,
		providerLbl: deriveProviderLabel(endpoint),
		hc:          client,
		maxRetries:  2,
		backoffBase: 100 * time.Millisecond,
		codeCache:   newCodeCache(defaultCodeCacheSize, defaultCodeCacheTTL),
	}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

// RPCError is a JSON-RPC error object returned with HTTP 200.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc %d: %s", e.Code, e.Message) }

// Reverted reports whether the node rejected an eth_call because the
// contract reverted (geth uses code 3; other clients only say so in text).
func (e *RPCError) Reverted() bool {
	if e.Code == 3 {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "revert")
}

// IsRevert reports whether err carries a reverted eth_call.
func IsRevert(err error) bool {
	var re *RPCError
	return errors.As(err, &re) && re.Reverted()
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int64           `json:"id"`
}

const (
	defaultCodeCacheSize = 512
	defaultCodeCacheTTL  = 10 * time.Minute
)

type codeCacheEntry struct {
	key       string
	code      []byte
	expiresAt time.Time
}

// codeCache is a small LRU with TTL for eth_getCode results. Runtime code
// rarely changes, but self-destruct and CREATE2 redeploys make a TTL necessary.
type codeCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]*list.Element
	ordered *list.List
}

func newCodeCache(max int, ttl time.Duration) *codeCache {
	if max <= 0 {
		max = defaultCodeCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCodeCacheTTL
	}
	return &codeCache{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]*list.Element, max),
		ordered: list.New(),
	}
}

func (c *codeCache) get(addr string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[addr]; ok {
		e := el.Value.(*codeCacheEntry)
		if !now.Before(e.expiresAt) {
			c.removeElement(el)
			return nil, false
		}
		c.ordered.MoveToFront(el)
		return e.code, true
	}
	return nil, false
}

func (c *codeCache) add(addr string, code []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[addr]; ok {
		e := el.Value.(*codeCacheEntry)
		e.code = code
		e.expiresAt = now.Add(c.ttl)
		c.ordered.MoveToFront(el)
		return
	}
	entry := &codeCacheEntry{key: addr, code: code, expiresAt: now.Add(c.ttl)}
	el := c.ordered.PushFront(entry)
	c.entries[addr] = el
	c.evict(now)
}

func (c *codeCache) evict(now time.Time) {
	for el := c.ordered.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*codeCacheEntry)
		if now.Before(e.expiresAt) {
			break
		}
		c.removeElement(el)
		el = prev
	}
	for c.ordered.Len() > c.max {
		c.removeElement(c.ordered.Back())
	}
}

func (c *codeCache) removeElement(el *list.Element) {
	entry := el.Value.(*codeCacheEntry)
	delete(c.entries, entry.key)
	c.ordered.Remove(el)
}

func deriveProviderLabel(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil {
		u.User = nil
		if u.Host != "" {
			return u.Host
		}
		if u.Scheme == "" {
			return endpoint
		}
		return u.String()
	}
	return endpoint
}

func (p *httpProvider) call(ctx context.Context, method string, params interface{}, out interface{}) (err error) {
	start := time.Now()
	attempts := p.maxRetries + 1
	defer func() {
		if p.observe != nil {
			p.observe(method, time.Since(start), err)
		}
		if err != nil && ctx.Err() == nil {
			logging.Logger().Debug("rpc_call_failed",
				"component", "eth.http_provider",
				"provider", p.providerLbl,
				"method", method,
				"attempts", attempts,
				"error", err.Error(),
			)
		}
	}()
	reqBody, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.hc.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%s: %w", method, ctxErr)
			}
			lastErr = err
		} else {
			var rpcErr *RPCError
			func() {
				defer func() {
					_ = resp.Body.Close()
				}()
				if resp.StatusCode/100 != 2 {
					b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
					lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
					return
				}
				var rr rpcResponse
				if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
					lastErr = fmt.Errorf("%w: %s response: %v", evidence.ErrDecode, method, err)
					return
				}
				if rr.Error != nil {
					rpcErr = rr.Error
					lastErr = rr.Error
					return
				}
				if out == nil {
					lastErr = nil
					return
				}
				if err := json.Unmarshal(rr.Result, out); err != nil {
					lastErr = fmt.Errorf("%w: %s result: %v", evidence.ErrDecode, method, err)
					return
				}
				lastErr = nil
			}()
			if lastErr == nil {
				return nil
			}
			// JSON-RPC errors are final; only 5xx and 429 are retried.
			if rpcErr != nil {
				return lastErr
			}
			if sc := resp.StatusCode; sc/100 == 2 || (sc != http.StatusTooManyRequests && sc < 500) {
				return lastErr
			}
		}
		if attempt < attempts-1 {
			d := p.backoffBase * (1 << attempt)
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%s: %w", method, ctx.Err())
			case <-t.C:
			}
		}
	}
	return lastErr
}

// hexToUint64 parses an Ethereum hex quantity (e.g., "0x2a") into uint64.
func hexToUint64(s string) (uint64, error) {
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid hex quantity %q", evidence.ErrDecode, s)
	}
	return v, nil
}

func toHex(n uint64) string { return hexutil.EncodeUint64(n) }

func (p *httpProvider) BlockNumber(ctx context.Context) (uint64, error) {
	var res string
	if err := p.call(ctx, "eth_blockNumber", []interface{}{}, &res); err != nil {
		return 0, err
	}
	return hexToUint64(res)
}

// GetCode fetches runtime bytecode. Non-empty results are cached per address.
func (p *httpProvider) GetCode(ctx context.Context, address string) ([]byte, error) {
	key := strings.ToLower(address)
	if p.codeCache != nil {
		if code, ok := p.codeCache.get(key, time.Now()); ok {
			return code, nil
		}
	}
	var res string
	if err := p.call(ctx, "eth_getCode", []interface{}{address, "latest"}, &res); err != nil {
		return nil, err
	}
	code, err := hexutil.Decode(res)
	if err != nil {
		return nil, fmt.Errorf("%w: eth_getCode: %v", evidence.ErrDecode, err)
	}
	if p.codeCache != nil && len(code) > 0 {
		p.codeCache.add(key, code, time.Now())
	}
	return code, nil
}

// Call performs eth_call at the latest block.
func (p *httpProvider) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	msg := map[string]interface{}{
		"to":   to,
		"data": hexutil.Encode(data),
	}
	var res string
	if err := p.call(ctx, "eth_call", []interface{}{msg, "latest"}, &res); err != nil {
		return nil, err
	}
	out, err := hexutil.Decode(res)
	if err != nil {
		return nil, fmt.Errorf("%w: eth_call: %v", evidence.ErrDecode, err)
	}
	return out, nil
}

type rpcLog struct {
	TxHash      string   `json:"transactionHash"`
	LogIndexHex string   `json:"logIndex"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockHex    string   `json:"blockNumber"`
	Removed     bool     `json:"removed"`
}

// GetLogs implements a minimal eth_getLogs call. Removed (reorged) logs are dropped.
func (p *httpProvider) GetLogs(ctx context.Context, address string, from, to uint64, topics [][]string) ([]Log, error) {
	// Build topics param: each position may be null, string, or array of strings.
	var topicsParam []interface{}
	for _, group := range topics {
		if len(group) == 0 {
			topicsParam = append(topicsParam, nil)
			continue
		}
		if len(group) == 1 {
			topicsParam = append(topicsParam, group[0])
			continue
		}
		arr := make([]string, len(group))
		copy(arr, group)
		topicsParam = append(topicsParam, arr)
	}
	params := []interface{}{
		map[string]interface{}{
			"address":   address,
			"fromBlock": toHex(from),
			"toBlock":   toHex(to),
			"topics":    topicsParam,
		},
	}
	var raw []rpcLog
	if err := p.call(ctx, "eth_getLogs", params, &raw); err != nil {
		return nil, err
	}
	out := make([]Log, 0, len(raw))
	for _, l := range raw {
		if l.Removed {
			continue
		}
		blk, err := hexToUint64(l.BlockHex)
		if err != nil {
			return nil, fmt.Errorf("log %s block: %w", l.TxHash, err)
		}
		idx, _ := hexToUint64(l.LogIndexHex)
		out = append(out, Log{
			TxHash:   l.TxHash,
			Index:    uint32(idx),
			Address:  l.Address,
			Topics:   l.Topics,
			DataHex:  l.Data,
			BlockNum: blk,
		})
	}
	return out, nil
}
