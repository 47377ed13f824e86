package detect

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
)

var tokenAddr = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")

// fakeProvider serves canned chain state keyed by lowercase address and
// selector. Unset entries behave like an empty account.
type fakeProvider struct {
	mu       sync.Mutex
	head     uint64
	headErr  error
	code     map[string][]byte
	codeErr  error
	calls    map[string][]byte
	callErr  map[string]error
	logsFn   func(ctx context.Context, from, to uint64) ([]eth.Log, error)
	codeHits map[string]int
	ranges   [][2]uint64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		code:     map[string][]byte{},
		calls:    map[string][]byte{},
		callErr:  map[string]error{},
		codeHits: map[string]int{},
	}
}

func (f *fakeProvider) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.head, f.headErr
}

func (f *fakeProvider) GetCode(ctx context.Context, address string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(address)
	f.codeHits[key]++
	if f.codeErr != nil {
		return nil, f.codeErr
	}
	return f.code[key], nil
}

func (f *fakeProvider) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	sel := hex.EncodeToString(data[:4])
	if err := f.callErr[sel]; err != nil {
		return nil, err
	}
	return f.calls[sel], nil
}

func (f *fakeProvider) GetLogs(ctx context.Context, address string, from, to uint64, topics [][]string) ([]eth.Log, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, [2]uint64{from, to})
	f.mu.Unlock()
	if f.logsFn == nil {
		return nil, nil
	}
	return f.logsFn(ctx, from, to)
}

func (f *fakeProvider) setCode(addr common.Address, code []byte) {
	f.code[strings.ToLower(addr.Hex())] = code
}

func (f *fakeProvider) codeCalls(addr common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codeHits[strings.ToLower(addr.Hex())]
}

func (f *fakeProvider) seenRanges() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.ranges...)
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		panic(err)
	}
	return b
}

func kinds(ev []evidence.Evidence) []evidence.Kind {
	out := make([]evidence.Kind, 0, len(ev))
	for _, e := range ev {
		out = append(out, e.Kind)
	}
	return out
}

var errNetwork = errors.New("connection reset by peer")
