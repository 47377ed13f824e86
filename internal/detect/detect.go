// Package detect implements the independent bridge-signal detectors. Each
// detector reads an immutable Target and reports evidence; a detector may
// return evidence together with an error when it stopped part way.
package detect

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
)

const (
	NameMetadata   = "metadata"
	NameIdentity   = "identity"
	NameBytecode   = "bytecode"
	NameCapability = "capability"
	NameTransfers  = "transfers"
)

// Detector is one read-only analysis over a resolved token.
type Detector interface {
	Name() string
	Detect(ctx context.Context, t *Target) ([]evidence.Evidence, error)
}

// Target is the per-analysis input shared by all detectors. Runtime code is
// fetched at most once and shared between the detectors that need it.
type Target struct {
	Address  common.Address
	Metadata evidence.TokenMetadata
	Provider eth.Provider

	codeOnce sync.Once
	code     []byte
	codeErr  error
}

func NewTarget(addr common.Address, md evidence.TokenMetadata, p eth.Provider) *Target {
	return &Target{Address: addr, Metadata: md, Provider: p}
}

// Code returns the token's runtime bytecode. Concurrent callers wait for the
// first fetch; its result, error included, is reused.
func (t *Target) Code(ctx context.Context) ([]byte, error) {
	t.codeOnce.Do(func() {
		t.code, t.codeErr = t.Provider.GetCode(ctx, t.Address.Hex())
	})
	return t.code, t.codeErr
}
