package detect

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AIAleph/bridgeprobe/internal/evidence"
)

// eip1167Preamble is matched against the hex encoding at any nibble offset.
const eip1167Preamble = "363d3d373d3d3d363d73"

var (
	// EIP-1167 runtime: 363d3d373d3d3d363d73<20-byte-addr>5af43d82803e903d91602b57fd5bf3
	eip1167Prefix = []byte{0x36, 0x3d, 0x3d, 0x37, 0x3d, 0x3d, 0x3d, 0x36, 0x3d, 0x73}
	eip1167Suffix = []byte{0x5a, 0xf4, 0x3d, 0x82, 0x80, 0x3e, 0x90, 0x3d, 0x91, 0x60, 0x2b, 0x57, 0xfd, 0x5b, 0xf3}

	// Variant: 3d3d3d3d363d3d37363d73<20-byte-addr>5af43d3d93803e602a57fd5bf3
	eip1167VariantPrefix = []byte{0x3d, 0x3d, 0x3d, 0x3d, 0x36, 0x3d, 0x3d, 0x37, 0x36, 0x3d, 0x73}
	eip1167VariantSuffix = []byte{0x5a, 0xf4, 0x3d, 0x3d, 0x93, 0x80, 0x3e, 0x60, 0x2a, 0x57, 0xfd, 0x5b, 0xf3}
)

// MinimalProxyTarget returns the implementation address when code is exactly
// an EIP-1167 clone runtime (standard or the 44-byte variant).
func MinimalProxyTarget(code []byte) (common.Address, bool) {
	if len(code) == 45 && bytes.HasPrefix(code, eip1167Prefix) && bytes.HasSuffix(code, eip1167Suffix) {
		return common.BytesToAddress(code[10:30]), true
	}
	if len(code) == 44 && bytes.HasPrefix(code, eip1167VariantPrefix) && bytes.HasSuffix(code, eip1167VariantSuffix) {
		return common.BytesToAddress(code[11:31]), true
	}
	return common.Address{}, false
}

// Bytecode flags the EIP-1167 delegation preamble anywhere in runtime code.
type Bytecode struct{}

func NewBytecode() *Bytecode { return &Bytecode{} }

func (d *Bytecode) Name() string { return NameBytecode }

func (d *Bytecode) Detect(ctx context.Context, t *Target) ([]evidence.Evidence, error) {
	code, err := t.Code(ctx)
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	return MatchBytecode(code), nil
}

// MatchBytecode is the pure half of the detector.
func MatchBytecode(code []byte) []evidence.Evidence {
	if !strings.Contains(hex.EncodeToString(code), eip1167Preamble) {
		return nil
	}
	detail := "Bytecode contains EIP-1167 minimal proxy pattern"
	if impl, ok := MinimalProxyTarget(code); ok {
		detail = fmt.Sprintf("%s (implementation %s)", detail, impl.Hex())
	}
	return []evidence.Evidence{{
		Kind:     evidence.KindProxyPattern,
		Detector: NameBytecode,
		Detail:   detail,
	}}
}
