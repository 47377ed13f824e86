package detect

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/AIAleph/bridgeprobe/internal/config"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
	"github.com/AIAleph/bridgeprobe/internal/normalize"
)

type selector [4]byte

type namedSelector struct {
	sig string
	sel selector
}

// Capability looks for function selectors in the deployed dispatcher. It
// never calls the functions it looks for.
type Capability struct {
	erc677      selector
	erc677Label string
	bridge      []namedSelector
}

// NewCapability hashes the configured bridge function signatures.
func NewCapability(h config.Heuristics) (*Capability, error) {
	erc677, err := parseSelector(normalize.SelectorTransferAndCall())
	if err != nil {
		return nil, err
	}
	label := normalize.SelectorTransferAndCall()
	if name, ok := normalize.SelectorName(label); ok {
		label = fmt.Sprintf("%s (%s)", name, label)
	}
	d := &Capability{erc677: erc677, erc677Label: label}
	for _, sig := range h.BridgeFunctions {
		sel, err := parseSelector(normalize.FunctionSelector(sig))
		if err != nil {
			return nil, fmt.Errorf("bridge function %q: %w", sig, err)
		}
		d.bridge = append(d.bridge, namedSelector{sig: sig, sel: sel})
	}
	return d, nil
}

func parseSelector(s string) (selector, error) {
	var out selector
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 4 {
		return out, fmt.Errorf("invalid selector %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func (d *Capability) Name() string { return NameCapability }

func (d *Capability) Detect(ctx context.Context, t *Target) ([]evidence.Evidence, error) {
	code, err := t.Code(ctx)
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	// Clones carry no dispatcher of their own; probe the implementation.
	if impl, ok := MinimalProxyTarget(code); ok {
		code, err = t.Provider.GetCode(ctx, impl.Hex())
		if err != nil {
			return nil, fmt.Errorf("get implementation code %s: %w", impl.Hex(), err)
		}
	}
	return d.Match(code), nil
}

// Match reports ERC-677 support first, then bridge functions in configured order.
func (d *Capability) Match(code []byte) []evidence.Evidence {
	present := PushedSelectors(code)
	var out []evidence.Evidence
	if _, ok := present[d.erc677]; ok {
		out = append(out, evidence.Evidence{
			Kind:     evidence.KindERC677Support,
			Detector: NameCapability,
			Detail:   fmt.Sprintf("Contract implements ERC-677 %s", d.erc677Label),
		})
	}
	for _, fn := range d.bridge {
		if _, ok := present[fn.sel]; ok {
			out = append(out, evidence.Evidence{
				Kind:     evidence.KindBridgeFunctionPresence,
				Detector: NameCapability,
				Detail:   fmt.Sprintf("Contract has bridge-related function: %s", fn.sig),
			})
		}
	}
	return out
}

// PushedSelectors walks the opcodes and collects PUSH1..PUSH4 operands,
// left-padded to four bytes. Compilers embed dispatcher selectors this way,
// trimming leading zero bytes. Operands of wider pushes are skipped whole.
func PushedSelectors(code []byte) map[selector]struct{} {
	out := make(map[selector]struct{})
	for pc := 0; pc < len(code); pc++ {
		op := code[pc]
		if op < 0x60 || op > 0x7f {
			continue
		}
		n := int(op - 0x5f)
		if pc+1+n > len(code) {
			break
		}
		if n <= 4 {
			var sel selector
			copy(sel[4-n:], code[pc+1:pc+1+n])
			out[sel] = struct{}{}
		}
		pc += n
	}
	return out
}
