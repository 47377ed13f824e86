package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/AIAleph/bridgeprobe/internal/config"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
)

// Identity classifies a token by its name and symbol alone. Every rule runs
// and every match is reported.
type Identity struct {
	prefixes   []string
	natives    []string
	keywords   []string
	homeNative string
}

func NewIdentity(h config.Heuristics) *Identity {
	d := &Identity{homeNative: strings.ToUpper(h.HomeNative)}
	for _, p := range h.SpecialPrefixes {
		d.prefixes = append(d.prefixes, strings.ToLower(p))
	}
	for _, n := range h.NativeCoins {
		if up := strings.ToUpper(n); up != d.homeNative {
			d.natives = append(d.natives, up)
		}
	}
	for _, k := range h.BridgeKeywords {
		d.keywords = append(d.keywords, strings.ToLower(k))
	}
	return d
}

func (d *Identity) Name() string { return NameIdentity }

func (d *Identity) Detect(_ context.Context, t *Target) ([]evidence.Evidence, error) {
	return d.Classify(t.Metadata), nil
}

// Classify is pure and never fails.
func (d *Identity) Classify(md evidence.TokenMetadata) []evidence.Evidence {
	name, symbol := strings.ToLower(md.Name), strings.ToLower(md.Symbol)
	var out []evidence.Evidence
	for _, p := range d.prefixes {
		if strings.HasPrefix(name, p) || strings.HasPrefix(symbol, p) {
			out = append(out, evidence.Evidence{
				Kind:     evidence.KindSpecialPrefix,
				Detector: NameIdentity,
				Detail:   fmt.Sprintf("Token has special prefix: %s", p),
			})
		}
	}
	upName, upSymbol := strings.ToUpper(md.Name), strings.ToUpper(md.Symbol)
	for _, n := range d.natives {
		if upName == n || upSymbol == n {
			out = append(out, evidence.Evidence{
				Kind:     evidence.KindNativeCoinCollision,
				Detector: NameIdentity,
				Detail:   fmt.Sprintf("Token name or symbol matches another chain's native coin: %s", n),
			})
		}
	}
	for _, k := range d.keywords {
		if strings.Contains(name, k) || strings.Contains(symbol, k) {
			out = append(out, evidence.Evidence{
				Kind:     evidence.KindKeywordMatch,
				Detector: NameIdentity,
				Detail:   fmt.Sprintf("Token name or symbol contains bridge keyword: %s", k),
			})
		}
	}
	return out
}
