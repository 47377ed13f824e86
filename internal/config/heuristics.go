package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed heuristics.yaml
var defaultHeuristicsYAML []byte

// Heuristics holds the vocabularies used by the identity classifier and the
// capability probe. Lists are normalized on load: trimmed, deduplicated
// case-insensitively, first occurrence wins.
type Heuristics struct {
	SpecialPrefixes []string `yaml:"special_prefixes"`
	NativeCoins     []string `yaml:"native_coins"`
	HomeNative      string   `yaml:"home_native"`
	BridgeKeywords  []string `yaml:"bridge_keywords"`
	BridgeFunctions []string `yaml:"bridge_functions"`
}

// DefaultHeuristics returns the embedded vocabularies.
func DefaultHeuristics() Heuristics {
	var h Heuristics
	if err := yaml.Unmarshal(defaultHeuristicsYAML, &h); err != nil {
		panic(fmt.Sprintf("config: embedded heuristics: %v", err))
	}
	h.normalize()
	return h
}

// LoadHeuristics returns the embedded defaults, overlaid with the lists set in
// the YAML file at path. An empty path returns the defaults unchanged.
func LoadHeuristics(path string) (Heuristics, error) {
	h := DefaultHeuristics()
	path = strings.TrimSpace(path)
	if path == "" {
		return h, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Heuristics{}, fmt.Errorf("read heuristics %s: %w", path, err)
	}
	var override Heuristics
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Heuristics{}, fmt.Errorf("parse heuristics %s: %w", path, err)
	}
	if override.SpecialPrefixes != nil {
		h.SpecialPrefixes = override.SpecialPrefixes
	}
	if override.NativeCoins != nil {
		h.NativeCoins = override.NativeCoins
	}
	if override.HomeNative != "" {
		h.HomeNative = override.HomeNative
	}
	if override.BridgeKeywords != nil {
		h.BridgeKeywords = override.BridgeKeywords
	}
	if override.BridgeFunctions != nil {
		h.BridgeFunctions = override.BridgeFunctions
	}
	h.normalize()
	if err := h.Validate(); err != nil {
		return Heuristics{}, fmt.Errorf("heuristics %s: %w", path, err)
	}
	return h, nil
}

// Validate rejects function signatures that cannot be hashed into selectors.
func (h Heuristics) Validate() error {
	for _, sig := range h.BridgeFunctions {
		open := strings.IndexByte(sig, '(')
		if open <= 0 || !strings.HasSuffix(sig, ")") {
			return fmt.Errorf("bridge function %q: want name(type,...)", sig)
		}
	}
	return nil
}

func (h *Heuristics) normalize() {
	h.SpecialPrefixes = uniqueNonEmpty(h.SpecialPrefixes, strings.ToLower)
	h.NativeCoins = uniqueNonEmpty(h.NativeCoins, strings.ToUpper)
	h.HomeNative = strings.ToUpper(strings.TrimSpace(h.HomeNative))
	h.BridgeKeywords = uniqueNonEmpty(h.BridgeKeywords, strings.ToLower)
	h.BridgeFunctions = uniqueNonEmpty(h.BridgeFunctions, func(s string) string {
		return strings.ReplaceAll(s, " ", "")
	})
}

func uniqueNonEmpty(items []string, canon func(string) string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		v := canon(strings.TrimSpace(it))
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
