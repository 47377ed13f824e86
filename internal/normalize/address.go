// Package normalize converts raw user input and RPC payloads (addresses,
// topics, data words) into canonical go-ethereum values.
package normalize

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AIAleph/bridgeprobe/internal/evidence"
)

// Address validates raw input and returns the canonical address. Input must be
// 0x followed by 40 hex digits; mixed-case input must carry a valid EIP-55
// checksum. All-lower and all-upper input is accepted as-is.
func Address(raw string) (common.Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return common.Address{}, &evidence.InvalidAddressError{Input: raw, Reason: "empty"}
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, &evidence.InvalidAddressError{Input: raw, Reason: "missing 0x prefix"}
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, &evidence.InvalidAddressError{Input: raw, Reason: "not 20 hex bytes"}
	}
	addr := common.HexToAddress(s)
	body := s[2:]
	if isMixedCase(body) && addr.Hex()[2:] != body {
		return common.Address{}, &evidence.InvalidAddressError{Input: raw, Reason: "bad checksum"}
	}
	return addr, nil
}

func isMixedCase(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}

// IsZero reports whether a is the zero address.
func IsZero(a common.Address) bool { return a == (common.Address{}) }

// AddressFromTopic decodes a right-aligned 20-byte address out of a 32-byte
// topic. The upper 12 bytes must be zero.
func AddressFromTopic(topic string) (common.Address, error) {
	t := strings.TrimSpace(topic)
	if !strings.HasPrefix(t, "0x") && !strings.HasPrefix(t, "0X") {
		return common.Address{}, evidence.Decodef("topic %q: missing 0x prefix", topic)
	}
	t = t[2:]
	if len(t) != 64 {
		return common.Address{}, evidence.Decodef("topic %q: want 32 bytes", topic)
	}
	if !isHex(t) {
		return common.Address{}, evidence.Decodef("topic %q: not hex", topic)
	}
	if strings.Trim(t[:24], "0") != "" {
		return common.Address{}, evidence.Decodef("topic %q: not an address word", topic)
	}
	return common.HexToAddress(t[24:]), nil
}

// TopicMatches compares topics case-insensitively.
func TopicMatches(topic, full string) bool {
	return full != "" && strings.EqualFold(strings.TrimSpace(topic), full)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
