package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	fixtureabi "github.com/AIAleph/bridgeprobe/fixtures/abi"
	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
)

var metadataABI abi.ABI

func init() {
	parsed, err := abi.JSON(bytes.NewReader(fixtureabi.ERC20Metadata))
	if err != nil {
		panic(fmt.Sprintf("detect: unable to parse erc20 metadata ABI: %v", err))
	}
	metadataABI = parsed
}

var errEmptyReturn = errors.New("empty return data")

// ResolveMetadata calls name() and symbol(). Any failure is fatal for the
// analysis and is reported as *evidence.MetadataError.
func ResolveMetadata(ctx context.Context, p eth.Provider, addr common.Address) (evidence.TokenMetadata, error) {
	name, err := callString(ctx, p, addr, "name")
	if err != nil {
		return evidence.TokenMetadata{}, &evidence.MetadataError{Address: addr, Field: "name", Err: err}
	}
	symbol, err := callString(ctx, p, addr, "symbol")
	if err != nil {
		return evidence.TokenMetadata{}, &evidence.MetadataError{Address: addr, Field: "symbol", Err: err}
	}
	return evidence.TokenMetadata{Name: name, Symbol: symbol}, nil
}

func callString(ctx context.Context, p eth.Provider, addr common.Address, method string) (string, error) {
	input, err := metadataABI.Pack(method)
	if err != nil {
		return "", err
	}
	out, err := p.Call(ctx, addr.Hex(), input)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", errEmptyReturn
	}
	vals, err := metadataABI.Unpack(method, out)
	if err == nil && len(vals) == 1 {
		if s, ok := vals[0].(string); ok && utf8.ValidString(s) {
			return s, nil
		}
	}
	// Legacy tokens (MKR, SAI) return bytes32 instead of string.
	if len(out) == 32 {
		if s, ok := decodeBytes32(out); ok {
			return s, nil
		}
	}
	return "", evidence.Decodef("%s(): cannot decode %d bytes of return data", method, len(out))
}

func decodeBytes32(b []byte) (string, bool) {
	s := string(bytes.TrimRight(b, "\x00"))
	if s == "" || !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return "", false
	}
	return s, true
}
