package eth

import (
	"context"
)

// Provider defines the read-only RPC surface the detectors need. Every method
// is safe for concurrent use; implementations queue requests internally.
// Addresses are 0x-prefixed hex strings.
type Provider interface {
	// BlockNumber returns the current head block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// GetCode returns the deployed runtime bytecode at the latest block.
	// Accounts without code return an empty slice.
	GetCode(ctx context.Context, address string) ([]byte, error)

	// Call executes a read-only eth_call against the latest block.
	// Reverts surface as *RPCError with Reverted() == true.
	Call(ctx context.Context, to string, data []byte) ([]byte, error)

	// GetLogs fetches logs for the given address/topics in the block range [from, to].
	// It does not page; callers bound the range.
	GetLogs(ctx context.Context, address string, from, to uint64, topics [][]string) ([]Log, error)
}

// Log is the subset of an Ethereum log the scanners consume.
type Log struct {
	TxHash   string
	Index    uint32
	Address  string
	Topics   []string
	DataHex  string
	BlockNum uint64
}
