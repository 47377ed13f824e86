package evidence

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAddress marks input that is not a valid account identifier.
	ErrInvalidAddress = errors.New("invalid token address")
	// ErrMetadata marks a token whose name/symbol could not be resolved.
	ErrMetadata = errors.New("cannot fetch token info")
	// ErrDecode marks RPC payloads that could not be decoded.
	ErrDecode = errors.New("decode error")
)

// Reason classifies a non-fatal detector failure.
type Reason string

const (
	ReasonNetwork Reason = "network_error"
	ReasonTimeout Reason = "timeout"
	ReasonDecode  Reason = "decode_error"
)

// InvalidAddressError is returned before any RPC call is made.
type InvalidAddressError struct {
	Input  string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid token address %q: %s", e.Input, e.Reason)
}

func (e *InvalidAddressError) Unwrap() error { return ErrInvalidAddress }

// MetadataError aborts an analysis; no detector runs after it.
type MetadataError struct {
	Address common.Address
	Field   string
	Err     error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("resolve %s() for %s: %v", e.Field, e.Address.Hex(), e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *MetadataError) Unwrap() []error { return []error{ErrMetadata, e.Err} }

// Classify maps a detector error onto a failure reason. Timeouts win over
// decode errors, which win over everything else.
func Classify(err error) Reason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonTimeout
	case errors.Is(err, ErrDecode):
		return ReasonDecode
	default:
		return ReasonNetwork
	}
}

// Decodef wraps a formatted message with ErrDecode.
func Decodef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}
