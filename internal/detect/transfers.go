package detect

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/AIAleph/bridgeprobe/internal/eth"
	"github.com/AIAleph/bridgeprobe/internal/evidence"
	"github.com/AIAleph/bridgeprobe/internal/logging"
	"github.com/AIAleph/bridgeprobe/internal/normalize"
)

// TransferOptions bounds the Transfer log scan. The gateway may retry each
// GetLogs call on 5xx and 429 replies (HTTP_RETRIES) before the reduced-range
// retry here applies.
type TransferOptions struct {
	// FromBlock is the first block scanned; the last is the head at scan start.
	FromBlock uint64
	// ChunkBlocks is the eth_getLogs range size.
	ChunkBlocks uint64
	// MinChunkBlocks is the floor for the reduced retry range. A chunk that
	// fails at the floor is not retried.
	MinChunkBlocks uint64
	// MaxEvidence caps mint and burn items separately; 0 means no cap. The
	// scan still covers the full range and a final item per kind reports how
	// many events were left out.
	MaxEvidence int
	// OnRetry is called once per reduced-range retry.
	OnRetry func()
}

// Transfers scans Transfer events for mints (from zero) and burns (to zero).
type Transfers struct {
	opts TransferOptions
}

func NewTransfers(opts TransferOptions) *Transfers {
	if opts.ChunkBlocks == 0 {
		opts.ChunkBlocks = 5000
	}
	if opts.MinChunkBlocks == 0 || opts.MinChunkBlocks > opts.ChunkBlocks {
		opts.MinChunkBlocks = opts.ChunkBlocks
	}
	if opts.MaxEvidence < 0 {
		opts.MaxEvidence = 0
	}
	return &Transfers{opts: opts}
}

func (d *Transfers) Name() string { return NameTransfers }

type logChunk struct {
	from, to uint64
	logs     []eth.Log
	err      error
}

// Detect fetches chunks oldest to newest on one goroutine and decodes them on
// the caller's, so decoding chunk N overlaps the fetch of chunk N+1. On any
// stop (chunk failure, deadline) the evidence decoded so far is returned with
// the error.
func (d *Transfers) Detect(ctx context.Context, t *Target) ([]evidence.Evidence, error) {
	head, err := t.Provider.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	if d.opts.FromBlock > head {
		return nil, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	chunks := make(chan logChunk, 1)
	go d.fetch(scanCtx, t.Provider, t.Address.Hex(), d.opts.FromBlock, head, chunks)
	defer func() {
		cancel()
		for range chunks {
		}
	}()

	var (
		out       []evidence.Evidence
		mints     int
		burns     int
		malformed int
		stopErr   error
	)
	limit := d.opts.MaxEvidence

	for c := range chunks {
		if c.err != nil {
			stopErr = fmt.Errorf("scan stopped at block %d: %w", c.from, c.err)
			break
		}
		for _, l := range c.logs {
			if len(l.Topics) < 3 || !normalize.TopicMatches(l.Topics[0], normalize.TopicTransfer()) {
				continue
			}
			from, errFrom := normalize.AddressFromTopic(l.Topics[1])
			to, errTo := normalize.AddressFromTopic(l.Topics[2])
			if errFrom != nil || errTo != nil {
				malformed++
				continue
			}
			if normalize.IsZero(from) {
				mints++
				if limit == 0 || mints <= limit {
					out = append(out, evidence.Evidence{
						Kind:        evidence.KindMintEvent,
						Detector:    NameTransfers,
						Detail:      fmt.Sprintf("Mint (transfer from zero address) in tx %s at block %d", l.TxHash, l.BlockNum),
						TxHash:      l.TxHash,
						BlockNumber: l.BlockNum,
					})
				}
			}
			if normalize.IsZero(to) {
				burns++
				if limit == 0 || burns <= limit {
					out = append(out, evidence.Evidence{
						Kind:        evidence.KindBurnEvent,
						Detector:    NameTransfers,
						Detail:      fmt.Sprintf("Burn (transfer to zero address) in tx %s at block %d", l.TxHash, l.BlockNum),
						TxHash:      l.TxHash,
						BlockNumber: l.BlockNum,
					})
				}
			}
		}
	}
	if limit > 0 && mints > limit {
		out = append(out, evidence.Evidence{
			Kind:     evidence.KindMintEvent,
			Detector: NameTransfers,
			Detail:   fmt.Sprintf("%d further mint events omitted (limit %d)", mints-limit, limit),
		})
	}
	if limit > 0 && burns > limit {
		out = append(out, evidence.Evidence{
			Kind:     evidence.KindBurnEvent,
			Detector: NameTransfers,
			Detail:   fmt.Sprintf("%d further burn events omitted (limit %d)", burns-limit, limit),
		})
	}
	// The producer may have exited on cancellation without reporting it.
	if stopErr == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			stopErr = fmt.Errorf("scan interrupted: %w", ctxErr)
		}
	}
	var decodeErr error
	if malformed > 0 {
		decodeErr = evidence.Decodef("%d transfer logs with malformed topics", malformed)
	}
	return out, errors.Join(stopErr, decodeErr)
}

func (d *Transfers) fetch(ctx context.Context, p eth.Provider, addr string, from, head uint64, out chan<- logChunk) {
	defer close(out)
	logger := logging.Component("detect.transfers")
	topics := [][]string{{normalize.TopicTransfer()}}
	step := d.opts.ChunkBlocks
	send := func(c logChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for start := from; ctx.Err() == nil; {
		end := chunkEnd(start, step, head)
		logs, err := p.GetLogs(ctx, addr, start, end, topics)
		if reduced := max(step/2, d.opts.MinChunkBlocks); err != nil && ctx.Err() == nil && reduced < step {
			step = reduced
			end = chunkEnd(start, step, head)
			if d.opts.OnRetry != nil {
				d.opts.OnRetry()
			}
			logger.Debug("log_chunk_retry", "address", addr, "from_block", start, "to_block", end, "error", err.Error())
			logs, err = p.GetLogs(ctx, addr, start, end, topics)
		}
		if err != nil {
			send(logChunk{from: start, to: end, err: fmt.Errorf("get logs [%d,%d]: %w", start, end, err)})
			return
		}
		if !send(logChunk{from: start, to: end, logs: logs}) {
			return
		}
		if end >= head {
			return
		}
		start = end + 1
	}
}

func chunkEnd(start, step, head uint64) uint64 {
	if step == 0 || start > math.MaxUint64-(step-1) {
		return head
	}
	return min(start+step-1, head)
}
