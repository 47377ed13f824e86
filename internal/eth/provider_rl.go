package eth

import "context"

// RLProvider wraps a Provider with a Limiter and an in-flight cap so callers
// never coordinate among themselves.
type RLProvider struct {
	p   Provider
	l   Limiter
	sem inflight
}

func WrapWithLimiter(p Provider, l Limiter) Provider { return RLProvider{p: p, l: l} }

// WrapWithQueue adds an in-flight cap on top of the limiter. maxInflight <= 0
// leaves concurrency unbounded.
func WrapWithQueue(p Provider, l Limiter, maxInflight int) Provider {
	return RLProvider{p: p, l: l, sem: newInflight(maxInflight)}
}

func (r RLProvider) enter(ctx context.Context) (func(), error) {
	if err := r.sem.acquire(ctx); err != nil {
		return nil, err
	}
	if err := r.l.Wait(ctx); err != nil {
		r.sem.release()
		return nil, err
	}
	return r.sem.release, nil
}

func (r RLProvider) BlockNumber(ctx context.Context) (uint64, error) {
	done, err := r.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	return r.p.BlockNumber(ctx)
}

func (r RLProvider) GetCode(ctx context.Context, address string) ([]byte, error) {
	done, err := r.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return r.p.GetCode(ctx, address)
}

func (r RLProvider) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	done, err := r.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return r.p.Call(ctx, to, data)
}

func (r RLProvider) GetLogs(ctx context.Context, address string, from, to uint64, topics [][]string) ([]Log, error) {
	done, err := r.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return r.p.GetLogs(ctx, address, from, to, topics)
}
