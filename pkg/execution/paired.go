package execution

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
)

// JoinMode selects how ExecutePaired waits on its legs.
type JoinMode int

const (
	// JoinAll waits for every leg regardless of outcome.
	JoinAll JoinMode = iota
	// FirstFailure cancels the remaining legs as soon as one fails.
	FirstFailure
)

// Leg is one order of a multi-leg execution.
type Leg func(ctx context.Context) ExecutionResult

// LimitLeg wraps PlaceLimitOrderWithTimeout.
func (e *Engine) LimitLeg(o LimitOrder) Leg {
	return func(ctx context.Context) ExecutionResult { return e.PlaceLimitOrderWithTimeout(ctx, o) }
}

// IOCLeg wraps PlaceIOCOrder.
func (e *Engine) IOCLeg(o MarketableOrder) Leg {
	return func(ctx context.Context) ExecutionResult { return e.PlaceIOCOrder(ctx, o) }
}

// MarketLeg wraps PlaceMarketOrder.
func (e *Engine) MarketLeg(o MarketableOrder) Leg {
	return func(ctx context.Context) ExecutionResult { return e.PlaceMarketOrder(ctx, o) }
}

// ExecutePaired runs legs concurrently and returns their results in leg
// order. Cancelled legs still report a full result.
func (e *Engine) ExecutePaired(ctx context.Context, mode JoinMode, legs ...Leg) []ExecutionResult {
	results := make([]ExecutionResult, len(legs))
	p := pool.New().WithContext(ctx)
	if mode == FirstFailure {
		p = p.WithCancelOnError()
	}
	for i, leg := range legs {
		i, leg := i, leg
		p.Go(func(ctx context.Context) error {
			results[i] = leg(ctx)
			if !results[i].Success {
				return fmt.Errorf("leg %d: %s", i, results[i].ErrorMessage)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		e.log.Warnw("paired_execution_failed", "legs", len(legs), "mode", mode, "err", err)
	}
	return results
}
