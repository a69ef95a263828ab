package execution

import (
	"context"
	"time"
)

// RunTimeoutSweeper periodically cancels orders whose owner missed its
// deadline by more than SweepGrace, and orders the Fill Handler expired
// without an owner. It shares the claim token with the owning execution, so
// each order is cancelled at most once.
func (e *Engine) RunTimeoutSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := e.sweep(ctx); n > 0 {
				e.log.Infow("sweeper_cancelled_orders", "count", n)
			}
		}
	}
}

type sweepTarget struct {
	orderID   string
	productID uint32
	orphan    bool
}

func (e *Engine) sweep(ctx context.Context) int {
	now := e.clock.Now()
	var targets []sweepTarget

	e.watchMu.Lock()
	owned := make(map[string]struct{}, len(e.watches))
	for id, w := range e.watches {
		owned[id] = struct{}{}
		if now.Sub(w.deadline) > e.cfg.SweepGrace {
			targets = append(targets, sweepTarget{orderID: id, productID: w.productID})
		}
	}
	e.watchMu.Unlock()

	for _, p := range e.fills.CleanupTimeouts() {
		if _, ok := owned[p.OrderID]; !ok {
			targets = append(targets, sweepTarget{orderID: p.OrderID, productID: p.ProductID, orphan: true})
		}
	}

	cancelled := 0
	for _, t := range targets {
		won, _ := e.claims.acquire(t.orderID)
		if !won {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
		err := e.gw.CancelOrder(cctx, t.productID, t.orderID)
		cancel()
		e.claims.release(t.orderID)
		if t.orphan {
			e.claims.forget(t.orderID)
		}
		if err != nil {
			e.log.Warnw("sweeper_cancel_failed", "order_id", t.orderID, "err", err)
			continue
		}
		cancelled++
	}
	return cancelled
}
