package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/market"
)

// MarketableOrder is the input of the single-round-trip entry points.
type MarketableOrder struct {
	ProductID uint32
	Side      market.Side
	Quantity  decimal.Decimal
	// Price is the IOC limit. PlaceMarketOrder ignores it.
	Price *decimal.Decimal
	// Timeout zero selects Config.ImmediateTimeout.
	Timeout time.Duration
}

type ackResult struct {
	ack OrderAck
	err error
}

// PlaceIOCOrder sends an immediate-or-cancel order. The result is decided by
// whichever arrives first: a fill notification covering the order or the
// REST acknowledgement carrying the execution.
func (e *Engine) PlaceIOCOrder(ctx context.Context, o MarketableOrder) ExecutionResult {
	res := newResult(o.ProductID, o.Side, KindIOC, o.Quantity, e.clock.Now())
	if err := validateMarketable(o); err != nil {
		res.fail(StateRejected, err)
		return e.finish(ctx, res, baseline{})
	}
	price := decimal.Zero
	if o.Price != nil {
		price = *o.Price
	} else {
		p, err := e.aggressivePrice(ctx, o.ProductID, o.Side)
		if err != nil {
			res.fail(StateRejected, err)
			return e.finish(ctx, res, baseline{})
		}
		price = p
	}
	return e.immediate(ctx, o, price, res)
}

// PlaceMarketOrder sends an IOC priced MarketSlippageBps through the
// reference price. It refuses up front when the book cannot absorb the size
// within that bound.
func (e *Engine) PlaceMarketOrder(ctx context.Context, o MarketableOrder) ExecutionResult {
	res := newResult(o.ProductID, o.Side, KindIOC, o.Quantity, e.clock.Now())
	if err := validateMarketable(o); err != nil {
		res.fail(StateRejected, err)
		return e.finish(ctx, res, baseline{})
	}
	if e.depth != nil {
		if bps := e.depth.EstimateSlippage(o.ProductID, o.Side, o.Quantity); bps > e.cfg.MarketSlippageBps {
			msg := "insufficient liquidity"
			if bps != market.SlippageUnavailable {
				msg = fmt.Sprintf("estimated slippage %.2f bps exceeds %.2f", bps, e.cfg.MarketSlippageBps)
			}
			res.fail(StateRejected, errs.New("execution", errs.CodeUnavailable, errs.WithMessage(msg)))
			return e.finish(ctx, res, baseline{})
		}
	}
	price, err := e.aggressivePrice(ctx, o.ProductID, o.Side)
	if err != nil {
		res.fail(StateRejected, err)
		return e.finish(ctx, res, baseline{})
	}
	return e.immediate(ctx, o, price, res)
}

func (e *Engine) immediate(ctx context.Context, o MarketableOrder, price decimal.Decimal, res ExecutionResult) ExecutionResult {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ImmediateTimeout
	}
	base := e.baseline(ctx, o.ProductID)
	deadline := res.StartedAt.Add(timeout)

	req := OrderRequest{ProductID: o.ProductID, Side: o.Side, Price: price, Quantity: o.Quantity, Kind: KindIOC, Nonce: e.nonce.Add(1)}
	orderID, err := e.gw.OrderDigest(req)
	if err != nil {
		res.fail(StateRejected, errs.New("execution", errs.CodeSubmission, errs.WithMessage("order digest"), errs.WithCause(err)))
		return e.finish(ctx, res, base)
	}
	e.fills.TrackOrder(orderID, o.ProductID, o.Quantity, o.Side)
	w := e.watch(orderID, o.ProductID, deadline)
	defer e.release(orderID)
	res.OrderIDs = append(res.OrderIDs, orderID)
	res.State = StateSubmitted

	acks := make(chan ackResult, 1)
	go func() {
		ack, err := e.gw.PlaceOrder(ctx, req)
		acks <- ackResult{ack: ack, err: err}
	}()

	var tally fillTally
	timer := e.clock.After(timeout)
	resolvedBy := ""
loop:
	for {
		select {
		case r := <-acks:
			acks = nil
			if r.err != nil {
				if of, _ := e.fills.Fills(orderID); of.FilledQty.IsPositive() {
					tally.add(of.FilledQty, of.AvgPrice)
					resolvedBy = "fill"
					break loop
				}
				res.fail(StateRejected, errs.New("execution", errs.CodeSubmission, errs.WithMessage("place order"), errs.WithCause(r.err)))
				return e.finish(ctx, res, base)
			}
			if r.ack.Final || r.ack.FilledQty.IsPositive() {
				tally.add(decimal.Min(r.ack.FilledQty, o.Quantity), r.ack.AvgPrice)
				resolvedBy = "ack"
				break loop
			}
		case <-w.notify:
			if of, _ := e.fills.Fills(orderID); of.Complete || of.FilledQty.GreaterThanOrEqual(o.Quantity) {
				tally.add(decimal.Min(of.FilledQty, o.Quantity), of.AvgPrice)
				resolvedBy = "fill"
				break loop
			}
		case <-timer:
			of, _ := e.fills.Fills(orderID)
			tally.add(decimal.Min(of.FilledQty, o.Quantity), of.AvgPrice)
			resolvedBy = "timeout"
			break loop
		case <-ctx.Done():
			out := e.cancelAndSettle(ctx, req, orderID, outcomeAborted)
			tally.add(out.filled, out.avg)
			res.applyTally(tally)
			res.fail(stateFor(tally, o.Quantity), errs.New("execution", errs.CodeTimeout, errs.WithMessage("cancelled by caller"), errs.WithCause(ctx.Err())))
			return e.finish(ctx, res, base)
		}
	}
	e.log.Debugw("immediate_order_resolved", "order_id", orderID, "by", resolvedBy)

	res.applyTally(tally)
	if !res.RemainingSize.IsPositive() {
		res.State = StateFilled
		res.Success = true
	} else {
		msg := fmt.Sprintf("immediate order filled %s of %s", tally.qty, o.Quantity)
		res.fail(stateFor(tally, o.Quantity), errs.New("execution", errs.CodeTimeout, errs.WithMessage(msg)))
	}
	return e.finish(ctx, res, base)
}

func stateFor(t fillTally, qty decimal.Decimal) State {
	switch {
	case t.qty.GreaterThanOrEqual(qty):
		return StateFilled
	case t.qty.IsPositive():
		return StatePartiallyFilled
	default:
		return StateCancelled
	}
}

// aggressivePrice crosses the reference by MarketSlippageBps, rounded to the
// tick away from the book.
func (e *Engine) aggressivePrice(ctx context.Context, productID uint32, side market.Side) (decimal.Decimal, error) {
	bid, ask, err := e.quote(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	tick := e.tick(productID)
	frac := decimal.NewFromFloat(e.cfg.MarketSlippageBps).Div(decimal.NewFromInt(10_000))
	if side == market.Buy {
		if !ask.IsPositive() {
			return decimal.Zero, errs.New("execution", errs.CodeUnavailable, errs.WithMessage("no ask"))
		}
		p := ask.Mul(decimal.NewFromInt(1).Add(frac))
		return p.Div(tick).Ceil().Mul(tick), nil
	}
	if !bid.IsPositive() {
		return decimal.Zero, errs.New("execution", errs.CodeUnavailable, errs.WithMessage("no bid"))
	}
	p := bid.Mul(decimal.NewFromInt(1).Sub(frac))
	return p.Div(tick).Floor().Mul(tick), nil
}

func validateMarketable(o MarketableOrder) error {
	if !o.Quantity.IsPositive() {
		return errs.New("execution", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if o.Price != nil && !o.Price.IsPositive() {
		return errs.New("execution", errs.CodeInvalid, errs.WithMessage("price must be positive"))
	}
	return nil
}
