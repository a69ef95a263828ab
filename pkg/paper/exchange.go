// Package paper simulates the exchange's order surface against the live
// top of book, so the engine can run end to end without risking funds.
// Fills and position changes are delivered to the same handlers the private
// streams feed.
package paper

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/execution"
	"github.com/uhyunpark/perplink/pkg/market"
	"github.com/uhyunpark/perplink/pkg/stream"
	"github.com/uhyunpark/perplink/pkg/util"
)

// Rejection codes mirror the exchange's numeric error codes.
const (
	CodeInvalidQuantity = 2000
	CodeInvalidPrice    = 2001
	CodePostOnlyCross   = 2008
	CodeFOKUnfilled     = 2009
	CodeNoLiquidity     = 2010
)

// Sinks receive the events a live exchange would push on its private
// streams. Either may be nil.
type Sinks struct {
	Fill     func(stream.FillEvent)
	Position func(stream.PositionEvent)
}

type order struct {
	id        string
	req       execution.OrderRequest
	filled    decimal.Decimal
	cancelled bool
}

func (o *order) remaining() decimal.Decimal { return o.req.Quantity.Sub(o.filled) }

func (o *order) open() bool { return !o.cancelled && o.remaining().IsPositive() }

// Exchange is an in-process execution.Gateway.
type Exchange struct {
	bbo   *market.BBOHandler
	sinks Sinks
	clock util.Clock
	log   *zap.SugaredLogger

	mu        sync.Mutex
	orders    map[string]*order
	positions map[uint32]decimal.Decimal
}

var _ execution.Gateway = (*Exchange)(nil)

// New builds an exchange priced off bbo. Resting orders are matched on every
// BBO update.
func New(bbo *market.BBOHandler, sinks Sinks, clock util.Clock, log *zap.SugaredLogger) *Exchange {
	if clock == nil {
		clock = util.RealClock{}
	}
	x := &Exchange{
		bbo:       bbo,
		sinks:     sinks,
		clock:     clock,
		log:       util.OrNop(log),
		orders:    make(map[string]*order),
		positions: make(map[uint32]decimal.Decimal),
	}
	bbo.OnUpdate(x.onQuote)
	return x
}

// OrderDigest hashes every field of req, so identical resubmissions map to
// the same id.
func (x *Exchange) OrderDigest(req execution.OrderRequest) (string, error) {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, req.ProductID)
	buf = append(buf, byte(req.Side))
	buf = append(buf, req.Price.String()...)
	buf = append(buf, '|')
	buf = append(buf, req.Quantity.String()...)
	buf = append(buf, '|')
	buf = append(buf, req.Kind...)
	buf = binary.BigEndian.AppendUint64(buf, req.Nonce)
	return crypto.Keccak256Hash(buf).Hex(), nil
}

func (x *Exchange) PlaceOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return execution.OrderAck{}, err
	}
	if !req.Quantity.IsPositive() {
		return execution.OrderAck{}, &execution.RejectedError{Reason: "quantity must be positive", Code: CodeInvalidQuantity}
	}
	if !req.Price.IsPositive() {
		return execution.OrderAck{}, &execution.RejectedError{Reason: "price must be positive", Code: CodeInvalidPrice}
	}
	id, _ := x.OrderDigest(req)

	x.mu.Lock()
	if existing, ok := x.orders[id]; ok {
		ack := execution.OrderAck{OrderID: id, Final: !existing.open()}
		x.mu.Unlock()
		return ack, nil
	}
	x.mu.Unlock()

	top, err := x.bbo.Prices(req.ProductID)
	if err != nil {
		return execution.OrderAck{}, &execution.RejectedError{Reason: "no market for product " + strconv.FormatUint(uint64(req.ProductID), 10), Code: CodeNoLiquidity}
	}
	price, avail, crosses := touch(req, top)

	switch req.Kind {
	case execution.KindPostOnly:
		if crosses {
			return execution.OrderAck{}, &execution.RejectedError{Reason: "post-only order would cross", Code: CodePostOnlyCross}
		}
	case execution.KindFOK:
		if !crosses || avail.LessThan(req.Quantity) {
			return execution.OrderAck{}, &execution.RejectedError{Reason: "fill-or-kill not fillable", Code: CodeFOKUnfilled}
		}
	}

	o := &order{id: id, req: req}
	x.mu.Lock()
	x.orders[id] = o
	x.mu.Unlock()

	ack := execution.OrderAck{OrderID: id}
	if crosses {
		qty := decimal.Min(avail, req.Quantity)
		x.execute(o, qty, price, true)
		ack.FilledQty, ack.AvgPrice = qty, price
	}
	if req.Kind == execution.KindIOC || req.Kind == execution.KindFOK {
		x.mu.Lock()
		o.cancelled = true
		x.mu.Unlock()
		ack.Final = true
	}
	x.log.Debugw("paper_order_placed", "order_id", id, "product_id", req.ProductID,
		"side", req.Side, "price", req.Price, "qty", req.Quantity, "filled", ack.FilledQty)
	return ack, nil
}

// CancelOrder is idempotent; unknown ids are not an error.
func (x *Exchange) CancelOrder(ctx context.Context, productID uint32, orderID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if o, ok := x.orders[orderID]; ok {
		o.cancelled = true
	}
	return nil
}

func (x *Exchange) OrderStatus(ctx context.Context, productID uint32, orderID string) (execution.OrderStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[orderID]
	if !ok {
		return execution.OrderStatus{}, errs.New("paper", errs.CodeInvalid, errs.WithMessage("unknown order "+orderID))
	}
	return execution.OrderStatus{
		OrderID:      orderID,
		FilledQty:    o.filled,
		RemainingQty: o.remaining(),
		Open:         o.open(),
	}, nil
}

func (x *Exchange) Position(ctx context.Context, productID uint32) (decimal.Decimal, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.positions[productID], nil
}

func (x *Exchange) BestBidAsk(ctx context.Context, productID uint32) (decimal.Decimal, decimal.Decimal, error) {
	top, err := x.bbo.Prices(productID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return top.BidPrice, top.AskPrice, nil
}

// OpenOrders returns the number of resting orders.
func (x *Exchange) OpenOrders() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, o := range x.orders {
		if o.open() {
			n++
		}
	}
	return n
}

// onQuote fills resting orders the new quote trades through, at their own
// limit price.
func (x *Exchange) onQuote(top market.BBO) {
	type hit struct {
		o   *order
		qty decimal.Decimal
	}
	var hits []hit
	x.mu.Lock()
	for _, o := range x.orders {
		if o.req.ProductID != top.ProductID || !o.open() {
			continue
		}
		if _, avail, crosses := touch(o.req, top); crosses {
			hits = append(hits, hit{o: o, qty: decimal.Min(avail, o.remaining())})
		}
	}
	x.mu.Unlock()

	for _, h := range hits {
		x.execute(h.o, h.qty, h.o.req.Price, false)
	}
}

// execute books qty of o at price and emits the matching stream events.
func (x *Exchange) execute(o *order, qty, price decimal.Decimal, taker bool) {
	if !qty.IsPositive() {
		return
	}
	now := x.clock.Now()

	x.mu.Lock()
	if !o.open() {
		x.mu.Unlock()
		return
	}
	qty = decimal.Min(qty, o.remaining())
	signed := qty
	if o.req.Side == market.Sell {
		signed = qty.Neg()
	}
	o.filled = o.filled.Add(qty)
	x.positions[o.req.ProductID] = x.positions[o.req.ProductID].Add(signed)
	pos := x.positions[o.req.ProductID]
	fill := stream.FillEvent{
		ProductID:    o.req.ProductID,
		OrderID:      o.id,
		Timestamp:    now,
		FilledQty:    qty,
		RemainingQty: o.remaining(),
		OriginalQty:  o.req.Quantity,
		Price:        price,
		IsBid:        o.req.Side == market.Buy,
		IsTaker:      taker,
	}
	x.mu.Unlock()

	if x.sinks.Fill != nil {
		x.sinks.Fill(fill)
	}
	if x.sinks.Position != nil {
		x.sinks.Position(stream.PositionEvent{ProductID: o.req.ProductID, Timestamp: now, Amount: pos, Reason: "match_orders"})
	}
}

// touch reports whether req trades against top, and at what price and
// size.
func touch(req execution.OrderRequest, top market.BBO) (price, avail decimal.Decimal, crosses bool) {
	if req.Side == market.Buy {
		return top.AskPrice, top.AskQty, top.HasAsk() && req.Price.GreaterThanOrEqual(top.AskPrice)
	}
	return top.BidPrice, top.BidQty, top.HasBid() && req.Price.LessThanOrEqual(top.BidPrice)
}
