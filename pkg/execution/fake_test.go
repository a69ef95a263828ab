package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/account"
	"github.com/uhyunpark/perplink/pkg/market"
	"github.com/uhyunpark/perplink/pkg/stream"
)

// fakeGateway records calls and lets tests script failures.
type fakeGateway struct {
	mu        sync.Mutex
	placed    []OrderRequest
	cancels   []string
	placeErrs []error
	reject    map[uint32]bool
	positions map[uint32]decimal.Decimal
	status    map[string]decimal.Decimal
	bid, ask  decimal.Decimal

	// ackFor, when set, builds the PlaceOrder response.
	ackFor func(req OrderRequest, id string) (OrderAck, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		reject:    make(map[uint32]bool),
		positions: make(map[uint32]decimal.Decimal),
		status:    make(map[string]decimal.Decimal),
		bid:       decimal.RequireFromString("99.99"),
		ask:       decimal.RequireFromString("100.00"),
	}
}

func (g *fakeGateway) OrderDigest(req OrderRequest) (string, error) {
	return fmt.Sprintf("0x%02x%016x", req.ProductID, req.Nonce), nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	id, _ := g.OrderDigest(req)
	g.mu.Lock()
	g.placed = append(g.placed, req)
	if g.reject[req.ProductID] {
		g.mu.Unlock()
		return OrderAck{}, &RejectedError{Reason: "insufficient margin", Code: 2006}
	}
	if len(g.placeErrs) > 0 {
		err := g.placeErrs[0]
		g.placeErrs = g.placeErrs[1:]
		g.mu.Unlock()
		return OrderAck{}, err
	}
	ackFor := g.ackFor
	g.mu.Unlock()
	if ackFor != nil {
		return ackFor(req, id)
	}
	return OrderAck{OrderID: id}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, productID uint32, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, orderID)
	return nil
}

func (g *fakeGateway) OrderStatus(ctx context.Context, productID uint32, orderID string) (OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return OrderStatus{OrderID: orderID, FilledQty: g.status[orderID]}, nil
}

func (g *fakeGateway) Position(ctx context.Context, productID uint32) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions[productID], nil
}

func (g *fakeGateway) BestBidAsk(ctx context.Context, productID uint32) (decimal.Decimal, decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bid, g.ask, nil
}

func (g *fakeGateway) placedOrders() []OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]OrderRequest(nil), g.placed...)
}

func (g *fakeGateway) cancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels)
}

func (g *fakeGateway) move(productID uint32, side market.Side, qty decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if side == market.Sell {
		qty = qty.Neg()
	}
	g.positions[productID] = g.positions[productID].Add(qty)
}

type harness struct {
	gw        *fakeGateway
	bbo       *market.BBOHandler
	depth     *market.DepthHandler
	fills     *account.FillHandler
	positions *account.PositionHandler
	engine    *Engine

	mu    sync.Mutex
	bboTS int64
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SubmitBackoff = 5 * time.Millisecond
	cfg.SubmitMaxBackoff = 20 * time.Millisecond
	cfg.CancelTimeout = 200 * time.Millisecond
	cfg.SettleWait = 30 * time.Millisecond
	cfg.ReconcileGrace = 50 * time.Millisecond
	cfg.ImmediateTimeout = 300 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, withPositions bool) *harness {
	t.Helper()
	h := &harness{
		gw:    newFakeGateway(),
		bbo:   market.NewBBOHandler(nil, nil),
		depth: market.NewDepthHandler(nil),
		fills: account.NewFillHandler(0, nil, nil, nil),
	}
	if withPositions {
		h.positions = account.NewPositionHandler(nil, nil)
	}
	e, err := NewEngine(testConfig(), Deps{
		Gateway:   h.gw,
		BBO:       h.bbo,
		Depth:     h.depth,
		Fills:     h.fills,
		Positions: h.positions,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.engine = e
	h.quote("99.99", "100.00")
	return h
}

func (h *harness) quote(bid, ask string) {
	h.mu.Lock()
	h.bboTS++
	ts := h.bboTS
	h.mu.Unlock()
	h.bbo.Handle(stream.BBOEvent{
		ProductID: 2,
		Timestamp: time.Unix(0, ts),
		BidPrice:  decimal.RequireFromString(bid),
		BidQty:    decimal.NewFromInt(10),
		AskPrice:  decimal.RequireFromString(ask),
		AskQty:    decimal.NewFromInt(10),
	})
}

// fill delivers a fill on the stream and moves the exchange position.
func (h *harness) fill(orderID string, side market.Side, qty, price string) {
	q := decimal.RequireFromString(qty)
	h.gw.move(2, side, q)
	h.gw.mu.Lock()
	h.gw.status[orderID] = h.gw.status[orderID].Add(q)
	h.gw.mu.Unlock()
	h.fills.Handle(stream.FillEvent{
		ProductID: 2,
		OrderID:   orderID,
		Timestamp: time.Now(),
		FilledQty: q,
		Price:     decimal.RequireFromString(price),
		IsBid:     side == market.Buy,
	})
}

// waitPlaced blocks until n orders have been placed and returns the last.
func (h *harness) waitPlaced(t *testing.T, n int) OrderRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := h.gw.placedOrders(); len(p) >= n {
			return p[n-1]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Errorf("waited for %d placed orders, have %d", n, len(h.gw.placedOrders()))
	return OrderRequest{}
}

func digestOf(g *fakeGateway, req OrderRequest) string {
	id, _ := g.OrderDigest(req)
	return id
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
