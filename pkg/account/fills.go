// Package account derives fill and position state from the private streams.
package account

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/callback"
	"github.com/uhyunpark/perplink/pkg/market"
	"github.com/uhyunpark/perplink/pkg/stream"
	"github.com/uhyunpark/perplink/pkg/util"
)

// DefaultOrderTimeout is how long a tracked order may stay pending.
const DefaultOrderTimeout = 30 * time.Second

// PendingOrder is an order the engine is waiting on.
type PendingOrder struct {
	OrderID     string          `json:"order_id"`
	ProductID   uint32          `json:"product_id"`
	ExpectedQty decimal.Decimal `json:"expected_qty"`
	Side        market.Side     `json:"side"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Deadline    time.Time       `json:"deadline"`
}

// Fill is one recorded execution against an order.
type Fill struct {
	OrderID   string          `json:"order_id"`
	ProductID uint32          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Remaining decimal.Decimal `json:"remaining"`
	IsBid     bool            `json:"is_bid"`
	IsTaker   bool            `json:"is_taker"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderFills aggregates the fills seen for one order.
type OrderFills struct {
	OrderID   string          `json:"order_id"`
	Fills     []Fill          `json:"fills"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Complete  bool            `json:"complete"`
	Tracked   bool            `json:"tracked"`
}

type orderState struct {
	order    *PendingOrder
	fills    []Fill
	seen     map[string]struct{}
	filled   decimal.Decimal
	notional decimal.Decimal
	closed   bool
	touched  time.Time
}

func (s *orderState) add(f Fill) bool {
	key := f.Timestamp.String() + "|" + f.Quantity.String() + "|" + f.Price.String()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.fills = append(s.fills, f)
	s.filled = s.filled.Add(f.Quantity)
	s.notional = s.notional.Add(f.Quantity.Mul(f.Price))
	return true
}

// done reports completion: the expected quantity is filled, or the exchange
// reported no remainder.
func (s *orderState) done() bool {
	if s.closed {
		return true
	}
	return s.order != nil && s.filled.GreaterThanOrEqual(s.order.ExpectedQty)
}

func (s *orderState) snapshot(id string) OrderFills {
	out := OrderFills{
		OrderID:   id,
		Fills:     append([]Fill(nil), s.fills...),
		FilledQty: s.filled,
		Complete:  s.done(),
		Tracked:   s.order != nil,
	}
	if s.filled.IsPositive() {
		out.AvgPrice = s.notional.Div(s.filled)
	}
	return out
}

// FillHandler correlates fill messages with orders submitted by the engine.
// Fills may arrive before TrackOrder; both orderings converge to the same
// state.
type FillHandler struct {
	timeout time.Duration
	clock   util.Clock
	sup     *callback.Supervisor
	log     *zap.SugaredLogger

	mu        sync.Mutex
	pending   map[string]*orderState
	completed map[string]*orderState
	listeners []namedListener
	dupes     int
}

type namedListener struct {
	name string
	fn   func(Fill)
}

// NewFillHandler builds a handler; timeout <= 0 selects DefaultOrderTimeout.
func NewFillHandler(timeout time.Duration, clock util.Clock, sup *callback.Supervisor, log *zap.SugaredLogger) *FillHandler {
	if timeout <= 0 {
		timeout = DefaultOrderTimeout
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &FillHandler{
		timeout:   timeout,
		clock:     clock,
		sup:       sup,
		log:       util.OrNop(log),
		pending:   make(map[string]*orderState),
		completed: make(map[string]*orderState),
	}
}

// OnFill registers fn for every new fill. Delivery is at-least-once across
// reconnects, so fn must be idempotent.
func (h *FillHandler) OnFill(name string, fn func(Fill)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, namedListener{name: name, fn: fn})
	h.mu.Unlock()
}

// TrackOrder registers a submitted order. Fills already received for it are
// folded in.
func (h *FillHandler) TrackOrder(orderID string, productID uint32, expectedQty decimal.Decimal, side market.Side) {
	now := h.clock.Now()
	order := &PendingOrder{
		OrderID:     orderID,
		ProductID:   productID,
		ExpectedQty: expectedQty,
		Side:        side,
		SubmittedAt: now,
		Deadline:    now.Add(h.timeout),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	st, early := h.completed[orderID]
	if !early {
		st = &orderState{seen: make(map[string]struct{})}
	}
	st.order = order
	st.touched = now
	if st.done() {
		h.completed[orderID] = st
		return
	}
	delete(h.completed, orderID)
	h.pending[orderID] = st
	if early {
		h.log.Debugw("fill_arrived_before_track", "order_id", orderID, "filled", st.filled)
	}
}

// Handle records ev and reports whether it was new.
func (h *FillHandler) Handle(ev stream.FillEvent) bool {
	f := Fill{
		OrderID:   ev.OrderID,
		ProductID: ev.ProductID,
		Quantity:  ev.FilledQty,
		Price:     ev.Price,
		Remaining: ev.RemainingQty,
		IsBid:     ev.IsBid,
		IsTaker:   ev.IsTaker,
		Timestamp: ev.Timestamp,
	}
	// A fill carrying the original size and no remainder closes the order.
	closes := ev.OriginalQty.IsPositive() && ev.RemainingQty.IsZero()

	h.mu.Lock()
	st, tracked := h.pending[f.OrderID]
	if !tracked {
		var ok bool
		if st, ok = h.completed[f.OrderID]; !ok {
			st = &orderState{seen: make(map[string]struct{})}
			h.completed[f.OrderID] = st
		}
	}
	if !st.add(f) {
		h.dupes++
		h.mu.Unlock()
		return false
	}
	if closes {
		st.closed = true
	}
	st.touched = h.clock.Now()
	if tracked && st.done() {
		delete(h.pending, f.OrderID)
		h.completed[f.OrderID] = st
	}
	listeners := append([]namedListener(nil), h.listeners...)
	h.mu.Unlock()

	for _, l := range listeners {
		l := l
		h.sup.Run(l.name, func() error {
			l.fn(f)
			return nil
		})
	}
	return true
}

// Callback adapts the handler to a stream subscription.
func (h *FillHandler) Callback() stream.Callback {
	return func(ev stream.Event) error {
		if f, ok := ev.(stream.FillEvent); ok {
			h.Handle(f)
		}
		return nil
	}
}

// Fills returns everything known about orderID.
func (h *FillHandler) Fills(orderID string) (OrderFills, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.pending[orderID]; ok {
		return st.snapshot(orderID), true
	}
	if st, ok := h.completed[orderID]; ok {
		return st.snapshot(orderID), true
	}
	return OrderFills{OrderID: orderID}, false
}

// Completed returns the completed-cache entry for orderID. Fills for orders
// that were never tracked land here too.
func (h *FillHandler) Completed(orderID string) (OrderFills, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.completed[orderID]
	if !ok {
		return OrderFills{OrderID: orderID}, false
	}
	return st.snapshot(orderID), true
}

// IsPending reports whether orderID is tracked and not yet complete.
func (h *FillHandler) IsPending(orderID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[orderID]
	return ok
}

// IsTimedOut reports whether a pending order has outlived the timeout.
func (h *FillHandler) IsTimedOut(orderID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.pending[orderID]
	if !ok {
		return false
	}
	return !h.clock.Now().Before(st.order.Deadline)
}

// CleanupTimeouts removes timed-out pending orders and returns them. The
// remote orders are left alone; cancelling them is the engine's job.
func (h *FillHandler) CleanupTimeouts() []PendingOrder {
	now := h.clock.Now()
	h.mu.Lock()
	var expired []PendingOrder
	for id, st := range h.pending {
		if !now.Before(st.order.Deadline) {
			expired = append(expired, *st.order)
			delete(h.pending, id)
		}
	}
	h.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].SubmittedAt.Before(expired[j].SubmittedAt) })
	for _, o := range expired {
		h.log.Infow("fill_tracking_timed_out", "order_id", o.OrderID, "product_id", o.ProductID)
	}
	return expired
}

// Untrack drops the pending entry for orderID, if any.
func (h *FillHandler) Untrack(orderID string) {
	h.mu.Lock()
	delete(h.pending, orderID)
	h.mu.Unlock()
}

// ClearCompleted evicts completed entries untouched for longer than maxAge
// and returns how many were removed.
func (h *FillHandler) ClearCompleted(maxAge time.Duration) int {
	cutoff := h.clock.Now().Add(-maxAge)
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, st := range h.completed {
		if st.touched.Before(cutoff) {
			delete(h.completed, id)
			n++
		}
	}
	return n
}

// PendingOrders lists tracked orders ordered by submission time.
func (h *FillHandler) PendingOrders() []PendingOrder {
	h.mu.Lock()
	out := make([]PendingOrder, 0, len(h.pending))
	for _, st := range h.pending {
		out = append(out, *st.order)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// FillStats summarises handler state.
type FillStats struct {
	Pending    int `json:"pending"`
	Completed  int `json:"completed"`
	Duplicates int `json:"duplicates"`
}

func (h *FillHandler) Stats() FillStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return FillStats{Pending: len(h.pending), Completed: len(h.completed), Duplicates: h.dupes}
}
