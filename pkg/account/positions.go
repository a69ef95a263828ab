package account

import (
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/callback"
	"github.com/uhyunpark/perplink/pkg/stream"
	"github.com/uhyunpark/perplink/pkg/util"
)

// HistoryCap bounds the per-product position history.
const HistoryCap = 100

// PositionSnapshot is the latest signed position for a product.
type PositionSnapshot struct {
	ProductID    uint32          `json:"product_id"`
	Size         decimal.Decimal `json:"size"`
	VQuoteAmount decimal.Decimal `json:"v_quote_amount"`
	Reason       string          `json:"reason,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// PositionChange is one entry of the position timeline.
type PositionChange struct {
	ProductID uint32          `json:"product_id"`
	Old       decimal.Decimal `json:"old"`
	New       decimal.Decimal `json:"new"`
	Timestamp time.Time       `json:"timestamp"`
}

// Delta returns New - Old.
func (c PositionChange) Delta() decimal.Decimal { return c.New.Sub(c.Old) }

type ring struct {
	buf  []PositionChange
	next int
	full bool
}

func (r *ring) push(c PositionChange) {
	if len(r.buf) < HistoryCap {
		r.buf = append(r.buf, c)
		return
	}
	r.buf[r.next] = c
	r.next = (r.next + 1) % HistoryCap
	r.full = true
}

func (r *ring) list() []PositionChange {
	out := make([]PositionChange, 0, len(r.buf))
	if !r.full {
		return append(out, r.buf...)
	}
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// PositionHandler tracks the signed position per product. It is the low
// latency source the engine reads on its hot path.
type PositionHandler struct {
	sup *callback.Supervisor
	log *zap.SugaredLogger

	mu        sync.RWMutex
	current   map[uint32]PositionSnapshot
	history   map[uint32]*ring
	listeners []func(PositionChange)
	dropped   int
}

func NewPositionHandler(sup *callback.Supervisor, log *zap.SugaredLogger) *PositionHandler {
	return &PositionHandler{
		sup:     sup,
		log:     util.OrNop(log),
		current: make(map[uint32]PositionSnapshot),
		history: make(map[uint32]*ring),
	}
}

// OnChange registers fn for every applied update.
func (h *PositionHandler) OnChange(fn func(PositionChange)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Seed sets the starting position, typically from a REST query, without
// notifying listeners. It is ignored if a newer update has been applied.
func (h *PositionHandler) Seed(productID uint32, size decimal.Decimal, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.current[productID]; ok && at.Before(cur.Timestamp) {
		return
	}
	h.current[productID] = PositionSnapshot{ProductID: productID, Size: size, Reason: "seed", Timestamp: at}
}

// Handle applies ev unless it is older than the last applied update.
func (h *PositionHandler) Handle(ev stream.PositionEvent) bool {
	h.mu.Lock()
	cur, ok := h.current[ev.ProductID]
	if ok && ev.Timestamp.Before(cur.Timestamp) {
		h.dropped++
		h.mu.Unlock()
		h.log.Debugw("position_out_of_order", "product_id", ev.ProductID,
			"ts", ev.Timestamp.UnixNano(), "last_ts", cur.Timestamp.UnixNano())
		return false
	}
	change := PositionChange{ProductID: ev.ProductID, Old: cur.Size, New: ev.Amount, Timestamp: ev.Timestamp}
	h.current[ev.ProductID] = PositionSnapshot{
		ProductID:    ev.ProductID,
		Size:         ev.Amount,
		VQuoteAmount: ev.VQuoteAmount,
		Reason:       ev.Reason,
		Timestamp:    ev.Timestamp,
	}
	r, ok := h.history[ev.ProductID]
	if !ok {
		r = &ring{}
		h.history[ev.ProductID] = r
	}
	r.push(change)
	listeners := append([]func(PositionChange){}, h.listeners...)
	h.mu.Unlock()

	for i, fn := range listeners {
		fn := fn
		h.sup.Run("position_listener_"+strconv.Itoa(i), func() error {
			fn(change)
			return nil
		})
	}
	return true
}

// Callback adapts the handler to a stream subscription.
func (h *PositionHandler) Callback() stream.Callback {
	return func(ev stream.Event) error {
		if p, ok := ev.(stream.PositionEvent); ok {
			h.Handle(p)
		}
		return nil
	}
}

// Current returns the latest position for productID.
func (h *PositionHandler) Current(productID uint32) (PositionSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.current[productID]
	return p, ok
}

// History returns up to HistoryCap changes, oldest first.
func (h *PositionHandler) History(productID uint32) []PositionChange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.history[productID]
	if !ok {
		return nil
	}
	return r.list()
}

// Dropped counts out-of-order updates.
func (h *PositionHandler) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
