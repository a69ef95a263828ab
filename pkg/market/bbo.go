package market

import (
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/callback"
	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/stream"
	"github.com/uhyunpark/perplink/pkg/util"
)

// ErrPricesUnavailable is returned by Prices before the first update for a
// product. It matches any errs.CodeUnavailable error.
var ErrPricesUnavailable = errs.New("market", errs.CodeUnavailable, errs.WithMessage("no best bid/offer received"))

// BBO is an immutable top-of-book snapshot.
type BBO struct {
	ProductID uint32          `json:"product_id"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidQty    decimal.Decimal `json:"bid_qty"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskQty    decimal.Decimal `json:"ask_qty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HasBid reports whether the bid side carries data.
func (b BBO) HasBid() bool { return b.BidPrice.IsPositive() }

// HasAsk reports whether the ask side carries data.
func (b BBO) HasAsk() bool { return b.AskPrice.IsPositive() }

// Mid returns the midpoint, or zero when either side is empty.
func (b BBO) Mid() decimal.Decimal {
	if !b.HasBid() || !b.HasAsk() {
		return decimal.Zero
	}
	return b.BidPrice.Add(b.AskPrice).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid, or zero when either side is empty.
func (b BBO) Spread() decimal.Decimal {
	if !b.HasBid() || !b.HasAsk() {
		return decimal.Zero
	}
	return b.AskPrice.Sub(b.BidPrice)
}

// BBOHandler keeps the latest best bid/offer per product.
type BBOHandler struct {
	sup *callback.Supervisor
	log *zap.SugaredLogger

	mu        sync.RWMutex
	latest    map[uint32]BBO
	listeners []func(BBO)
	stale     int
	crossed   int
}

func NewBBOHandler(sup *callback.Supervisor, log *zap.SugaredLogger) *BBOHandler {
	return &BBOHandler{sup: sup, log: util.OrNop(log), latest: make(map[uint32]BBO)}
}

// OnUpdate registers fn for every applied update.
func (h *BBOHandler) OnUpdate(fn func(BBO)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Handle applies ev. Updates older than the stored one and updates whose bid
// is at or above the ask are ignored; it reports whether ev was applied.
func (h *BBOHandler) Handle(ev stream.BBOEvent) bool {
	next := BBO{
		ProductID: ev.ProductID,
		BidPrice:  ev.BidPrice,
		BidQty:    ev.BidQty,
		AskPrice:  ev.AskPrice,
		AskQty:    ev.AskQty,
		Timestamp: ev.Timestamp,
	}

	h.mu.Lock()
	if cur, ok := h.latest[ev.ProductID]; ok && ev.Timestamp.Before(cur.Timestamp) {
		h.stale++
		h.mu.Unlock()
		return false
	}
	if next.HasBid() && next.HasAsk() && next.BidPrice.GreaterThanOrEqual(next.AskPrice) {
		h.crossed++
		h.mu.Unlock()
		h.log.Warnw("bbo_crossed_update", "product_id", ev.ProductID, "bid", next.BidPrice, "ask", next.AskPrice)
		return false
	}
	h.latest[ev.ProductID] = next
	listeners := append([]func(BBO){}, h.listeners...)
	h.mu.Unlock()

	for i, fn := range listeners {
		fn := fn
		h.sup.Run("bbo_listener_"+strconv.Itoa(i), func() error {
			fn(next)
			return nil
		})
	}
	return true
}

// Callback adapts the handler to a stream subscription.
func (h *BBOHandler) Callback() stream.Callback {
	return func(ev stream.Event) error {
		if bbo, ok := ev.(stream.BBOEvent); ok {
			h.Handle(bbo)
		}
		return nil
	}
}

// Prices returns the latest snapshot for productID.
func (h *BBOHandler) Prices(productID uint32) (BBO, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.latest[productID]
	if !ok {
		return BBO{}, errs.New("market", errs.CodeUnavailable,
			errs.WithMessage("no best bid/offer received"),
			errs.WithField("product_id", strconv.FormatUint(uint64(productID), 10)))
	}
	return b, nil
}

// Rejected returns how many updates were ignored as stale or crossed.
func (h *BBOHandler) Rejected() (stale, crossed int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stale, h.crossed
}
