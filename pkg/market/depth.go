package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/stream"
	"github.com/uhyunpark/perplink/pkg/util"
)

// SlippageUnavailable is returned by EstimateSlippage when the book cannot
// absorb the quantity or has no data. Callers treat it as "do not trade".
const SlippageUnavailable = 1e9

var bpsScale = decimal.NewFromInt(10_000)

// Level is one aggregated price level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot is an immutable copy of a product's book. Bids are ordered by
// descending price, asks by ascending price.
type BookSnapshot struct {
	ProductID uint32    `json:"product_id"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	UpdatedAt time.Time `json:"updated_at"`
}

type book struct {
	bids    []Level
	asks    []Level
	updated time.Time
}

// DepthHandler maintains order books from incremental book_depth updates.
// Each update upserts its levels, a zero quantity removes a level, and
// opposing levels crossed by an upserted level are pruned.
type DepthHandler struct {
	log *zap.SugaredLogger

	mu    sync.RWMutex
	books map[uint32]*book
	gaps  map[uint32]int
	stale int
}

func NewDepthHandler(log *zap.SugaredLogger) *DepthHandler {
	return &DepthHandler{
		log:   util.OrNop(log),
		books: make(map[uint32]*book),
		gaps:  make(map[uint32]int),
	}
}

// Handle applies one incremental update and reports whether it was applied.
func (h *DepthHandler) Handle(ev stream.DepthEvent) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.books[ev.ProductID]
	if !ok {
		b = &book{}
		h.books[ev.ProductID] = b
	}
	if !b.updated.IsZero() && !ev.MaxTimestamp.IsZero() && ev.MaxTimestamp.Before(b.updated) {
		h.stale++
		return false
	}
	if !b.updated.IsZero() && !ev.LastMaxTimestamp.IsZero() && !ev.LastMaxTimestamp.Equal(b.updated) {
		h.gaps[ev.ProductID]++
		h.log.Debugw("depth_sequence_gap", "product_id", ev.ProductID,
			"expected", b.updated.UnixNano(), "got", ev.LastMaxTimestamp.UnixNano())
	}

	for _, l := range ev.Bids {
		b.bids = upsert(b.bids, Level(l), true)
		if l.Quantity.IsPositive() {
			b.asks = pruneAsks(b.asks, l.Price)
		}
	}
	for _, l := range ev.Asks {
		b.asks = upsert(b.asks, Level(l), false)
		if l.Quantity.IsPositive() {
			b.bids = pruneBids(b.bids, l.Price)
		}
	}
	if !ev.MaxTimestamp.IsZero() {
		b.updated = ev.MaxTimestamp
	}
	return true
}

// Callback adapts the handler to a stream subscription.
func (h *DepthHandler) Callback() stream.Callback {
	return func(ev stream.Event) error {
		if d, ok := ev.(stream.DepthEvent); ok {
			h.Handle(d)
		}
		return nil
	}
}

// Replace seeds a product's book from a full snapshot.
func (h *DepthHandler) Replace(productID uint32, bids, asks []Level, at time.Time) {
	nb := &book{updated: at}
	for _, l := range bids {
		nb.bids = upsert(nb.bids, l, true)
	}
	for _, l := range asks {
		nb.asks = upsert(nb.asks, l, false)
	}
	h.mu.Lock()
	h.books[productID] = nb
	h.mu.Unlock()
}

// Snapshot copies up to depth levels per side (depth <= 0 copies all).
func (h *DepthHandler) Snapshot(productID uint32, depth int) (BookSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.books[productID]
	if !ok {
		return BookSnapshot{ProductID: productID}, false
	}
	return BookSnapshot{
		ProductID: productID,
		Bids:      copyLevels(b.bids, depth),
		Asks:      copyLevels(b.asks, depth),
		UpdatedAt: b.updated,
	}, true
}

// Gaps returns how many updates did not chain onto the previous one.
func (h *DepthHandler) Gaps(productID uint32) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gaps[productID]
}

// EstimateSlippage walks the side a taker of the given direction would
// consume (asks for a buy, bids for a sell) and returns the distance of the
// volume-weighted price from the best price in basis points.
func (h *DepthHandler) EstimateSlippage(productID uint32, side Side, qty decimal.Decimal) float64 {
	if !qty.IsPositive() {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	levels := h.takerLevels(productID, side)
	if len(levels) == 0 {
		return SlippageUnavailable
	}
	remaining := qty
	notional := decimal.Zero
	for _, l := range levels {
		take := decimal.Min(remaining, l.Quantity)
		notional = notional.Add(take.Mul(l.Price))
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			break
		}
	}
	if remaining.IsPositive() {
		return SlippageUnavailable
	}
	best := levels[0].Price
	vwap := notional.Div(qty)
	return vwap.Sub(best).Abs().Div(best).Mul(bpsScale).InexactFloat64()
}

// EstimateExitCapacity returns the largest quantity up to target whose
// volume-weighted price stays within maxBps of the best price, and whether
// that covers target.
func (h *DepthHandler) EstimateExitCapacity(productID uint32, side Side, target decimal.Decimal, maxBps float64) (bool, decimal.Decimal) {
	if !target.IsPositive() {
		return true, decimal.Zero
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	levels := h.takerLevels(productID, side)
	if len(levels) == 0 {
		return false, decimal.Zero
	}
	best := levels[0].Price
	capFrac := decimal.NewFromFloat(maxBps).Div(bpsScale)
	limit := best.Mul(decimal.NewFromInt(1).Add(capFrac))
	if side == Sell {
		limit = best.Mul(decimal.NewFromInt(1).Sub(capFrac))
	}

	filled := decimal.Zero
	notional := decimal.Zero
	for _, l := range levels {
		room := target.Sub(filled)
		if !room.IsPositive() {
			break
		}
		take := decimal.Min(room, l.Quantity)
		if !withinLimit(side, l.Price, limit) {
			// vwap stays within limit while take*(p-L) <= L*Q - N (buy side, mirrored for sells)
			var num, den decimal.Decimal
			if side == Buy {
				num = limit.Mul(filled).Sub(notional)
				den = l.Price.Sub(limit)
			} else {
				num = notional.Sub(limit.Mul(filled))
				den = limit.Sub(l.Price)
			}
			if num.IsPositive() && den.IsPositive() {
				partial, _ := num.QuoRem(den, 18)
				take = decimal.Min(take, partial)
				filled = filled.Add(take)
			}
			break
		}
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(l.Price))
	}
	return filled.GreaterThanOrEqual(target), filled
}

// AvailableLiquidity sums quantity over up to maxDepth levels of the side a
// taker of the given direction would consume (maxDepth <= 0 sums all).
func (h *DepthHandler) AvailableLiquidity(productID uint32, side Side, maxDepth int) decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := decimal.Zero
	for i, l := range h.takerLevels(productID, side) {
		if maxDepth > 0 && i >= maxDepth {
			break
		}
		total = total.Add(l.Quantity)
	}
	return total
}

func (h *DepthHandler) takerLevels(productID uint32, side Side) []Level {
	b, ok := h.books[productID]
	if !ok {
		return nil
	}
	if side == Buy {
		return b.asks
	}
	return b.bids
}

func withinLimit(side Side, price, limit decimal.Decimal) bool {
	if side == Buy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// upsert sets or removes the level at l.Price keeping the slice ordered:
// descending for bids, ascending for asks.
func upsert(levels []Level, l Level, desc bool) []Level {
	i := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(l.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(l.Price)
	})
	found := i < len(levels) && levels[i].Price.Equal(l.Price)
	switch {
	case !l.Quantity.IsPositive() && found:
		return append(levels[:i], levels[i+1:]...)
	case !l.Quantity.IsPositive():
		return levels
	case found:
		levels[i].Quantity = l.Quantity
		return levels
	default:
		levels = append(levels, Level{})
		copy(levels[i+1:], levels[i:])
		levels[i] = l
		return levels
	}
}

// pruneAsks drops asks at or below a new bid price.
func pruneAsks(asks []Level, bid decimal.Decimal) []Level {
	i := 0
	for i < len(asks) && asks[i].Price.LessThanOrEqual(bid) {
		i++
	}
	return asks[i:]
}

// pruneBids drops bids at or above a new ask price.
func pruneBids(bids []Level, ask decimal.Decimal) []Level {
	i := 0
	for i < len(bids) && bids[i].Price.GreaterThanOrEqual(ask) {
		i++
	}
	return bids[i:]
}

func copyLevels(levels []Level, depth int) []Level {
	n := len(levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]Level, n)
	copy(out, levels[:n])
	return out
}
