package market

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perplink/pkg/stream"
)

func lvl(p, q string) stream.Level {
	return stream.Level{Price: decimal.RequireFromString(p), Quantity: decimal.RequireFromString(q)}
}

func mlvl(p, q string) Level { return Level(lvl(p, q)) }

func seeded() *DepthHandler {
	h := NewDepthHandler(nil)
	h.Replace(1,
		[]Level{mlvl("99", "1"), mlvl("98", "1"), mlvl("97", "1")},
		[]Level{mlvl("101", "1"), mlvl("100", "1"), mlvl("102", "1")},
		time.Unix(0, 10))
	return h
}

func TestDepthIncrementalUpdates(t *testing.T) {
	h := seeded()
	applied := h.Handle(stream.DepthEvent{
		ProductID:        1,
		MaxTimestamp:     time.Unix(0, 20),
		LastMaxTimestamp: time.Unix(0, 10),
		Bids:             []stream.Level{lvl("98", "0"), lvl("99.5", "2")},
		Asks:             []stream.Level{lvl("101", "5")},
	})
	require.True(t, applied)

	snap, ok := h.Snapshot(1, 0)
	require.True(t, ok)
	require.Equal(t, []string{"99.5", "99", "97"}, prices(snap.Bids))
	require.Equal(t, []string{"100", "101", "102"}, prices(snap.Asks))
	require.Equal(t, "5", snap.Asks[1].Quantity.String())
	require.Zero(t, h.Gaps(1))
}

func TestDepthPrunesCrossedLevels(t *testing.T) {
	h := seeded()
	h.Handle(stream.DepthEvent{ProductID: 1, MaxTimestamp: time.Unix(0, 20), Bids: []stream.Level{lvl("101", "1")}})
	snap, _ := h.Snapshot(1, 0)
	require.Equal(t, []string{"102"}, prices(snap.Asks))
	require.Equal(t, "101", snap.Bids[0].Price.String())
}

func TestDepthDropsStaleAndCountsGaps(t *testing.T) {
	h := seeded()
	require.False(t, h.Handle(stream.DepthEvent{ProductID: 1, MaxTimestamp: time.Unix(0, 5), Bids: []stream.Level{lvl("99", "0")}}))
	require.True(t, h.Handle(stream.DepthEvent{ProductID: 1, MaxTimestamp: time.Unix(0, 30), LastMaxTimestamp: time.Unix(0, 25)}))
	require.Equal(t, 1, h.Gaps(1))

	snap, _ := h.Snapshot(1, 1)
	require.Len(t, snap.Bids, 1)
	require.Equal(t, "99", snap.Bids[0].Price.String())
}

func TestEstimateSlippage(t *testing.T) {
	h := seeded()
	require.Equal(t, 0.0, h.EstimateSlippage(1, Buy, decimal.NewFromInt(1)))
	require.InDelta(t, 50.0, h.EstimateSlippage(1, Buy, decimal.NewFromInt(2)), 1e-9)
	require.InDelta(t, 100.0, h.EstimateSlippage(1, Buy, decimal.NewFromInt(3)), 1e-9)
	require.Equal(t, SlippageUnavailable, h.EstimateSlippage(1, Buy, decimal.NewFromInt(4)))
	require.Equal(t, SlippageUnavailable, h.EstimateSlippage(9, Sell, decimal.NewFromInt(1)))
	require.Equal(t, 0.0, h.EstimateSlippage(1, Sell, decimal.Zero))

	// sell 2: vwap 98.5 vs best 99
	require.InDelta(t, 0.5/99*1e4, h.EstimateSlippage(1, Sell, decimal.NewFromInt(2)), 1e-6)
}

func TestEstimateSlippageMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for round := 0; round < 50; round++ {
		h := NewDepthHandler(nil)
		var asks []Level
		total := decimal.Zero
		price := int64(1000)
		n := 1 + r.Intn(10)
		for i := 0; i < n; i++ {
			q := decimal.NewFromInt(int64(1 + r.Intn(5)))
			price += int64(1 + r.Intn(3))
			asks = append(asks, Level{Price: decimal.NewFromInt(price), Quantity: q})
			total = total.Add(q)
		}
		h.Replace(1, nil, asks, time.Unix(0, 1))

		prev := 0.0
		for q := decimal.NewFromFloat(0.5); q.LessThanOrEqual(total); q = q.Add(decimal.NewFromFloat(0.5)) {
			s := h.EstimateSlippage(1, Buy, q)
			require.NotEqual(t, SlippageUnavailable, s, "qty %s within depth %s", q, total)
			require.GreaterOrEqual(t, s, prev-1e-9)
			prev = s
		}
		require.Equal(t, SlippageUnavailable, h.EstimateSlippage(1, Buy, total.Add(decimal.NewFromFloat(0.01))))
	}
}

func TestEstimateExitCapacity(t *testing.T) {
	h := seeded()

	ok, qty := h.EstimateExitCapacity(1, Buy, decimal.NewFromInt(3), 50)
	require.False(t, ok)
	require.Equal(t, "2", qty.String())

	ok, qty = h.EstimateExitCapacity(1, Buy, decimal.NewFromInt(1), 0)
	require.True(t, ok)
	require.Equal(t, "1", qty.String())

	// 25 bps cap on the bid side: limit 98.7525, partial second level
	ok, qty = h.EstimateExitCapacity(1, Sell, decimal.NewFromInt(3), 25)
	require.False(t, ok)
	require.True(t, qty.GreaterThan(decimal.NewFromInt(1)) && qty.LessThan(decimal.NewFromInt(2)), "qty %s", qty)
	require.LessOrEqual(t, h.EstimateSlippage(1, Sell, qty), 25.0+1e-9)

	ok, qty = h.EstimateExitCapacity(7, Buy, decimal.NewFromInt(1), 100)
	require.False(t, ok)
	require.True(t, qty.IsZero())
}

func TestAvailableLiquidity(t *testing.T) {
	h := seeded()
	require.Equal(t, "2", h.AvailableLiquidity(1, Buy, 2).String())
	require.Equal(t, "3", h.AvailableLiquidity(1, Sell, 0).String())
	require.True(t, h.AvailableLiquidity(5, Buy, 3).IsZero())
}

func TestSnapshotIsACopy(t *testing.T) {
	h := seeded()
	snap, _ := h.Snapshot(1, 0)
	snap.Bids[0].Quantity = decimal.NewFromInt(1000)
	again, _ := h.Snapshot(1, 0)
	require.Equal(t, "1", again.Bids[0].Quantity.String())
}

func prices(levels []Level) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}
