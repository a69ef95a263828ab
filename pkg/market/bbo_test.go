package market

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/stream"
)

func bboEvent(pid uint32, ts int64, bid, ask string) stream.BBOEvent {
	return stream.BBOEvent{
		ProductID: pid,
		Timestamp: time.Unix(0, ts),
		BidPrice:  decimal.RequireFromString(bid),
		BidQty:    decimal.NewFromInt(1),
		AskPrice:  decimal.RequireFromString(ask),
		AskQty:    decimal.NewFromInt(1),
	}
}

func TestPricesUnavailableBeforeFirstUpdate(t *testing.T) {
	h := NewBBOHandler(nil, nil)
	_, err := h.Prices(2)
	if !errors.Is(err, ErrPricesUnavailable) || !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestBBOIgnoresOlderUpdates(t *testing.T) {
	h := NewBBOHandler(nil, nil)
	if !h.Handle(bboEvent(2, 200, "100", "100.05")) {
		t.Fatal("first update rejected")
	}
	if h.Handle(bboEvent(2, 100, "99", "99.5")) {
		t.Fatal("older update applied")
	}
	if !h.Handle(bboEvent(2, 200, "100.01", "100.05")) {
		t.Fatal("same-timestamp update rejected")
	}
	got, err := h.Prices(2)
	if err != nil {
		t.Fatal(err)
	}
	if got.BidPrice.String() != "100.01" {
		t.Errorf("bid = %s", got.BidPrice)
	}
	if stale, _ := h.Rejected(); stale != 1 {
		t.Errorf("stale = %d", stale)
	}
}

func TestBBONeverCrossed(t *testing.T) {
	h := NewBBOHandler(nil, nil)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		bid := decimal.NewFromInt(int64(9900 + r.Intn(200))).Shift(-2)
		ask := decimal.NewFromInt(int64(9900 + r.Intn(200))).Shift(-2)
		ev := stream.BBOEvent{ProductID: 1, Timestamp: time.Unix(0, int64(r.Intn(500))),
			BidPrice: bid, BidQty: decimal.NewFromInt(1), AskPrice: ask, AskQty: decimal.NewFromInt(1)}
		h.Handle(ev)
		got, err := h.Prices(1)
		if err != nil {
			continue
		}
		if got.HasBid() && got.HasAsk() && got.AskPrice.LessThanOrEqual(got.BidPrice) {
			t.Fatalf("crossed book after update %d: bid %s ask %s", i, got.BidPrice, got.AskPrice)
		}
	}
}

func TestBBOOneSidedAndListeners(t *testing.T) {
	h := NewBBOHandler(nil, nil)
	var seen []BBO
	h.OnUpdate(func(b BBO) { seen = append(seen, b) })
	h.OnUpdate(func(BBO) { panic("listener bug") })

	h.Handle(bboEvent(3, 1, "0", "50"))
	h.Handle(bboEvent(3, 2, "60", "50"))

	if len(seen) != 1 {
		t.Fatalf("listener calls = %d, want 1", len(seen))
	}
	got, _ := h.Prices(3)
	if got.HasBid() || !got.Mid().IsZero() {
		t.Errorf("one-sided snapshot = %+v", got)
	}
}

func TestBBOCallbackAdapter(t *testing.T) {
	h := NewBBOHandler(nil, nil)
	cb := h.Callback()
	if err := cb(bboEvent(4, 1, "10", "11")); err != nil {
		t.Fatal(err)
	}
	if err := cb(stream.UnknownEvent{Type: "x"}); err != nil {
		t.Fatal(err)
	}
	got, err := h.Prices(4)
	if err != nil || got.Spread().String() != "1" || got.Mid().String() != "10.5" {
		t.Fatalf("got %+v err %v", got, err)
	}
}
