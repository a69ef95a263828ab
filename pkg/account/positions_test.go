package account

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/stream"
)

func pos(ts int64, amount string) stream.PositionEvent {
	return stream.PositionEvent{ProductID: 2, Timestamp: time.Unix(0, ts), Amount: decimal.RequireFromString(amount)}
}

func TestPositionDropsOutOfOrder(t *testing.T) {
	h := NewPositionHandler(nil, nil)
	var changes []PositionChange
	h.OnChange(func(c PositionChange) { changes = append(changes, c) })

	h.Handle(pos(10, "1"))
	h.Handle(pos(30, "1.5"))
	if h.Handle(pos(20, "9")) {
		t.Fatal("out-of-order update applied")
	}
	h.Handle(pos(30, "2"))

	cur, ok := h.Current(2)
	if !ok || cur.Size.String() != "2" {
		t.Fatalf("current = %+v", cur)
	}
	if h.Dropped() != 1 || len(changes) != 3 {
		t.Errorf("dropped %d changes %d", h.Dropped(), len(changes))
	}
	if changes[1].Delta().String() != "0.5" {
		t.Errorf("delta = %s", changes[1].Delta())
	}
}

func TestPositionHistoryBounded(t *testing.T) {
	h := NewPositionHandler(nil, nil)
	for i := 1; i <= HistoryCap+25; i++ {
		h.Handle(pos(int64(i), decimal.NewFromInt(int64(i)).String()))
	}
	hist := h.History(2)
	if len(hist) != HistoryCap {
		t.Fatalf("history len = %d", len(hist))
	}
	if hist[0].New.String() != "26" || hist[len(hist)-1].New.String() != "125" {
		t.Errorf("history window = %s..%s", hist[0].New, hist[len(hist)-1].New)
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Fatal("history not ordered")
		}
	}
}

func TestPositionSeed(t *testing.T) {
	h := NewPositionHandler(nil, nil)
	h.Seed(2, decimal.NewFromInt(3), time.Unix(0, 50))
	if h.Handle(pos(40, "1")) {
		t.Fatal("update older than the seed applied")
	}
	h.Handle(pos(60, "4"))
	hist := h.History(2)
	if len(hist) != 1 || hist[0].Old.String() != "3" {
		t.Fatalf("history = %+v", hist)
	}
	if _, ok := h.Current(9); ok {
		t.Fatal("unknown product reported")
	}
}
