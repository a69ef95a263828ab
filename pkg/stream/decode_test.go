package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/uhyunpark/perplink/pkg/errs"
)

func TestDecodeFillDigestShapes(t *testing.T) {
	const digest = "0xabc123"
	tests := []struct {
		name  string
		frame string
	}{
		{"string", `{"type":"fill","product_id":2,"order_digest":"0xabc123","filled_qty":"500000000000000000","price":"100050000000000000000"}`},
		{"list", `{"type":"fill","product_id":2,"order_digest":["0xabc123"],"filled_qty":"500000000000000000","price":"100050000000000000000"}`},
		{"status object", `{"type":"fill","product_id":2,"status":{"order_digest":{"digest":"0xabc123"}},"filled_qty":"500000000000000000","price":"100050000000000000000"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			fill, ok := ev.(FillEvent)
			if !ok {
				t.Fatalf("event type %T", ev)
			}
			if fill.OrderID != digest {
				t.Errorf("order id = %q", fill.OrderID)
			}
			if fill.FilledQty.String() != "0.5" || fill.Price.String() != "100.05" {
				t.Errorf("qty %s price %s", fill.FilledQty, fill.Price)
			}
		})
	}
}

func TestDecodeFillSideFromSign(t *testing.T) {
	fill, err := DecodeFill([]byte(`{"type":"fill","order_digest":"0x1","filled_qty":"-2000000000000000000","price":"1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if fill.IsBid {
		t.Error("negative filled_qty should decode as a sell")
	}
	if fill.FilledQty.String() != "2" {
		t.Errorf("filled qty = %s, want absolute value", fill.FilledQty)
	}

	fill, err = DecodeFill([]byte(`{"type":"fill","order_digest":"0x1","filled_qty":"1","is_bid":false,"price":"1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if fill.IsBid {
		t.Error("explicit is_bid must win over the sign")
	}
}

func TestDecodeFillMissingDigest(t *testing.T) {
	_, err := DecodeFill([]byte(`{"type":"fill","filled_qty":"1","price":"1"}`))
	if !errors.Is(err, errs.ErrDecode) {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeDepth(t *testing.T) {
	frame := `{"type":"book_depth","min_timestamp":"10","max_timestamp":"20","last_max_timestamp":"9","product_id":2,
		"bids":[["100000000000000000000","1000000000000000000"],["99000000000000000000","0"]],
		"asks":[["101000000000000000000","3000000000000000000"]]}`
	ev, err := Decode([]byte(frame))
	if err != nil {
		t.Fatal(err)
	}
	d := ev.(DepthEvent)
	if len(d.Bids) != 2 || len(d.Asks) != 1 {
		t.Fatalf("levels: %d bids %d asks", len(d.Bids), len(d.Asks))
	}
	if !d.Bids[1].Quantity.IsZero() || d.Asks[0].Price.String() != "101" {
		t.Errorf("levels = %+v %+v", d.Bids, d.Asks)
	}
	if !d.MaxTimestamp.Equal(time.Unix(0, 20)) || !d.LastMaxTimestamp.Equal(time.Unix(0, 9)) {
		t.Errorf("timestamps = %v %v", d.MaxTimestamp, d.LastMaxTimestamp)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"missing type", `{"product_id":1}`},
		{"negative bbo", `{"type":"best_bid_offer","bid_price":"-1"}`},
		{"short level", `{"type":"book_depth","bids":[["1"]]}`},
		{"decimal x18", `{"type":"best_bid_offer","bid_price":"100.05"}`},
		{"order update without digest", `{"type":"order_update","amount":"1"}`},
		{"not an object", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.frame)); !errors.Is(err, errs.ErrDecode) {
				t.Fatalf("err = %v, want decode error", err)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"funding_rate","product_id":7}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := ev.(UnknownEvent)
	if !ok || u.Type != "funding_rate" || u.Product() != 7 {
		t.Fatalf("event = %#v", ev)
	}
}

func TestDecodePosition(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"position_change","timestamp":1700000000000000000,"product_id":2,"amount":"-1500000000000000000","v_quote_amount":"150000000000000000000","reason":"match_orders"}`))
	if err != nil {
		t.Fatal(err)
	}
	p := ev.(PositionEvent)
	if p.Amount.String() != "-1.5" || p.Reason != "match_orders" {
		t.Errorf("position = %+v", p)
	}
	if p.Timestamp.UnixNano() != 1700000000000000000 {
		t.Errorf("timestamp = %d", p.Timestamp.UnixNano())
	}
}
