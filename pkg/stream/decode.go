package stream

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/numeric"
)

// Event is a decoded push message.
type Event interface {
	StreamType() StreamType
	Product() uint32
}

// Level is one price level of a depth update.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// BBOEvent is a decoded best_bid_offer message.
type BBOEvent struct {
	ProductID uint32
	Timestamp time.Time
	BidPrice  decimal.Decimal
	BidQty    decimal.Decimal
	AskPrice  decimal.Decimal
	AskQty    decimal.Decimal
}

// DepthEvent is a decoded book_depth message. Levels are incremental: a
// quantity of zero removes the level.
type DepthEvent struct {
	ProductID        uint32
	MinTimestamp     time.Time
	MaxTimestamp     time.Time
	LastMaxTimestamp time.Time
	Bids             []Level
	Asks             []Level
}

// FillEvent is a decoded fill message.
type FillEvent struct {
	ProductID    uint32
	Timestamp    time.Time
	Subaccount   string
	OrderID      string
	FilledQty    decimal.Decimal
	RemainingQty decimal.Decimal
	OriginalQty  decimal.Decimal
	Price        decimal.Decimal
	IsBid        bool
	IsTaker      bool
}

// PositionEvent is a decoded position_change message.
type PositionEvent struct {
	ProductID    uint32
	Timestamp    time.Time
	Subaccount   string
	Amount       decimal.Decimal
	VQuoteAmount decimal.Decimal
	Reason       string
}

// OrderUpdateEvent is a decoded order_update message.
type OrderUpdateEvent struct {
	ProductID uint32
	Timestamp time.Time
	OrderID   string
	Amount    decimal.Decimal
	Reason    string
}

// UnknownEvent carries a push message of a type this package does not decode.
type UnknownEvent struct {
	Type      string
	ProductID uint32
	Raw       []byte
}

func (BBOEvent) StreamType() StreamType         { return BestBidOffer }
func (DepthEvent) StreamType() StreamType       { return BookDepth }
func (FillEvent) StreamType() StreamType        { return Fill }
func (PositionEvent) StreamType() StreamType    { return PositionChange }
func (OrderUpdateEvent) StreamType() StreamType { return OrderUpdate }
func (u UnknownEvent) StreamType() StreamType   { return StreamType(u.Type) }

func (e BBOEvent) Product() uint32         { return e.ProductID }
func (e DepthEvent) Product() uint32       { return e.ProductID }
func (e FillEvent) Product() uint32        { return e.ProductID }
func (e PositionEvent) Product() uint32    { return e.ProductID }
func (e OrderUpdateEvent) Product() uint32 { return e.ProductID }
func (u UnknownEvent) Product() uint32     { return u.ProductID }

// Decode parses one push frame into its typed event. Every price and
// quantity field is x18 on the wire; nothing is inferred from magnitude.
func Decode(frame []byte) (Event, error) {
	var head struct {
		Type      string `json:"type"`
		ProductID uint32 `json:"product_id"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, decodeErr("", err)
	}
	switch StreamType(head.Type) {
	case BestBidOffer:
		return DecodeBBO(frame)
	case BookDepth:
		return DecodeDepth(frame)
	case Fill:
		return DecodeFill(frame)
	case PositionChange:
		return DecodePosition(frame)
	case OrderUpdate:
		return DecodeOrderUpdate(frame)
	case "":
		return nil, decodeErr("", fmt.Errorf("missing type"))
	default:
		raw := make([]byte, len(frame))
		copy(raw, frame)
		return UnknownEvent{Type: head.Type, ProductID: head.ProductID, Raw: raw}, nil
	}
}

// DecodeBBO decodes a best_bid_offer frame.
func DecodeBBO(frame []byte) (BBOEvent, error) {
	var w struct {
		Timestamp nanos       `json:"timestamp"`
		ProductID uint32      `json:"product_id"`
		BidPrice  numeric.X18 `json:"bid_price"`
		BidQty    numeric.X18 `json:"bid_qty"`
		AskPrice  numeric.X18 `json:"ask_price"`
		AskQty    numeric.X18 `json:"ask_qty"`
	}
	if err := json.Unmarshal(frame, &w); err != nil {
		return BBOEvent{}, decodeErr(BestBidOffer, err)
	}
	ev := BBOEvent{
		ProductID: w.ProductID,
		Timestamp: w.Timestamp.Time(),
		BidPrice:  w.BidPrice.Decimal,
		BidQty:    w.BidQty.Decimal,
		AskPrice:  w.AskPrice.Decimal,
		AskQty:    w.AskQty.Decimal,
	}
	if ev.BidPrice.IsNegative() || ev.BidQty.IsNegative() || ev.AskPrice.IsNegative() || ev.AskQty.IsNegative() {
		return BBOEvent{}, decodeErr(BestBidOffer, fmt.Errorf("negative price or quantity"))
	}
	return ev, nil
}

// DecodeDepth decodes a book_depth frame.
func DecodeDepth(frame []byte) (DepthEvent, error) {
	var w struct {
		MinTimestamp     nanos       `json:"min_timestamp"`
		MaxTimestamp     nanos       `json:"max_timestamp"`
		LastMaxTimestamp nanos       `json:"last_max_timestamp"`
		ProductID        uint32      `json:"product_id"`
		Bids             []wireLevel `json:"bids"`
		Asks             []wireLevel `json:"asks"`
	}
	if err := json.Unmarshal(frame, &w); err != nil {
		return DepthEvent{}, decodeErr(BookDepth, err)
	}
	ev := DepthEvent{
		ProductID:        w.ProductID,
		MinTimestamp:     w.MinTimestamp.Time(),
		MaxTimestamp:     w.MaxTimestamp.Time(),
		LastMaxTimestamp: w.LastMaxTimestamp.Time(),
		Bids:             make([]Level, 0, len(w.Bids)),
		Asks:             make([]Level, 0, len(w.Asks)),
	}
	for _, l := range w.Bids {
		ev.Bids = append(ev.Bids, Level(l))
	}
	for _, l := range w.Asks {
		ev.Asks = append(ev.Asks, Level(l))
	}
	return ev, nil
}

// DecodeFill decodes a fill frame. The order identifier has been observed as
// a plain string, a single-element list, and nested under a status object;
// all three decode to the same OrderID.
func DecodeFill(frame []byte) (FillEvent, error) {
	var w struct {
		Timestamp    nanos       `json:"timestamp"`
		ProductID    uint32      `json:"product_id"`
		Subaccount   string      `json:"subaccount"`
		OrderDigest  digestField `json:"order_digest"`
		FilledQty    numeric.X18 `json:"filled_qty"`
		RemainingQty numeric.X18 `json:"remaining_qty"`
		OriginalQty  numeric.X18 `json:"original_qty"`
		Price        numeric.X18 `json:"price"`
		IsBid        *bool       `json:"is_bid"`
		IsTaker      bool        `json:"is_taker"`
		Status       *struct {
			OrderDigest digestField `json:"order_digest"`
		} `json:"status"`
	}
	if err := json.Unmarshal(frame, &w); err != nil {
		return FillEvent{}, decodeErr(Fill, err)
	}
	orderID := string(w.OrderDigest)
	if orderID == "" && w.Status != nil {
		orderID = string(w.Status.OrderDigest)
	}
	if orderID == "" {
		return FillEvent{}, decodeErr(Fill, fmt.Errorf("missing order_digest"))
	}

	filled := w.FilledQty.Decimal
	isBid := filled.IsPositive()
	if w.IsBid != nil {
		isBid = *w.IsBid
	}
	ev := FillEvent{
		ProductID:    w.ProductID,
		Timestamp:    w.Timestamp.Time(),
		Subaccount:   w.Subaccount,
		OrderID:      orderID,
		FilledQty:    filled.Abs(),
		RemainingQty: w.RemainingQty.Decimal.Abs(),
		OriginalQty:  w.OriginalQty.Decimal.Abs(),
		Price:        w.Price.Decimal,
		IsBid:        isBid,
		IsTaker:      w.IsTaker,
	}
	if ev.Price.IsNegative() {
		return FillEvent{}, decodeErr(Fill, fmt.Errorf("negative price"))
	}
	return ev, nil
}

// DecodePosition decodes a position_change frame.
func DecodePosition(frame []byte) (PositionEvent, error) {
	var w struct {
		Timestamp    nanos       `json:"timestamp"`
		ProductID    uint32      `json:"product_id"`
		Subaccount   string      `json:"subaccount"`
		Amount       numeric.X18 `json:"amount"`
		VQuoteAmount numeric.X18 `json:"v_quote_amount"`
		Reason       string      `json:"reason"`
	}
	if err := json.Unmarshal(frame, &w); err != nil {
		return PositionEvent{}, decodeErr(PositionChange, err)
	}
	return PositionEvent{
		ProductID:    w.ProductID,
		Timestamp:    w.Timestamp.Time(),
		Subaccount:   w.Subaccount,
		Amount:       w.Amount.Decimal,
		VQuoteAmount: w.VQuoteAmount.Decimal,
		Reason:       w.Reason,
	}, nil
}

// DecodeOrderUpdate decodes an order_update frame.
func DecodeOrderUpdate(frame []byte) (OrderUpdateEvent, error) {
	var w struct {
		Timestamp nanos       `json:"timestamp"`
		ProductID uint32      `json:"product_id"`
		Digest    digestField `json:"digest"`
		Amount    numeric.X18 `json:"amount"`
		Reason    string      `json:"reason"`
	}
	if err := json.Unmarshal(frame, &w); err != nil {
		return OrderUpdateEvent{}, decodeErr(OrderUpdate, err)
	}
	if w.Digest == "" {
		return OrderUpdateEvent{}, decodeErr(OrderUpdate, fmt.Errorf("missing digest"))
	}
	return OrderUpdateEvent{
		ProductID: w.ProductID,
		Timestamp: w.Timestamp.Time(),
		OrderID:   string(w.Digest),
		Amount:    w.Amount.Decimal,
		Reason:    w.Reason,
	}, nil
}

func decodeErr(t StreamType, err error) error {
	opts := []errs.Option{errs.WithCause(err)}
	if t != "" {
		opts = append(opts, errs.WithField("type", string(t)))
	}
	return errs.New("stream", errs.CodeDecode, opts...)
}

// nanos is a unix-nanosecond timestamp sent as a string or a number.
type nanos int64

func (n *nanos) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*n = nanos(v)
	return nil
}

func (n nanos) Time() time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n))
}

// wireLevel is a [price, qty] pair of x18 strings.
type wireLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (l *wireLevel) UnmarshalJSON(data []byte) error {
	var pair []numeric.X18
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("level: want [price, qty], got %d elements", len(pair))
	}
	if pair[0].IsNegative() || pair[1].IsNegative() {
		return fmt.Errorf("level: negative price or quantity")
	}
	l.Price, l.Quantity = pair[0].Decimal, pair[1].Decimal
	return nil
}

// digestField accepts "0x..", ["0x.."] or {"digest": "0x.."}.
type digestField string

func (d *digestField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("digest: %w", err)
		}
		*d = digestField(strings.TrimSpace(s))
		return nil
	case '[':
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("digest: %w", err)
		}
		if len(list) != 1 {
			return fmt.Errorf("digest: want one element, got %d", len(list))
		}
		*d = digestField(strings.TrimSpace(list[0]))
		return nil
	case '{':
		var obj struct {
			Digest      string `json:"digest"`
			OrderDigest string `json:"order_digest"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("digest: %w", err)
		}
		v := obj.Digest
		if v == "" {
			v = obj.OrderDigest
		}
		*d = digestField(strings.TrimSpace(v))
		return nil
	default:
		return fmt.Errorf("digest: unexpected %q", data)
	}
}
