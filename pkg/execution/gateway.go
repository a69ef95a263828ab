package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/market"
)

// OrderKind selects the exchange's time-in-force handling.
type OrderKind string

const (
	KindLimit    OrderKind = "limit"
	KindPostOnly OrderKind = "post_only"
	KindIOC      OrderKind = "ioc"
	KindFOK      OrderKind = "fok"
)

// OrderRequest is one order submission.
type OrderRequest struct {
	ProductID uint32
	Side      market.Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Kind      OrderKind
	// Nonce makes otherwise identical requests produce distinct digests.
	Nonce uint64
}

// OrderAck is the synchronous REST response to PlaceOrder. FilledQty and
// AvgPrice are set only when the exchange reports an immediate execution.
type OrderAck struct {
	OrderID   string
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Final     bool
}

// OrderStatus is the REST view of an order.
type OrderStatus struct {
	OrderID      string
	FilledQty    decimal.Decimal
	RemainingQty decimal.Decimal
	Open         bool
}

// Gateway is the exchange REST surface the engine drives.
type Gateway interface {
	// OrderDigest returns the id the exchange will assign to req.
	OrderDigest(req OrderRequest) (string, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, productID uint32, orderID string) error
	OrderStatus(ctx context.Context, productID uint32, orderID string) (OrderStatus, error)
	Position(ctx context.Context, productID uint32) (decimal.Decimal, error)
	BestBidAsk(ctx context.Context, productID uint32) (bid, ask decimal.Decimal, err error)
}

// RejectedError is returned by a Gateway when the exchange refuses an order
// for structural reasons (parameters, margin). Retrying it cannot succeed.
type RejectedError struct {
	Reason string
	Code   int
}

func (e *RejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("order rejected (%d): %s", e.Code, e.Reason)
	}
	return "order rejected: " + e.Reason
}
