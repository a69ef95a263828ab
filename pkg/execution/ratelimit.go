package execution

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// rateLimited throttles every REST call of a Gateway. OrderDigest is local
// and is not throttled.
type rateLimited struct {
	Gateway
	lim *rate.Limiter
}

// RateLimited wraps gw with a token bucket of rps requests per second.
func RateLimited(gw Gateway, rps float64, burst int) Gateway {
	if rps <= 0 {
		return gw
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{Gateway: gw, lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (g *rateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := g.lim.Wait(ctx); err != nil {
		return OrderAck{}, err
	}
	return g.Gateway.PlaceOrder(ctx, req)
}

func (g *rateLimited) CancelOrder(ctx context.Context, productID uint32, orderID string) error {
	if err := g.lim.Wait(ctx); err != nil {
		return err
	}
	return g.Gateway.CancelOrder(ctx, productID, orderID)
}

func (g *rateLimited) OrderStatus(ctx context.Context, productID uint32, orderID string) (OrderStatus, error) {
	if err := g.lim.Wait(ctx); err != nil {
		return OrderStatus{}, err
	}
	return g.Gateway.OrderStatus(ctx, productID, orderID)
}

func (g *rateLimited) Position(ctx context.Context, productID uint32) (decimal.Decimal, error) {
	if err := g.lim.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return g.Gateway.Position(ctx, productID)
}

func (g *rateLimited) BestBidAsk(ctx context.Context, productID uint32) (decimal.Decimal, decimal.Decimal, error) {
	if err := g.lim.Wait(ctx); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return g.Gateway.BestBidAsk(ctx, productID)
}
