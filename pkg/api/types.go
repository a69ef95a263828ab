package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/account"
	"github.com/uhyunpark/perplink/pkg/market"
)

// BBOResponse is the top of book for one product.
type BBOResponse struct {
	market.BBO
	Mid    decimal.Decimal `json:"mid"`
	Spread decimal.Decimal `json:"spread"`
}

// PositionResponse is the current position and its recent history.
type PositionResponse struct {
	Current account.PositionSnapshot `json:"current"`
	History []account.PositionChange `json:"history"`
}

// SlippageResponse is a depth-based cost estimate for a taker order.
type SlippageResponse struct {
	ProductID   uint32          `json:"product_id"`
	Side        market.Side     `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	SlippageBps float64         `json:"slippage_bps"`
	Available   bool            `json:"available"`
}

// ExitCapacityResponse answers whether target can be exited within MaxBps.
type ExitCapacityResponse struct {
	ProductID uint32          `json:"product_id"`
	Side      market.Side     `json:"side"`
	Target    decimal.Decimal `json:"target"`
	MaxBps    float64         `json:"max_bps"`
	Full      bool            `json:"full"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// LiquidityResponse sums the quantity resting on the top levels.
type LiquidityResponse struct {
	ProductID uint32          `json:"product_id"`
	Side      market.Side     `json:"side"`
	Levels    int             `json:"levels"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// FailuresResponse reports callback failures by registered name.
type FailuresResponse struct {
	Total    int64            `json:"total"`
	ByName   map[string]int64 `json:"by_name"`
	Decoding int64            `json:"decode_failures"`
}

// HealthResponse is served on /health.
type HealthResponse struct {
	Status        string    `json:"status"`
	Subscriptions int       `json:"subscriptions"`
	Time          time.Time `json:"time"`
}

// Event is one message pushed to dashboard websocket clients.
type Event struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// WSSubscribeRequest is sent by a dashboard client to pick channels.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["bbo:2", "fills", "executions"]
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
