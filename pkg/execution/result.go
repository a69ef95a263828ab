package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/market"
)

// State is the terminal (or current) state of an execution.
type State string

const (
	StateIdle            State = "IDLE"
	StateSubmitted       State = "SUBMITTED"
	StateFilled          State = "FILLED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateTimedOut        State = "TIMED_OUT"
	StateCancelling      State = "CANCELLING"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
)

// Reconciliation is the position check performed after an execution.
type Reconciliation struct {
	Checked  bool            `json:"checked"`
	Expected decimal.Decimal `json:"expected_delta"`
	Observed decimal.Decimal `json:"observed_delta"`
	Source   string          `json:"source,omitempty"`
	Mismatch bool            `json:"mismatch"`
}

// ExecutionResult is returned by every engine entry point on every path.
type ExecutionResult struct {
	ExecutionID    uuid.UUID       `json:"execution_id"`
	ProductID      uint32          `json:"product_id"`
	Side           market.Side     `json:"side"`
	Kind           OrderKind       `json:"kind"`
	State          State           `json:"state"`
	Success        bool            `json:"success"`
	RequestedSize  decimal.Decimal `json:"requested_size"`
	FilledSize     decimal.Decimal `json:"filled_size"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	RemainingSize  decimal.Decimal `json:"remaining_size"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	OrderIDs       []string        `json:"order_ids"`
	CancelReplaces int             `json:"cancel_replaces"`
	Reconciliation Reconciliation  `json:"reconciliation"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`

	// Err carries the typed error behind ErrorMessage; it is not persisted.
	Err error `json:"-"`
}

func newResult(productID uint32, side market.Side, kind OrderKind, qty decimal.Decimal, now time.Time) ExecutionResult {
	return ExecutionResult{
		ExecutionID:   uuid.New(),
		ProductID:     productID,
		Side:          side,
		Kind:          kind,
		State:         StateIdle,
		RequestedSize: qty,
		RemainingSize: qty,
		StartedAt:     now,
	}
}

func (r *ExecutionResult) fail(state State, err error) {
	r.State = state
	r.Success = false
	r.Err = err
	if err != nil {
		r.ErrorMessage = err.Error()
	}
}

// fillTally accumulates fills across cancel-replace cycles.
type fillTally struct {
	qty      decimal.Decimal
	notional decimal.Decimal
}

func (t *fillTally) add(qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	t.qty = t.qty.Add(qty)
	t.notional = t.notional.Add(qty.Mul(price))
}

func (t fillTally) avg() decimal.Decimal {
	if !t.qty.IsPositive() {
		return decimal.Zero
	}
	return t.notional.Div(t.qty)
}

func (r *ExecutionResult) applyTally(t fillTally) {
	r.FilledSize = t.qty
	r.AveragePrice = t.avg()
	r.RemainingSize = decimal.Max(r.RequestedSize.Sub(t.qty), decimal.Zero)
}
