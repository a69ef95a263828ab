package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/market"
)

const (
	sourceStream = "stream"
	sourceREST   = "rest"
)

// Alert is a flagged reconciliation mismatch. It is never retried.
type Alert struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	ProductID   uint32          `json:"product_id"`
	Expected    decimal.Decimal `json:"expected_delta"`
	Observed    decimal.Decimal `json:"observed_delta"`
	Source      string          `json:"source"`
	Message     string          `json:"message"`
	At          time.Time       `json:"at"`
}

type baseline struct {
	size   decimal.Decimal
	source string
	ok     bool
}

// baseline records the position before an execution starts.
func (e *Engine) baseline(ctx context.Context, productID uint32) baseline {
	if e.positions != nil {
		if p, ok := e.positions.Current(productID); ok {
			return baseline{size: p.Size, source: sourceStream, ok: true}
		}
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
	defer cancel()
	size, err := e.gw.Position(cctx, productID)
	if err != nil {
		e.log.Warnw("position_baseline_unavailable", "product_id", productID, "err", err)
		return baseline{}
	}
	return baseline{size: size, source: sourceREST, ok: true}
}

// observe reads the current position from the same source as base, falling
// back to REST when the stream has nothing.
func (e *Engine) observe(ctx context.Context, productID uint32, base baseline) (decimal.Decimal, string, bool) {
	if base.source == sourceStream && e.positions != nil {
		if p, ok := e.positions.Current(productID); ok {
			return p.Size, sourceStream, true
		}
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()
	size, err := e.gw.Position(cctx, productID)
	if err != nil {
		return decimal.Zero, "", false
	}
	return size, sourceREST, true
}

// reconcile compares the position delta with the signed filled size. The
// stream is given ReconcileGrace to catch up before a mismatch is flagged.
func (e *Engine) reconcile(ctx context.Context, res *ExecutionResult, base baseline) {
	expected := res.FilledSize
	if res.Side == market.Sell {
		expected = expected.Neg()
	}
	rec := Reconciliation{Checked: true, Expected: expected}

	end := e.clock.Now().Add(e.cfg.ReconcileGrace)
	for {
		size, source, ok := e.observe(ctx, res.ProductID, base)
		if ok {
			rec.Observed = size.Sub(base.size)
			rec.Source = source
			if rec.Observed.Sub(expected).Abs().LessThanOrEqual(e.cfg.ReconcileTolerance) {
				res.Reconciliation = rec
				return
			}
		}
		if !e.clock.Now().Before(end) {
			if !ok {
				rec.Checked = false
				res.Reconciliation = rec
				return
			}
			break
		}
		<-e.clock.After(e.cfg.PollInterval)
	}

	rec.Mismatch = true
	res.Reconciliation = rec
	alert := Alert{
		ExecutionID: res.ExecutionID,
		ProductID:   res.ProductID,
		Expected:    rec.Expected,
		Observed:    rec.Observed,
		Source:      rec.Source,
		Message:     fmt.Sprintf("position moved %s, fills account for %s", rec.Observed, rec.Expected),
		At:          e.clock.Now(),
	}
	e.raise(alert)

	mismatch := errs.New("execution", errs.CodeReconciliation,
		errs.WithMessage(alert.Message),
		errs.WithField("product_id", fmt.Sprint(res.ProductID)))
	if res.Err == nil {
		res.Err = mismatch
	}
	if res.ErrorMessage == "" {
		res.ErrorMessage = mismatch.Error()
	} else {
		res.ErrorMessage += "; " + mismatch.Error()
	}
}

func (e *Engine) raise(a Alert) {
	e.alertMu.Lock()
	e.alerts = append(e.alerts, a)
	if n := len(e.alerts); n > e.cfg.AlertHistory {
		e.alerts = append([]Alert(nil), e.alerts[n-e.cfg.AlertHistory:]...)
	}
	e.alertMu.Unlock()

	e.log.Errorw("reconciliation_mismatch", "execution_id", a.ExecutionID, "product_id", a.ProductID,
		"expected", a.Expected, "observed", a.Observed, "source", a.Source)
	if e.mismatches != nil {
		e.mismatches.Add(context.Background(), 1)
	}
	if e.journal != nil {
		if err := e.journal.SaveAlert(a); err != nil {
			e.log.Warnw("journal_write_failed", "execution_id", a.ExecutionID, "err", err)
		}
	}
}

// Alerts returns recent reconciliation alerts, oldest first.
func (e *Engine) Alerts() []Alert {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()
	return append([]Alert(nil), e.alerts...)
}
