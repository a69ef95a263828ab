// Package execution places orders through a Gateway and drives them to a
// terminal state using the live stream handlers: timeouts, cancel-replace on
// price drift, fill correlation and position reconciliation.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/account"
	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/market"
	"github.com/uhyunpark/perplink/pkg/util"
)

// Config tunes the engine. Zero fields take the DefaultConfig value.
type Config struct {
	DefaultTick decimal.Decimal
	Ticks       map[uint32]decimal.Decimal
	// RepriceThreshold is the reference-price move that triggers a
	// cancel-replace. Zero means one tick.
	RepriceThreshold   decimal.Decimal
	DefaultTimeout     time.Duration
	DefaultMaxRetries  int
	PollInterval       time.Duration
	SubmitBackoff      time.Duration
	SubmitMaxBackoff   time.Duration
	CancelTimeout      time.Duration
	SettleWait         time.Duration
	ImmediateTimeout   time.Duration
	MarketSlippageBps  float64
	ReconcileTolerance decimal.Decimal
	ReconcileGrace     time.Duration
	SweepGrace         time.Duration
	AlertHistory       int
}

func DefaultConfig() Config {
	return Config{
		DefaultTick:        decimal.RequireFromString("0.01"),
		DefaultTimeout:     10 * time.Second,
		DefaultMaxRetries:  3,
		PollInterval:       250 * time.Millisecond,
		SubmitBackoff:      200 * time.Millisecond,
		SubmitMaxBackoff:   2 * time.Second,
		CancelTimeout:      5 * time.Second,
		SettleWait:         500 * time.Millisecond,
		ImmediateTimeout:   5 * time.Second,
		MarketSlippageBps:  50,
		ReconcileTolerance: decimal.RequireFromString("0.000000001"),
		ReconcileGrace:     2 * time.Second,
		SweepGrace:         5 * time.Second,
		AlertHistory:       100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !c.DefaultTick.IsPositive() {
		c.DefaultTick = d.DefaultTick
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = d.SubmitBackoff
	}
	if c.SubmitMaxBackoff <= 0 {
		c.SubmitMaxBackoff = d.SubmitMaxBackoff
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.CancelTimeout
	}
	if c.SettleWait <= 0 {
		c.SettleWait = d.SettleWait
	}
	if c.ImmediateTimeout <= 0 {
		c.ImmediateTimeout = d.ImmediateTimeout
	}
	if c.MarketSlippageBps <= 0 {
		c.MarketSlippageBps = d.MarketSlippageBps
	}
	if !c.ReconcileTolerance.IsPositive() {
		c.ReconcileTolerance = d.ReconcileTolerance
	}
	if c.ReconcileGrace <= 0 {
		c.ReconcileGrace = d.ReconcileGrace
	}
	if c.SweepGrace <= 0 {
		c.SweepGrace = d.SweepGrace
	}
	if c.AlertHistory <= 0 {
		c.AlertHistory = d.AlertHistory
	}
	return c
}

// Journal persists execution outcomes. storage.Journal implements it.
type Journal interface {
	SaveExecution(ExecutionResult) error
	SaveAlert(Alert) error
}

// Deps are the collaborators of an Engine. Gateway and Fills are required.
type Deps struct {
	Gateway   Gateway
	BBO       *market.BBOHandler
	Depth     *market.DepthHandler
	Fills     *account.FillHandler
	Positions *account.PositionHandler
	Journal   Journal
	Clock     util.Clock
	Log       *zap.SugaredLogger
}

// LimitOrder is the input of PlaceLimitOrderWithTimeout.
type LimitOrder struct {
	ProductID uint32
	Side      market.Side
	Quantity  decimal.Decimal
	// Price nil selects one tick better than the passive side. An explicit
	// price keeps its offset from the reference price across reprices.
	Price    *decimal.Decimal
	PostOnly bool
	// Timeout zero selects Config.DefaultTimeout.
	Timeout time.Duration
	// MaxRetries zero selects Config.DefaultMaxRetries; negative disables
	// retries and cancel-replace.
	MaxRetries int
}

// Engine runs orders. It is safe for concurrent use; each call is an
// independent unit of work.
type Engine struct {
	cfg       Config
	gw        Gateway
	bbo       *market.BBOHandler
	depth     *market.DepthHandler
	fills     *account.FillHandler
	positions *account.PositionHandler
	journal   Journal
	clock     util.Clock
	log       *zap.SugaredLogger

	claims *claimSet
	nonce  atomic.Uint64

	watchMu sync.Mutex
	watches map[string]*watch

	alertMu sync.Mutex
	alerts  []Alert

	executions metric.Int64Counter
	mismatches metric.Int64Counter
}

type watch struct {
	orderID   string
	productID uint32
	deadline  time.Time
	notify    chan struct{}
}

func NewEngine(cfg Config, d Deps) (*Engine, error) {
	if d.Gateway == nil {
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("gateway required"))
	}
	if d.Fills == nil {
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("fill handler required"))
	}
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		gw:        d.Gateway,
		bbo:       d.BBO,
		depth:     d.Depth,
		fills:     d.Fills,
		positions: d.Positions,
		journal:   d.Journal,
		clock:     d.Clock,
		log:       util.OrNop(d.Log),
		claims:    newClaimSet(),
		watches:   make(map[string]*watch),
	}
	e.nonce.Store(uint64(d.Clock.Now().UnixMilli()) << 20)

	meter := otel.Meter("perplink/execution")
	e.executions, _ = meter.Int64Counter("perplink_executions",
		metric.WithDescription("Executions by terminal state"))
	e.mismatches, _ = meter.Int64Counter("perplink_reconciliation_mismatches",
		metric.WithDescription("Position deltas that disagreed with recorded fills"))

	d.Fills.OnFill("execution_engine", e.onFill)
	return e, nil
}

// PlaceLimitOrderWithTimeout rests a limit order and manages it until it
// fills, the timeout elapses or ctx ends. The reference price is the best ask
// for buys and the best bid for sells; when it drifts beyond the reprice
// threshold the order is cancelled and resubmitted, at most MaxRetries
// times. On timeout the remainder is cancelled and a partial result is
// returned.
func (e *Engine) PlaceLimitOrderWithTimeout(ctx context.Context, o LimitOrder) ExecutionResult {
	kind := KindLimit
	if o.PostOnly {
		kind = KindPostOnly
	}
	res := newResult(o.ProductID, o.Side, kind, o.Quantity, e.clock.Now())
	if !o.Quantity.IsPositive() {
		res.fail(StateRejected, errs.New("execution", errs.CodeInvalid, errs.WithMessage("quantity must be positive")))
		return e.finish(ctx, res, baseline{})
	}
	if o.Price != nil && !o.Price.IsPositive() {
		res.fail(StateRejected, errs.New("execution", errs.CodeInvalid, errs.WithMessage("price must be positive")))
		return e.finish(ctx, res, baseline{})
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	maxRetries := o.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = e.cfg.DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	deadline := res.StartedAt.Add(timeout)
	base := e.baseline(ctx, o.ProductID)

	var (
		tally  fillTally
		offset *decimal.Decimal
		last   outcome
	)
	for {
		remaining := o.Quantity.Sub(tally.qty)
		price, ref, off, err := e.limitPrice(ctx, o, offset)
		if err != nil {
			last = outcome{kind: outcomeRejected, err: err}
			break
		}
		offset = off

		req := OrderRequest{ProductID: o.ProductID, Side: o.Side, Price: price, Quantity: remaining, Kind: kind}
		last = e.runLimit(ctx, req, ref, deadline, base, tally.qty, res.CancelReplaces < maxRetries, maxRetries, &res)
		tally.add(last.filled, last.avg)

		if last.kind != outcomeReprice || !o.Quantity.Sub(tally.qty).IsPositive() {
			break
		}
		res.CancelReplaces++
		e.log.Infow("order_repriced", "execution_id", res.ExecutionID, "product_id", o.ProductID,
			"side", o.Side, "cycle", res.CancelReplaces, "filled", tally.qty)
	}

	res.applyTally(tally)
	switch {
	case !res.RemainingSize.IsPositive():
		res.State = StateFilled
		res.Success = true
	case last.kind == outcomeRejected && tally.qty.IsZero():
		res.fail(StateRejected, last.err)
	case last.kind == outcomeAborted:
		state := StateCancelled
		if tally.qty.IsPositive() {
			state = StatePartiallyFilled
		}
		res.fail(state, errs.New("execution", errs.CodeTimeout, errs.WithMessage("cancelled by caller"), errs.WithCause(ctx.Err())))
	default:
		state := StateCancelled
		if tally.qty.IsPositive() {
			state = StatePartiallyFilled
		}
		cause := last.err
		if cause == nil {
			cause = errs.New("execution", errs.CodeTimeout,
				errs.WithMessage(fmt.Sprintf("timed out after %s with %s of %s filled", timeout, tally.qty, o.Quantity)))
		}
		res.fail(state, cause)
	}
	return e.finish(ctx, res, base)
}

type outcomeKind int

const (
	outcomeFilled outcomeKind = iota
	outcomeReprice
	outcomeTimeout
	outcomeAborted
	outcomeRejected
)

type outcome struct {
	kind   outcomeKind
	filled decimal.Decimal
	avg    decimal.Decimal
	err    error
}

// runLimit submits one order of a (possibly repriced) execution and waits
// for it to reach a terminal outcome. The Fill Handler entry lives exactly
// as long as this call.
func (e *Engine) runLimit(ctx context.Context, req OrderRequest, ref decimal.Decimal, deadline time.Time, base baseline, prior decimal.Decimal, canReprice bool, maxRetries int, res *ExecutionResult) outcome {
	orderID, w, err := e.submit(ctx, req, deadline, maxRetries)
	if err != nil {
		return outcome{kind: outcomeRejected, err: err}
	}
	defer e.release(orderID)
	res.OrderIDs = append(res.OrderIDs, orderID)
	res.State = StateSubmitted
	threshold := e.repriceThreshold(req.ProductID)

	for {
		if of, _ := e.fills.Fills(orderID); of.Complete || of.FilledQty.GreaterThanOrEqual(req.Quantity) {
			return outcome{kind: outcomeFilled, filled: decimal.Min(of.FilledQty, req.Quantity), avg: of.AvgPrice}
		}
		if e.positionShowsFill(req, base, prior, res.StartedAt) {
			e.log.Warnw("fill_inferred_from_position", "order_id", orderID, "product_id", req.ProductID)
			return outcome{kind: outcomeFilled, filled: req.Quantity, avg: req.Price}
		}

		now := e.clock.Now()
		if !now.Before(deadline) {
			res.State = StateTimedOut
			return e.cancelAndSettle(ctx, req, orderID, outcomeTimeout)
		}
		if canReprice {
			if cur, ok := e.streamRef(req.ProductID, req.Side); ok && cur.Sub(ref).Abs().GreaterThan(threshold) {
				e.log.Infow("reference_price_moved", "order_id", orderID, "from", ref, "to", cur)
				return e.cancelAndSettle(ctx, req, orderID, outcomeReprice)
			}
		}

		wait := e.cfg.PollInterval
		if left := deadline.Sub(now); left < wait {
			wait = left
		}
		select {
		case <-w.notify:
		case <-e.clock.After(wait):
		case <-ctx.Done():
			return e.cancelAndSettle(ctx, req, orderID, outcomeAborted)
		}
	}
}

// submit tracks and places req, retrying transient failures with backoff.
// Retries resubmit the same digest, so the exchange can only accept it once.
func (e *Engine) submit(ctx context.Context, req OrderRequest, deadline time.Time, maxRetries int) (string, *watch, error) {
	req.Nonce = e.nonce.Add(1)
	orderID, err := e.gw.OrderDigest(req)
	if err != nil {
		return "", nil, errs.New("execution", errs.CodeSubmission, errs.WithMessage("order digest"), errs.WithCause(err))
	}
	e.fills.TrackOrder(orderID, req.ProductID, req.Quantity, req.Side)
	w := e.watch(orderID, req.ProductID, deadline)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.SubmitBackoff
	bo.MaxInterval = e.cfg.SubmitMaxBackoff
	ack, err := backoff.Retry(ctx, func() (OrderAck, error) {
		ack, err := e.gw.PlaceOrder(ctx, req)
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return ack, backoff.Permanent(err)
		}
		return ack, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Warnw("order_submit_retry", "order_id", orderID, "product_id", req.ProductID, "backoff", next, "err", err)
		}),
	)
	if err != nil {
		e.release(orderID)
		return "", nil, errs.New("execution", errs.CodeSubmission,
			errs.WithMessage("place order"),
			errs.WithField("product_id", fmt.Sprint(req.ProductID)),
			errs.WithCause(err))
	}
	if ack.OrderID != "" && ack.OrderID != orderID {
		e.log.Warnw("order_digest_mismatch", "expected", orderID, "got", ack.OrderID)
		e.release(orderID)
		orderID = ack.OrderID
		e.fills.TrackOrder(orderID, req.ProductID, req.Quantity, req.Side)
		w = e.watch(orderID, req.ProductID, deadline)
	}
	e.log.Infow("order_submitted", "order_id", orderID, "product_id", req.ProductID,
		"side", req.Side, "price", req.Price, "qty", req.Quantity, "kind", req.Kind)
	return orderID, w, nil
}

// cancelAndSettle cancels orderID unless another path already claimed it,
// then collects the fills that landed before the cancel took effect.
func (e *Engine) cancelAndSettle(ctx context.Context, req OrderRequest, orderID string, kind outcomeKind) outcome {
	won, done := e.claims.acquire(orderID)
	if won {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
		err := e.gw.CancelOrder(cctx, req.ProductID, orderID)
		cancel()
		e.claims.release(orderID)
		if err != nil {
			e.log.Warnw("order_cancel_failed", "order_id", orderID, "err", err)
		} else {
			e.log.Infow("order_cancelled", "order_id", orderID, "product_id", req.ProductID)
		}
	} else {
		select {
		case <-done:
		case <-e.clock.After(e.cfg.CancelTimeout):
		}
	}

	of := e.settle(ctx, req, orderID)
	out := outcome{kind: kind, filled: decimal.Min(of.FilledQty, req.Quantity), avg: of.AvgPrice}
	if out.filled.GreaterThanOrEqual(req.Quantity) {
		out.kind = outcomeFilled
	}
	return out
}

// settle reconciles stream fills with the REST order status. Fills that the
// exchange reports but the stream has not delivered within SettleWait are
// booked at the order price.
func (e *Engine) settle(ctx context.Context, req OrderRequest, orderID string) account.OrderFills {
	of, _ := e.fills.Fills(orderID)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()
	st, err := e.gw.OrderStatus(sctx, req.ProductID, orderID)
	if err != nil || !st.FilledQty.GreaterThan(of.FilledQty) {
		return of
	}

	w := e.lookupWatch(orderID)
	end := e.clock.Now().Add(e.cfg.SettleWait)
	for e.clock.Now().Before(end) {
		var notify <-chan struct{}
		if w != nil {
			notify = w.notify
		}
		select {
		case <-notify:
		case <-e.clock.After(e.cfg.PollInterval):
		}
		if of, _ = e.fills.Fills(orderID); !st.FilledQty.GreaterThan(of.FilledQty) {
			return of
		}
	}
	missing := st.FilledQty.Sub(of.FilledQty)
	e.log.Warnw("fills_missing_from_stream", "order_id", orderID, "missing", missing)
	notional := of.AvgPrice.Mul(of.FilledQty).Add(missing.Mul(req.Price))
	of.FilledQty = st.FilledQty
	of.AvgPrice = notional.Div(of.FilledQty)
	return of
}

// positionShowsFill is the fallback for lost fill messages: the position
// moved by at least everything this execution expects to have filled.
func (e *Engine) positionShowsFill(req OrderRequest, base baseline, prior decimal.Decimal, since time.Time) bool {
	if e.positions == nil || !base.ok {
		return false
	}
	cur, ok := e.positions.Current(req.ProductID)
	if !ok || cur.Timestamp.Before(since) {
		return false
	}
	moved := cur.Size.Sub(base.size)
	if req.Side == market.Sell {
		moved = moved.Neg()
	}
	return moved.GreaterThanOrEqual(prior.Add(req.Quantity))
}

func (e *Engine) limitPrice(ctx context.Context, o LimitOrder, offset *decimal.Decimal) (price, ref decimal.Decimal, off *decimal.Decimal, err error) {
	bid, ask, err := e.quote(ctx, o.ProductID)
	if err != nil {
		return decimal.Zero, decimal.Zero, nil, err
	}
	ref = ask
	if o.Side == market.Sell {
		ref = bid
	}
	if !ref.IsPositive() {
		return decimal.Zero, decimal.Zero, nil, errs.New("execution", errs.CodeUnavailable,
			errs.WithMessage("no reference price on the "+o.Side.Opposite().String()+" side"))
	}

	switch {
	case o.Price != nil && offset == nil:
		d := o.Price.Sub(ref)
		return *o.Price, ref, &d, nil
	case o.Price != nil:
		price = ref.Add(*offset)
	default:
		price = makerPrice(o.Side, bid, ask, e.tick(o.ProductID))
	}
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, nil, errs.New("execution", errs.CodeInvalid,
			errs.WithMessage("derived price "+price.String()+" is not positive"))
	}
	return price, ref, offset, nil
}

// makerPrice is one tick inside the passive side, never crossing the spread.
func makerPrice(side market.Side, bid, ask, tick decimal.Decimal) decimal.Decimal {
	if side == market.Buy {
		if !bid.IsPositive() {
			return ask.Sub(tick)
		}
		p := bid.Add(tick)
		if ask.IsPositive() && p.GreaterThanOrEqual(ask) {
			return bid
		}
		return p
	}
	if !ask.IsPositive() {
		return bid.Add(tick)
	}
	p := ask.Sub(tick)
	if bid.IsPositive() && p.LessThanOrEqual(bid) {
		return ask
	}
	return p
}

// quote returns the best bid and ask, preferring the stream.
func (e *Engine) quote(ctx context.Context, productID uint32) (bid, ask decimal.Decimal, err error) {
	if e.bbo != nil {
		if b, err := e.bbo.Prices(productID); err == nil {
			return b.BidPrice, b.AskPrice, nil
		}
	}
	bid, ask, err = e.gw.BestBidAsk(ctx, productID)
	if err != nil {
		return decimal.Zero, decimal.Zero, errs.New("execution", errs.CodeUnavailable,
			errs.WithMessage("best bid/ask"), errs.WithCause(err))
	}
	return bid, ask, nil
}

// streamRef is the reference price from the stream only; the monitor loop
// never polls REST for it.
func (e *Engine) streamRef(productID uint32, side market.Side) (decimal.Decimal, bool) {
	if e.bbo == nil {
		return decimal.Zero, false
	}
	b, err := e.bbo.Prices(productID)
	if err != nil {
		return decimal.Zero, false
	}
	ref := b.AskPrice
	if side == market.Sell {
		ref = b.BidPrice
	}
	return ref, ref.IsPositive()
}

func (e *Engine) tick(productID uint32) decimal.Decimal {
	if t, ok := e.cfg.Ticks[productID]; ok && t.IsPositive() {
		return t
	}
	return e.cfg.DefaultTick
}

func (e *Engine) repriceThreshold(productID uint32) decimal.Decimal {
	if e.cfg.RepriceThreshold.IsPositive() {
		return e.cfg.RepriceThreshold
	}
	return e.tick(productID)
}

func (e *Engine) watch(orderID string, productID uint32, deadline time.Time) *watch {
	w := &watch{orderID: orderID, productID: productID, deadline: deadline, notify: make(chan struct{}, 1)}
	e.watchMu.Lock()
	e.watches[orderID] = w
	e.watchMu.Unlock()
	return w
}

func (e *Engine) lookupWatch(orderID string) *watch {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	return e.watches[orderID]
}

// release ends engine ownership of orderID.
func (e *Engine) release(orderID string) {
	e.watchMu.Lock()
	delete(e.watches, orderID)
	e.watchMu.Unlock()
	e.fills.Untrack(orderID)
	e.claims.forget(orderID)
}

func (e *Engine) onFill(f account.Fill) {
	e.watchMu.Lock()
	w, ok := e.watches[f.OrderID]
	e.watchMu.Unlock()
	if !ok {
		return
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// finish stamps, reconciles, records and logs a terminal result.
func (e *Engine) finish(ctx context.Context, res ExecutionResult, base baseline) ExecutionResult {
	if base.ok {
		e.reconcile(ctx, &res, base)
	}
	res.FinishedAt = e.clock.Now()

	if e.journal != nil {
		if err := e.journal.SaveExecution(res); err != nil {
			e.log.Warnw("journal_write_failed", "execution_id", res.ExecutionID, "err", err)
		}
	}
	if e.executions != nil {
		e.executions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("state", string(res.State)),
			attribute.String("kind", string(res.Kind)),
		))
	}

	fields := []any{
		"execution_id", res.ExecutionID, "product_id", res.ProductID, "side", res.Side,
		"state", res.State, "filled", res.FilledSize, "avg_price", res.AveragePrice,
		"remaining", res.RemainingSize, "cancel_replaces", res.CancelReplaces,
		"elapsed", res.FinishedAt.Sub(res.StartedAt),
	}
	if res.Success {
		e.log.Infow("execution_finished", fields...)
	} else {
		e.log.Warnw("execution_finished", append(fields, "err", res.ErrorMessage)...)
	}
	return res
}
