package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/callback"
	"github.com/uhyunpark/perplink/pkg/crypto"
	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/util"
)

// DefaultAckTimeout bounds the wait for a subscribe/unsubscribe response.
const DefaultAckTimeout = 5 * time.Second

// Conn is the part of Transport the manager depends on.
type Conn interface {
	Send(ctx context.Context, v any) error
	Messages() <-chan Frame
	Reconnected() <-chan struct{}
}

// Authenticator issues credentials for private streams.
type Authenticator interface {
	Credential(sub crypto.Subaccount) (crypto.Credential, error)
}

// Callback receives dispatched events. A returned error is logged and counted
// by the supervisor; it never stops delivery to other callbacks.
type Callback func(Event) error

// SubscriptionState is the lifecycle of a wire subscription.
type SubscriptionState string

const (
	StatePending SubscriptionState = "pending"
	StateActive  SubscriptionState = "active"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	Stream Stream
	Name   string
	handle uint64
}

// SubscriptionInfo describes one wire subscription.
type SubscriptionInfo struct {
	Stream    Stream            `json:"stream"`
	State     SubscriptionState `json:"state"`
	Callbacks []string          `json:"callbacks"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Subaccount authenticates private streams that do not name their own.
	Subaccount crypto.Subaccount
	AckTimeout time.Duration
}

type registered struct {
	name string
	fn   Callback
}

type route struct {
	stream   Stream
	state    SubscriptionState
	handlers map[uint64]registered
	order    []uint64
}

// Manager tracks desired subscriptions over one Conn, correlates acks, routes
// decoded events to callbacks and replays active subscriptions on reconnect.
type Manager struct {
	conn       Conn
	auth       Authenticator
	sub        crypto.Subaccount
	ackTimeout time.Duration
	sup        *callback.Supervisor
	log        *zap.SugaredLogger

	nextID     atomic.Uint64
	nextHandle atomic.Uint64

	mu       sync.Mutex
	routes   map[routeKey]*route
	pending  map[uint64]chan ack
	fallback Callback

	decodeFailures atomic.Int64
	resubscribes   metric.Int64Counter
	wg             sync.WaitGroup
}

// NewManager builds a manager. auth may be nil, in which case private
// subscriptions fail with an auth error before touching the network.
func NewManager(conn Conn, auth Authenticator, cfg ManagerConfig, sup *callback.Supervisor, log *zap.SugaredLogger) *Manager {
	if s, ok := auth.(*crypto.StreamAuthSigner); ok && s == nil {
		auth = nil
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if sup == nil {
		sup = callback.NewSupervisor("stream", log)
	}
	m := &Manager{
		conn:       conn,
		auth:       auth,
		sub:        cfg.Subaccount,
		ackTimeout: cfg.AckTimeout,
		sup:        sup,
		log:        util.OrNop(log),
		routes:     make(map[routeKey]*route),
		pending:    make(map[uint64]chan ack),
	}
	m.resubscribes, _ = otel.Meter("perplink/stream").Int64Counter("perplink_stream_resubscribes",
		metric.WithDescription("Subscriptions replayed after a reconnect"))
	return m
}

// Subscribe registers fn for s and, if this is the first callback on the
// (type, product) pair, subscribes on the wire and waits for the ack.
func (m *Manager) Subscribe(ctx context.Context, s Stream, name string, fn Callback) (Subscription, error) {
	if fn == nil {
		return Subscription{}, errs.New("stream", errs.CodeInvalid, errs.WithMessage("nil callback"))
	}
	if s.Type.Private() {
		if m.auth == nil {
			return Subscription{}, errs.New("stream", errs.CodeAuth,
				errs.WithMessage("private stream requires a signer"),
				errs.WithField("type", string(s.Type)))
		}
		if s.Subaccount == "" {
			s.Subaccount = m.sub.Hex()
		}
	}

	handle := m.nextHandle.Add(1)
	m.mu.Lock()
	r, ok := m.routes[s.key()]
	first := !ok
	if first {
		r = &route{stream: s, state: StatePending, handlers: make(map[uint64]registered)}
		m.routes[s.key()] = r
	}
	r.handlers[handle] = registered{name: name, fn: fn}
	r.order = append(r.order, handle)
	m.mu.Unlock()

	handleSub := Subscription{Stream: s, Name: name, handle: handle}
	if !first {
		return handleSub, nil
	}

	if err := m.request(ctx, methodSubscribe, s); err != nil {
		m.mu.Lock()
		if cur := m.routes[s.key()]; cur == r {
			delete(m.routes, s.key())
		}
		m.mu.Unlock()
		return Subscription{}, err
	}

	m.mu.Lock()
	r.state = StateActive
	m.mu.Unlock()
	m.log.Infow("stream_subscribed", "type", s.Type, "product_id", s.ProductID, "callback", name)
	return handleSub, nil
}

// Unsubscribe removes the callback. The wire subscription is dropped with the
// last callback. Unknown or already removed handles are a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, sub Subscription) error {
	m.mu.Lock()
	r, ok := m.routes[sub.Stream.key()]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := r.handlers[sub.handle]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(r.handlers, sub.handle)
	for i, h := range r.order {
		if h == sub.handle {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	last := len(r.handlers) == 0
	if last {
		delete(m.routes, sub.Stream.key())
	}
	m.mu.Unlock()

	if !last {
		return nil
	}
	if err := m.request(ctx, methodUnsubscribe, r.stream); err != nil {
		m.log.Warnw("stream_unsubscribe_failed", "type", r.stream.Type, "product_id", r.stream.ProductID, "err", err)
		return err
	}
	m.log.Infow("stream_unsubscribed", "type", r.stream.Type, "product_id", r.stream.ProductID)
	return nil
}

// SetFallback installs the sink for events no subscription matches.
func (m *Manager) SetFallback(fn Callback) {
	m.mu.Lock()
	m.fallback = fn
	m.mu.Unlock()
}

// Dispatch delivers ev to every callback registered on its (type, product).
func (m *Manager) Dispatch(ev Event) {
	m.mu.Lock()
	var targets []registered
	if r, ok := m.routes[routeKey{typ: ev.StreamType(), product: ev.Product()}]; ok {
		targets = make([]registered, 0, len(r.order))
		for _, h := range r.order {
			targets = append(targets, r.handlers[h])
		}
	}
	fallback := m.fallback
	m.mu.Unlock()

	if len(targets) == 0 {
		if fallback == nil {
			m.log.Debugw("stream_unrouted_event", "type", ev.StreamType(), "product_id", ev.Product())
			return
		}
		m.sup.Run("fallback", func() error { return fallback(ev) })
		return
	}
	for _, t := range targets {
		t := t
		m.sup.Run(t.name, func() error { return t.fn(ev) })
	}
}

// Run pumps frames until ctx ends or the transport closes its channel.
func (m *Manager) Run(ctx context.Context) error {
	defer m.wg.Wait()
	msgs := m.conn.Messages()
	reconnected := m.conn.Reconnected()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.resubscribe(ctx)
			}()
		case f, ok := <-msgs:
			if !ok {
				return nil
			}
			m.handleFrame(f.Data)
		}
	}
}

// Snapshot lists wire subscriptions ordered by type and product.
func (m *Manager) Snapshot() []SubscriptionInfo {
	m.mu.Lock()
	out := make([]SubscriptionInfo, 0, len(m.routes))
	for _, r := range m.routes {
		info := SubscriptionInfo{Stream: r.stream, State: r.state, Callbacks: make([]string, 0, len(r.order))}
		for _, h := range r.order {
			info.Callbacks = append(info.Callbacks, r.handlers[h].name)
		}
		out = append(out, info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stream.Type != out[j].Stream.Type {
			return out[i].Stream.Type < out[j].Stream.Type
		}
		return out[i].Stream.ProductID < out[j].Stream.ProductID
	})
	return out
}

// DecodeFailures counts push frames that could not be decoded.
func (m *Manager) DecodeFailures() int64 { return m.decodeFailures.Load() }

func (m *Manager) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.decodeFailures.Add(1)
		m.log.Warnw("stream_frame_unparsable", "err", err)
		return
	}
	if env.isAck() {
		m.resolve(ack{ID: *env.ID, Result: env.Result, Error: env.Error, ErrorCode: env.ErrorCode})
		return
	}
	ev, err := Decode(data)
	if err != nil {
		m.decodeFailures.Add(1)
		m.log.Warnw("stream_decode_failed", "type", env.Type, "err", err)
		return
	}
	m.Dispatch(ev)
}

func (m *Manager) resolve(a ack) {
	m.mu.Lock()
	ch, ok := m.pending[a.ID]
	delete(m.pending, a.ID)
	m.mu.Unlock()
	if !ok {
		m.log.Debugw("stream_orphan_ack", "id", a.ID)
		return
	}
	ch <- a
}

// request sends one subscribe/unsubscribe and waits for its ack. Private
// streams are signed with a credential minted for this attempt.
func (m *Manager) request(ctx context.Context, method string, s Stream) error {
	var cred *crypto.Credential
	if s.Type.Private() && method == methodSubscribe {
		if m.auth == nil {
			return errs.New("stream", errs.CodeAuth, errs.WithMessage("private stream requires a signer"))
		}
		sub := m.sub
		if s.Subaccount != "" {
			parsed, err := crypto.ParseSubaccount(s.Subaccount)
			if err != nil {
				return errs.New("stream", errs.CodeInvalid, errs.WithCause(err))
			}
			sub = parsed
		}
		c, err := m.auth.Credential(sub)
		if err != nil {
			return errs.New("stream", errs.CodeAuth, errs.WithMessage("sign credential"), errs.WithCause(err))
		}
		cred = &c
	}

	id := m.nextID.Add(1)
	ch := make(chan ack, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := m.conn.Send(ctx, newRequest(method, s, id, cred)); err != nil {
		return errs.New("stream", errs.CodeSubscription,
			errs.WithMessage(method+" send failed"),
			errs.WithField("type", string(s.Type)),
			errs.WithCause(err))
	}

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()
	select {
	case a := <-ch:
		if a.Error == "" {
			return nil
		}
		code := errs.CodeSubscription
		if s.Type.Private() && authFailure(a.Error) {
			code = errs.CodeAuth
		}
		return errs.New("stream", code,
			errs.WithMessage(a.Error),
			errs.WithRawCode(fmt.Sprint(a.ErrorCode)),
			errs.WithField("type", string(s.Type)),
			errs.WithField("product_id", fmt.Sprint(s.ProductID)))
	case <-timer.C:
		return errs.New("stream", errs.CodeSubscription,
			errs.WithMessage(method+" ack timeout"),
			errs.WithField("type", string(s.Type)),
			errs.WithField("timeout", m.ackTimeout.String()))
	case <-ctx.Done():
		return errs.New("stream", errs.CodeSubscription, errs.WithMessage(method+" cancelled"), errs.WithCause(ctx.Err()))
	}
}

func (m *Manager) resubscribe(ctx context.Context) {
	m.mu.Lock()
	streams := make([]Stream, 0, len(m.routes))
	for _, r := range m.routes {
		if r.state == StateActive {
			streams = append(streams, r.stream)
		}
	}
	m.mu.Unlock()

	m.log.Infow("stream_resubscribing", "count", len(streams))
	for _, s := range streams {
		if ctx.Err() != nil {
			return
		}
		err := m.request(ctx, methodSubscribe, s)
		m.mu.Lock()
		if r, ok := m.routes[s.key()]; ok {
			if err != nil {
				r.state = StatePending
			} else {
				r.state = StateActive
			}
		}
		m.mu.Unlock()
		if err != nil {
			m.log.Warnw("stream_resubscribe_failed", "type", s.Type, "product_id", s.ProductID, "err", err)
			continue
		}
		if m.resubscribes != nil {
			m.resubscribes.Add(ctx, 1)
		}
	}
}

func authFailure(msg string) bool {
	msg = strings.ToLower(msg)
	for _, needle := range []string{"signature", "auth", "expired", "unauthor"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
