package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perplink/pkg/callback"
	"github.com/uhyunpark/perplink/pkg/crypto"
	"github.com/uhyunpark/perplink/pkg/errs"
)

type countingAuth struct {
	inner *crypto.StreamAuthSigner
	calls atomic.Int32
}

func (a *countingAuth) Credential(sub crypto.Subaccount) (crypto.Credential, error) {
	a.calls.Add(1)
	return a.inner.Credential(sub)
}

type managerFixture struct {
	ex  *fakeExchange
	tr  *Transport
	mgr *Manager
	sup *callback.Supervisor
	sub crypto.Subaccount
	dom crypto.EIP712Domain
}

func newManagerFixture(t *testing.T, withAuth bool) (*managerFixture, *countingAuth) {
	t.Helper()
	ex := newFakeExchange(t)
	tr := NewTransport(testTransportConfig(ex.url()), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(tr.Disconnect)

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sub, _ := crypto.NewSubaccount(signer.Address(), "default")
	dom := crypto.DefaultDomain(42161, common.HexToAddress("0xbbEE07B3e8121227AfCFe1E2B82772246226128e"))

	var auth *countingAuth
	var a Authenticator
	if withAuth {
		auth = &countingAuth{inner: crypto.NewStreamAuthSigner(signer, dom, 0, nil)}
		a = auth
	}
	sup := callback.NewSupervisor("test", nil)
	mgr := NewManager(tr, a, ManagerConfig{Subaccount: sub, AckTimeout: 500 * time.Millisecond}, sup, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &managerFixture{ex: ex, tr: tr, mgr: mgr, sup: sup, sub: sub, dom: dom}, auth
}

func collect() (Callback, <-chan Event) {
	ch := make(chan Event, 16)
	return func(ev Event) error {
		ch <- ev
		return nil
	}, ch
}

func awaitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event dispatched")
		return nil
	}
}

func TestSubscribePublicStream(t *testing.T) {
	fx, _ := newManagerFixture(t, false)
	cb, events := collect()

	_, err := fx.mgr.Subscribe(context.Background(), Stream{Type: BestBidOffer, ProductID: 2}, "bbo", cb)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := fx.ex.nextRequest()
	if req.Method != "subscribe" || req.Stream.Type != BestBidOffer || req.Stream.ProductID != 2 {
		t.Fatalf("request = %+v", req)
	}
	if req.Tx != nil || req.Signature != "" {
		t.Fatal("public subscribe must not carry a credential")
	}

	snap := fx.mgr.Snapshot()
	if len(snap) != 1 || snap[0].State != StateActive {
		t.Fatalf("snapshot = %+v", snap)
	}

	fx.ex.push(`{"type":"best_bid_offer","timestamp":"1700000000000000000","product_id":2,` +
		`"bid_price":"100000000000000000000","bid_qty":"1000000000000000000",` +
		`"ask_price":"100050000000000000000","ask_qty":"2000000000000000000"}`)
	ev := awaitEvent(t, events)
	bbo, ok := ev.(BBOEvent)
	if !ok {
		t.Fatalf("event type %T", ev)
	}
	if bbo.AskPrice.String() != "100.05" || bbo.BidQty.String() != "1" {
		t.Errorf("bbo = %+v", bbo)
	}
}

func TestSubscribeErrorAck(t *testing.T) {
	fx, _ := newManagerFixture(t, false)
	fx.ex.mu.Lock()
	fx.ex.reject = func(request) string { return "invalid product_id" }
	fx.ex.mu.Unlock()

	cb, _ := collect()
	_, err := fx.mgr.Subscribe(context.Background(), Stream{Type: BookDepth, ProductID: 999}, "depth", cb)
	if !errors.Is(err, errs.ErrSubscription) {
		t.Fatalf("err = %v, want subscription error", err)
	}
	if len(fx.mgr.Snapshot()) != 0 {
		t.Error("rejected subscription must not stay registered")
	}
}

func TestSubscribeAckTimeout(t *testing.T) {
	fx, _ := newManagerFixture(t, false)
	fx.ex.mu.Lock()
	fx.ex.silent = true
	fx.ex.mu.Unlock()

	cb, _ := collect()
	start := time.Now()
	_, err := fx.mgr.Subscribe(context.Background(), Stream{Type: BestBidOffer, ProductID: 1}, "bbo", cb)
	if !errors.Is(err, errs.ErrSubscription) {
		t.Fatalf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestPrivateSubscribeWithoutSigner(t *testing.T) {
	fx, _ := newManagerFixture(t, false)
	cb, _ := collect()

	_, err := fx.mgr.Subscribe(context.Background(), Stream{Type: Fill, ProductID: 2}, "fills", cb)
	if !errors.Is(err, errs.ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
	fx.ex.expectNoRequest(100 * time.Millisecond)
}

func TestPrivateSubscribeCarriesCredential(t *testing.T) {
	fx, auth := newManagerFixture(t, true)
	cb, _ := collect()

	if _, err := fx.mgr.Subscribe(context.Background(), Stream{Type: PositionChange, ProductID: 2}, "pos", cb); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := fx.ex.nextRequest()
	if req.Tx == nil || req.Signature == "" {
		t.Fatal("private subscribe without credential")
	}
	if req.Stream.Subaccount != fx.sub.Hex() || req.Tx.Sender != fx.sub.Hex() {
		t.Errorf("subaccount %q sender %q, want %q", req.Stream.Subaccount, req.Tx.Sender, fx.sub.Hex())
	}
	cred := crypto.Credential{Sender: req.Tx.Sender, Expiration: req.Tx.Expiration, Signature: req.Signature}
	if err := crypto.VerifyCredential(fx.dom, cred, time.Now()); err != nil {
		t.Fatalf("credential does not verify: %v", err)
	}
	if auth.calls.Load() != 1 {
		t.Errorf("credential calls = %d", auth.calls.Load())
	}
}

func TestPrivateSubscribeRejectedForAuth(t *testing.T) {
	fx, _ := newManagerFixture(t, true)
	fx.ex.mu.Lock()
	fx.ex.reject = func(r request) string {
		if r.Tx != nil {
			return "invalid signature"
		}
		return ""
	}
	fx.ex.mu.Unlock()

	cb, _ := collect()
	_, err := fx.mgr.Subscribe(context.Background(), Stream{Type: Fill, ProductID: 2}, "fills", cb)
	if !errors.Is(err, errs.ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestResubscribeOnReconnect(t *testing.T) {
	fx, auth := newManagerFixture(t, true)
	cb, _ := collect()
	ctx := context.Background()

	if _, err := fx.mgr.Subscribe(ctx, Stream{Type: BestBidOffer, ProductID: 2}, "bbo", cb); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.mgr.Subscribe(ctx, Stream{Type: Fill, ProductID: 2}, "fills", cb); err != nil {
		t.Fatal(err)
	}
	fx.ex.nextRequest()
	fx.ex.nextRequest()

	fx.ex.dropAll()
	fx.ex.waitConnects(2)

	seen := map[StreamType]request{}
	for i := 0; i < 2; i++ {
		req := fx.ex.nextRequest()
		if req.Method != "subscribe" {
			t.Fatalf("request %d = %+v", i, req)
		}
		seen[req.Stream.Type] = req
	}
	fx.ex.expectNoRequest(200 * time.Millisecond)

	if _, ok := seen[BestBidOffer]; !ok {
		t.Error("bbo not resubscribed")
	}
	fill, ok := seen[Fill]
	if !ok {
		t.Fatal("fill not resubscribed")
	}
	if fill.Tx == nil || fill.Signature == "" {
		t.Fatal("private resubscribe must be re-authenticated")
	}
	if got := auth.calls.Load(); got != 2 {
		t.Errorf("credential calls = %d, want 2", got)
	}
}

func TestSharedWireSubscriptionAndIdempotentUnsubscribe(t *testing.T) {
	fx, _ := newManagerFixture(t, false)
	ctx := context.Background()
	s := Stream{Type: BookDepth, ProductID: 4}
	cb, _ := collect()

	a, err := fx.mgr.Subscribe(ctx, s, "a", cb)
	if err != nil {
		t.Fatal(err)
	}
	b, err := fx.mgr.Subscribe(ctx, s, "b", cb)
	if err != nil {
		t.Fatal(err)
	}
	fx.ex.nextRequest()
	fx.ex.expectNoRequest(100 * time.Millisecond)

	if err := fx.mgr.Unsubscribe(ctx, a); err != nil {
		t.Fatal(err)
	}
	fx.ex.expectNoRequest(100 * time.Millisecond)

	if err := fx.mgr.Unsubscribe(ctx, b); err != nil {
		t.Fatal(err)
	}
	if req := fx.ex.nextRequest(); req.Method != "unsubscribe" {
		t.Fatalf("request = %+v", req)
	}
	if err := fx.mgr.Unsubscribe(ctx, b); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	fx.ex.expectNoRequest(100 * time.Millisecond)
}

func TestDispatchIsolatesFailingCallbacks(t *testing.T) {
	fx, _ := newManagerFixture(t, false)
	s := Stream{Type: BestBidOffer, ProductID: 3}
	cb, events := collect()

	_, err := fx.mgr.Subscribe(context.Background(), s, "broken", func(Event) error { panic("boom") })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.mgr.Subscribe(context.Background(), s, "healthy", cb); err != nil {
		t.Fatal(err)
	}

	fx.ex.push(`{"type":"best_bid_offer","timestamp":1,"product_id":3,"bid_price":"1","bid_qty":"1","ask_price":"2","ask_qty":"1"}`)
	awaitEvent(t, events)
	if fx.sup.Failures()["broken"] != 1 {
		t.Errorf("failures = %v", fx.sup.Failures())
	}
}

func TestDispatchFallbackAndMalformed(t *testing.T) {
	fx, _ := newManagerFixture(t, false)

	var mu sync.Mutex
	var unrouted []Event
	got := make(chan struct{}, 4)
	fx.mgr.SetFallback(func(ev Event) error {
		mu.Lock()
		unrouted = append(unrouted, ev)
		mu.Unlock()
		got <- struct{}{}
		return nil
	})

	fx.ex.waitConnects(1)
	fx.ex.push(`garbage`)
	fx.ex.push(`{"type":"best_bid_offer","timestamp":1,"product_id":9,"bid_price":"-1"}`)
	fx.ex.push(`{"type":"liquidation","product_id":9}`)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("fallback not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if u, ok := unrouted[0].(UnknownEvent); !ok || u.Type != "liquidation" {
		t.Fatalf("fallback event = %#v", unrouted[0])
	}
	if fx.mgr.DecodeFailures() != 1 {
		t.Errorf("decode failures = %d, want 1", fx.mgr.DecodeFailures())
	}
	if _, dropped := fx.tr.Stats(); dropped != 1 {
		t.Errorf("transport dropped = %d, want 1", dropped)
	}
}
