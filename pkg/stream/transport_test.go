package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uhyunpark/perplink/pkg/errs"
)

func connectTransport(t *testing.T, f *fakeExchange) *Transport {
	t.Helper()
	tr := NewTransport(testTransportConfig(f.url()), nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(tr.Disconnect)
	f.waitConnects(1)
	return tr
}

func TestTransportDropsMalformedFrames(t *testing.T) {
	f := newFakeExchange(t)
	tr := connectTransport(t, f)

	f.push("not json {")
	f.push(`{"type":"best_bid_offer","product_id":2}`)

	select {
	case fr := <-tr.Messages():
		if string(fr.Data) != `{"type":"best_bid_offer","product_id":2}` {
			t.Fatalf("frame = %s", fr.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
	if _, dropped := tr.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	f := newFakeExchange(t)
	tr := connectTransport(t, f)

	f.dropAll()
	select {
	case <-tr.Reconnected():
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect signal")
	}
	f.waitConnects(2)
	if reconnects, _ := tr.Stats(); reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", reconnects)
	}

	f.push(`{"type":"fill"}`)
	select {
	case <-tr.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel did not survive the reconnect")
	}
}

func TestTransportDisconnectClosesMessages(t *testing.T) {
	f := newFakeExchange(t)
	tr := connectTransport(t, f)

	tr.Disconnect()
	tr.Disconnect()

	select {
	case _, ok := <-tr.Messages():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("messages not closed")
	}
	if err := tr.Send(context.Background(), map[string]int{"id": 1}); !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("send after disconnect: %v", err)
	}
}

func TestTransportFirstDialFailure(t *testing.T) {
	tr := NewTransport(testTransportConfig("ws://127.0.0.1:1/ws"), nil)
	defer tr.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("connect error = %v, want transport error", err)
	}
}

func TestTransportConnectTwice(t *testing.T) {
	f := newFakeExchange(t)
	tr := connectTransport(t, f)
	if err := tr.Connect(context.Background()); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("second connect = %v", err)
	}
}
