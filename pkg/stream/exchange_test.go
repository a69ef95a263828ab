package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// fakeExchange is a websocket endpoint that records requests and acks them.
type fakeExchange struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	connects int
	reject   func(request) string
	silent   bool

	requests chan request
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	f := &fakeExchange{t: t, requests: make(chan request, 64)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeExchange) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeExchange) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.connects++
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		f.requests <- req

		f.mu.Lock()
		silent, reject := f.silent, f.reject
		f.mu.Unlock()
		if silent {
			continue
		}
		reply := map[string]any{"id": req.ID, "result": nil}
		if reject != nil {
			if msg := reject(req); msg != "" {
				reply = map[string]any{"id": req.ID, "error": msg, "error_code": 1000}
			}
		}
		f.write(conn, reply)
	}
}

func (f *fakeExchange) write(conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	f.writeRaw(conn, data)
}

func (f *fakeExchange) writeRaw(conn *websocket.Conn, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// push sends data on the most recent connection.
func (f *fakeExchange) push(data string) {
	f.t.Helper()
	f.mu.Lock()
	if len(f.conns) == 0 {
		f.mu.Unlock()
		f.t.Fatal("push: no connection")
	}
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	f.writeRaw(conn, []byte(data))
}

func (f *fakeExchange) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fakeExchange) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeExchange) waitConnects(n int) {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.connectCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("waited for %d connections, have %d", n, f.connectCount())
}

func (f *fakeExchange) nextRequest() request {
	f.t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(3 * time.Second):
		f.t.Fatal("no request received")
		return request{}
	}
}

func (f *fakeExchange) expectNoRequest(wait time.Duration) {
	f.t.Helper()
	select {
	case req := <-f.requests:
		f.t.Fatalf("unexpected request %+v", req)
	case <-time.After(wait):
	}
}

func testTransportConfig(url string) TransportConfig {
	cfg := DefaultTransportConfig(url)
	cfg.PingInterval = time.Second
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	return cfg
}
