package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/errs"
	"github.com/uhyunpark/perplink/pkg/util"
)

// TransportConfig tunes the websocket connection.
type TransportConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	ReadLimit        int64
	FrameBuffer      int
}

// DefaultTransportConfig returns the production tuning for url.
func DefaultTransportConfig(url string) TransportConfig {
	return TransportConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      75 * time.Second,
		WriteTimeout:     5 * time.Second,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		ReadLimit:        4 << 20,
		FrameBuffer:      1024,
	}
}

// Frame is one well-formed inbound JSON message.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Transport owns one multiplexed websocket connection. A background loop keeps
// it alive, re-dialing with capped exponential backoff, and publishes every
// valid frame on Messages until Disconnect.
type Transport struct {
	cfg    TransportConfig
	log    *zap.SugaredLogger
	dialer *websocket.Dialer

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	frames      chan Frame
	reconnected chan struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	started   bool

	stats transportStats
}

type transportStats struct {
	mu         sync.Mutex
	reconnects int
	dropped    int
}

// NewTransport builds a transport; it does not dial until Connect.
func NewTransport(cfg TransportConfig, log *zap.SugaredLogger) *Transport {
	def := DefaultTransportConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = def.FrameBuffer
	}
	return &Transport{
		cfg:         cfg,
		log:         util.OrNop(log),
		dialer:      &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, EnableCompression: true},
		frames:      make(chan Frame, cfg.FrameBuffer),
		reconnected: make(chan struct{}, 1),
	}
}

// Connect dials the first connection and starts the background loop. The
// first dial failing is returned to the caller; later drops are recovered.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errs.New("stream", errs.CodeInvalid, errs.WithMessage("transport already connected"))
	}
	t.started = true
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.run(loopCtx, conn)
	return nil
}

// Disconnect tears down the socket and the loops and closes Messages. It is
// safe to call more than once and before Connect.
func (t *Transport) Disconnect() {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.closeConn(websocket.CloseNormalClosure, "shutdown")
		t.wg.Wait()
		close(t.frames)
	})
}

// Send writes one JSON message.
func (t *Transport) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return errs.New("stream", errs.CodeTransport, errs.WithMessage("not connected"))
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errs.New("stream", errs.CodeTransport, errs.WithCause(err))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.New("stream", errs.CodeTransport, errs.WithMessage("write"), errs.WithCause(err))
	}
	return nil
}

// Messages returns the inbound frame sequence. The channel survives
// reconnects and is closed by Disconnect.
func (t *Transport) Messages() <-chan Frame { return t.frames }

// Reconnected is signalled after every successful re-dial.
func (t *Transport) Reconnected() <-chan struct{} { return t.reconnected }

// Stats returns the reconnect count and the number of dropped frames.
func (t *Transport) Stats() (reconnects, dropped int) {
	t.stats.mu.Lock()
	defer t.stats.mu.Unlock()
	return t.stats.reconnects, t.stats.dropped
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, errs.New("stream", errs.CodeTransport, errs.WithMessage("dial "+t.cfg.URL), errs.WithCause(err))
	}
	conn.SetReadLimit(t.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	})

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

// run serves one connection at a time until ctx ends, re-dialing after drops.
func (t *Transport) run(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.InitialBackoff
	bo.MaxInterval = t.cfg.MaxBackoff

	for {
		err := t.serve(ctx, conn)
		t.closeConn(websocket.CloseNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		t.log.Warnw("stream_connection_lost", "url", t.cfg.URL, "err", err)

		conn = nil
		for conn == nil {
			sleep := bo.NextBackOff()
			if sleep == backoff.Stop {
				sleep = t.cfg.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}

			c, err := t.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Warnw("stream_redial_failed", "url", t.cfg.URL, "backoff", sleep, "err", err)
				continue
			}
			conn = c
		}
		if ctx.Err() != nil {
			t.closeConn(websocket.CloseNormalClosure, "shutdown")
			return
		}
		bo.Reset()

		t.stats.mu.Lock()
		t.stats.reconnects++
		t.stats.mu.Unlock()
		t.log.Infow("stream_reconnected", "url", t.cfg.URL)

		select {
		case t.reconnected <- struct{}{}:
		default:
		}
	}
}

// serve runs the read and ping loops for conn and returns when either stops.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		t.pingLoop(connCtx, conn)
	}()

	err := t.readLoop(connCtx, conn)
	cancel()
	_ = conn.Close()
	<-pingDone
	return err
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.New("stream", errs.CodeTransport, errs.WithMessage("read"), errs.WithCause(err))
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if !json.Valid(data) {
			t.stats.mu.Lock()
			t.stats.dropped++
			t.stats.mu.Unlock()
			t.log.Warnw("stream_malformed_frame", "bytes", len(data))
			continue
		}

		select {
		case t.frames <- Frame{Data: data, ReceivedAt: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// unblocks the reader
			_ = conn.Close()
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					t.log.Warnw("stream_ping_failed", "err", err)
				}
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *Transport) closeConn(code int, reason string) {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	_ = conn.Close()
}
