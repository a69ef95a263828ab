// Package api serves a read-only view of the live stream state, recent
// executions and reconciliation alerts over HTTP, and pushes live events to
// dashboard websocket clients.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/pkg/account"
	"github.com/uhyunpark/perplink/pkg/callback"
	"github.com/uhyunpark/perplink/pkg/execution"
	"github.com/uhyunpark/perplink/pkg/market"
	"github.com/uhyunpark/perplink/pkg/stream"
	"github.com/uhyunpark/perplink/pkg/util"
)

const (
	defaultBookDepth = 20
	defaultListLimit = 50
)

// Subscriptions lists the stream subscriptions; *stream.Manager implements it.
type Subscriptions interface {
	Snapshot() []stream.SubscriptionInfo
	DecodeFailures() int64
}

// ExecutionStore is the persisted history; *storage.Journal implements it.
type ExecutionStore interface {
	ListExecutions(limit int) ([]execution.ExecutionResult, error)
	Execution(id string) (execution.ExecutionResult, bool, error)
	ListAlerts(limit int) ([]execution.Alert, error)
	FillsForOrder(orderID string) ([]account.Fill, error)
}

// Sources are the components the server reads. Any of them may be nil; the
// matching endpoints then answer 503.
type Sources struct {
	BBO           *market.BBOHandler
	Depth         *market.DepthHandler
	Positions     *account.PositionHandler
	Fills         *account.FillHandler
	Subscriptions Subscriptions
	Supervisor    *callback.Supervisor
	Engine        *execution.Engine
	Store         ExecutionStore
}

// Server is the status API.
type Server struct {
	src     Sources
	router  *mux.Router
	hub     *Hub
	origins []string
	log     *zap.SugaredLogger
}

// NewServer builds the router. origins lists the CORS origins allowed to
// call the API from a browser.
func NewServer(src Sources, origins []string, log *zap.SugaredLogger) *Server {
	log = util.OrNop(log)
	s := &Server{
		src:     src,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		origins: origins,
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/products/{id:[0-9]+}/bbo", s.handleGetBBO).Methods("GET")
	api.HandleFunc("/products/{id:[0-9]+}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/products/{id:[0-9]+}/slippage", s.handleGetSlippage).Methods("GET")
	api.HandleFunc("/products/{id:[0-9]+}/exit-capacity", s.handleGetExitCapacity).Methods("GET")
	api.HandleFunc("/products/{id:[0-9]+}/liquidity", s.handleGetLiquidity).Methods("GET")

	// Account endpoints
	api.HandleFunc("/products/{id:[0-9]+}/position", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/orders/pending", s.handleGetPendingOrders).Methods("GET")
	api.HandleFunc("/orders/{orderID}/fills", s.handleGetOrderFills).Methods("GET")

	// Stream endpoints
	api.HandleFunc("/subscriptions", s.handleGetSubscriptions).Methods("GET")
	api.HandleFunc("/callbacks/failures", s.handleGetFailures).Methods("GET")

	// Execution endpoints
	api.HandleFunc("/executions", s.handleGetExecutions).Methods("GET")
	api.HandleFunc("/executions/{executionID}", s.handleGetExecution).Methods("GET")
	api.HandleFunc("/alerts", s.handleGetAlerts).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Hub returns the websocket hub used by Publish.
func (s *Server) Hub() *Hub { return s.hub }

// Publish pushes v to dashboard clients subscribed to channel.
func (s *Server) Publish(channel string, v any) { s.hub.Publish(channel, v) }

// Run serves on addr until ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// Market handlers
// ==============================

func (s *Server) handleGetBBO(w http.ResponseWriter, r *http.Request) {
	if s.src.BBO == nil {
		respondUnavailable(w, "bbo")
		return
	}
	b, err := s.src.BBO.Prices(productID(r))
	if err != nil {
		respondError(w, http.StatusNotFound, "no best bid/offer", err.Error())
		return
	}
	respondJSON(w, BBOResponse{BBO: b, Mid: b.Mid(), Spread: b.Spread()})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	if s.src.Depth == nil {
		respondUnavailable(w, "depth")
		return
	}
	depth, ok := intQuery(w, r, "depth", defaultBookDepth)
	if !ok {
		return
	}
	snap, found := s.src.Depth.Snapshot(productID(r), depth)
	if !found {
		respondError(w, http.StatusNotFound, "no book", "")
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetSlippage(w http.ResponseWriter, r *http.Request) {
	if s.src.Depth == nil {
		respondUnavailable(w, "depth")
		return
	}
	side, qty, ok := sideAndQty(w, r, "qty")
	if !ok {
		return
	}
	pid := productID(r)
	bps := s.src.Depth.EstimateSlippage(pid, side, qty)
	available := bps != market.SlippageUnavailable
	if !available {
		bps = 0
	}
	respondJSON(w, SlippageResponse{ProductID: pid, Side: side, Quantity: qty, SlippageBps: bps, Available: available})
}

func (s *Server) handleGetExitCapacity(w http.ResponseWriter, r *http.Request) {
	if s.src.Depth == nil {
		respondUnavailable(w, "depth")
		return
	}
	side, target, ok := sideAndQty(w, r, "target")
	if !ok {
		return
	}
	maxBps, err := strconv.ParseFloat(r.URL.Query().Get("max_bps"), 64)
	if err != nil || maxBps < 0 {
		respondError(w, http.StatusBadRequest, "invalid max_bps", "")
		return
	}
	pid := productID(r)
	full, qty := s.src.Depth.EstimateExitCapacity(pid, side, target, maxBps)
	respondJSON(w, ExitCapacityResponse{ProductID: pid, Side: side, Target: target, MaxBps: maxBps, Full: full, Quantity: qty})
}

func (s *Server) handleGetLiquidity(w http.ResponseWriter, r *http.Request) {
	if s.src.Depth == nil {
		respondUnavailable(w, "depth")
		return
	}
	side, ok := market.ParseSide(r.URL.Query().Get("side"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid side", "expected buy or sell")
		return
	}
	levels, ok := intQuery(w, r, "levels", 5)
	if !ok {
		return
	}
	pid := productID(r)
	respondJSON(w, LiquidityResponse{
		ProductID: pid,
		Side:      side,
		Levels:    levels,
		Quantity:  s.src.Depth.AvailableLiquidity(pid, side, levels),
	})
}

// ==============================
// Account handlers
// ==============================

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	if s.src.Positions == nil {
		respondUnavailable(w, "positions")
		return
	}
	pid := productID(r)
	cur, ok := s.src.Positions.Current(pid)
	if !ok {
		respondError(w, http.StatusNotFound, "no position received", "")
		return
	}
	respondJSON(w, PositionResponse{Current: cur, History: s.src.Positions.History(pid)})
}

func (s *Server) handleGetPendingOrders(w http.ResponseWriter, r *http.Request) {
	if s.src.Fills == nil {
		respondUnavailable(w, "fills")
		return
	}
	respondJSON(w, s.src.Fills.PendingOrders())
}

func (s *Server) handleGetOrderFills(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderID"]
	if s.src.Fills != nil {
		if of, ok := s.src.Fills.Fills(orderID); ok {
			respondJSON(w, of.Fills)
			return
		}
	}
	if s.src.Store == nil {
		respondError(w, http.StatusNotFound, "order not tracked", "")
		return
	}
	fills, err := s.src.Store.FillsForOrder(orderID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal read failed", err.Error())
		return
	}
	if fills == nil {
		fills = []account.Fill{}
	}
	respondJSON(w, fills)
}

// ==============================
// Stream handlers
// ==============================

func (s *Server) handleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	if s.src.Subscriptions == nil {
		respondUnavailable(w, "subscriptions")
		return
	}
	respondJSON(w, s.src.Subscriptions.Snapshot())
}

func (s *Server) handleGetFailures(w http.ResponseWriter, r *http.Request) {
	resp := FailuresResponse{ByName: s.src.Supervisor.Failures(), Total: s.src.Supervisor.TotalFailures()}
	if s.src.Subscriptions != nil {
		resp.Decoding = s.src.Subscriptions.DecodeFailures()
	}
	respondJSON(w, resp)
}

// ==============================
// Execution handlers
// ==============================

func (s *Server) handleGetExecutions(w http.ResponseWriter, r *http.Request) {
	if s.src.Store == nil {
		respondUnavailable(w, "journal")
		return
	}
	limit, ok := intQuery(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	list, err := s.src.Store.ListExecutions(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal read failed", err.Error())
		return
	}
	if list == nil {
		list = []execution.ExecutionResult{}
	}
	respondJSON(w, list)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.src.Store == nil {
		respondUnavailable(w, "journal")
		return
	}
	res, ok, err := s.src.Store.Execution(mux.Vars(r)["executionID"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal read failed", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "execution not found", "")
		return
	}
	respondJSON(w, res)
}

func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	var (
		alerts []execution.Alert
		err    error
	)
	switch {
	case s.src.Store != nil:
		alerts, err = s.src.Store.ListAlerts(limit)
	case s.src.Engine != nil:
		alerts = s.src.Engine.Alerts()
		if len(alerts) > limit {
			alerts = alerts[len(alerts)-limit:]
		}
	default:
		respondUnavailable(w, "alerts")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal read failed", err.Error())
		return
	}
	if alerts == nil {
		alerts = []execution.Alert{}
	}
	respondJSON(w, alerts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Time: time.Now().UTC()}
	if s.src.Subscriptions != nil {
		for _, sub := range s.src.Subscriptions.Snapshot() {
			if sub.State == stream.StateActive {
				resp.Subscriptions++
			} else {
				resp.Status = "degraded"
			}
		}
	}
	respondJSON(w, resp)
}

// ==============================
// Helper Functions
// ==============================

func productID(r *http.Request) uint32 {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	return uint32(id)
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		respondError(w, http.StatusBadRequest, "invalid "+key, "expected a positive integer")
		return 0, false
	}
	return n, true
}

func sideAndQty(w http.ResponseWriter, r *http.Request, qtyKey string) (market.Side, decimal.Decimal, bool) {
	q := r.URL.Query()
	side, ok := market.ParseSide(q.Get("side"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid side", "expected buy or sell")
		return market.Buy, decimal.Zero, false
	}
	qty, err := decimal.NewFromString(q.Get(qtyKey))
	if err != nil || !qty.IsPositive() {
		respondError(w, http.StatusBadRequest, "invalid "+qtyKey, "expected a positive decimal")
		return market.Buy, decimal.Zero, false
	}
	return side, qty, true
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: error, Message: message})
}

func respondUnavailable(w http.ResponseWriter, what string) {
	respondError(w, http.StatusServiceUnavailable, what+" not configured", "")
}
