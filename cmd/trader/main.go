package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/uhyunpark/perplink/params"
	"github.com/uhyunpark/perplink/pkg/account"
	"github.com/uhyunpark/perplink/pkg/api"
	"github.com/uhyunpark/perplink/pkg/callback"
	"github.com/uhyunpark/perplink/pkg/crypto"
	"github.com/uhyunpark/perplink/pkg/execution"
	"github.com/uhyunpark/perplink/pkg/market"
	"github.com/uhyunpark/perplink/pkg/paper"
	"github.com/uhyunpark/perplink/pkg/storage"
	"github.com/uhyunpark/perplink/pkg/stream"
	"github.com/uhyunpark/perplink/pkg/telemetry"
	"github.com/uhyunpark/perplink/pkg/util"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	envPath := flag.String("env", "", "Path to a .env file (default: ./.env)")
	flag.Parse()

	cfg, err := params.Load(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("trader_stopped", "err", err)
		return
	}
	sugar.Infow("trader_stopped")
}

func newLogger(cfg params.Log) (*zap.Logger, error) {
	if cfg.File == "" {
		return util.NewLogger(cfg.Level)
	}
	return util.NewLoggerWithFile(cfg.File, cfg.Level)
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.Insecure,
		MetricInterval: cfg.Telemetry.Interval,
		Environment:    cfg.Telemetry.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("telemetry_shutdown_failed", "err", err)
		}
	}()
	log.Infow("telemetry_configured", "enabled", tp.Enabled())

	// ---- Identity ----
	var auth *crypto.StreamAuthSigner
	var sub crypto.Subaccount
	if cfg.Auth.PrivateKeyHex != "" {
		signer, err := crypto.FromPrivateKeyHex(cfg.Auth.PrivateKeyHex)
		if err != nil {
			return err
		}
		if sub, err = crypto.NewSubaccount(signer.Address(), cfg.Auth.Subaccount); err != nil {
			return err
		}
		domain := crypto.DefaultDomain(cfg.Auth.ChainID, common.HexToAddress(cfg.Auth.EndpointAddress))
		auth = crypto.NewStreamAuthSigner(signer, domain, cfg.Auth.CredentialTTL, nil)
		log.Infow("stream_auth_configured", "address", signer.Address().Hex(), "subaccount", sub.Hex())
	} else {
		log.Warnw("no_private_key", "msg", "private streams disabled")
	}

	// ---- Journal ----
	journal, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	// ---- Stream ----
	sup := callback.NewSupervisor("trader", log)
	tcfg := stream.DefaultTransportConfig(cfg.Stream.URL)
	tcfg.PingInterval = cfg.Stream.PingInterval
	tcfg.ReadTimeout = cfg.Stream.ReadTimeout
	tcfg.InitialBackoff = cfg.Stream.InitialBackoff
	tcfg.MaxBackoff = cfg.Stream.MaxBackoff
	transport := stream.NewTransport(tcfg, log.Named("transport"))
	if err := transport.Connect(ctx); err != nil {
		return err
	}
	defer transport.Disconnect()

	var authn stream.Authenticator
	if auth != nil {
		authn = auth
	}
	manager := stream.NewManager(transport, authn, stream.ManagerConfig{
		Subaccount: sub,
		AckTimeout: cfg.Stream.AckTimeout,
	}, sup, log.Named("stream"))

	var wg conc.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Go(func() {
		if err := manager.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("stream_manager_stopped", "err", err)
		}
	})

	// ---- Handlers ----
	bbo := market.NewBBOHandler(sup, log.Named("bbo"))
	depth := market.NewDepthHandler(log.Named("depth"))
	fills := account.NewFillHandler(cfg.Engine.OrderTimeout, nil, sup, log.Named("fills"))
	positions := account.NewPositionHandler(sup, log.Named("positions"))

	fills.OnFill("journal", func(f account.Fill) {
		if err := journal.SaveFill(f); err != nil {
			log.Warnw("journal_fill_failed", "order_id", f.OrderID, "err", err)
		}
	})

	// ---- Gateway ----
	exchange := paper.New(bbo, paper.Sinks{
		Fill:     func(ev stream.FillEvent) { fills.Handle(ev) },
		Position: func(ev stream.PositionEvent) { positions.Handle(ev) },
	}, nil, log.Named("paper"))
	gateway := execution.RateLimited(exchange, cfg.Gateway.RateLimit, cfg.Gateway.Burst)

	// ---- Engine ----
	engine, err := execution.NewEngine(engineConfig(cfg.Engine), execution.Deps{
		Gateway:   gateway,
		BBO:       bbo,
		Depth:     depth,
		Fills:     fills,
		Positions: positions,
		Journal:   journal,
		Log:       log.Named("engine"),
	})
	if err != nil {
		return err
	}
	wg.Go(func() {
		if err := engine.RunTimeoutSweeper(runCtx, cfg.Engine.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("timeout_sweeper_stopped", "err", err)
		}
	})

	// ---- API ----
	server := api.NewServer(api.Sources{
		BBO:           bbo,
		Depth:         depth,
		Positions:     positions,
		Fills:         fills,
		Subscriptions: manager,
		Supervisor:    sup,
		Engine:        engine,
		Store:         journal,
	}, cfg.API.AllowedOrigins, log.Named("api"))
	bbo.OnUpdate(func(b market.BBO) { server.Publish("bbo", b) })
	fills.OnFill("dashboard", func(f account.Fill) { server.Publish("fills", f) })
	positions.OnChange(func(c account.PositionChange) { server.Publish("positions", c) })

	// ---- Subscriptions ----
	if err := subscribe(ctx, manager, cfg.Products, auth != nil, bbo, depth, server); err != nil {
		return err
	}

	wg.Go(func() {
		if err := server.Run(runCtx, cfg.API.Addr); err != nil {
			log.Errorw("api_server_stopped", "err", err)
			cancel()
		}
	})

	log.Infow("trader_started", "products", cfg.Products, "gateway", cfg.Gateway.Mode, "api", cfg.API.Addr)
	<-runCtx.Done()
	log.Infow("shutdown_signal_received")
	return nil
}

// subscribe wires the market feeds into the local handlers. Private feeds
// describe the live account, not the paper book, so they only reach the
// dashboard.
func subscribe(ctx context.Context, m *stream.Manager, products []uint32, private bool, bbo *market.BBOHandler, depth *market.DepthHandler, server *api.Server) error {
	for _, pid := range products {
		if _, err := m.Subscribe(ctx, stream.Stream{Type: stream.BestBidOffer, ProductID: pid}, "bbo", bbo.Callback()); err != nil {
			return err
		}
		if _, err := m.Subscribe(ctx, stream.Stream{Type: stream.BookDepth, ProductID: pid}, "depth", depth.Callback()); err != nil {
			return err
		}
		if !private {
			continue
		}
		for _, typ := range []stream.StreamType{stream.Fill, stream.PositionChange, stream.OrderUpdate} {
			channel := "account." + string(typ)
			fn := func(ev stream.Event) error {
				server.Publish(channel, ev)
				return nil
			}
			if _, err := m.Subscribe(ctx, stream.Stream{Type: typ, ProductID: pid}, "dashboard", fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func engineConfig(c params.Engine) execution.Config {
	return execution.Config{
		DefaultTick:        c.DefaultTick,
		Ticks:              c.Ticks,
		RepriceThreshold:   c.RepriceThreshold,
		DefaultTimeout:     c.DefaultTimeout,
		DefaultMaxRetries:  c.MaxRetries,
		PollInterval:       c.PollInterval,
		CancelTimeout:      c.CancelTimeout,
		MarketSlippageBps:  c.MarketSlippageBps,
		ReconcileTolerance: c.ReconcileTolerance,
		ReconcileGrace:     c.ReconcileGrace,
	}
}
