// Package params holds the runtime configuration. A Config is built once at
// startup (defaults, then an optional YAML file, then .env and environment
// variables) and passed by value to the components that need it.
package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Stream struct {
	URL            string        `yaml:"url"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AckTimeout     time.Duration `yaml:"ack_timeout"`
}

type Auth struct {
	// PrivateKeyHex is only read from the environment.
	PrivateKeyHex   string        `yaml:"-"`
	Subaccount      string        `yaml:"subaccount"`
	ChainID         int64         `yaml:"chain_id"`
	EndpointAddress string        `yaml:"endpoint_address"`
	CredentialTTL   time.Duration `yaml:"credential_ttl"`
}

type Engine struct {
	DefaultTimeout     time.Duration              `yaml:"default_timeout"`
	MaxRetries         int                        `yaml:"max_retries"`
	PollInterval       time.Duration              `yaml:"poll_interval"`
	CancelTimeout      time.Duration              `yaml:"cancel_timeout"`
	DefaultTick        decimal.Decimal            `yaml:"default_tick"`
	Ticks              map[uint32]decimal.Decimal `yaml:"ticks"`
	RepriceThreshold   decimal.Decimal            `yaml:"reprice_threshold"`
	MarketSlippageBps  float64                    `yaml:"market_slippage_bps"`
	ReconcileTolerance decimal.Decimal            `yaml:"reconcile_tolerance"`
	ReconcileGrace     time.Duration              `yaml:"reconcile_grace"`
	SweepInterval      time.Duration              `yaml:"sweep_interval"`
	// OrderTimeout bounds how long the fill handler keeps an order pending.
	OrderTimeout time.Duration `yaml:"order_timeout"`
}

type Gateway struct {
	// Mode selects the order gateway. Only "paper" is built in.
	Mode      string  `yaml:"mode"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type Storage struct {
	Path string `yaml:"path"`
}

type API struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Telemetry struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Insecure     bool          `yaml:"insecure"`
	Interval     time.Duration `yaml:"interval"`
	Environment  string        `yaml:"environment"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	Products  []uint32  `yaml:"products"`
	Stream    Stream    `yaml:"stream"`
	Auth      Auth      `yaml:"auth"`
	Engine    Engine    `yaml:"engine"`
	Gateway   Gateway   `yaml:"gateway"`
	Storage   Storage   `yaml:"storage"`
	API       API       `yaml:"api"`
	Telemetry Telemetry `yaml:"telemetry"`
	Log       Log       `yaml:"log"`
}

func Default() Config {
	return Config{
		Products: []uint32{2},
		Stream: Stream{
			URL:            "wss://gateway.prod.vertexprotocol.com/v1/subscribe",
			PingInterval:   30 * time.Second,
			ReadTimeout:    75 * time.Second,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			AckTimeout:     5 * time.Second,
		},
		Auth: Auth{
			Subaccount:    "default",
			ChainID:       42161,
			CredentialTTL: 60 * time.Second,
		},
		Engine: Engine{
			DefaultTimeout:     10 * time.Second,
			MaxRetries:         3,
			PollInterval:       250 * time.Millisecond,
			CancelTimeout:      5 * time.Second,
			DefaultTick:        decimal.RequireFromString("0.01"),
			MarketSlippageBps:  50,
			ReconcileTolerance: decimal.RequireFromString("0.000000001"),
			ReconcileGrace:     2 * time.Second,
			SweepInterval:      time.Second,
			OrderTimeout:       30 * time.Second,
		},
		Gateway: Gateway{
			Mode:      "paper",
			RateLimit: 10,
			Burst:     5,
		},
		Storage: Storage{Path: "data/journal"},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Telemetry: Telemetry{Interval: 30 * time.Second},
		Log:       Log{Level: "info"},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	return applyEnv(Default(), envPath)
}

// Load builds the full configuration: defaults, then the YAML file at
// yamlPath (optional), then .env and the environment. The result is
// validated.
func Load(yamlPath, envPath string) (Config, error) {
	cfg := Default()
	if yamlPath != "" {
		var err error
		if cfg, err = LoadFile(cfg, yamlPath); err != nil {
			return Config{}, err
		}
	}
	cfg = applyEnv(cfg, envPath)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto base. Keys absent from
// the file keep their base value.
func LoadFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base.clone()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg Config, envPath string) Config {
	cfg = cfg.clone()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Stream.URL = getEnv("PERPLINK_WS_URL", cfg.Stream.URL)
	cfg.Auth.PrivateKeyHex = getEnv("PERPLINK_PRIVATE_KEY", cfg.Auth.PrivateKeyHex)
	cfg.Auth.Subaccount = getEnv("PERPLINK_SUBACCOUNT", cfg.Auth.Subaccount)
	cfg.Auth.EndpointAddress = getEnv("PERPLINK_ENDPOINT_ADDRESS", cfg.Auth.EndpointAddress)
	cfg.Gateway.Mode = getEnv("PERPLINK_GATEWAY", cfg.Gateway.Mode)
	cfg.Storage.Path = getEnv("PERPLINK_STORAGE_PATH", cfg.Storage.Path)
	cfg.API.Addr = getEnv("PERPLINK_API_ADDR", cfg.API.Addr)
	cfg.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	if v := os.Getenv("PERPLINK_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Auth.ChainID = id
		}
	}
	if v := os.Getenv("PERPLINK_PRODUCTS"); v != "" {
		var products []uint32
		for _, part := range strings.Split(v, ",") {
			if id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32); err == nil {
				products = append(products, uint32(id))
			}
		}
		if len(products) > 0 {
			cfg.Products = products
		}
	}
	if v := os.Getenv("ENGINE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.DefaultTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ENGINE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxRetries = n
		}
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gateway.RateLimit = rps
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		cfg.Telemetry.Insecure = v == "true"
	}
	return cfg
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		return fmt.Errorf("stream url %q must use ws:// or wss://", c.Stream.URL)
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("at least one product id is required")
	}
	if c.Stream.AckTimeout <= 0 || c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		return fmt.Errorf("stream timeouts must be positive and max_backoff >= initial_backoff")
	}
	if c.Auth.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive")
	}
	if k := strings.TrimPrefix(c.Auth.PrivateKeyHex, "0x"); k != "" && len(k) != 64 {
		return fmt.Errorf("private key must be 32 bytes of hex")
	}
	if len(c.Auth.Subaccount) > 12 {
		return fmt.Errorf("subaccount name %q longer than 12 bytes", c.Auth.Subaccount)
	}
	if c.Engine.DefaultTimeout <= 0 || c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine timeouts must be positive")
	}
	if !c.Engine.DefaultTick.IsPositive() {
		return fmt.Errorf("engine default_tick must be positive")
	}
	for id, tick := range c.Engine.Ticks {
		if !tick.IsPositive() {
			return fmt.Errorf("tick for product %d must be positive", id)
		}
	}
	if c.Engine.RepriceThreshold.IsNegative() || c.Engine.ReconcileTolerance.IsNegative() {
		return fmt.Errorf("engine thresholds must not be negative")
	}
	if c.Gateway.Mode != "paper" {
		return fmt.Errorf("gateway mode %q is not supported", c.Gateway.Mode)
	}
	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("gateway rate_limit must not be negative")
	}
	return nil
}

// clone copies the slice and map fields so overlays never alias base.
func (c Config) clone() Config {
	c.Products = append([]uint32(nil), c.Products...)
	c.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	if c.Engine.Ticks != nil {
		ticks := make(map[uint32]decimal.Decimal, len(c.Engine.Ticks))
		for k, v := range c.Engine.Ticks {
			ticks[k] = v
		}
		c.Engine.Ticks = ticks
	}
	return c
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
