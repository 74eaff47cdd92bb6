package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
)

const (
	defaultDataDir = ".lxd"
	defaultPort    = 8080
	defaultWSPort  = 8081
	defaultGRPC    = 9000
)

// Config is the node configuration. Values come from DefaultConfig, then the
// TOML file, then PERPS_* environment variables, then explicitly set flags.
type Config struct {
	// Paths
	DataDir  string `toml:"data_dir"`
	InMemory bool   `toml:"in_memory"`
	LogLevel string `toml:"log_level"`

	// Network
	HTTPPort    int  `toml:"http_port"`
	WSPort      int  `toml:"ws_port"`
	GRPCPort    int  `toml:"grpc_port"`
	MetricsPort int  `toml:"metrics_port"`
	Metrics     bool `toml:"metrics"`

	// Accounts
	Admin   string         `toml:"admin"`
	Feeders []string       `toml:"feeders"`
	APIKeys []APIKeyConfig `toml:"api_keys"`

	NATS   NATSConfig    `toml:"nats"`
	Ledger LedgerConfig  `toml:"ledger"`
	Tokens []TokenConfig `toml:"tokens"`
	Pairs  []PairConfig  `toml:"pairs"`
}

// NATSConfig enables the NATS event publisher and price feed when URL is set.
type NATSConfig struct {
	URL          string `toml:"url"`
	Prefix       string `toml:"prefix"`
	PriceSubject string `toml:"price_subject"`
	Queue        string `toml:"queue"`
	Feeder       string `toml:"feeder"`
}

// LedgerConfig mirrors lx.Params. BorrowRatePerHour is a decimal fraction.
type LedgerConfig struct {
	MaxLeverage          uint64 `toml:"max_leverage"`
	MaintenanceMarginBps uint64 `toml:"maintenance_margin_bps"`
	LiquidationFeeBps    uint64 `toml:"liquidation_fee_bps"`
	CloseFeeBps          uint64 `toml:"close_fee_bps"`
	ReserveRatioBps      uint64 `toml:"reserve_ratio_bps"`
	BorrowRatePerHour    string `toml:"borrow_rate_per_hour"`
}

type TokenConfig struct {
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

type PairConfig struct {
	ID           uint64 `toml:"id"`
	Name         string `toml:"name"`
	SizeDecimals *uint8 `toml:"size_decimals"`
}

// APIKeyConfig holds a bcrypt hash of an account's API key.
type APIKeyConfig struct {
	Account string `toml:"account"`
	Hash    string `toml:"hash"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	p := lx.DefaultParams()
	return &Config{
		DataDir:     defaultDataDir,
		LogLevel:    "info",
		HTTPPort:    defaultPort,
		WSPort:      defaultWSPort,
		GRPCPort:    defaultGRPC,
		MetricsPort: 9090,
		Metrics:     true,
		Admin:       "admin",
		NATS: NATSConfig{
			Prefix:       "perps.events",
			PriceSubject: "perps.prices",
			Queue:        "perps-feed",
		},
		Ledger: LedgerConfig{
			MaxLeverage:          p.MaxLeverage,
			MaintenanceMarginBps: p.MaintenanceMarginBps,
			LiquidationFeeBps:    p.LiquidationFeeBps,
			CloseFeeBps:          p.CloseFeeBps,
			ReserveRatioBps:      p.ReserveRatioBps,
			BorrowRatePerHour:    "0",
		},
	}
}

// LoadConfig builds the configuration from args, the optional TOML file named
// by -config and the environment.
func LoadConfig(args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("lxd", flag.ContinueOnError)
	path := fs.String("config", "", "TOML configuration file")
	envFile := fs.String("env-file", ".env", "dotenv file with PERPS_* overrides")
	dataDir := fs.String("data-dir", cfg.DataDir, "Data directory (relative to $HOME)")
	inMemory := fs.Bool("in-memory", cfg.InMemory, "Keep ledger state in memory only")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	httpPort := fs.Int("http-port", cfg.HTTPPort, "JSON-RPC port")
	wsPort := fs.Int("ws-port", cfg.WSPort, "WebSocket port")
	grpcPort := fs.Int("grpc-port", cfg.GRPCPort, "gRPC health port")
	metricsPort := fs.Int("metrics-port", cfg.MetricsPort, "Prometheus metrics port")
	metrics := fs.Bool("enable-metrics", cfg.Metrics, "Enable Prometheus metrics")
	natsURL := fs.String("nats", cfg.NATS.URL, "NATS server URL (empty disables NATS)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path != "" {
		if _, err := toml.DecodeFile(*path, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", *path, err)
		}
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("env file %s: %w", *envFile, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "in-memory":
			cfg.InMemory = *inMemory
		case "log-level":
			cfg.LogLevel = *logLevel
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "ws-port":
			cfg.WSPort = *wsPort
		case "grpc-port":
			cfg.GRPCPort = *grpcPort
		case "metrics-port":
			cfg.MetricsPort = *metricsPort
		case "enable-metrics":
			cfg.Metrics = *metrics
		case "nats":
			cfg.NATS.URL = *natsURL
		}
	})
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) error {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	setStr(&cfg.DataDir, "PERPS_DATA_DIR")
	setStr(&cfg.LogLevel, "PERPS_LOG_LEVEL")
	setStr(&cfg.Admin, "PERPS_ADMIN")
	setStr(&cfg.NATS.URL, "PERPS_NATS_URL")
	setStr(&cfg.NATS.Feeder, "PERPS_NATS_FEEDER")
	for key, dst := range map[string]*int{
		"PERPS_HTTP_PORT":    &cfg.HTTPPort,
		"PERPS_WS_PORT":      &cfg.WSPort,
		"PERPS_GRPC_PORT":    &cfg.GRPCPort,
		"PERPS_METRICS_PORT": &cfg.MetricsPort,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}
	return nil
}

// Params converts the ledger table into engine parameters.
func (c *Config) Params() (*lx.Params, error) {
	rate, err := fixed.Parse(c.Ledger.BorrowRatePerHour, fixed.Decimals)
	if err != nil {
		return nil, fmt.Errorf("borrow_rate_per_hour: %w", err)
	}
	p := &lx.Params{
		MaxLeverage:          c.Ledger.MaxLeverage,
		MaintenanceMarginBps: c.Ledger.MaintenanceMarginBps,
		LiquidationFeeBps:    c.Ledger.LiquidationFeeBps,
		CloseFeeBps:          c.Ledger.CloseFeeBps,
		ReserveRatioBps:      c.Ledger.ReserveRatioBps,
		BorrowRatePerHour:    rate,
		SizeDecimals:         make(map[lx.PairID]uint8),
	}
	for _, pair := range c.Pairs {
		if pair.SizeDecimals != nil {
			p.SizeDecimals[lx.PairID(pair.ID)] = *pair.SizeDecimals
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
