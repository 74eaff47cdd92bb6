package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/feed"
	"github.com/luxfi/perps/pkg/grpc"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/websocket"
)

// Node wires the ledger engine to its storage and network surfaces.
type Node struct {
	config  *Config
	db      database.Database
	engine  *lx.Engine
	metrics *metrics.LXMetrics
	keys    *api.KeyStore
	hub     *websocket.Server
	nats    *nats.Conn
	logger  log.Logger
}

func NewNode(config *Config, logger log.Logger) (*Node, error) {
	db, err := openDatabase(config, logger)
	if err != nil {
		return nil, err
	}

	params, err := config.Params()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger params: %w", err)
	}

	n := &Node{config: config, db: db, logger: logger}

	var observer lx.Observer
	if config.Metrics {
		n.metrics, err = metrics.NewLXMetrics("perps")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		observer = n.metrics
	}

	n.engine, err = lx.NewEngine(db, lx.Config{
		Admin:    lx.Account(config.Admin),
		Params:   params,
		Logger:   logger.New("module", "ledger"),
		Observer: observer,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if n.metrics != nil {
		n.engine.Subscribe(n.metrics)
	}

	if err := n.bootstrap(); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	if len(config.APIKeys) > 0 {
		n.keys = api.NewKeyStore(0)
		for _, k := range config.APIKeys {
			if err := n.keys.AddHash(lx.Account(k.Account), k.Hash); err != nil {
				db.Close()
				return nil, fmt.Errorf("api key for %s: %w", k.Account, err)
			}
		}
	}

	n.hub = websocket.NewServer(logger.New("module", "websocket"), websocket.DefaultConfig())
	n.engine.Subscribe(n.hub)

	if config.NATS.URL != "" {
		n.nats, err = nats.Connect(config.NATS.URL, nats.Name("lxd"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		var counter feed.Counter
		if n.metrics != nil {
			counter = n.metrics
		}
		n.engine.Subscribe(feed.NewPublisher(n.nats, config.NATS.Prefix, counter, logger.New("module", "nats")))
		if config.NATS.Feeder != "" {
			pf := feed.NewPriceFeed(n.nats, n.engine, lx.Account(config.NATS.Feeder), counter, logger.New("module", "feed"))
			if _, err := pf.Subscribe(config.NATS.PriceSubject, config.NATS.Queue); err != nil {
				n.nats.Close()
				db.Close()
				return nil, err
			}
		}
	}

	return n, nil
}

// openDatabase opens BadgerDB under the data directory, falling back to an
// in-memory database.
func openDatabase(config *Config, logger log.Logger) (database.Database, error) {
	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbManager := manager.NewManager(dataPath, nil)

	if !config.InMemory {
		dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
		dbConfig.Namespace = "perps"
		db, err := dbManager.New(dbConfig)
		if err == nil {
			logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
			return db, nil
		}
		logger.Warn("Failed to open BadgerDB", "error", err)
	}

	db, err := dbManager.New(manager.DefaultMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	logger.Info("Using in-memory database")
	return db, nil
}

// bootstrap registers the configured tokens, pairs and feeders. Entries that
// already exist from a previous run are left alone.
func (n *Node) bootstrap() error {
	admin := lx.Account(n.config.Admin)
	for _, tok := range n.config.Tokens {
		err := n.engine.AddToken(admin, tok.Symbol, tok.Decimals)
		if err != nil && !errors.Is(err, lx.ErrTokenAlreadyExists) {
			return fmt.Errorf("token %s: %w", tok.Symbol, err)
		}
	}
	for _, f := range n.config.Feeders {
		if err := n.engine.GrantFeeder(admin, lx.Account(f)); err != nil {
			return fmt.Errorf("feeder %s: %w", f, err)
		}
	}
	for _, pair := range n.config.Pairs {
		err := n.engine.AddPair(admin, lx.PairID(pair.ID))
		if err != nil && !errors.Is(err, lx.ErrPairAlreadyExists) {
			return fmt.Errorf("pair %d: %w", pair.ID, err)
		}
	}

	pairs, err := n.engine.ListPairs()
	if err != nil {
		return err
	}
	tokens, err := n.engine.ListTokens()
	if err != nil {
		return err
	}
	n.logger.Info("Ledger ready", "pairs", len(pairs), "tokens", len(tokens))
	return nil
}

// Run serves every surface until ctx is done or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.StartJSONRPCServer(ctx, n.config.HTTPPort, n.engine, n.keys, n.logger.New("module", "rpc"))
	})
	g.Go(func() error {
		return n.hub.Start(ctx, n.config.WSPort)
	})
	g.Go(func() error {
		return grpc.StartGRPCServer(ctx, n.config.GRPCPort, n.engine, n.logger.New("module", "grpc"))
	})
	if n.metrics != nil {
		g.Go(func() error {
			return n.metrics.StartServer(ctx, strconv.Itoa(n.config.MetricsPort))
		})
		g.Go(func() error {
			n.metrics.CollectSystemMetrics(ctx, 10*time.Second)
			return nil
		})
	}

	return g.Wait()
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down node")
	if n.nats != nil {
		if err := n.nats.Drain(); err != nil {
			n.logger.Warn("Failed to drain NATS", "error", err)
		}
	}
	n.hub.Stop()
	if err := n.db.Close(); err != nil {
		n.logger.Error("Failed to close database", "error", err)
	}
	n.logger.Info("Node shutdown complete")
}

func main() {
	config, err := LoadConfig(os.Args[1:])
	if err != nil {
		log.Root().Crit("Failed to load configuration", "error", err)
		os.Exit(2)
	}

	level, err := log.ToLevel(config.LogLevel)
	if err != nil {
		log.Root().Crit("Invalid log level", "level", config.LogLevel, "error", err)
		os.Exit(2)
	}
	logger := log.NewTestLogger(level)

	logger.Info("Starting perpetuals ledger node",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir),
		"rpc", config.HTTPPort,
		"ws", config.WSPort,
		"grpc", config.GRPCPort)

	node, err := NewNode(config, logger)
	if err != nil {
		logger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = node.Run(ctx)
	node.Shutdown()
	if err != nil {
		logger.Crit("Node stopped", "error", err)
		os.Exit(1)
	}
}
