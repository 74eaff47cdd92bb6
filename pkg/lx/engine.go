package lx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/log"
)

// Observer is told about every engine operation after it commits or aborts.
type Observer interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
}

// Config configures an Engine.
type Config struct {
	// Admin registers tokens, credits wallets and grants the feeder role.
	Admin    Account
	Params   *Params
	Clock    func() time.Time
	Logger   log.Logger
	Observer Observer
}

// Engine is the ledger's single entry point. Operations are serialized and
// each runs inside a versioned layer over the database: it is committed when
// the operation succeeds and aborted on any error, so a failed operation
// leaves no trace, including the price update of a failed callback.
// Events are published only after commit.
type Engine struct {
	mu      sync.Mutex
	base    database.Database
	db      *versiondb.Database
	journal *journal
	params  *Params

	oracle  *Oracle
	pool    *Pool
	funding *FundingTracker
	ledger  *Ledger
	orders  *Orders

	publishers []Publisher
	observer   Observer
	log        log.Logger
}

// NewEngine builds an engine over db.
func NewEngine(db database.Database, cfg Config) (*Engine, error) {
	if cfg.Admin == "" {
		return nil, errors.New("engine: admin account required")
	}
	params := cfg.Params
	if params == nil {
		params = DefaultParams()
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("engine params: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root().New("module", "ledger")
	}

	vdb := versiondb.New(db)
	j := &journal{now: clock}
	oracle := NewOracle(vdb, j, cfg.Admin, logger)
	pool := NewPool(vdb, cfg.Admin, logger)
	funding := NewFundingTracker(vdb, params, clock)
	ledger := NewLedger(vdb, j, oracle, pool, NewRegistry(vdb, "position"), funding, params, logger)
	orders := NewOrders(vdb, j, oracle, pool, ledger, NewRegistry(vdb, "order"), logger)
	oracle.RegisterCallback(CallbackOrderExecute, orders.HandleCallback)

	return &Engine{
		base:     db,
		db:       vdb,
		journal:  j,
		params:   params,
		oracle:   oracle,
		pool:     pool,
		funding:  funding,
		ledger:   ledger,
		orders:   orders,
		observer: cfg.Observer,
		log:      logger,
	}, nil
}

// Subscribe adds a publisher for committed events.
func (e *Engine) Subscribe(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishers = append(e.publishers, p)
}

// Params returns the engine's policy.
func (e *Engine) Params() Params {
	return *e.params
}

func (e *Engine) atomic(op string, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	err := fn()
	if err == nil {
		if cerr := e.db.Commit(); cerr != nil {
			err = fmt.Errorf("commit %s: %w", op, cerr)
		}
	}
	events := e.journal.drain()
	if err != nil {
		e.db.Abort()
		e.log.Debug("Operation aborted", "op", op, "error", err)
	} else {
		for _, ev := range events {
			for _, p := range e.publishers {
				if perr := p.Publish(ev); perr != nil {
					e.log.Warn("Failed to publish event", "type", ev.Type, "error", perr)
				}
			}
		}
	}
	if e.observer != nil {
		e.observer.ObserveOperation(op, time.Since(start), err)
	}
	return err
}

func (e *Engine) view(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// HealthCheck reports whether the underlying database is usable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	_, err := e.base.HealthCheck(ctx)
	return err
}

// GrantFeeder gives account the feeder role.
func (e *Engine) GrantFeeder(caller, account Account) error {
	return e.atomic("grant_feeder", func() error {
		return e.oracle.GrantFeeder(caller, account)
	})
}

// RevokeFeeder removes the feeder role.
func (e *Engine) RevokeFeeder(caller, account Account) error {
	return e.atomic("revoke_feeder", func() error {
		return e.oracle.RevokeFeeder(caller, account)
	})
}

// AddPair registers a pair.
func (e *Engine) AddPair(caller Account, id PairID) error {
	return e.atomic("add_pair", func() error {
		return e.oracle.AddPair(caller, id)
	})
}

// SetPairPrice overwrites one pair's quotes.
func (e *Engine) SetPairPrice(caller Account, id PairID, high, low *uint256.Int) error {
	return e.atomic("set_prices", func() error {
		return e.oracle.SetPairPrice(caller, id, high, low)
	})
}

// SetPairPrices overwrites several pairs' quotes.
func (e *Engine) SetPairPrices(caller Account, ids []PairID, highs, lows []*uint256.Int) error {
	return e.atomic("set_prices", func() error {
		return e.oracle.SetPairPrices(caller, ids, highs, lows)
	})
}

// SetPairPricesWithCallback publishes prices and dispatches cb in one
// operation. If the callback fails the prices are not applied either.
func (e *Engine) SetPairPricesWithCallback(caller Account, ids []PairID, highs, lows []*uint256.Int, cb Callback) error {
	return e.atomic("set_prices_callback", func() error {
		return e.oracle.SetPairPricesWithCallback(caller, ids, highs, lows, cb)
	})
}

// GetPairPrice returns a pair's high or low quote.
func (e *Engine) GetPairPrice(id PairID, side PriceSide) (*uint256.Int, error) {
	var price *uint256.Int
	err := e.view(func() (err error) {
		price, err = e.oracle.GetPairPrice(id, side)
		return err
	})
	return price, err
}

// Pair returns a registered pair.
func (e *Engine) Pair(id PairID) (*Pair, error) {
	var pair *Pair
	err := e.view(func() (err error) {
		pair, err = e.oracle.Pair(id)
		return err
	})
	return pair, err
}

// ListPairs returns every registered pair.
func (e *Engine) ListPairs() ([]*Pair, error) {
	var pairs []*Pair
	err := e.view(func() (err error) {
		pairs, err = e.oracle.ListPairs()
		return err
	})
	return pairs, err
}

// AddToken registers a collateral token.
func (e *Engine) AddToken(caller Account, symbol string, decimals uint8) error {
	return e.atomic("add_token", func() error {
		return e.pool.AddToken(caller, symbol, decimals)
	})
}

// Token returns a registered token.
func (e *Engine) Token(symbol string) (*Token, error) {
	var t *Token
	err := e.view(func() (err error) {
		t, err = e.pool.Token(symbol)
		return err
	})
	return t, err
}

// ListTokens returns every registered token.
func (e *Engine) ListTokens() ([]*Token, error) {
	var tokens []*Token
	err := e.view(func() (err error) {
		tokens, err = e.pool.ListTokens()
		return err
	})
	return tokens, err
}

// Credit mints wallet balance. Admin only.
func (e *Engine) Credit(caller, account Account, symbol string, amount *uint256.Int) error {
	return e.atomic("credit", func() error {
		return e.pool.Credit(caller, account, symbol, amount)
	})
}

// AddLiquidity moves wallet balance into the pool.
func (e *Engine) AddLiquidity(account Account, symbol string, amount *uint256.Int) error {
	return e.atomic("add_liquidity", func() error {
		return e.pool.AddLiquidity(account, symbol, amount)
	})
}

// BalanceOf returns a wallet balance.
func (e *Engine) BalanceOf(account Account, symbol string) (*uint256.Int, error) {
	var bal *uint256.Int
	err := e.view(func() (err error) {
		bal, err = e.pool.BalanceOf(account, symbol)
		return err
	})
	return bal, err
}

// PoolBalance returns the liquidity held for a token.
func (e *Engine) PoolBalance(symbol string) (*uint256.Int, error) {
	var bal *uint256.Int
	err := e.view(func() (err error) {
		bal, err = e.pool.PoolBalance(symbol)
		return err
	})
	return bal, err
}

// OpenPosition opens a position at the current quote.
func (e *Engine) OpenPosition(owner Account, pair PairID, direction Direction, size *uint256.Int, token string, amount *uint256.Int) (*Position, error) {
	var pos *Position
	err := e.atomic("open_position", func() (err error) {
		pos, err = e.ledger.OpenPosition(owner, pair, direction, size, token, amount)
		return err
	})
	return pos, err
}

// Position returns an open position.
func (e *Engine) Position(id uint64) (*Position, error) {
	var pos *Position
	err := e.view(func() (err error) {
		pos, err = e.ledger.Position(id)
		return err
	})
	return pos, err
}

// Positions returns owner's open positions.
func (e *Engine) Positions(owner Account) ([]*Position, error) {
	var out []*Position
	err := e.view(func() (err error) {
		out, err = e.ledger.Positions(owner)
		return err
	})
	return out, err
}

// PositionPnL values a position at the current exit quote.
func (e *Engine) PositionPnL(id uint64) (*PnL, error) {
	var pnl *PnL
	err := e.view(func() (err error) {
		pnl, err = e.ledger.PositionPnL(id)
		return err
	})
	return pnl, err
}

// ClosePosition settles a position and pays out withdrawToken.
func (e *Engine) ClosePosition(caller Account, id uint64, withdrawToken string, recipient Account) (*Settlement, error) {
	var s *Settlement
	err := e.atomic("close_position", func() (err error) {
		s, err = e.ledger.ClosePosition(caller, id, withdrawToken, recipient)
		return err
	})
	return s, err
}

// LiquidatePosition closes an underwater position.
func (e *Engine) LiquidatePosition(liquidator Account, id uint64) (*Settlement, error) {
	var s *Settlement
	err := e.atomic("liquidate_position", func() (err error) {
		s, err = e.ledger.LiquidatePosition(liquidator, id)
		return err
	})
	return s, err
}

// TransferPosition hands a position to another account.
func (e *Engine) TransferPosition(caller Account, id uint64, to Account) (*Position, error) {
	var pos *Position
	err := e.atomic("transfer_position", func() (err error) {
		pos, err = e.ledger.TransferPosition(caller, id, to)
		return err
	})
	return pos, err
}

// CreateOpenOrder records an open order and escrows its deposit.
func (e *Engine) CreateOpenOrder(owner Account, req OpenOrder) (*Order, error) {
	var order *Order
	err := e.atomic("create_open_order", func() (err error) {
		order, err = e.orders.CreateOpenOrder(owner, req)
		return err
	})
	return order, err
}

// CreateCloseOrder records a close order.
func (e *Engine) CreateCloseOrder(owner Account, req CloseOrder) (*Order, error) {
	var order *Order
	err := e.atomic("create_close_order", func() (err error) {
		order, err = e.orders.CreateCloseOrder(owner, req)
		return err
	})
	return order, err
}

// IncreaseOrderDeposit tops up an open order's escrow.
func (e *Engine) IncreaseOrderDeposit(caller Account, id uint64, amount *uint256.Int) (*Order, error) {
	var order *Order
	err := e.atomic("increase_order_deposit", func() (err error) {
		order, err = e.orders.IncreaseOrderDeposit(caller, id, amount)
		return err
	})
	return order, err
}

// CancelOrder deletes an order and refunds its escrow.
func (e *Engine) CancelOrder(caller Account, id uint64) (*Order, error) {
	var order *Order
	err := e.atomic("cancel_order", func() (err error) {
		order, err = e.orders.CancelOrder(caller, id)
		return err
	})
	return order, err
}

// ExecuteOrder fills an order at the current quote.
func (e *Engine) ExecuteOrder(executor Account, id uint64) (*Execution, error) {
	var exec *Execution
	err := e.atomic("execute_order", func() (err error) {
		exec, err = e.orders.ExecuteOrder(executor, id)
		return err
	})
	return exec, err
}

// Order returns a pending order.
func (e *Engine) Order(id uint64) (*Order, error) {
	var order *Order
	err := e.view(func() (err error) {
		order, err = e.orders.Order(id)
		return err
	})
	return order, err
}

// Orders returns owner's pending orders.
func (e *Engine) Orders(owner Account) ([]*Order, error) {
	var out []*Order
	err := e.view(func() (err error) {
		out, err = e.orders.List(owner)
		return err
	})
	return out, err
}
