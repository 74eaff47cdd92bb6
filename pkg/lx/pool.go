package lx

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/fixed"
)

// Pool holds collateral per token and the wallets it is pulled from and
// pushed to. Amounts are in each token's native decimals. The pool moves
// exactly what the ledger tells it to and never re-derives amounts.
type Pool struct {
	db    database.Database
	admin Account
	log   log.Logger
}

// NewPool creates a pool over db.
func NewPool(db database.Database, admin Account, logger log.Logger) *Pool {
	return &Pool{db: db, admin: admin, log: logger}
}

// AddToken registers a collateral token.
func (p *Pool) AddToken(caller Account, symbol string, decimals uint8) error {
	if caller != p.admin {
		return fmt.Errorf("%w: %s is not admin", ErrUnauthorized, caller)
	}
	if symbol == "" || strings.IndexByte(symbol, 0) >= 0 {
		return fmt.Errorf("%w: token symbol %q", ErrInvalidAmount, symbol)
	}
	if err := fixed.ValidateDecimals(decimals); err != nil {
		return fmt.Errorf("token %s: %w", symbol, err)
	}
	exists, err := p.db.Has(tokenKey(symbol))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrTokenAlreadyExists, symbol)
	}
	p.log.Info("Token added", "token", symbol, "decimals", decimals)
	return putJSON(p.db, tokenKey(symbol), &Token{Symbol: symbol, Decimals: decimals})
}

// Token returns a registered token.
func (p *Pool) Token(symbol string) (*Token, error) {
	t := new(Token)
	if err := getJSON(p.db, tokenKey(symbol), t); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
		}
		return nil, err
	}
	return t, nil
}

// ListTokens returns every registered token.
func (p *Pool) ListTokens() ([]*Token, error) {
	return iterateJSON[Token](p.db, tokenPrefix)
}

// Canonical converts a native amount of symbol to 18 decimals.
func (p *Pool) Canonical(symbol string, amount *uint256.Int) (*uint256.Int, error) {
	t, err := p.Token(symbol)
	if err != nil {
		return nil, err
	}
	return fixed.ToCanonical(amount, t.Decimals)
}

// Native converts a canonical amount to symbol's decimals.
func (p *Pool) Native(symbol string, canonical *uint256.Int) (*uint256.Int, error) {
	t, err := p.Token(symbol)
	if err != nil {
		return nil, err
	}
	return fixed.FromCanonical(canonical, t.Decimals)
}

func (p *Pool) amount(k []byte) (*uint256.Int, error) {
	raw, err := p.db.Get(k)
	if notFound(err) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (p *Pool) setAmount(k []byte, v *uint256.Int) error {
	if v.IsZero() {
		return p.db.Delete(k)
	}
	b := v.Bytes32()
	return p.db.Put(k, b[:])
}

// BalanceOf returns account's wallet balance of symbol.
func (p *Pool) BalanceOf(account Account, symbol string) (*uint256.Int, error) {
	if _, err := p.Token(symbol); err != nil {
		return nil, err
	}
	return p.amount(walletKey(symbol, account))
}

// PoolBalance returns the liquidity held for symbol.
func (p *Pool) PoolBalance(symbol string) (*uint256.Int, error) {
	if _, err := p.Token(symbol); err != nil {
		return nil, err
	}
	return p.amount(poolKey(symbol))
}

// Credit mints amount into account's wallet.
func (p *Pool) Credit(caller, account Account, symbol string, amount *uint256.Int) error {
	if caller != p.admin {
		return fmt.Errorf("%w: %s is not admin", ErrUnauthorized, caller)
	}
	if err := account.Validate(); err != nil {
		return err
	}
	bal, err := p.BalanceOf(account, symbol)
	if err != nil {
		return err
	}
	next, err := fixed.Add(bal, amount)
	if err != nil {
		return err
	}
	return p.setAmount(walletKey(symbol, account), next)
}

// AddLiquidity moves amount from account's wallet into the pool.
func (p *Pool) AddLiquidity(account Account, symbol string, amount *uint256.Int) error {
	if amount.IsZero() {
		return fmt.Errorf("%w: zero liquidity", ErrInvalidAmount)
	}
	return p.PullCollateral(symbol, account, amount)
}

// PullCollateral moves amount of symbol from a wallet into the pool.
func (p *Pool) PullCollateral(symbol string, from Account, amount *uint256.Int) error {
	bal, err := p.BalanceOf(from, symbol)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from, bal.Dec(), symbol, amount.Dec())
	}
	reserve, err := p.amount(poolKey(symbol))
	if err != nil {
		return err
	}
	next, err := fixed.Add(reserve, amount)
	if err != nil {
		return err
	}
	if err := p.setAmount(walletKey(symbol, from), new(uint256.Int).Sub(bal, amount)); err != nil {
		return err
	}
	return p.setAmount(poolKey(symbol), next)
}

// PushCollateral pays amount of symbol from the pool to a wallet.
func (p *Pool) PushCollateral(symbol string, to Account, amount *uint256.Int) error {
	if err := to.Validate(); err != nil {
		return err
	}
	reserve, err := p.PoolBalance(symbol)
	if err != nil {
		return err
	}
	if reserve.Lt(amount) {
		return fmt.Errorf("%w: pool has %s %s, needs %s", ErrInsufficientPoolLiquidity, reserve.Dec(), symbol, amount.Dec())
	}
	bal, err := p.amount(walletKey(symbol, to))
	if err != nil {
		return err
	}
	next, err := fixed.Add(bal, amount)
	if err != nil {
		return err
	}
	if err := p.setAmount(poolKey(symbol), new(uint256.Int).Sub(reserve, amount)); err != nil {
		return err
	}
	return p.setAmount(walletKey(symbol, to), next)
}
