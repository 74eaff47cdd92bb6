package lx

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/fixed"
)

// Ledger owns open positions. It prices entries and exits from the oracle,
// custodies collateral through the pool and tracks ownership in a registry.
type Ledger struct {
	db        database.Database
	journal   *journal
	oracle    *Oracle
	pool      *Pool
	positions *Registry
	funding   *FundingTracker
	params    *Params
	log       log.Logger
}

// NewLedger wires a ledger to its collaborators.
func NewLedger(db database.Database, j *journal, oracle *Oracle, pool *Pool, positions *Registry, funding *FundingTracker, params *Params, logger log.Logger) *Ledger {
	return &Ledger{
		db:        db,
		journal:   j,
		oracle:    oracle,
		pool:      pool,
		positions: positions,
		funding:   funding,
		params:    params,
		log:       logger,
	}
}

type openRequest struct {
	owner     Account
	pair      PairID
	direction Direction
	size      *uint256.Int
	token     string
	amount    *uint256.Int
	// escrowed is set when the deposit already sits in the pool.
	escrowed bool
}

// OpenPosition opens a position at the current entry-side quote, pulling
// amount of token from owner as collateral.
func (l *Ledger) OpenPosition(owner Account, pair PairID, direction Direction, size *uint256.Int, token string, amount *uint256.Int) (*Position, error) {
	if direction != Long && direction != Short {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, direction)
	}
	price, err := l.oracle.GetPairPrice(pair, direction.EntrySide())
	if err != nil {
		return nil, err
	}
	return l.open(openRequest{
		owner:     owner,
		pair:      pair,
		direction: direction,
		size:      size,
		token:     token,
		amount:    amount,
	}, price)
}

func (l *Ledger) open(req openRequest, price *uint256.Int) (*Position, error) {
	if req.size == nil || req.size.IsZero() {
		return nil, fmt.Errorf("%w: zero size", ErrInvalidAmount)
	}
	if req.amount == nil || req.amount.IsZero() {
		return nil, fmt.Errorf("%w: zero collateral", ErrInvalidAmount)
	}
	collateral, err := l.pool.Canonical(req.token, req.amount)
	if err != nil {
		return nil, err
	}
	if collateral.IsZero() {
		return nil, fmt.Errorf("%w: collateral below canonical precision", ErrInsufficientCollateral)
	}

	notional, err := l.notional(req.pair, req.size, price)
	if err != nil {
		return nil, err
	}
	limit, overflow := new(uint256.Int).MulOverflow(collateral, uint256.NewInt(l.params.MaxLeverage))
	if !overflow && notional.Gt(limit) {
		return nil, fmt.Errorf("%w: notional %s exceeds %dx collateral %s",
			ErrInsufficientCollateral, notional.Dec(), l.params.MaxLeverage, collateral.Dec())
	}

	if !req.escrowed {
		if err := l.pool.PullCollateral(req.token, req.owner, req.amount); err != nil {
			return nil, err
		}
	}
	if err := l.checkReserve(req.token, notional); err != nil {
		return nil, err
	}

	index, err := l.funding.Index(req.pair)
	if err != nil {
		return nil, err
	}
	id, err := l.positions.Mint(req.owner)
	if err != nil {
		return nil, err
	}

	pos := &Position{
		ID:                id,
		Owner:             req.owner,
		Pair:              req.pair,
		Direction:         req.direction,
		EntryPrice:        new(uint256.Int).Set(price),
		Size:              new(uint256.Int).Set(req.size),
		CollateralBalance: collateral,
		CollateralAmount:  new(uint256.Int).Set(req.amount),
		CollateralToken:   req.token,
		ExitPrice:         new(uint256.Int),
		IncurredFee:       new(uint256.Int),
		LastBorrowRate:    index,
		OpenedAt:          l.journal.now(),
	}
	if err := putJSON(l.db, positionKey(id), pos); err != nil {
		return nil, err
	}

	l.journal.emit(&Event{Type: EventPositionOpened, Account: req.owner, Pair: req.pair, PositionID: id, Data: pos})
	l.log.Info("Position opened",
		"id", id,
		"owner", req.owner,
		"pair", req.pair,
		"direction", req.direction,
		"size", req.size.Dec(),
		"entry", fixed.Format(price, fixed.Decimals),
		"collateral", fixed.Format(collateral, fixed.Decimals))
	return pos, nil
}

// notional is size*price in canonical units.
func (l *Ledger) notional(pair PairID, size, price *uint256.Int) (*uint256.Int, error) {
	canonical, err := fixed.ToCanonical(size, l.params.sizeDecimals(pair))
	if err != nil {
		return nil, err
	}
	return fixed.Mul(canonical, price)
}

func (l *Ledger) checkReserve(token string, notional *uint256.Int) error {
	required, err := fixed.Bps(notional, l.params.ReserveRatioBps)
	if err != nil {
		return err
	}
	balance, err := l.pool.PoolBalance(token)
	if err != nil {
		return err
	}
	reserve, err := l.pool.Canonical(token, balance)
	if err != nil {
		return err
	}
	if reserve.Lt(required) {
		return fmt.Errorf("%w: %s reserve %s below %s",
			ErrInsufficientPoolLiquidity, token, reserve.Dec(), required.Dec())
	}
	return nil
}

// Position returns an open position.
func (l *Ledger) Position(id uint64) (*Position, error) {
	pos := new(Position)
	if err := getJSON(l.db, positionKey(id), pos); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
		}
		return nil, err
	}
	return pos, nil
}

// Positions returns owner's open positions ordered by id.
func (l *Ledger) Positions(owner Account) ([]*Position, error) {
	ids, err := l.positions.Tokens(owner)
	if err != nil {
		return nil, err
	}
	out := make([]*Position, 0, len(ids))
	for _, id := range ids {
		pos, err := l.Position(id)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

// PositionPnL values a position at the current exit-side quote.
func (l *Ledger) PositionPnL(id uint64) (*PnL, error) {
	pos, err := l.Position(id)
	if err != nil {
		return nil, err
	}
	price, err := l.oracle.GetPairPrice(pos.Pair, pos.Direction.ExitSide())
	if err != nil {
		return nil, err
	}
	return l.pnlAt(pos, price)
}

func (l *Ledger) pnlAt(pos *Position, price *uint256.Int) (*PnL, error) {
	pnl := &PnL{
		Price:  new(uint256.Int).Set(price),
		Profit: new(uint256.Int),
		Loss:   new(uint256.Int),
	}
	gain := (pos.Direction == Long) == price.Gt(pos.EntryPrice)
	var diff uint256.Int
	if price.Gt(pos.EntryPrice) {
		diff.Sub(price, pos.EntryPrice)
	} else {
		diff.Sub(pos.EntryPrice, price)
	}
	amount, err := l.notional(pos.Pair, pos.Size, &diff)
	if err != nil {
		return nil, err
	}
	if gain {
		pnl.Profit = amount
	} else {
		pnl.Loss = amount
	}
	return pnl, nil
}

// settle values pos at price with accrued funding and fees. It stamps the
// exit price and returns the canonical payout floored at zero.
func (l *Ledger) settle(pos *Position, price *uint256.Int) (*Settlement, error) {
	pnl, err := l.pnlAt(pos, price)
	if err != nil {
		return nil, err
	}
	index, err := l.funding.Index(pos.Pair)
	if err != nil {
		return nil, err
	}
	entryNotional, err := l.notional(pos.Pair, pos.Size, pos.EntryPrice)
	if err != nil {
		return nil, err
	}
	owed, err := l.funding.Owed(entryNotional, pos.LastBorrowRate, index)
	if err != nil {
		return nil, err
	}
	exitNotional, err := l.notional(pos.Pair, pos.Size, price)
	if err != nil {
		return nil, err
	}
	closeFee, err := fixed.Bps(exitNotional, l.params.CloseFeeBps)
	if err != nil {
		return nil, err
	}
	fee, err := fixed.Add(pos.IncurredFee, owed)
	if err != nil {
		return nil, err
	}
	if fee, err = fixed.Add(fee, closeFee); err != nil {
		return nil, err
	}
	gross, err := fixed.Add(pos.CollateralBalance, pnl.Profit)
	if err != nil {
		return nil, err
	}

	pos.ExitPrice = new(uint256.Int).Set(price)
	pos.IncurredFee = fee
	pos.LastBorrowRate = index
	return &Settlement{
		Position: pos,
		Profit:   pnl.Profit,
		Loss:     pnl.Loss,
		Funding:  owed,
		Fee:      fee,
		Amount:   fixed.SubFloor(fixed.SubFloor(gross, pnl.Loss), fee),
	}, nil
}

// remove deletes the record and burns its id. It runs before any payout.
func (l *Ledger) remove(id uint64) error {
	if err := l.db.Delete(positionKey(id)); err != nil {
		return err
	}
	return l.positions.Burn(id)
}

func (l *Ledger) requireOwner(caller Account, id uint64) error {
	owner, err := l.positions.OwnerOf(id)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	if owner != caller {
		return fmt.Errorf("%w: position %d", ErrNotOwner, id)
	}
	return nil
}

// ClosePosition settles a position at the exit-side quote and pays the
// result in withdrawToken to recipient.
func (l *Ledger) ClosePosition(caller Account, id uint64, withdrawToken string, recipient Account) (*Settlement, error) {
	pos, err := l.Position(id)
	if err != nil {
		return nil, err
	}
	if err := l.requireOwner(caller, id); err != nil {
		return nil, err
	}
	price, err := l.oracle.GetPairPrice(pos.Pair, pos.Direction.ExitSide())
	if err != nil {
		return nil, err
	}
	return l.close(pos, price, withdrawToken, recipient)
}

func (l *Ledger) close(pos *Position, price *uint256.Int, withdrawToken string, recipient Account) (*Settlement, error) {
	if recipient == "" {
		return nil, fmt.Errorf("%w: empty recipient", ErrInvalidAmount)
	}
	s, err := l.settle(pos, price)
	if err != nil {
		return nil, err
	}
	paid, err := l.pool.Native(withdrawToken, s.Amount)
	if err != nil {
		return nil, err
	}
	if err := l.remove(pos.ID); err != nil {
		return nil, err
	}
	if !paid.IsZero() {
		if err := l.pool.PushCollateral(withdrawToken, recipient, paid); err != nil {
			return nil, err
		}
	}
	s.Paid = paid
	s.Token = withdrawToken
	s.Recipient = recipient

	l.journal.emit(&Event{Type: EventPositionClosed, Account: pos.Owner, Pair: pos.Pair, PositionID: pos.ID, Data: s})
	l.log.Info("Position closed",
		"id", pos.ID,
		"exit", fixed.Format(price, fixed.Decimals),
		"profit", fixed.Format(s.Profit, fixed.Decimals),
		"loss", fixed.Format(s.Loss, fixed.Decimals),
		"fee", fixed.Format(s.Fee, fixed.Decimals),
		"paid", paid.Dec(),
		"token", withdrawToken)
	return s, nil
}

// LiquidatePosition closes an underwater position. Anyone may call it. The
// liquidator earns LiquidationFeeBps of the collateral, capped at what is
// left; the owner receives the rest in the deposit token.
func (l *Ledger) LiquidatePosition(liquidator Account, id uint64) (*Settlement, error) {
	if liquidator == "" {
		return nil, fmt.Errorf("%w: empty liquidator", ErrInvalidAmount)
	}
	pos, err := l.Position(id)
	if err != nil {
		return nil, err
	}
	price, err := l.oracle.GetPairPrice(pos.Pair, pos.Direction.ExitSide())
	if err != nil {
		return nil, err
	}
	s, err := l.settle(pos, price)
	if err != nil {
		return nil, err
	}
	threshold, err := fixed.Bps(pos.CollateralBalance, l.params.MaintenanceMarginBps)
	if err != nil {
		return nil, err
	}
	if s.Loss.Lt(threshold) {
		return nil, fmt.Errorf("%w: position %d loss %s below %s",
			ErrPositionNotLiquidatable, id, s.Loss.Dec(), threshold.Dec())
	}

	incentive, err := fixed.Bps(pos.CollateralBalance, l.params.LiquidationFeeBps)
	if err != nil {
		return nil, err
	}
	if incentive.Gt(s.Amount) {
		incentive = new(uint256.Int).Set(s.Amount)
	}
	rest := new(uint256.Int).Sub(s.Amount, incentive)

	token := pos.CollateralToken
	incentivePaid, err := l.pool.Native(token, incentive)
	if err != nil {
		return nil, err
	}
	restPaid, err := l.pool.Native(token, rest)
	if err != nil {
		return nil, err
	}
	owner, err := l.positions.OwnerOf(id)
	if err != nil {
		return nil, err
	}
	if err := l.remove(id); err != nil {
		return nil, err
	}
	if !incentivePaid.IsZero() {
		if err := l.pool.PushCollateral(token, liquidator, incentivePaid); err != nil {
			return nil, err
		}
	}
	if !restPaid.IsZero() {
		if err := l.pool.PushCollateral(token, owner, restPaid); err != nil {
			return nil, err
		}
	}
	s.Paid = restPaid
	s.Token = token
	s.Recipient = owner
	s.Liquidator = liquidator
	s.LiquidatorFee = incentivePaid

	l.journal.emit(&Event{Type: EventPositionLiquidated, Account: owner, Pair: pos.Pair, PositionID: id, Data: s})
	l.log.Warn("Position liquidated",
		"id", id,
		"owner", owner,
		"liquidator", liquidator,
		"exit", fixed.Format(price, fixed.Decimals),
		"loss", fixed.Format(s.Loss, fixed.Decimals))
	return s, nil
}

// TransferPosition hands a position to another account.
func (l *Ledger) TransferPosition(caller Account, id uint64, to Account) (*Position, error) {
	pos, err := l.Position(id)
	if err != nil {
		return nil, err
	}
	if err := l.positions.Transfer(caller, id, to); err != nil {
		return nil, err
	}
	pos.Owner = to
	if err := putJSON(l.db, positionKey(id), pos); err != nil {
		return nil, err
	}
	l.log.Info("Position transferred", "id", id, "from", caller, "to", to)
	return pos, nil
}
