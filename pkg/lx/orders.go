package lx

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/fixed"
)

// Orders holds pending open and close orders. Open orders lock their deposit
// in the pool at creation. An order is consumed only when it executes or is
// cancelled.
type Orders struct {
	db       database.Database
	journal  *journal
	oracle   *Oracle
	pool     *Pool
	ledger   *Ledger
	registry *Registry
	log      log.Logger
}

// NewOrders wires the order layer to the ledger.
func NewOrders(db database.Database, j *journal, oracle *Oracle, pool *Pool, ledger *Ledger, registry *Registry, logger log.Logger) *Orders {
	return &Orders{
		db:       db,
		journal:  j,
		oracle:   oracle,
		pool:     pool,
		ledger:   ledger,
		registry: registry,
		log:      logger,
	}
}

func normalizeTrigger(instruction Instruction, trigger *uint256.Int) (*uint256.Int, error) {
	switch instruction {
	case Market:
		return new(uint256.Int), nil
	case Limit:
		if trigger == nil || trigger.IsZero() {
			return nil, fmt.Errorf("%w: limit order without trigger price", ErrInvalidAmount)
		}
		return new(uint256.Int).Set(trigger), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, instruction)
}

// CreateOpenOrder records an order to open a position and escrows its
// deposit. Market orders carry a zero trigger price.
func (o *Orders) CreateOpenOrder(owner Account, req OpenOrder) (*Order, error) {
	trigger, err := normalizeTrigger(req.Instruction, req.TriggerPrice)
	if err != nil {
		return nil, err
	}
	if req.Direction != Long && req.Direction != Short {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Direction)
	}
	if req.Size == nil || req.Size.IsZero() || req.DepositAmount == nil || req.DepositAmount.IsZero() {
		return nil, fmt.Errorf("%w: zero size or deposit", ErrInvalidAmount)
	}
	total := req.TotalDepositAmount
	if total == nil || total.IsZero() {
		total = req.DepositAmount
	}
	if req.DepositAmount.Gt(total) {
		return nil, fmt.Errorf("%w: %s > %s", ErrDepositExceedsTotal, req.DepositAmount.Dec(), total.Dec())
	}
	if _, err := o.oracle.Pair(req.Pair); err != nil {
		return nil, err
	}
	if err := o.pool.PullCollateral(req.DepositToken, owner, req.DepositAmount); err != nil {
		return nil, err
	}
	id, err := o.registry.Mint(owner)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:    id,
		Owner: owner,
		Kind:  OpenOrderKind,
		Open: &OpenOrder{
			Instruction:        req.Instruction,
			TriggerPrice:       trigger,
			Pair:               req.Pair,
			Direction:          req.Direction,
			Size:               new(uint256.Int).Set(req.Size),
			DepositToken:       req.DepositToken,
			DepositAmount:      new(uint256.Int).Set(req.DepositAmount),
			TotalDepositAmount: new(uint256.Int).Set(total),
		},
		CreatedAt: o.journal.now(),
	}
	if err := putJSON(o.db, orderKey(id), order); err != nil {
		return nil, err
	}
	o.journal.emit(&Event{Type: EventOrderCreated, Account: owner, Pair: req.Pair, OrderID: id, Data: order})
	o.log.Info("Open order created", "id", id, "owner", owner, "pair", req.Pair,
		"instruction", req.Instruction, "direction", req.Direction, "trigger", trigger.Dec())
	return order, nil
}

// CreateCloseOrder records an order to close one of owner's positions.
func (o *Orders) CreateCloseOrder(owner Account, req CloseOrder) (*Order, error) {
	trigger, err := normalizeTrigger(req.Instruction, req.TriggerPrice)
	if err != nil {
		return nil, err
	}
	pos, err := o.ledger.Position(req.PositionID)
	if err != nil {
		return nil, err
	}
	if err := o.ledger.requireOwner(owner, req.PositionID); err != nil {
		return nil, err
	}
	if _, err := o.pool.Token(req.WithdrawToken); err != nil {
		return nil, err
	}
	recipient := req.Recipient
	if recipient == "" {
		recipient = owner
	}
	if err := recipient.Validate(); err != nil {
		return nil, err
	}
	id, err := o.registry.Mint(owner)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:    id,
		Owner: owner,
		Kind:  CloseOrderKind,
		Close: &CloseOrder{
			Instruction:   req.Instruction,
			TriggerPrice:  trigger,
			PositionID:    req.PositionID,
			WithdrawToken: req.WithdrawToken,
			Recipient:     recipient,
		},
		CreatedAt: o.journal.now(),
	}
	if err := putJSON(o.db, orderKey(id), order); err != nil {
		return nil, err
	}
	o.journal.emit(&Event{Type: EventOrderCreated, Account: owner, Pair: pos.Pair, OrderID: id, PositionID: pos.ID, Data: order})
	o.log.Info("Close order created", "id", id, "owner", owner, "position", pos.ID,
		"instruction", req.Instruction, "trigger", trigger.Dec())
	return order, nil
}

// Order returns a pending order.
func (o *Orders) Order(id uint64) (*Order, error) {
	order := new(Order)
	if err := getJSON(o.db, orderKey(id), order); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		}
		return nil, err
	}
	return order, nil
}

// List returns owner's pending orders ordered by id.
func (o *Orders) List(owner Account) ([]*Order, error) {
	ids, err := o.registry.Tokens(owner)
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		order, err := o.Order(id)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

func (o *Orders) owned(caller Account, id uint64) (*Order, error) {
	order, err := o.Order(id)
	if err != nil {
		return nil, err
	}
	if order.Owner != caller {
		return nil, fmt.Errorf("%w: order %d", ErrNotOwner, id)
	}
	return order, nil
}

// IncreaseOrderDeposit adds amount to an open order's escrow, up to its
// declared total.
func (o *Orders) IncreaseOrderDeposit(caller Account, id uint64, amount *uint256.Int) (*Order, error) {
	order, err := o.owned(caller, id)
	if err != nil {
		return nil, err
	}
	if order.Kind != OpenOrderKind {
		return nil, fmt.Errorf("%w: order %d holds no deposit", ErrInvalidAmount, id)
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: zero deposit", ErrInvalidAmount)
	}
	next, err := fixed.Add(order.Open.DepositAmount, amount)
	if err != nil {
		return nil, err
	}
	if next.Gt(order.Open.TotalDepositAmount) {
		return nil, fmt.Errorf("%w: %s > %s", ErrDepositExceedsTotal, next.Dec(), order.Open.TotalDepositAmount.Dec())
	}
	if err := o.pool.PullCollateral(order.Open.DepositToken, caller, amount); err != nil {
		return nil, err
	}
	order.Open.DepositAmount = next
	if err := putJSON(o.db, orderKey(id), order); err != nil {
		return nil, err
	}
	o.journal.emit(&Event{Type: EventOrderUpdated, Account: caller, Pair: order.Open.Pair, OrderID: id, Data: order})
	return order, nil
}

// consume deletes the order and burns its id.
func (o *Orders) consume(id uint64) error {
	if err := o.db.Delete(orderKey(id)); err != nil {
		return err
	}
	return o.registry.Burn(id)
}

// CancelOrder deletes a pending order and refunds any escrowed deposit.
func (o *Orders) CancelOrder(caller Account, id uint64) (*Order, error) {
	order, err := o.owned(caller, id)
	if err != nil {
		return nil, err
	}
	if err := o.consume(id); err != nil {
		return nil, err
	}
	if order.Kind == OpenOrderKind {
		if err := o.pool.PushCollateral(order.Open.DepositToken, order.Owner, order.Open.DepositAmount); err != nil {
			return nil, err
		}
	}
	o.journal.emit(&Event{Type: EventOrderCancelled, Account: caller, OrderID: id, Data: order})
	o.log.Info("Order cancelled", "id", id, "owner", caller, "kind", order.Kind)
	return order, nil
}

// triggered reports whether price satisfies a limit order. Open orders fill
// at or below the trigger for longs and at or above it for shorts. Close
// orders are take-profit: at or above for longs, at or below for shorts.
func triggered(kind OrderKind, direction Direction, instruction Instruction, trigger, price *uint256.Int) bool {
	if instruction == Market {
		return true
	}
	buying := (kind == OpenOrderKind) == (direction == Long)
	if buying {
		return !price.Gt(trigger)
	}
	return !price.Lt(trigger)
}

// ExecuteOrder fills a pending order at the current quote. It fails with
// ErrOrderNotTriggered, leaving the order pending, when a limit is not met.
func (o *Orders) ExecuteOrder(executor Account, id uint64) (*Execution, error) {
	order, err := o.Order(id)
	if err != nil {
		return nil, err
	}

	exec := &Execution{Order: order, Executor: executor}
	var pair PairID
	switch order.Kind {
	case OpenOrderKind:
		req := order.Open
		pair = req.Pair
		price, err := o.oracle.GetPairPrice(req.Pair, req.Direction.EntrySide())
		if err != nil {
			return nil, err
		}
		if !triggered(order.Kind, req.Direction, req.Instruction, req.TriggerPrice, price) {
			return nil, fmt.Errorf("%w: order %d at %s, trigger %s", ErrOrderNotTriggered, id, price.Dec(), req.TriggerPrice.Dec())
		}
		if err := o.consume(id); err != nil {
			return nil, err
		}
		exec.Position, err = o.ledger.open(openRequest{
			owner:     order.Owner,
			pair:      req.Pair,
			direction: req.Direction,
			size:      req.Size,
			token:     req.DepositToken,
			amount:    req.DepositAmount,
			escrowed:  true,
		}, price)
		if err != nil {
			return nil, err
		}

	case CloseOrderKind:
		req := order.Close
		pos, err := o.ledger.Position(req.PositionID)
		if err != nil {
			return nil, err
		}
		if err := o.ledger.requireOwner(order.Owner, pos.ID); err != nil {
			return nil, err
		}
		pair = pos.Pair
		price, err := o.oracle.GetPairPrice(pos.Pair, pos.Direction.ExitSide())
		if err != nil {
			return nil, err
		}
		if !triggered(order.Kind, pos.Direction, req.Instruction, req.TriggerPrice, price) {
			return nil, fmt.Errorf("%w: order %d at %s, trigger %s", ErrOrderNotTriggered, id, price.Dec(), req.TriggerPrice.Dec())
		}
		if err := o.consume(id); err != nil {
			return nil, err
		}
		exec.Settlement, err = o.ledger.close(pos, price, req.WithdrawToken, req.Recipient)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: order %d kind %d", ErrInvalidAmount, id, order.Kind)
	}

	o.journal.emit(&Event{Type: EventOrderExecuted, Account: order.Owner, Pair: pair, OrderID: id, Data: exec})
	o.log.Info("Order executed", "id", id, "kind", order.Kind, "owner", order.Owner, "executor", executor)
	return exec, nil
}

// HandleCallback executes the order encoded in payload.
func (o *Orders) HandleCallback(caller Account, payload []byte) error {
	id, err := decodeOrderID(payload)
	if err != nil {
		return err
	}
	_, err = o.ExecuteOrder(caller, id)
	return err
}
