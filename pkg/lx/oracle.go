package lx

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/log"
)

// CallbackOrderExecute is the callback target that executes an order whose
// id is carried in the payload.
const CallbackOrderExecute = "orders.execute"

// CallbackFunc handles a callback dispatched after a price update. caller is
// the feeder that published the prices.
type CallbackFunc func(caller Account, payload []byte) error

// Callback names a registered handler and its argument.
type Callback struct {
	Target  string `json:"target"`
	Payload []byte `json:"payload"`
}

// ExecuteOrderCallback builds the callback that executes orderID.
func ExecuteOrderCallback(orderID uint64) Callback {
	return Callback{Target: CallbackOrderExecute, Payload: be64(orderID)}
}

func decodeOrderID(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: order payload of %d bytes", ErrInvalidAmount, len(payload))
	}
	return binary.BigEndian.Uint64(payload), nil
}

// Oracle stores the latest high/low quote per pair. Only feeders may add
// pairs or publish prices; only the admin grants the feeder role.
type Oracle struct {
	db        database.Database
	journal   *journal
	admin     Account
	callbacks map[string]CallbackFunc
	log       log.Logger
}

// NewOracle creates an oracle over db.
func NewOracle(db database.Database, j *journal, admin Account, logger log.Logger) *Oracle {
	return &Oracle{
		db:        db,
		journal:   j,
		admin:     admin,
		callbacks: make(map[string]CallbackFunc),
		log:       logger,
	}
}

// RegisterCallback makes target dispatchable from SetPairPricesWithCallback.
func (o *Oracle) RegisterCallback(target string, fn CallbackFunc) {
	o.callbacks[target] = fn
}

// GrantFeeder gives account the feeder role.
func (o *Oracle) GrantFeeder(caller, account Account) error {
	if caller != o.admin {
		return fmt.Errorf("%w: %s is not admin", ErrUnauthorized, caller)
	}
	if err := account.Validate(); err != nil {
		return err
	}
	return o.db.Put(feederKey(account), []byte{1})
}

// RevokeFeeder removes the feeder role.
func (o *Oracle) RevokeFeeder(caller, account Account) error {
	if caller != o.admin {
		return fmt.Errorf("%w: %s is not admin", ErrUnauthorized, caller)
	}
	return o.db.Delete(feederKey(account))
}

// IsFeeder reports whether account holds the feeder role. The admin always
// does.
func (o *Oracle) IsFeeder(account Account) (bool, error) {
	if account == o.admin {
		return true, nil
	}
	return o.db.Has(feederKey(account))
}

func (o *Oracle) requireFeeder(caller Account) error {
	ok, err := o.IsFeeder(caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a feeder", ErrUnauthorized, caller)
	}
	return nil
}

// AddPair registers a pair with no prices.
func (o *Oracle) AddPair(caller Account, id PairID) error {
	if err := o.requireFeeder(caller); err != nil {
		return err
	}
	if id == 0 {
		return fmt.Errorf("%w: pair id 0", ErrInvalidAmount)
	}
	exists, err := o.db.Has(pairKey(id))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %d", ErrPairAlreadyExists, id)
	}
	pair := &Pair{ID: id, High: new(uint256.Int), Low: new(uint256.Int)}
	if err := putJSON(o.db, pairKey(id), pair); err != nil {
		return err
	}
	o.journal.emit(&Event{Type: EventPairAdded, Account: caller, Pair: id, Data: pair})
	o.log.Info("Pair added", "pair", id, "feeder", caller)
	return nil
}

// Pair returns the pair record.
func (o *Oracle) Pair(id PairID) (*Pair, error) {
	pair := new(Pair)
	if err := getJSON(o.db, pairKey(id), pair); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPair, id)
		}
		return nil, err
	}
	return pair, nil
}

// ListPairs returns every registered pair ordered by id.
func (o *Oracle) ListPairs() ([]*Pair, error) {
	return iterateJSON[Pair](o.db, pairPrefix)
}

// GetPairPrice returns the high or low quote of a pair.
func (o *Oracle) GetPairPrice(id PairID, side PriceSide) (*uint256.Int, error) {
	pair, err := o.Pair(id)
	if err != nil {
		return nil, err
	}
	if !pair.Priced {
		return nil, fmt.Errorf("%w: %d", ErrNoPriceSet, id)
	}
	return pair.Price(side), nil
}

// SetPairPrice overwrites one pair's quotes.
func (o *Oracle) SetPairPrice(caller Account, id PairID, high, low *uint256.Int) error {
	return o.SetPairPrices(caller, []PairID{id}, []*uint256.Int{high}, []*uint256.Int{low})
}

// SetPairPrices overwrites the quotes of several pairs. Every id and quote is
// validated before any is written. There is no staleness or monotonicity
// check.
func (o *Oracle) SetPairPrices(caller Account, ids []PairID, highs, lows []*uint256.Int) error {
	if err := o.requireFeeder(caller); err != nil {
		return err
	}
	if len(ids) != len(highs) || len(ids) != len(lows) {
		return fmt.Errorf("%w: %d ids, %d highs, %d lows", ErrLengthMismatch, len(ids), len(highs), len(lows))
	}

	pairs := make([]*Pair, len(ids))
	for i, id := range ids {
		pair, err := o.Pair(id)
		if err != nil {
			return err
		}
		if highs[i] == nil || lows[i] == nil || lows[i].IsZero() || highs[i].Lt(lows[i]) {
			return fmt.Errorf("%w: pair %d quote", ErrInvalidAmount, id)
		}
		pairs[i] = pair
	}

	now := o.journal.now().Unix()
	for i, pair := range pairs {
		pair.High = new(uint256.Int).Set(highs[i])
		pair.Low = new(uint256.Int).Set(lows[i])
		pair.Priced = true
		pair.Updated = now
		if err := putJSON(o.db, pairKey(pair.ID), pair); err != nil {
			return err
		}
		o.journal.emit(&Event{Type: EventPriceUpdated, Account: caller, Pair: pair.ID, Data: pair})
		o.log.Debug("Price set", "pair", pair.ID, "high", pair.High.Dec(), "low", pair.Low.Dec())
	}
	return nil
}

// SetPairPricesWithCallback publishes prices and then dispatches cb. The
// handler observes the new prices. An error from either phase is returned
// as is; rolling back is up to the enclosing transaction.
func (o *Oracle) SetPairPricesWithCallback(caller Account, ids []PairID, highs, lows []*uint256.Int, cb Callback) error {
	fn, ok := o.callbacks[cb.Target]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCallback, cb.Target)
	}
	if err := o.SetPairPrices(caller, ids, highs, lows); err != nil {
		return err
	}
	o.log.Debug("Dispatching callback", "target", cb.Target, "feeder", caller)
	if err := fn(caller, cb.Payload); err != nil {
		return fmt.Errorf("callback %s: %w", cb.Target, err)
	}
	return nil
}
