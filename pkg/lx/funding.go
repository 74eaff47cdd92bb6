package lx

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"

	"github.com/luxfi/perps/pkg/fixed"
)

// FundingTracker keeps a cumulative borrow index per pair. The index grows by
// BorrowRatePerHour for every hour elapsed and is advanced lazily whenever a
// position on the pair is touched. The stored accumulator is in rate-seconds
// so the index does not depend on how often the pair is touched.
type FundingTracker struct {
	db     database.Database
	params *Params
	now    func() time.Time
}

type fundingState struct {
	Accrued   *uint256.Int `json:"accrued"`
	UpdatedAt int64        `json:"updatedAt"`
}

var secondsPerHour = uint256.NewInt(3600)

// NewFundingTracker creates a tracker reading time from now.
func NewFundingTracker(db database.Database, params *Params, now func() time.Time) *FundingTracker {
	return &FundingTracker{db: db, params: params, now: now}
}

// Index accrues the pair's index to the current time and returns it.
func (f *FundingTracker) Index(pair PairID) (*uint256.Int, error) {
	now := f.now().Unix()
	state := new(fundingState)
	err := getJSON(f.db, fundingKey(pair), state)
	switch {
	case notFound(err):
		state = &fundingState{Accrued: new(uint256.Int), UpdatedAt: now}
	case err != nil:
		return nil, err
	}

	if elapsed := now - state.UpdatedAt; elapsed > 0 && !f.params.BorrowRatePerHour.IsZero() {
		delta, overflow := new(uint256.Int).MulOverflow(f.params.BorrowRatePerHour, uint256.NewInt(uint64(elapsed)))
		if overflow {
			return nil, fmt.Errorf("%w: funding accrual on pair %d", ErrOverflow, pair)
		}
		if state.Accrued, err = fixed.Add(state.Accrued, delta); err != nil {
			return nil, err
		}
	}
	if now > state.UpdatedAt {
		state.UpdatedAt = now
	}
	if err := putJSON(f.db, fundingKey(pair), state); err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(state.Accrued, secondsPerHour), nil
}

// Owed returns the funding a position with the given entry notional owes
// between snapshot and index.
func (f *FundingTracker) Owed(notional, snapshot, index *uint256.Int) (*uint256.Int, error) {
	if !index.Gt(snapshot) {
		return new(uint256.Int), nil
	}
	return fixed.Mul(notional, new(uint256.Int).Sub(index, snapshot))
}
