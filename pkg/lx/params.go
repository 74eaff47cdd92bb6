package lx

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/luxfi/perps/pkg/fixed"
)

// Params holds the ledger's risk and fee policy.
type Params struct {
	// MaxLeverage bounds size*price against collateral.
	MaxLeverage uint64
	// MaintenanceMarginBps is the loss-to-collateral ratio at which a
	// position becomes liquidatable.
	MaintenanceMarginBps uint64
	// LiquidationFeeBps of the collateral goes to the liquidator, capped at
	// what remains after losses.
	LiquidationFeeBps uint64
	// CloseFeeBps is charged on exit notional.
	CloseFeeBps uint64
	// ReserveRatioBps of the opened notional must be covered by the pool.
	ReserveRatioBps uint64
	// BorrowRatePerHour is an 18-decimal fraction of notional accrued per hour.
	BorrowRatePerHour *uint256.Int
	// SizeDecimals is the native precision of each pair's index asset.
	// Pairs not listed use 18.
	SizeDecimals map[PairID]uint8
}

// DefaultParams returns the default policy
func DefaultParams() *Params {
	return &Params{
		MaxLeverage:          100,
		MaintenanceMarginBps: 9990,
		LiquidationFeeBps:    50,
		CloseFeeBps:          0,
		ReserveRatioBps:      10_000,
		BorrowRatePerHour:    new(uint256.Int),
		SizeDecimals:         make(map[PairID]uint8),
	}
}

// Validate checks the policy is usable.
func (p *Params) Validate() error {
	if p.MaxLeverage == 0 {
		return fmt.Errorf("%w: max leverage must be positive", ErrInvalidAmount)
	}
	if p.MaintenanceMarginBps == 0 || p.MaintenanceMarginBps > 10_000 {
		return fmt.Errorf("%w: maintenance margin %d bps", ErrInvalidAmount, p.MaintenanceMarginBps)
	}
	if p.LiquidationFeeBps > 10_000 || p.CloseFeeBps > 10_000 {
		return fmt.Errorf("%w: fee above 100%%", ErrInvalidAmount)
	}
	for pair, d := range p.SizeDecimals {
		if err := fixed.ValidateDecimals(d); err != nil {
			return fmt.Errorf("pair %d: %w", pair, err)
		}
	}
	if p.BorrowRatePerHour == nil {
		p.BorrowRatePerHour = new(uint256.Int)
	}
	return nil
}

func (p *Params) sizeDecimals(pair PairID) uint8 {
	if d, ok := p.SizeDecimals[pair]; ok {
		return d
	}
	return fixed.Decimals
}
