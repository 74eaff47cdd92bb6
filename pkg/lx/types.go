package lx

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Account identifies a trader, feeder or keeper.
type Account string

// Validate rejects accounts that cannot be used in a store key.
func (a Account) Validate() error {
	if a == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAccount)
	}
	if strings.IndexByte(string(a), 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidAccount, string(a))
	}
	return nil
}

// PairID identifies an index market. Valid ids start at 1.
type PairID uint64

// Direction is the side of a position
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// EntrySide is the quote a position of this direction opens at. Both entry
// and exit take the side unfavorable to the trader.
func (d Direction) EntrySide() PriceSide {
	if d == Long {
		return High
	}
	return Low
}

// ExitSide is the quote a position of this direction is valued and closed at.
func (d Direction) ExitSide() PriceSide {
	if d == Long {
		return Low
	}
	return High
}

// ParseDirection accepts "long" or "short".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "long":
		return Long, nil
	case "short":
		return Short, nil
	}
	return 0, fmt.Errorf("%w: direction %q", ErrInvalidAmount, s)
}

// Instruction is how an order triggers
type Instruction int

const (
	Limit Instruction = iota
	Market
)

func (i Instruction) String() string {
	if i == Market {
		return "market"
	}
	return "limit"
}

// ParseInstruction accepts "limit" or "market".
func ParseInstruction(s string) (Instruction, error) {
	switch strings.ToLower(s) {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	}
	return 0, fmt.Errorf("%w: instruction %q", ErrInvalidAmount, s)
}

// PriceSide selects the ask (High) or bid (Low) quote of a pair
type PriceSide int

const (
	High PriceSide = iota
	Low
)

func (s PriceSide) String() string {
	if s == Low {
		return "low"
	}
	return "high"
}

// Pair is an index market with its latest quotes in 18-decimal fixed point.
type Pair struct {
	ID      PairID       `json:"id"`
	High    *uint256.Int `json:"high"`
	Low     *uint256.Int `json:"low"`
	Priced  bool         `json:"priced"`
	Updated int64        `json:"updated,omitempty"`
}

// Price returns the requested quote.
func (p *Pair) Price(side PriceSide) *uint256.Int {
	if side == Low {
		return new(uint256.Int).Set(p.Low)
	}
	return new(uint256.Int).Set(p.High)
}

// Token is a collateral asset.
type Token struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Position is an open leveraged exposure. Collateral balance, fees and prices
// are canonical; CollateralAmount is in the deposit token's native decimals
// and Size in the index asset's native decimals.
type Position struct {
	ID                uint64       `json:"id"`
	Owner             Account      `json:"owner"`
	Pair              PairID       `json:"pair"`
	Direction         Direction    `json:"direction"`
	EntryPrice        *uint256.Int `json:"entryPrice"`
	Size              *uint256.Int `json:"size"`
	CollateralBalance *uint256.Int `json:"collateralBalance"`
	CollateralAmount  *uint256.Int `json:"collateralAmount"`
	CollateralToken   string       `json:"collateralToken"`
	ExitPrice         *uint256.Int `json:"exitPrice"`
	IncurredFee       *uint256.Int `json:"incurredFee"`
	LastBorrowRate    *uint256.Int `json:"lastBorrowRate"`
	OpenedAt          time.Time    `json:"openedAt"`
}

// PnL is a position's unrealized result. At most one leg is non-zero.
type PnL struct {
	Price  *uint256.Int `json:"price"`
	Profit *uint256.Int `json:"profit"`
	Loss   *uint256.Int `json:"loss"`
}

// Settlement describes the payout of a closed or liquidated position.
type Settlement struct {
	Position      *Position    `json:"position"`
	Profit        *uint256.Int `json:"profit"`
	Loss          *uint256.Int `json:"loss"`
	Funding       *uint256.Int `json:"funding"`
	Fee           *uint256.Int `json:"fee"`
	Amount        *uint256.Int `json:"amount"`
	Paid          *uint256.Int `json:"paid"`
	Token         string       `json:"token"`
	Recipient     Account      `json:"recipient"`
	Liquidator    Account      `json:"liquidator,omitempty"`
	LiquidatorFee *uint256.Int `json:"liquidatorFee,omitempty"`
}

// OrderKind tags the variant held by an Order
type OrderKind int

const (
	OpenOrderKind OrderKind = iota
	CloseOrderKind
)

func (k OrderKind) String() string {
	if k == CloseOrderKind {
		return "close"
	}
	return "open"
}

// OpenOrder is a deferred request to open a position.
type OpenOrder struct {
	Instruction        Instruction  `json:"instruction"`
	TriggerPrice       *uint256.Int `json:"triggerPrice"`
	Pair               PairID       `json:"pair"`
	Direction          Direction    `json:"direction"`
	Size               *uint256.Int `json:"size"`
	DepositToken       string       `json:"depositToken"`
	DepositAmount      *uint256.Int `json:"depositAmount"`
	TotalDepositAmount *uint256.Int `json:"totalDepositAmount"`
}

// CloseOrder is a deferred request to close a position.
type CloseOrder struct {
	Instruction   Instruction  `json:"instruction"`
	TriggerPrice  *uint256.Int `json:"triggerPrice"`
	PositionID    uint64       `json:"positionId"`
	WithdrawToken string       `json:"withdrawToken"`
	Recipient     Account      `json:"recipient"`
}

// Order is a pending open or close request. Exactly one of Open and Close is
// set, matching Kind.
type Order struct {
	ID        uint64      `json:"id"`
	Owner     Account     `json:"owner"`
	Kind      OrderKind   `json:"kind"`
	Open      *OpenOrder  `json:"open,omitempty"`
	Close     *CloseOrder `json:"close,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Execution is the result of executing an order.
type Execution struct {
	Order      *Order      `json:"order"`
	Executor   Account     `json:"executor"`
	Position   *Position   `json:"position,omitempty"`
	Settlement *Settlement `json:"settlement,omitempty"`
}
