package lx

import (
	"errors"

	"github.com/luxfi/perps/pkg/fixed"
)

// Ledger errors
var (
	ErrUnknownPair               = errors.New("unknown pair")
	ErrNoPriceSet                = errors.New("no price set")
	ErrPairAlreadyExists         = errors.New("pair already exists")
	ErrUnsupportedDecimals       = fixed.ErrUnsupportedDecimals
	ErrInsufficientCollateral    = errors.New("insufficient collateral")
	ErrNotOwner                  = errors.New("not owner")
	ErrPositionNotFound          = errors.New("position not found")
	ErrPositionNotLiquidatable   = errors.New("position not liquidatable")
	ErrOrderNotFound             = errors.New("order not found")
	ErrOrderNotTriggered         = errors.New("order not triggered")
	ErrInsufficientPoolLiquidity = errors.New("insufficient pool liquidity")

	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidAccount      = errors.New("invalid account")
	ErrLengthMismatch      = errors.New("length mismatch")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnknownToken        = errors.New("unknown token")
	ErrTokenAlreadyExists  = errors.New("token already exists")
	ErrDepositExceedsTotal = errors.New("deposit exceeds total")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownCallback     = errors.New("unknown callback")
	ErrIDNotFound          = errors.New("id not found")
	ErrOverflow            = fixed.ErrOverflow
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrUnknownPair, "UnknownPair"},
	{ErrNoPriceSet, "NoPriceSet"},
	{ErrPairAlreadyExists, "PairAlreadyExists"},
	{ErrUnsupportedDecimals, "UnsupportedDecimals"},
	{ErrInsufficientCollateral, "InsufficientCollateral"},
	{ErrNotOwner, "NotOwner"},
	{ErrPositionNotFound, "PositionNotFound"},
	{ErrPositionNotLiquidatable, "PositionNotLiquidatable"},
	{ErrOrderNotFound, "OrderNotFound"},
	{ErrOrderNotTriggered, "OrderNotTriggered"},
	{ErrInsufficientPoolLiquidity, "InsufficientPoolLiquidity"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidAccount, "InvalidAccount"},
	{ErrLengthMismatch, "LengthMismatch"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrUnknownToken, "UnknownToken"},
	{ErrTokenAlreadyExists, "TokenAlreadyExists"},
	{ErrDepositExceedsTotal, "DepositExceedsTotal"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrUnknownCallback, "UnknownCallback"},
	{ErrIDNotFound, "IDNotFound"},
	{ErrOverflow, "Overflow"},
}

// ErrorKind names the ledger error wrapped by err, or "Internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
