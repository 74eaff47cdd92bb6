package lx

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.setPrice(pairETH, "1501", "1499")
	h.fund(alice, "USDC", "5000")

	t.Run("long opens at high", func(t *testing.T) {
		pos, err := h.eng.OpenPosition(alice, pairETH, Long, amt("2", 18), "USDC", amt("1000", 6))
		require.NoError(t, err)

		assert.Equal(t, uint64(1), pos.ID)
		assert.Equal(t, alice, pos.Owner)
		assert.Equal(t, price("1501"), pos.EntryPrice)
		assert.Equal(t, amt("2", 18), pos.Size)
		assert.Equal(t, amt("1000", 18), pos.CollateralBalance)
		assert.Equal(t, amt("1000", 6), pos.CollateralAmount)
		assert.True(t, pos.ExitPrice.IsZero())
		assert.True(t, pos.IncurredFee.IsZero())
		assert.Equal(t, amt("4000", 6), h.balance(alice, "USDC"))
		assert.Equal(t, amt("1001000", 6), h.poolBalance("USDC"))
	})

	t.Run("short opens at low", func(t *testing.T) {
		pos, err := h.eng.OpenPosition(alice, pairETH, Short, amt("1", 18), "USDC", amt("500", 6))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), pos.ID)
		assert.Equal(t, price("1499"), pos.EntryPrice)
	})

	t.Run("listed by owner", func(t *testing.T) {
		positions, err := h.eng.Positions(alice)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.Equal(t, Long, positions[0].Direction)
		assert.Equal(t, Short, positions[1].Direction)

		positions, err = h.eng.Positions(bob)
		require.NoError(t, err)
		assert.Empty(t, positions)
	})

	t.Run("events", func(t *testing.T) {
		assert.Equal(t, []EventType{EventPriceUpdated, EventPositionOpened, EventPositionOpened}, h.rec.Types())
	})
}

func TestOpenPositionErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.setPrice(pairETH, "1500", "1500")
	h.fund(alice, "USDC", "1000")

	tests := []struct {
		name   string
		pair   PairID
		size   *uint256.Int
		token  string
		amount *uint256.Int
		want   error
	}{
		{"unknown pair", 42, amt("1", 18), "USDC", amt("100", 6), ErrUnknownPair},
		{"no price", pairGBPJPY, amt("1", 18), "USDC", amt("100", 6), ErrNoPriceSet},
		{"over leveraged", pairETH, amt("7", 18), "USDC", amt("100", 6), ErrInsufficientCollateral},
		{"unknown token", pairETH, amt("1", 18), "DOGE", amt("100", 6), ErrUnknownToken},
		{"zero size", pairETH, new(uint256.Int), "USDC", amt("100", 6), ErrInvalidAmount},
		{"zero collateral", pairETH, amt("1", 18), "USDC", new(uint256.Int), ErrInvalidAmount},
		{"wallet too small", pairETH, amt("1", 18), "USDC", amt("1001", 6), ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.OpenPosition(alice, tt.pair, Long, tt.size, tt.token, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, amt("1000", 6), h.balance(alice, "USDC"))
}

func TestOpenPositionRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.eng.AddToken(admin, "DAI", 18))
	h.fund(alice, "DAI", "100")
	h.setPrice(pairEUR, "100", "100")
	h.rec.Reset()

	// The deposit is pulled before the reserve check fails; it must come back.
	_, err := h.eng.OpenPosition(alice, pairEUR, Long, amt("2", 18), "DAI", amt("100", 18))
	require.ErrorIs(t, err, ErrInsufficientPoolLiquidity)

	assert.Equal(t, amt("100", 18), h.balance(alice, "DAI"))
	assert.True(t, h.poolBalance("DAI").IsZero())
	positions, err := h.eng.Positions(alice)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Empty(t, h.rec.Events())

	_, err = h.eng.Position(1)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestPositionPnL(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "USDC", "2000")
	h.setPrice(pairBTC, "30010", "29990")

	long, err := h.eng.OpenPosition(alice, pairBTC, Long, amt("1", 18), "USDC", amt("1000", 6))
	require.NoError(t, err)
	short, err := h.eng.OpenPosition(alice, pairBTC, Short, amt("1", 18), "USDC", amt("1000", 6))
	require.NoError(t, err)

	t.Run("spread is paid on a round trip", func(t *testing.T) {
		pnl, err := h.eng.PositionPnL(long.ID)
		require.NoError(t, err)
		assert.Equal(t, price("20"), pnl.Loss)
		assert.True(t, pnl.Profit.IsZero())

		pnl, err = h.eng.PositionPnL(short.ID)
		require.NoError(t, err)
		assert.Equal(t, price("20"), pnl.Loss)
		assert.True(t, pnl.Profit.IsZero())
	})

	tests := []struct {
		quote       string
		longProfit  string
		longLoss    string
		shortProfit string
		shortLoss   string
	}{
		{"29000", "0", "1010", "990", "0"},
		{"29990", "0", "20", "0", "0"},
		{"30010", "0", "0", "0", "20"},
		{"31000", "990", "0", "0", "1010"},
	}
	for _, tt := range tests {
		t.Run(tt.quote, func(t *testing.T) {
			h.setPrice(pairBTC, tt.quote, tt.quote)

			pnl, err := h.eng.PositionPnL(long.ID)
			require.NoError(t, err)
			assert.Equal(t, price(tt.longProfit), pnl.Profit)
			assert.Equal(t, price(tt.longLoss), pnl.Loss)
			assert.False(t, !pnl.Profit.IsZero() && !pnl.Loss.IsZero())

			pnl, err = h.eng.PositionPnL(short.ID)
			require.NoError(t, err)
			assert.Equal(t, price(tt.shortProfit), pnl.Profit)
			assert.Equal(t, price(tt.shortLoss), pnl.Loss)
			assert.False(t, !pnl.Profit.IsZero() && !pnl.Loss.IsZero())
		})
	}

	t.Run("size in native decimals", func(t *testing.T) {
		params := DefaultParams()
		params.SizeDecimals[pairBTC] = 8
		h := newHarness(t, params)
		h.fund(alice, "USDC", "1000")
		h.setPrice(pairBTC, "30000", "30000")

		pos, err := h.eng.OpenPosition(alice, pairBTC, Long, amt("0.5", 8), "USDC", amt("1000", 6))
		require.NoError(t, err)
		h.setPrice(pairBTC, "31000", "31000")

		pnl, err := h.eng.PositionPnL(pos.ID)
		require.NoError(t, err)
		assert.Equal(t, price("500"), pnl.Profit)
	})
}

func TestClosePosition(t *testing.T) {
	t.Run("flat round trip returns the deposit", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fund(alice, "USDC", "1000")
		h.setPrice(pairUSDC, "1", "1")

		pos, err := h.eng.OpenPosition(alice, pairUSDC, Long, amt("50000", 18), "USDC", amt("1000", 6))
		require.NoError(t, err)
		assert.True(t, h.balance(alice, "USDC").IsZero())

		s, err := h.eng.ClosePosition(alice, pos.ID, "USDC", alice)
		require.NoError(t, err)
		assert.Equal(t, amt("1000", 6), s.Paid)
		assert.Equal(t, amt("1000", 6), h.balance(alice, "USDC"))
		assert.Equal(t, price("1"), s.Position.ExitPrice)
	})

	t.Run("long profit", func(t *testing.T) {
		h := newHarness(t, leveraged())
		h.fund(alice, "WETH", "1")
		h.setPrice(pairETH, "1500", "1500")

		pos, err := h.eng.OpenPosition(alice, pairETH, Long, amt("10", 18), "WETH", amt("1", 18))
		require.NoError(t, err)
		h.setPrice(pairETH, "1550", "1550")

		s, err := h.eng.ClosePosition(alice, pos.ID, "WETH", alice)
		require.NoError(t, err)
		assert.Equal(t, price("500"), s.Profit)
		assert.True(t, s.Loss.IsZero())
		assert.True(t, s.Fee.IsZero())
		assert.Equal(t, price("501"), s.Amount)
		assert.Equal(t, amt("501", 18), h.balance(alice, "WETH"))
	})

	t.Run("long profit with close fee", func(t *testing.T) {
		params := leveraged()
		params.CloseFeeBps = 10
		h := newHarness(t, params)
		h.fund(alice, "WETH", "1")
		h.setPrice(pairETH, "1500", "1500")

		pos, err := h.eng.OpenPosition(alice, pairETH, Long, amt("10", 18), "WETH", amt("1", 18))
		require.NoError(t, err)
		h.setPrice(pairETH, "1550", "1550")

		s, err := h.eng.ClosePosition(alice, pos.ID, "WETH", bob)
		require.NoError(t, err)
		assert.Equal(t, price("15.5"), s.Fee)
		assert.Equal(t, price("485.5"), s.Amount)
		assert.Equal(t, amt("485.5", 18), h.balance(bob, "WETH"))
		assert.True(t, h.balance(alice, "WETH").IsZero())
	})

	t.Run("loss beyond collateral pays nothing", func(t *testing.T) {
		h := newHarness(t, leveraged())
		h.fund(alice, "WETH", "1")
		h.setPrice(pairETH, "1500", "1500")

		pos, err := h.eng.OpenPosition(alice, pairETH, Long, amt("10", 18), "WETH", amt("1", 18))
		require.NoError(t, err)
		h.setPrice(pairETH, "1400", "1400")

		s, err := h.eng.ClosePosition(alice, pos.ID, "WETH", alice)
		require.NoError(t, err)
		assert.Equal(t, price("1000"), s.Loss)
		assert.True(t, s.Amount.IsZero())
		assert.True(t, s.Paid.IsZero())
		assert.Equal(t, amt("100001", 18), h.poolBalance("WETH"))
	})

	t.Run("withdraw token decimals", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fund(alice, "USDC", "1000")
		h.setPrice(pairUSDC, "1", "1")

		pos, err := h.eng.OpenPosition(alice, pairUSDC, Long, amt("100", 18), "USDC", amt("1000", 6))
		require.NoError(t, err)

		s, err := h.eng.ClosePosition(alice, pos.ID, "WBTC", alice)
		require.NoError(t, err)
		assert.Equal(t, amt("1000", 8), s.Paid)
		assert.Equal(t, "WBTC", s.Token)
	})

	t.Run("errors", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fund(alice, "USDC", "1000")
		h.setPrice(pairUSDC, "1", "1")

		pos, err := h.eng.OpenPosition(alice, pairUSDC, Long, amt("100", 18), "USDC", amt("1000", 6))
		require.NoError(t, err)

		_, err = h.eng.ClosePosition(bob, pos.ID, "USDC", bob)
		assert.ErrorIs(t, err, ErrNotOwner)
		_, err = h.eng.ClosePosition(alice, pos.ID, "DOGE", alice)
		assert.ErrorIs(t, err, ErrUnknownToken)
		_, err = h.eng.ClosePosition(alice, 99, "USDC", alice)
		assert.ErrorIs(t, err, ErrPositionNotFound)

		_, err = h.eng.ClosePosition(alice, pos.ID, "USDC", alice)
		require.NoError(t, err)
		_, err = h.eng.ClosePosition(alice, pos.ID, "USDC", alice)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})
}

func TestLiquidationBoundary(t *testing.T) {
	// Long 10 at 1500 on 1 unit of collateral: loss reaches 99.9% of the
	// collateral at 1499.9001.
	boundary := price("1499.9001")
	one := uint256.NewInt(1)

	open := func(h *harness) *Position {
		h.fund(alice, "WETH", "1")
		h.setPrice(pairETH, "1500", "1500")
		pos, err := h.eng.OpenPosition(alice, pairETH, Long, amt("10", 18), "WETH", amt("1", 18))
		require.NoError(t, err)
		return pos
	}
	feed := func(h *harness, p *uint256.Int) {
		require.NoError(t, h.eng.SetPairPrice(feeder, pairETH, p, p))
	}

	t.Run("one tick above fails", func(t *testing.T) {
		h := newHarness(t, leveraged())
		pos := open(h)
		feed(h, new(uint256.Int).Add(boundary, one))

		_, err := h.eng.LiquidatePosition(keeper, pos.ID)
		assert.ErrorIs(t, err, ErrPositionNotLiquidatable)
		_, err = h.eng.Position(pos.ID)
		assert.NoError(t, err)
	})

	t.Run("at boundary succeeds", func(t *testing.T) {
		h := newHarness(t, leveraged())
		pos := open(h)
		feed(h, boundary)

		s, err := h.eng.LiquidatePosition(keeper, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, price("0.999"), s.Loss)
		assert.Equal(t, price("0.001"), s.Amount)
		// The incentive is capped at what remains.
		assert.Equal(t, amt("0.001", 18), s.LiquidatorFee)
		assert.True(t, s.Paid.IsZero())
		assert.Equal(t, amt("0.001", 18), h.balance(keeper, "WETH"))
		assert.True(t, h.balance(alice, "WETH").IsZero())

		_, err = h.eng.Position(pos.ID)
		assert.ErrorIs(t, err, ErrPositionNotFound)
		_, err = h.eng.LiquidatePosition(keeper, pos.ID)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})

	t.Run("one tick below succeeds", func(t *testing.T) {
		h := newHarness(t, leveraged())
		pos := open(h)
		feed(h, new(uint256.Int).Sub(boundary, one))

		_, err := h.eng.LiquidatePosition(keeper, pos.ID)
		assert.NoError(t, err)
	})

	t.Run("remaining collateral is split", func(t *testing.T) {
		params := leveraged()
		params.MaintenanceMarginBps = 5000
		h := newHarness(t, params)
		pos := open(h)
		h.setPrice(pairETH, "1499.95", "1499.95")

		s, err := h.eng.LiquidatePosition(keeper, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, amt("0.005", 18), h.balance(keeper, "WETH"))
		assert.Equal(t, amt("0.495", 18), h.balance(alice, "WETH"))
		assert.Equal(t, alice, s.Recipient)
		assert.Equal(t, keeper, s.Liquidator)

		events := h.rec.Events()
		last := events[len(events)-1]
		assert.Equal(t, EventPositionLiquidated, last.Type)
		assert.Equal(t, alice, last.Account, "event belongs to the position owner")
		assert.Equal(t, keeper, last.Data.(*Settlement).Liquidator)
	})

	t.Run("short mirrors the boundary", func(t *testing.T) {
		// Short 10 at 1500 on 1 unit: loss reaches 99.9% at 1500.0999.
		shortBoundary := price("1500.0999")
		openShort := func(h *harness) *Position {
			h.fund(alice, "WETH", "1")
			h.setPrice(pairETH, "1500", "1500")
			pos, err := h.eng.OpenPosition(alice, pairETH, Short, amt("10", 18), "WETH", amt("1", 18))
			require.NoError(t, err)
			return pos
		}

		h := newHarness(t, leveraged())
		pos := openShort(h)
		feed(h, new(uint256.Int).Sub(shortBoundary, one))
		_, err := h.eng.LiquidatePosition(keeper, pos.ID)
		assert.ErrorIs(t, err, ErrPositionNotLiquidatable)

		feed(h, shortBoundary)
		s, err := h.eng.LiquidatePosition(keeper, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, price("0.999"), s.Loss)

		h = newHarness(t, leveraged())
		pos = openShort(h)
		feed(h, new(uint256.Int).Add(shortBoundary, one))
		_, err = h.eng.LiquidatePosition(keeper, pos.ID)
		assert.NoError(t, err)
	})
}

func TestFundingAccrual(t *testing.T) {
	params := DefaultParams()
	params.BorrowRatePerHour = price("0.001")
	h := newHarness(t, params)
	h.fund(alice, "WETH", "100")
	h.setPrice(pairETH, "1500", "1500")

	pos, err := h.eng.OpenPosition(alice, pairETH, Long, amt("5", 18), "WETH", amt("100", 18))
	require.NoError(t, err)
	assert.True(t, pos.LastBorrowRate.IsZero())

	h.clock.Advance(2 * time.Hour)
	s, err := h.eng.ClosePosition(alice, pos.ID, "WETH", alice)
	require.NoError(t, err)
	assert.Equal(t, price("15"), s.Funding)
	assert.Equal(t, price("15"), s.Fee)
	assert.Equal(t, price("0.002"), s.Position.LastBorrowRate)
	assert.Equal(t, amt("85", 18), h.balance(alice, "WETH"))
}

func TestTransferPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, "USDC", "1000")
	h.setPrice(pairUSDC, "1", "1")

	pos, err := h.eng.OpenPosition(alice, pairUSDC, Long, amt("100", 18), "USDC", amt("1000", 6))
	require.NoError(t, err)

	_, err = h.eng.TransferPosition(bob, pos.ID, bob)
	assert.ErrorIs(t, err, ErrNotOwner)

	moved, err := h.eng.TransferPosition(alice, pos.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, bob, moved.Owner)

	_, err = h.eng.ClosePosition(alice, pos.ID, "USDC", alice)
	assert.ErrorIs(t, err, ErrNotOwner)
	s, err := h.eng.ClosePosition(bob, pos.ID, "USDC", bob)
	require.NoError(t, err)
	assert.Equal(t, amt("1000", 6), s.Paid)
}
