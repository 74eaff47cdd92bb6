package lx

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/fixed"
)

const (
	admin  Account = "admin"
	feeder Account = "feeder"
	alice  Account = "alice"
	bob    Account = "bob"
	keeper Account = "keeper"
	lp     Account = "lp"
)

// Pairs as listed on the reference deployment.
const (
	pairUSDC   PairID = 1
	pairETH    PairID = 2
	pairBTC    PairID = 3
	pairEUR    PairID = 4
	pairGBPJPY PairID = 5
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	t     *testing.T
	eng   *Engine
	rec   *Recorder
	clock *fakeClock
}

func amt(s string, decimals uint8) *uint256.Int { return fixed.MustParse(s, decimals) }

func price(s string) *uint256.Int { return fixed.MustParse(s, 18) }

func newHarness(t *testing.T, params *Params) *harness {
	t.Helper()
	level, _ := log.ToLevel("debug")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	eng, err := NewEngine(memdb.New(), Config{
		Admin:  admin,
		Params: params,
		Clock:  clock.Now,
		Logger: log.NewTestLogger(level),
	})
	require.NoError(t, err)

	h := &harness{t: t, eng: eng, rec: &Recorder{}, clock: clock}
	require.NoError(t, eng.GrantFeeder(admin, feeder))
	for _, tok := range []Token{{"USDC", 6}, {"WBTC", 8}, {"WETH", 18}} {
		require.NoError(t, eng.AddToken(admin, tok.Symbol, tok.Decimals))
	}
	for id := pairUSDC; id <= pairGBPJPY; id++ {
		require.NoError(t, eng.AddPair(feeder, id))
	}

	h.fund(lp, "USDC", "1000000")
	h.fund(lp, "WETH", "100000")
	h.fund(lp, "WBTC", "1000")
	require.NoError(t, eng.AddLiquidity(lp, "USDC", amt("1000000", 6)))
	require.NoError(t, eng.AddLiquidity(lp, "WETH", amt("100000", 18)))
	require.NoError(t, eng.AddLiquidity(lp, "WBTC", amt("1000", 8)))

	eng.Subscribe(h.rec)
	return h
}

func (h *harness) fund(account Account, symbol, human string) {
	h.t.Helper()
	tok, err := h.eng.Token(symbol)
	require.NoError(h.t, err)
	require.NoError(h.t, h.eng.Credit(admin, account, symbol, amt(human, tok.Decimals)))
}

func (h *harness) setPrice(pair PairID, high, low string) {
	h.t.Helper()
	require.NoError(h.t, h.eng.SetPairPrice(feeder, pair, price(high), price(low)))
}

func (h *harness) balance(account Account, symbol string) *uint256.Int {
	h.t.Helper()
	bal, err := h.eng.BalanceOf(account, symbol)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) poolBalance(symbol string) *uint256.Int {
	h.t.Helper()
	bal, err := h.eng.PoolBalance(symbol)
	require.NoError(h.t, err)
	return bal
}

// leveraged returns params allowing the highly leveraged positions used by
// the liquidation scenarios.
func leveraged() *Params {
	p := DefaultParams()
	p.MaxLeverage = 20_000
	return p
}
