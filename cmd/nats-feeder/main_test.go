package main

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/lx"
)

func TestParseQuotes(t *testing.T) {
	qs, err := parseQuotes("2:1500, 3:60000.5")
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, lx.PairID(3), qs[1].pair)
	assert.True(t, decimal.RequireFromString("60000.5").Equal(qs[1].price))

	for _, bad := range []string{"2", "x:1", "2:abc"} {
		_, err := parseQuotes(bad)
		assert.Error(t, err, bad)
	}
}

func TestStepSpread(t *testing.T) {
	qs, err := parseQuotes("2:1500")
	require.NoError(t, err)

	u := step(qs, 0, 20, rand.New(rand.NewSource(1)))
	assert.Equal(t, []lx.PairID{2}, u.Pairs)
	assert.Equal(t, []string{"1501.50000000"}, u.Highs)
	assert.Equal(t, []string{"1498.50000000"}, u.Lows)
}

func TestStepStaysWithinVolatility(t *testing.T) {
	qs, err := parseQuotes("2:1000")
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))

	prev := qs[0].price
	for i := 0; i < 100; i++ {
		step(qs, 50, 0, rng)
		limit := prev.Mul(decimal.RequireFromString("0.005"))
		assert.True(t, qs[0].price.Sub(prev).Abs().LessThanOrEqual(limit))
		prev = qs[0].price
	}
}
