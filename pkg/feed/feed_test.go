package feed

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPushesRounds(t *testing.T) {
	source := NewSource("ws://example.invalid")
	btc := source.Track("BTC-USD", 8)

	source.Apply(PriceUpdate{Type: "tick", Symbol: "BTC-USD", Price: "40000"})
	source.Apply(PriceUpdate{Type: "tick", Symbol: "BTC-USD", Price: "40123.456789129"})

	require.Equal(t, int64(2), btc.LatestRound())
	price, err := btc.RoundPrice(1)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(40_000e8), price)

	// Precision beyond the feed decimals truncates.
	price, err = btc.RoundPrice(2)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(4_012_345_678_912), price)
}

func TestApplyDropsBadTicks(t *testing.T) {
	source := NewSource("ws://example.invalid")
	btc := source.Track("BTC-USD", 8)

	source.Apply(PriceUpdate{Symbol: "ETH-USD", Price: "2000"}) // untracked
	source.Apply(PriceUpdate{Symbol: "BTC-USD", Price: "not-a-number"})
	source.Apply(PriceUpdate{Symbol: "BTC-USD", Price: "-1"})
	source.Apply(PriceUpdate{Symbol: "BTC-USD", Price: "0"})

	assert.Equal(t, int64(0), btc.LatestRound())
}

func TestTrackIsIdempotent(t *testing.T) {
	source := NewSource("ws://example.invalid")
	a := source.Track("BTC-USD", 8)
	b := source.Track("BTC-USD", 8)
	assert.Same(t, a, b)
}
