package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	f := newFixture(t)
	v := f.vault
	f.buy("BTC", 1e8, alice)
	f.cust.Deposit("BTC", big.NewInt(250_000))
	require.NoError(t, v.IncreasePosition(alice, alice, "BTC", "BTC", usd(1000), true))

	state := v.ExportState()
	assert.Len(t, state.Positions, 1)
	assert.Equal(t, e18(39_880), state.UsdgSupply)

	// A fresh vault over the same custody and accounting token resumes from
	// the snapshot.
	level, _ := log.ToLevel("debug")
	restored := New(Config{
		Gov:       govAddr,
		Oracle:    f.oracle,
		Custodian: f.cust,
		Logger:    log.NewTestLogger(level),
		USDG:      v.USDG(),
		Now:       func() time.Time { return f.now },
	})
	require.NoError(t, restored.RestoreState(state))

	assert.Equal(t, v.PoolAmount("BTC"), restored.PoolAmount("BTC"))
	assert.Equal(t, v.ReservedAmount("BTC"), restored.ReservedAmount("BTC"))
	assert.Equal(t, v.GuaranteedUsd("BTC"), restored.GuaranteedUsd("BTC"))
	assert.Equal(t, v.FeeReserve("BTC"), restored.FeeReserve("BTC"))

	pos, ok := restored.GetPosition(alice, "BTC", "BTC", true)
	require.True(t, ok)
	assert.Equal(t, usd(1000), pos.Size)
	assert.Equal(t, usd(99), pos.Collateral)

	// The restored vault keeps operating on the same ledger.
	out, err := restored.DecreasePosition(alice, alice, "BTC", "BTC", new(big.Int), usd(1000), true, bob)
	require.NoError(t, err)
	assert.True(t, out.Sign() > 0)
	_, ok = restored.GetPosition(alice, "BTC", "BTC", true)
	assert.False(t, ok)
}

func TestRestoreStateRejectsBadKey(t *testing.T) {
	f := newFixture(t)
	state := f.vault.ExportState()
	state.Positions = append(state.Positions, PositionState{Key: "zz"})
	assert.ErrorIs(t, f.vault.RestoreState(state), ErrInvalidAmount)
}
