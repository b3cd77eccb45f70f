package metrics

import (
	"math/big"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vault/pkg/vault"
)

func gather(t *testing.T, m *VaultMetrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, fam := range families {
		byName[fam.GetName()] = fam
	}
	return byName
}

func counterValue(fam *dto.MetricFamily) float64 {
	if fam == nil || len(fam.Metric) == 0 {
		return 0
	}
	return fam.Metric[0].GetCounter().GetValue()
}

func TestVaultMetrics(t *testing.T) {
	m := New("vault")

	e18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	t.Run("mint and burn counters", func(t *testing.T) {
		m.Publish(vault.BuyUSDGEvent{
			Receiver:   "alice",
			Token:      "BTC",
			UsdgAmount: new(big.Int).Mul(big.NewInt(1000), e18),
		})
		m.Publish(vault.SellUSDGEvent{
			Receiver:   "alice",
			Token:      "BTC",
			UsdgAmount: new(big.Int).Mul(big.NewInt(250), e18),
		})

		families := gather(t, m)
		assert.InDelta(t, 1000.0, counterValue(families["vault_usdg_minted_total"]), 1e-9)
		assert.InDelta(t, 250.0, counterValue(families["vault_usdg_burned_total"]), 1e-9)
	})

	t.Run("position gauge lifecycle", func(t *testing.T) {
		size := new(big.Int).Mul(big.NewInt(5000), vault.PricePrecision)
		m.Publish(vault.UpdatePositionEvent{Key: "0xabc", Size: size})

		families := gather(t, m)
		fam := families["vault_position_size_usd"]
		require.NotNil(t, fam)
		require.Len(t, fam.Metric, 1)
		assert.InDelta(t, 5000.0, fam.Metric[0].GetGauge().GetValue(), 1e-9)

		m.Publish(vault.ClosePositionEvent{Key: "0xabc"})
		families = gather(t, m)
		assert.Nil(t, families["vault_position_size_usd"])
	})

	t.Run("operation counters", func(t *testing.T) {
		m.Publish(vault.IncreasePositionEvent{})
		m.Publish(vault.DecreasePositionEvent{})
		m.Publish(vault.LiquidatePositionEvent{Key: "0xdef"})
		m.Publish(vault.SwapEvent{})

		families := gather(t, m)
		assert.Equal(t, 1.0, counterValue(families["vault_position_increases_total"]))
		assert.Equal(t, 1.0, counterValue(families["vault_position_decreases_total"]))
		assert.Equal(t, 1.0, counterValue(families["vault_liquidations_total"]))
		assert.Equal(t, 1.0, counterValue(families["vault_swaps_total"]))
	})

	t.Run("fee counters by kind", func(t *testing.T) {
		fee := new(big.Int).Mul(big.NewInt(3), vault.PricePrecision)
		m.Publish(vault.CollectSwapFeesEvent{Token: "BTC", FeeUsd: fee})
		m.Publish(vault.CollectMarginFeesEvent{Token: "BTC", FeeUsd: fee})

		families := gather(t, m)
		fam := families["vault_fees_collected_usd_total"]
		require.NotNil(t, fam)
		assert.Len(t, fam.Metric, 2)
	})

	t.Run("funding rate gauge", func(t *testing.T) {
		m.Publish(vault.UpdateFundingRateEvent{Token: "BTC", CumulativeFundingRate: big.NewInt(45)})

		families := gather(t, m)
		fam := families["vault_cumulative_funding_rate"]
		require.NotNil(t, fam)
		assert.Equal(t, 45.0, fam.Metric[0].GetGauge().GetValue())
	})
}
