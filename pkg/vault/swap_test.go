package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuyUSDG(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	t.Run("volatile token pays the swap fee", func(t *testing.T) {
		// 1 BTC at 40000 USD, 30 bps fee: 0.997 BTC enters the pool and
		// 39880 USDG is minted.
		minted := f.buy("BTC", 1e8, alice)
		assert.Equal(t, e18(39_880), minted)
		assert.Equal(t, big.NewInt(99_700_000), v.PoolAmount("BTC"))
		assert.Equal(t, big.NewInt(300_000), v.FeeReserve("BTC"))
		assert.Equal(t, e18(39_880), v.UsdgAmount("BTC"))
		assert.Equal(t, e18(39_880), v.USDG().MintedTo(alice))
	})

	t.Run("stable token pays the stable fee", func(t *testing.T) {
		// 1000 USDC at 4 bps: 999.6 USDG.
		minted := f.buy("USDC", 1_000e6, bob)
		assert.Equal(t, big.NewInt(999_600_000), new(big.Int).Div(minted, pow10(12)))
		assert.Equal(t, big.NewInt(999_600_000), v.PoolAmount("USDC"))
		assert.Equal(t, big.NewInt(400_000), v.FeeReserve("USDC"))
	})

	t.Run("rejects non-whitelisted token", func(t *testing.T) {
		f.cust.Deposit("DOGE", big.NewInt(1e8))
		_, err := v.BuyUSDG("DOGE", alice)
		assert.ErrorIs(t, err, ErrNotWhitelisted)
	})

	t.Run("rejects zero inflow", func(t *testing.T) {
		_, err := v.BuyUSDG("BTC", alice)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects dust that mints nothing", func(t *testing.T) {
		f.cust.Deposit("BTC", big.NewInt(1))
		_, err := v.BuyUSDG("BTC", alice)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestSellUSDG(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	minted := f.buy("USDC", 1_000e6, alice)
	require.Equal(t, big.NewInt(999_600_000), new(big.Int).Div(minted, pow10(12)))

	t.Run("stable round trip pays the fee twice", func(t *testing.T) {
		f.cust.Deposit(v.USDG().Symbol(), minted)
		out, err := v.SellUSDG("USDC", alice)
		require.NoError(t, err)
		// 999.6 USDC redeemed minus another 4 bps.
		assert.Equal(t, big.NewInt(999_200_160), out)
		assert.Equal(t, big.NewInt(999_200_160), f.cust.Received(alice, "USDC"))
		assert.Equal(t, int64(0), v.PoolAmount("USDC").Int64())
		assert.Equal(t, int64(0), v.UsdgAmount("USDC").Int64())
		assert.Equal(t, int64(0), v.USDG().TotalSupply().Int64())
		// Burned supply leaves custody via the burn address.
		assert.Equal(t, minted, f.cust.Received(BurnAddress, v.USDG().Symbol()))
	})

	t.Run("rejects zero inflow", func(t *testing.T) {
		_, err := v.SellUSDG("USDC", alice)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects when nothing is redeemable", func(t *testing.T) {
		// BTC has no pool and no attributed debt, so redemption is zero.
		f.cust.Deposit(v.USDG().Symbol(), e18(100))
		_, err := v.SellUSDG("BTC", alice)
		assert.ErrorIs(t, err, ErrInvalidRedemption)
	})
}

func TestRedemptionCap(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	cfg, _ := v.TokenConfigFor("BTC")
	cfg.RedemptionBps = 5000
	require.NoError(t, v.SetTokenConfig(govAddr, "BTC", cfg))

	// Pool 0.997 BTC backing 39880 USDG of attributed debt.
	f.buy("BTC", 1e8, alice)

	t.Run("cap binds below the price-based amount", func(t *testing.T) {
		// Price-based: 20000 USDG / 40000 = 0.5 BTC. Capped: the share of
		// collateral this debt represents, halved: 0.25 BTC.
		amount, err := v.GetRedemptionAmount("BTC", e18(20_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(25_000_000), amount)
	})

	t.Run("stable redemptions are uncapped", func(t *testing.T) {
		cfg, _ := v.TokenConfigFor("USDC")
		cfg.RedemptionBps = 1
		require.NoError(t, v.SetTokenConfig(govAddr, "USDC", cfg))
		f.buy("USDC", 1_000e6, alice)
		amount, err := v.GetRedemptionAmount("USDC", e18(100))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(100e6), amount)
	})

	t.Run("sell pays out the capped amount", func(t *testing.T) {
		f.cust.Deposit(v.USDG().Symbol(), e18(20_000))
		out, err := v.SellUSDG("BTC", bob)
		require.NoError(t, err)
		// 0.25 BTC minus the 30 bps sell fee.
		assert.Equal(t, big.NewInt(24_925_000), out)
		assert.Equal(t, big.NewInt(99_700_000-25_000_000), v.PoolAmount("BTC"))
		assert.Equal(t, e18(19_880), v.UsdgAmount("BTC"))
	})
}

func TestSwap(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	f.buy("BTC", 1e8, alice)
	f.buy("USDC", 50_000e6, alice)

	t.Run("converts at oracle prices and shifts debt", func(t *testing.T) {
		btcDebt := v.UsdgAmount("BTC")
		usdcDebt := v.UsdgAmount("USDC")

		// 20000 USDC -> 0.5 BTC minus the 30 bps fee on the way out.
		f.cust.Deposit("USDC", big.NewInt(20_000e6))
		out, err := v.Swap("USDC", "BTC", bob)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(49_850_000), out)
		assert.Equal(t, big.NewInt(49_850_000), f.cust.Received(bob, "BTC"))

		// The full pre-fee output leaves the pool; the fee sits in the
		// reserve, not the pool.
		assert.Equal(t, big.NewInt(99_700_000-50_000_000), v.PoolAmount("BTC"))
		assert.Equal(t, big.NewInt(300_000+150_000), v.FeeReserve("BTC"))

		// Debt attribution moves by the USD value of the inflow.
		assert.Equal(t, new(big.Int).Add(usdcDebt, e18(20_000)), v.UsdgAmount("USDC"))
		assert.Equal(t, new(big.Int).Sub(btcDebt, e18(20_000)), v.UsdgAmount("BTC"))
	})

	t.Run("stable pair uses the stable fee", func(t *testing.T) {
		cfg, _ := v.TokenConfigFor("USDC")
		cfg2 := cfg
		cfg2.TokenDecimals = 6
		require.NoError(t, v.SetTokenConfig(govAddr, "USDT", cfg2))
		feed := NewMemoryFeed()
		feed.Push(big.NewInt(1e8))
		f.oracle.SetFeed("USDT", feed, 8)
		f.buy("USDT", 1_000e6, alice)

		f.cust.Deposit("USDC", big.NewInt(100e6))
		out, err := v.Swap("USDC", "USDT", bob)
		require.NoError(t, err)
		// 4 bps instead of 30.
		assert.Equal(t, big.NewInt(99_960_000), out)
	})

	t.Run("rejects identical tokens", func(t *testing.T) {
		_, err := v.Swap("BTC", "BTC", bob)
		assert.ErrorIs(t, err, ErrInvalidTokens)
	})

	t.Run("rejects non-whitelisted tokens", func(t *testing.T) {
		_, err := v.Swap("DOGE", "BTC", bob)
		assert.ErrorIs(t, err, ErrNotWhitelisted)
		_, err = v.Swap("BTC", "DOGE", bob)
		assert.ErrorIs(t, err, ErrNotWhitelisted)
	})

	t.Run("rejects output exceeding the pool", func(t *testing.T) {
		// 80000 USDC would need 2 BTC; the pool holds far less.
		f.cust.Deposit("USDC", big.NewInt(80_000e6))
		_, err := v.Swap("USDC", "BTC", bob)
		assert.ErrorIs(t, err, ErrInvariant)
	})
}

func TestDirectPoolDeposit(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	f.cust.Deposit("BTC", big.NewInt(1e8))
	require.NoError(t, v.DirectPoolDeposit("BTC"))
	assert.Equal(t, big.NewInt(1e8), v.PoolAmount("BTC"))
	// No accounting tokens minted and no debt attributed.
	assert.Equal(t, int64(0), v.USDG().TotalSupply().Int64())
	assert.Equal(t, int64(0), v.UsdgAmount("BTC").Int64())

	assert.ErrorIs(t, v.DirectPoolDeposit("BTC"), ErrInvalidAmount)
	assert.ErrorIs(t, v.DirectPoolDeposit("DOGE"), ErrNotWhitelisted)
}
