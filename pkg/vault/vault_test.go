package vault

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	govAddr  = "gov"
	alice    = "alice"
	bob      = "bob"
	keeper   = "keeper"
	treasury = "treasury"
)

type fixture struct {
	t        *testing.T
	vault    *Vault
	cust     *MemoryCustodian
	oracle   *FeedOracle
	btcFeed  *MemoryFeed
	usdcFeed *MemoryFeed
	now      time.Time
	gasPrice *big.Int
}

// newFixture builds a vault with BTC (8 decimals, volatile) and USDC
// (6 decimals, stable) at 40000 and 1 USD. The clock starts on a funding
// interval boundary so accrual tests can count whole intervals.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, now: time.Unix(1_699_977_600, 0)}
	f.cust = NewMemoryCustodian()
	f.btcFeed = NewMemoryFeed()
	f.usdcFeed = NewMemoryFeed()
	f.btcFeed.Push(big.NewInt(40_000e8))
	f.usdcFeed.Push(big.NewInt(1e8))
	f.oracle = NewFeedOracle(1)
	f.oracle.SetFeed("BTC", f.btcFeed, 8)
	f.oracle.SetFeed("USDC", f.usdcFeed, 8)

	level, _ := log.ToLevel("debug")
	f.vault = New(Config{
		Gov:       govAddr,
		Oracle:    f.oracle,
		Custodian: f.cust,
		Logger:    log.NewTestLogger(level),
		Now:       func() time.Time { return f.now },
		GasPrice:  func() *big.Int { return f.gasPrice },
	})
	require.NoError(t, f.vault.SetTokenConfig(govAddr, "BTC", TokenConfig{
		Whitelisted:   true,
		PriceDecimals: 8,
		TokenDecimals: 8,
		RedemptionBps: 10000,
	}))
	require.NoError(t, f.vault.SetTokenConfig(govAddr, "USDC", TokenConfig{
		Whitelisted:   true,
		PriceDecimals: 8,
		TokenDecimals: 6,
		RedemptionBps: 10000,
		Stable:        true,
	}))
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) buy(token string, amount int64, receiver string) *big.Int {
	f.t.Helper()
	f.cust.Deposit(token, big.NewInt(amount))
	minted, err := f.vault.BuyUSDG(token, receiver)
	require.NoError(f.t, err)
	require.True(f.t, minted.Sign() > 0, "minted nothing")
	return minted
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), PricePrecision)
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(18))
}

func TestGovernance(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	t.Run("only gov mutates parameters", func(t *testing.T) {
		assert.ErrorIs(t, v.SetGov(alice, alice), ErrForbidden)
		assert.ErrorIs(t, v.SetRouter(alice, bob), ErrForbidden)
		assert.ErrorIs(t, v.SetFees(alice, 10, 2, 5, usd(2), 0), ErrForbidden)
		assert.ErrorIs(t, v.SetFundingRate(alice, time.Hour, 100, 100), ErrForbidden)
		assert.ErrorIs(t, v.SetMaxLeverage(alice, 200000), ErrForbidden)
		assert.ErrorIs(t, v.SetMaxUsdg(alice, e18(1)), ErrForbidden)
		assert.ErrorIs(t, v.SetMaxGasPrice(alice, big.NewInt(1)), ErrForbidden)
		assert.ErrorIs(t, v.SetTokenConfig(alice, "ETH", TokenConfig{}), ErrForbidden)
		assert.ErrorIs(t, v.ClearTokenConfig(alice, "BTC"), ErrForbidden)
		assert.ErrorIs(t, v.SetPriceSampleSpace(alice, 3), ErrForbidden)
		_, err := v.WithdrawFees(alice, "BTC", alice)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("gov handover", func(t *testing.T) {
		require.NoError(t, v.SetGov(govAddr, alice))
		assert.ErrorIs(t, v.SetMaxLeverage(govAddr, 200000), ErrForbidden)
		require.NoError(t, v.SetMaxLeverage(alice, 200000))
		require.NoError(t, v.SetGov(alice, govAddr))
	})

	t.Run("parameter validation", func(t *testing.T) {
		assert.ErrorIs(t, v.SetFees(govAddr, 10001, 2, 5, usd(2), 0), ErrInvalidAmount)
		assert.ErrorIs(t, v.SetFees(govAddr, 10, 2, 5, usd(-2), 0), ErrInvalidAmount)
		assert.ErrorIs(t, v.SetFundingRate(govAddr, 0, 100, 100), ErrInvalidAmount)
		assert.ErrorIs(t, v.SetFundingRate(govAddr, 500*time.Millisecond, 100, 100), ErrInvalidAmount)
		assert.ErrorIs(t, v.SetMaxLeverage(govAddr, MinLeverageBps), ErrInvalidAmount)
		assert.ErrorIs(t, v.SetMaxUsdg(govAddr, big.NewInt(-1)), ErrInvalidAmount)
		assert.ErrorIs(t, v.SetPriceSampleSpace(govAddr, 0), ErrInvalidAmount)
		require.NoError(t, v.SetPriceSampleSpace(govAddr, 3))
		require.NoError(t, v.SetPriceSampleSpace(govAddr, 1))
	})

	t.Run("clear token config keeps ledger state", func(t *testing.T) {
		f.buy("BTC", 1e8, alice)
		pool := v.PoolAmount("BTC")
		require.NoError(t, v.ClearTokenConfig(govAddr, "BTC"))
		cfg, ok := v.TokenConfigFor("BTC")
		require.True(t, ok)
		assert.False(t, cfg.Whitelisted)
		assert.Equal(t, pool, v.PoolAmount("BTC"))
		assert.ErrorIs(t, v.ClearTokenConfig(govAddr, "ETH"), ErrNotWhitelisted)

		// Re-whitelist for the remaining subtests.
		cfg.Whitelisted = true
		require.NoError(t, v.SetTokenConfig(govAddr, "BTC", cfg))
	})
}

func TestWithdrawFees(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	// 1 BTC minted at 30 bps leaves 300000 sats in the fee reserve.
	f.buy("BTC", 1e8, alice)
	require.Equal(t, big.NewInt(300_000), v.FeeReserve("BTC"))

	amount, err := v.WithdrawFees(govAddr, "BTC", treasury)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300_000), amount)
	assert.Equal(t, int64(0), v.FeeReserve("BTC").Int64())
	assert.Equal(t, big.NewInt(300_000), f.cust.Received(treasury, "BTC"))

	amount, err = v.WithdrawFees(govAddr, "BTC", treasury)
	require.NoError(t, err)
	assert.Equal(t, int64(0), amount.Int64())
}

func TestGasPriceCap(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	require.NoError(t, v.SetMaxGasPrice(govAddr, big.NewInt(100)))
	f.gasPrice = big.NewInt(200)
	f.cust.Deposit("BTC", big.NewInt(1e8))
	_, err := v.BuyUSDG("BTC", alice)
	assert.ErrorIs(t, err, ErrMaxGasPrice)

	f.gasPrice = big.NewInt(100)
	_, err = v.BuyUSDG("BTC", alice)
	assert.NoError(t, err)

	// Zero removes the cap.
	require.NoError(t, v.SetMaxGasPrice(govAddr, new(big.Int)))
	f.gasPrice = big.NewInt(1e12)
	f.cust.Deposit("BTC", big.NewInt(1e8))
	_, err = v.BuyUSDG("BTC", alice)
	assert.NoError(t, err)
}

func TestOperationRollback(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	// ETH is whitelisted but has no price feed, so minting fails after the
	// inflow was already observed.
	require.NoError(t, v.SetTokenConfig(govAddr, "ETH", TokenConfig{
		Whitelisted:   true,
		PriceDecimals: 8,
		TokenDecimals: 18,
		RedemptionBps: 10000,
	}))
	f.cust.Deposit("ETH", e18(10))
	_, err := v.BuyUSDG("ETH", alice)
	require.ErrorIs(t, err, ErrInvalidPriceFeed)

	assert.Equal(t, int64(0), v.PoolAmount("ETH").Int64())
	assert.Equal(t, int64(0), v.USDG().TotalSupply().Int64())

	// The rollback also restored the balance snapshot, so the deposit is
	// still pending and a retry picks up the full amount.
	feed := NewMemoryFeed()
	feed.Push(big.NewInt(2_000e8))
	f.oracle.SetFeed("ETH", feed, 8)
	minted, err := v.BuyUSDG("ETH", alice)
	require.NoError(t, err)
	// 10 ETH at 2000 USD minus 30 bps.
	assert.Equal(t, e18(19_940), minted)
}

func TestMintCap(t *testing.T) {
	f := newFixture(t)
	v := f.vault

	require.NoError(t, v.SetMaxUsdg(govAddr, e18(50_000)))

	// 1 BTC mints 39880 USDG, within the cap.
	minted := f.buy("BTC", 1e8, alice)
	require.Equal(t, e18(39_880), minted)

	// A second BTC would push supply to 79760.
	f.cust.Deposit("BTC", big.NewInt(1e8))
	_, err := v.BuyUSDG("BTC", alice)
	assert.ErrorIs(t, err, ErrMintCapExceeded)
	assert.Equal(t, e18(39_880), v.USDG().TotalSupply())

	require.NoError(t, v.SetMaxUsdg(govAddr, new(big.Int)))
	_, err = v.BuyUSDG("BTC", alice)
	assert.NoError(t, err)
}

func TestRouterApproval(t *testing.T) {
	f := newFixture(t)
	v := f.vault
	f.buy("BTC", 1e8, alice)

	open := func(sender string) error {
		f.cust.Deposit("BTC", big.NewInt(250_000))
		return v.IncreasePosition(sender, alice, "BTC", "BTC", usd(1000), true)
	}

	t.Run("stranger cannot act for account", func(t *testing.T) {
		err := open(bob)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("approved router can act", func(t *testing.T) {
		v.AddRouter(alice, bob)
		require.NoError(t, open(bob))
		_, err := v.DecreasePosition(bob, alice, "BTC", "BTC", new(big.Int), usd(1000), true, alice)
		require.NoError(t, err)
	})

	t.Run("revoked router is rejected", func(t *testing.T) {
		v.RemoveRouter(alice, bob)
		assert.ErrorIs(t, open(bob), ErrForbidden)
	})

	t.Run("global router can act for anyone", func(t *testing.T) {
		require.NoError(t, v.SetRouter(govAddr, keeper))
		require.NoError(t, open(keeper))
	})
}

func TestPositionKeyFor(t *testing.T) {
	long := PositionKeyFor(alice, "BTC", "BTC", true)
	short := PositionKeyFor(alice, "USDC", "BTC", false)
	assert.NotEqual(t, long, short)
	assert.NotEqual(t, long, PositionKeyFor(bob, "BTC", "BTC", true))
	assert.NotEqual(t, long, PositionKeyFor(alice, "BTC", "BTC", false))
	// Length prefixing keeps adjacent fields from running together.
	assert.NotEqual(t,
		PositionKeyFor("ab", "c", "d", true),
		PositionKeyFor("a", "bc", "d", true))
	assert.Equal(t, long, PositionKeyFor(alice, "BTC", "BTC", true))
	assert.Len(t, long.String(), 64)
}

type captureSink struct {
	events []Event
}

func (s *captureSink) Publish(event Event) {
	s.events = append(s.events, event)
}

func TestEventsOnlyOnCommit(t *testing.T) {
	f := newFixture(t)
	v := f.vault
	sink := &captureSink{}
	v.AddSink(sink)

	f.buy("BTC", 1e8, alice)
	var types []string
	for _, ev := range sink.events {
		types = append(types, ev.EventType())
	}
	assert.Contains(t, types, "collect_swap_fees")
	assert.Contains(t, types, "buy_usdg")

	// A failed operation must not publish anything.
	before := len(sink.events)
	f.cust.Deposit("BTC", big.NewInt(1))
	_, err := v.BuyUSDG("BTC", alice)
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Len(t, sink.events, before)
}

// readbackSink queries the vault from inside Publish, the way a metrics or
// broker sink samples ledger state on every event.
type readbackSink struct {
	v     *Vault
	pools []*big.Int
}

func (s *readbackSink) Publish(Event) {
	s.pools = append(s.pools, s.v.PoolAmount("BTC"))
}

func TestSinkCanReadLedgerState(t *testing.T) {
	f := newFixture(t)
	v := f.vault
	sink := &readbackSink{v: v}
	v.AddSink(sink)

	f.buy("BTC", 1e8, alice)
	require.NotEmpty(t, sink.pools)
	// Events flush after the operation commits and releases the ledger, so
	// every read observes the settled pool.
	for _, pool := range sink.pools {
		assert.Equal(t, big.NewInt(99_700_000), pool)
	}

	sink.pools = nil
	_, err := v.WithdrawFees(govAddr, "BTC", treasury)
	require.NoError(t, err)
	require.NotEmpty(t, sink.pools)
}

func TestConcurrentReadAccessors(t *testing.T) {
	f := newFixture(t)
	v := f.vault
	f.buy("BTC", 1e8, alice)

	// Readers hammer a token the ledger has never touched while mints keep
	// mutating it. Untouched tokens read as all zeros.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Zero(t, v.PoolAmount("ETH").Sign())
				assert.Zero(t, v.ReservedAmount("ETH").Sign())
				assert.Zero(t, v.GuaranteedUsd("ETH").Sign())
				assert.Zero(t, v.UsdgAmount("ETH").Sign())
				assert.Zero(t, v.CumulativeFundingRate("ETH").Sign())
				assert.Zero(t, v.FeeReserve("ETH").Sign())
			}
		}()
	}
	for i := 0; i < 20; i++ {
		f.buy("BTC", 1e6, alice)
	}
	wg.Wait()
	assert.Zero(t, v.PoolAmount("ETH").Sign())
}

// reentrantCustodian calls back into the vault from BalanceOf, the way a
// custodian backed by a remote service could re-enter through a hook.
type reentrantCustodian struct {
	*MemoryCustodian
	vault *Vault
	inner error
}

func (c *reentrantCustodian) BalanceOf(token string) *big.Int {
	if c.vault != nil {
		_, c.inner = c.vault.BuyUSDG(token, bob)
	}
	return c.MemoryCustodian.BalanceOf(token)
}

func TestReentrantCustodianFailsFast(t *testing.T) {
	cust := &reentrantCustodian{MemoryCustodian: NewMemoryCustodian()}
	feed := NewMemoryFeed()
	feed.Push(big.NewInt(40_000e8))
	oracle := NewFeedOracle(1)
	oracle.SetFeed("BTC", feed, 8)
	level, _ := log.ToLevel("debug")
	v := New(Config{
		Gov:       govAddr,
		Oracle:    oracle,
		Custodian: cust,
		Logger:    log.NewTestLogger(level),
	})
	require.NoError(t, v.SetTokenConfig(govAddr, "BTC", TokenConfig{
		Whitelisted:   true,
		PriceDecimals: 8,
		TokenDecimals: 8,
		RedemptionBps: 10000,
	}))

	// Every balance read now re-enters. The nested call is rejected before
	// it can touch the ledger, and the outer mint settles normally.
	cust.vault = v
	cust.Deposit("BTC", big.NewInt(1e8))
	minted, err := v.BuyUSDG("BTC", alice)
	require.NoError(t, err)
	assert.Equal(t, e18(39_880), minted)
	assert.ErrorIs(t, cust.inner, ErrReentrancy)
	assert.Equal(t, big.NewInt(99_700_000), v.PoolAmount("BTC"))
}

func TestFundingIntervalFloor(t *testing.T) {
	now := time.Unix(1_699_977_600, 0)
	cust := NewMemoryCustodian()
	feed := NewMemoryFeed()
	feed.Push(big.NewInt(40_000e8))
	oracle := NewFeedOracle(1)
	oracle.SetFeed("BTC", feed, 8)
	level, _ := log.ToLevel("debug")
	v := New(Config{
		Gov:             govAddr,
		Oracle:          oracle,
		Custodian:       cust,
		Logger:          log.NewTestLogger(level),
		FundingInterval: 500 * time.Millisecond,
		Now:             func() time.Time { return now },
	})
	require.NoError(t, v.SetTokenConfig(govAddr, "BTC", TokenConfig{
		Whitelisted:   true,
		PriceDecimals: 8,
		TokenDecimals: 8,
		RedemptionBps: 10000,
	}))

	cust.Deposit("BTC", big.NewInt(1e8))
	_, err := v.BuyUSDG("BTC", alice)
	require.NoError(t, err)
	cust.Deposit("BTC", big.NewInt(250_000))
	require.NoError(t, v.IncreasePosition(alice, alice, "BTC", "BTC", usd(1000), true))

	// The sub-second interval was replaced with the 8 hour default, so an
	// hour later the position is still inside the first interval and no
	// funding has accrued.
	now = now.Add(time.Hour)
	cust.Deposit("BTC", big.NewInt(1e6))
	_, err = v.BuyUSDG("BTC", alice)
	require.NoError(t, err)
	assert.Zero(t, v.CumulativeFundingRate("BTC").Sign())
}
