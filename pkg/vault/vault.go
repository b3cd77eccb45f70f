package vault

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
)

// Vault is the position and pool ledger engine. It owns the per-token ledger
// entries and the position store; every mutation goes through one of its
// operations, which run under a single mutex and commit atomically. The inOp
// flag is claimed before the mutex, so a reentrant call from a custodian or
// oracle callback fails fast instead of self-deadlocking on mu.
type Vault struct {
	mu   sync.RWMutex
	inOp atomic.Bool

	logger log.Logger
	nowFn  func() time.Time
	// gasPriceFn reports the ambient gas price for the current call, if the
	// embedding environment has one. Operations are rejected when it exceeds
	// the governance cap.
	gasPriceFn func() *big.Int

	gov             string
	router          string
	approvedRouters map[string]map[string]bool

	oracle    PriceOracle
	custodian Custodian
	usdg      *AccountingToken

	tokens    map[string]TokenConfig
	entries   map[string]*ledgerEntry
	positions map[PositionKey]*Position

	fundingInterval         time.Duration
	fundingRateFactor       int64
	stableFundingRateFactor int64

	maxLeverageBps    int64
	liquidationFeeUsd *big.Int
	swapFeeBps        int64
	stableSwapFeeBps  int64
	marginFeeBps      int64
	minProfitTime     time.Duration
	maxUsdgAmount     *big.Int // zero means no cap
	maxGasPrice       *big.Int // zero means no cap

	sinks []EventSink
}

// Config carries the construction parameters for a Vault. Zero-value fields
// fall back to defaults.
type Config struct {
	Gov       string
	Oracle    PriceOracle
	Custodian Custodian
	Logger    log.Logger
	USDG      *AccountingToken

	FundingInterval         time.Duration
	FundingRateFactor       int64
	StableFundingRateFactor int64

	MaxLeverageBps    int64
	LiquidationFeeUsd *big.Int
	SwapFeeBps        int64
	StableSwapFeeBps  int64
	MarginFeeBps      int64
	MinProfitTime     time.Duration
	MaxUsdgAmount     *big.Int

	Now      func() time.Time
	GasPrice func() *big.Int
}

const (
	defaultFundingInterval         = 8 * time.Hour
	defaultFundingRateFactor       = 600
	defaultStableFundingRateFactor = 600
	defaultMaxLeverageBps          = 50 * BasisPointsDivisor
	defaultSwapFeeBps              = 30
	defaultStableSwapFeeBps        = 4
	defaultMarginFeeBps            = 10
)

// New creates a Vault with the given oracle and custodian.
func New(cfg Config) *Vault {
	if cfg.Logger == nil {
		cfg.Logger = log.Root().New("module", "vault")
	}
	if cfg.USDG == nil {
		cfg.USDG = NewAccountingToken("USDG")
	}
	// Accrual floors the interval to whole seconds, so anything below one
	// second would divide by zero.
	if cfg.FundingInterval < time.Second {
		cfg.FundingInterval = defaultFundingInterval
	}
	if cfg.FundingRateFactor == 0 {
		cfg.FundingRateFactor = defaultFundingRateFactor
	}
	if cfg.StableFundingRateFactor == 0 {
		cfg.StableFundingRateFactor = defaultStableFundingRateFactor
	}
	if cfg.MaxLeverageBps == 0 {
		cfg.MaxLeverageBps = defaultMaxLeverageBps
	}
	if cfg.LiquidationFeeUsd == nil {
		// 5 USD
		cfg.LiquidationFeeUsd = new(big.Int).Mul(big.NewInt(5), PricePrecision)
	}
	if cfg.SwapFeeBps == 0 {
		cfg.SwapFeeBps = defaultSwapFeeBps
	}
	if cfg.StableSwapFeeBps == 0 {
		cfg.StableSwapFeeBps = defaultStableSwapFeeBps
	}
	if cfg.MarginFeeBps == 0 {
		cfg.MarginFeeBps = defaultMarginFeeBps
	}
	if cfg.MaxUsdgAmount == nil {
		cfg.MaxUsdgAmount = new(big.Int)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Vault{
		logger:                  cfg.Logger,
		nowFn:                   cfg.Now,
		gasPriceFn:              cfg.GasPrice,
		gov:                     cfg.Gov,
		approvedRouters:         make(map[string]map[string]bool),
		oracle:                  cfg.Oracle,
		custodian:               cfg.Custodian,
		usdg:                    cfg.USDG,
		tokens:                  make(map[string]TokenConfig),
		entries:                 make(map[string]*ledgerEntry),
		positions:               make(map[PositionKey]*Position),
		fundingInterval:         cfg.FundingInterval,
		fundingRateFactor:       cfg.FundingRateFactor,
		stableFundingRateFactor: cfg.StableFundingRateFactor,
		maxLeverageBps:          cfg.MaxLeverageBps,
		liquidationFeeUsd:       new(big.Int).Set(cfg.LiquidationFeeUsd),
		swapFeeBps:              cfg.SwapFeeBps,
		stableSwapFeeBps:        cfg.StableSwapFeeBps,
		marginFeeBps:            cfg.MarginFeeBps,
		minProfitTime:           cfg.MinProfitTime,
		maxUsdgAmount:           new(big.Int).Set(cfg.MaxUsdgAmount),
		maxGasPrice:             new(big.Int),
	}
}

// USDG returns the accounting token.
func (v *Vault) USDG() *AccountingToken {
	return v.usdg
}

// AddSink registers an event sink. Sinks receive events only for committed
// operations.
func (v *Vault) AddSink(sink EventSink) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sinks = append(v.sinks, sink)
}

// ---- governance ------------------------------------------------------------

func (v *Vault) onlyGov(sender string) error {
	if sender != v.gov {
		return fmt.Errorf("%w: governance only", ErrForbidden)
	}
	return nil
}

// SetGov transfers the governance identity.
func (v *Vault) SetGov(sender, gov string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	v.gov = gov
	return nil
}

// SetRouter designates the global router.
func (v *Vault) SetRouter(sender, router string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	v.router = router
	return nil
}

// AddRouter approves a router to act for sender's account.
func (v *Vault) AddRouter(sender, router string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	routers, ok := v.approvedRouters[sender]
	if !ok {
		routers = make(map[string]bool)
		v.approvedRouters[sender] = routers
	}
	routers[router] = true
}

// RemoveRouter revokes a previously approved router for sender's account.
func (v *Vault) RemoveRouter(sender, router string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if routers, ok := v.approvedRouters[sender]; ok {
		delete(routers, router)
	}
}

// SetFees updates the fee schedule.
func (v *Vault) SetFees(sender string, swapFeeBps, stableSwapFeeBps, marginFeeBps int64, liquidationFeeUsd *big.Int, minProfitTime time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	for _, bps := range []int64{swapFeeBps, stableSwapFeeBps, marginFeeBps} {
		if bps < 0 || bps > BasisPointsDivisor {
			return fmt.Errorf("%w: fee basis points %d", ErrInvalidAmount, bps)
		}
	}
	if liquidationFeeUsd.Sign() < 0 {
		return fmt.Errorf("%w: negative liquidation fee", ErrInvalidAmount)
	}
	v.swapFeeBps = swapFeeBps
	v.stableSwapFeeBps = stableSwapFeeBps
	v.marginFeeBps = marginFeeBps
	v.liquidationFeeUsd = new(big.Int).Set(liquidationFeeUsd)
	v.minProfitTime = minProfitTime
	return nil
}

// SetFundingRate updates the funding interval and rate factors.
func (v *Vault) SetFundingRate(sender string, interval time.Duration, factor, stableFactor int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	if interval < time.Second || factor < 0 || stableFactor < 0 {
		return fmt.Errorf("%w: funding parameters", ErrInvalidAmount)
	}
	v.fundingInterval = interval
	v.fundingRateFactor = factor
	v.stableFundingRateFactor = stableFactor
	return nil
}

// SetMaxLeverage updates the maximum allowed leverage in basis points.
func (v *Vault) SetMaxLeverage(sender string, maxLeverageBps int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	if maxLeverageBps <= MinLeverageBps {
		return fmt.Errorf("%w: max leverage %d bps", ErrInvalidAmount, maxLeverageBps)
	}
	v.maxLeverageBps = maxLeverageBps
	return nil
}

// SetMaxUsdg caps the aggregate accounting-token supply. Zero removes the cap.
func (v *Vault) SetMaxUsdg(sender string, maxUsdg *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	if maxUsdg.Sign() < 0 {
		return fmt.Errorf("%w: negative mint cap", ErrInvalidAmount)
	}
	v.maxUsdgAmount = new(big.Int).Set(maxUsdg)
	return nil
}

// SetMaxGasPrice caps the ambient gas price operations are accepted under.
// Zero removes the cap.
func (v *Vault) SetMaxGasPrice(sender string, maxGasPrice *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	if maxGasPrice.Sign() < 0 {
		return fmt.Errorf("%w: negative gas price cap", ErrInvalidAmount)
	}
	v.maxGasPrice = new(big.Int).Set(maxGasPrice)
	return nil
}

// SetPriceSampleSpace adjusts the oracle's sampling window when the
// configured oracle supports resampling.
func (v *Vault) SetPriceSampleSpace(sender string, n int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	sampler, ok := v.oracle.(interface{ SetSampleSpace(n int) error })
	if !ok {
		return fmt.Errorf("%w: oracle is not resampleable", ErrInvalidPriceFeed)
	}
	return sampler.SetSampleSpace(n)
}

// SetTokenConfig registers or updates a token's configuration.
func (v *Vault) SetTokenConfig(sender, token string, cfg TokenConfig) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	v.tokens[token] = cfg
	v.entry(token)
	return nil
}

// ClearTokenConfig removes a token from the whitelist. Ledger counters are
// kept so open state can still be unwound.
func (v *Vault) ClearTokenConfig(sender, token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.onlyGov(sender); err != nil {
		return err
	}
	cfg, ok := v.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWhitelisted, token)
	}
	cfg.Whitelisted = false
	v.tokens[token] = cfg
	return nil
}

// WithdrawFees moves the accumulated fee reserve of token to receiver.
func (v *Vault) WithdrawFees(sender, token, receiver string) (*big.Int, error) {
	v.mu.Lock()
	if err := v.onlyGov(sender); err != nil {
		v.mu.Unlock()
		return nil, err
	}
	e := v.entry(token)
	amount := new(big.Int).Set(e.feeReserve)
	if amount.Sign() == 0 {
		v.mu.Unlock()
		return new(big.Int), nil
	}
	e.feeReserve.SetInt64(0)
	if err := v.transferOut(token, amount, receiver); err != nil {
		e.feeReserve.Set(amount)
		v.mu.Unlock()
		return nil, err
	}
	sinks := append([]EventSink(nil), v.sinks...)
	v.logger.Info("fees withdrawn", "token", token, "receiver", receiver, "amount", amount)
	v.mu.Unlock()

	publish(sinks, []Event{WithdrawFeesEvent{Token: token, Receiver: receiver, Amount: amount}})
	return amount, nil
}

// ---- operation guard and atomic commit -------------------------------------

// ledgerTx snapshots the parts of the ledger an operation touches and
// restores them when the operation aborts. Events queue up and flush only on
// commit.
type ledgerTx struct {
	v         *Vault
	entries   map[string]*ledgerEntry
	positions map[PositionKey]*Position
	existed   map[PositionKey]bool
	supply    *big.Int
	events    []Event
}

// begin arms the reentrancy guard and acquires the operation mutex. All
// mutating operations start here; the returned tx must be finished with
// end(). The guard is claimed before blocking on the mutex: a reentrant call
// issued while an operation is in flight would otherwise wait on a mutex its
// own caller holds.
func (v *Vault) begin() (*ledgerTx, error) {
	if !v.inOp.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: ledger operation already in progress", ErrReentrancy)
	}
	v.mu.Lock()
	if err := v.validateGasPrice(); err != nil {
		v.mu.Unlock()
		v.inOp.Store(false)
		return nil, err
	}
	return &ledgerTx{
		v:         v,
		entries:   make(map[string]*ledgerEntry),
		positions: make(map[PositionKey]*Position),
		existed:   make(map[PositionKey]bool),
		supply:    v.usdg.TotalSupply(),
	}, nil
}

func (v *Vault) validateGasPrice() error {
	if v.maxGasPrice.Sign() == 0 || v.gasPriceFn == nil {
		return nil
	}
	if price := v.gasPriceFn(); price != nil && price.Cmp(v.maxGasPrice) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrMaxGasPrice, price, v.maxGasPrice)
	}
	return nil
}

// touch snapshots a token entry before its first mutation in this tx.
func (tx *ledgerTx) touch(tokens ...string) {
	for _, token := range tokens {
		if _, ok := tx.entries[token]; !ok {
			tx.entries[token] = tx.v.entry(token).clone()
		}
	}
}

// touchPosition snapshots a position before its first mutation in this tx.
func (tx *ledgerTx) touchPosition(key PositionKey) {
	if _, ok := tx.positions[key]; ok {
		return
	}
	if pos, ok := tx.v.positions[key]; ok {
		tx.positions[key] = pos.clone()
		tx.existed[key] = true
	} else {
		tx.positions[key] = nil
		tx.existed[key] = false
	}
}

func (tx *ledgerTx) emit(event Event) {
	tx.events = append(tx.events, event)
}

// end commits or rolls back the tx depending on *errp, then releases the
// guard and mutex. Meant to be deferred right after begin. Committed events
// are delivered after the mutex is released, so a sink may read vault state
// from inside Publish.
func (tx *ledgerTx) end(errp *error) {
	v := tx.v
	var committed []Event
	var sinks []EventSink
	if *errp != nil {
		for token, snap := range tx.entries {
			v.entries[token] = snap
		}
		for key, snap := range tx.positions {
			if tx.existed[key] {
				v.positions[key] = snap
			} else {
				delete(v.positions, key)
			}
		}
		v.usdg.setSupply(tx.supply)
	} else {
		committed = tx.events
		sinks = append(sinks, v.sinks...)
	}
	v.inOp.Store(false)
	v.mu.Unlock()

	publish(sinks, committed)
}

// publish delivers committed events to sinks. Callers must not hold the vault
// mutex so sinks can read ledger state from inside Publish.
func publish(sinks []EventSink, events []Event) {
	for _, event := range events {
		for _, sink := range sinks {
			sink.Publish(event)
		}
	}
}

// validateRouter checks that sender may act for account.
func (v *Vault) validateRouter(sender, account string) error {
	if sender == account || sender == v.router {
		return nil
	}
	if routers, ok := v.approvedRouters[account]; ok && routers[sender] {
		return nil
	}
	return fmt.Errorf("%w: %s is not a router for %s", ErrForbidden, sender, account)
}

func (v *Vault) validateWhitelisted(token string) error {
	if !v.tokens[token].Whitelisted {
		return fmt.Errorf("%w: %s", ErrNotWhitelisted, token)
	}
	return nil
}

// ---- read surface ----------------------------------------------------------

// PoolAmount returns token units backing the system, excluding margin
// collateral held for traders.
func (v *Vault) PoolAmount(token string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.entryView(token).poolAmount)
}

// ReservedAmount returns token units reserved against open positions.
func (v *Vault) ReservedAmount(token string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.entryView(token).reservedAmount)
}

// GuaranteedUsd returns the USD value guaranteed by open long positions.
func (v *Vault) GuaranteedUsd(token string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.entryView(token).guaranteedUsd)
}

// UsdgAmount returns the accounting-token debt attributed to token.
func (v *Vault) UsdgAmount(token string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.entryView(token).usdgAmount)
}

// CumulativeFundingRate returns the funding accumulator for token.
func (v *Vault) CumulativeFundingRate(token string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.entryView(token).cumulativeFundingRate)
}

// FeeReserve returns collected fees pending withdrawal for token.
func (v *Vault) FeeReserve(token string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.entryView(token).feeReserve)
}

// TokenConfigFor returns the configuration for token.
func (v *Vault) TokenConfigFor(token string) (TokenConfig, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cfg, ok := v.tokens[token]
	return cfg, ok
}

// GetUtilization returns reserved/pool at FundingRatePrecision.
func (v *Vault) GetUtilization(token string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e := v.entryView(token)
	if e.poolAmount.Sign() == 0 {
		return new(big.Int)
	}
	u := new(big.Int).Mul(e.reservedAmount, FundingRatePrecision)
	return u.Div(u, e.poolAmount)
}

// TokenToUsdMin values a token amount at the current min price.
func (v *Vault) TokenToUsdMin(token string, amount *big.Int) (*big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tokenToUsdMin(token, amount)
}

// UsdToTokenMax converts a USD value to token units at the current min price.
func (v *Vault) UsdToTokenMax(token string, usd *big.Int) (*big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.usdToTokenMax(token, usd)
}

// UsdToTokenMin converts a USD value to token units at the current max price.
func (v *Vault) UsdToTokenMin(token string, usd *big.Int) (*big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.usdToTokenMin(token, usd)
}
