package vault

import (
	"errors"
	"math/big"
	"time"
)

// Fixed-point scales. USD values carry 30 decimals, the accounting token 18,
// funding rates accumulate at 1e6, ratios are basis points out of 10000.
const (
	UsdgDecimals       = 18
	BasisPointsDivisor = 10000
	MinLeverageBps     = 10000 // 1x
)

var (
	// PricePrecision is the fixed-point scale for USD prices and USD values.
	PricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

	// FundingRatePrecision is the scale of the cumulative funding accumulator.
	FundingRatePrecision = big.NewInt(1_000_000)
)

// Error taxonomy. Every operation fails fast with one of these, wrapped with
// context; no partial effects are left behind.
var (
	ErrForbidden              = errors.New("forbidden")
	ErrNotWhitelisted         = errors.New("token not whitelisted")
	ErrInvalidTokens          = errors.New("invalid token pair")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrPositionNotFound       = errors.New("position not found")
	ErrPositionSizeExceeded   = errors.New("position size exceeded")
	ErrLiquidationThreshold   = errors.New("liquidation threshold violated")
	ErrNotLiquidatable        = errors.New("position cannot be liquidated")
	ErrMintCapExceeded        = errors.New("mint cap exceeded")
	ErrInvalidRedemption      = errors.New("invalid redemption amount")
	ErrInvalidPriceFeed       = errors.New("invalid price feed")
	ErrPriceUnavailable       = errors.New("price unavailable")
	ErrInvariant              = errors.New("invariant violation")
	ErrReentrancy             = errors.New("reentrant call")
	ErrMaxGasPrice            = errors.New("max gas price exceeded")
)

// TokenConfig is the governance-set configuration for a token. Entries with
// Whitelisted=false may still carry price-feed parameters; shorts are allowed
// to reference such tokens as index.
type TokenConfig struct {
	Whitelisted   bool
	PriceDecimals uint
	TokenDecimals uint
	RedemptionBps int64
	MinProfitBps  int64
	Stable        bool
}

// Position is one leveraged position, keyed by
// (account, collateralToken, indexToken, direction).
//
// Size and Collateral are USD values at PricePrecision. ReserveAmount is in
// collateral-token units. RealisedPnl is signed. Invariants: Size >= Collateral
// whenever Size > 0, and Size == 0 iff Collateral == 0.
type Position struct {
	Size              *big.Int
	Collateral        *big.Int
	AveragePrice      *big.Int
	EntryFundingRate  *big.Int
	ReserveAmount     *big.Int
	RealisedPnl       *big.Int
	LastIncreasedTime time.Time
}

func newPosition() *Position {
	return &Position{
		Size:             new(big.Int),
		Collateral:       new(big.Int),
		AveragePrice:     new(big.Int),
		EntryFundingRate: new(big.Int),
		ReserveAmount:    new(big.Int),
		RealisedPnl:      new(big.Int),
	}
}

func (p *Position) clone() *Position {
	return &Position{
		Size:              new(big.Int).Set(p.Size),
		Collateral:        new(big.Int).Set(p.Collateral),
		AveragePrice:      new(big.Int).Set(p.AveragePrice),
		EntryFundingRate:  new(big.Int).Set(p.EntryFundingRate),
		ReserveAmount:     new(big.Int).Set(p.ReserveAmount),
		RealisedPnl:       new(big.Int).Set(p.RealisedPnl),
		LastIncreasedTime: p.LastIncreasedTime,
	}
}

// PositionView is the read-only projection returned by position queries.
// RealisedPnl is reported as an absolute value with a profit flag.
type PositionView struct {
	Size              *big.Int
	Collateral        *big.Int
	AveragePrice      *big.Int
	EntryFundingRate  *big.Int
	ReserveAmount     *big.Int
	RealisedPnl       *big.Int
	HasRealisedProfit bool
	LastIncreasedTime time.Time
}

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
