package vault

import (
	"fmt"
	"math/big"
	"sync"
)

// PriceOracle is the adapter the ledger prices against. Prices are normalized
// to PricePrecision. Implementations must fail with ErrInvalidPriceFeed when
// no feed is configured for a token and ErrPriceUnavailable when no valid
// sample exists.
type PriceOracle interface {
	MaxPrice(token string) (*big.Int, error)
	MinPrice(token string) (*big.Int, error)
	LatestRound(token string) (int64, error)
	RoundPrice(token string, round int64) (*big.Int, error)
}

// PriceFeed is a single source of oracle rounds for one token. Round ids are
// monotonically increasing; prices are raw feed values in the feed's own
// decimals.
type PriceFeed interface {
	LatestRound() int64
	RoundPrice(round int64) (*big.Int, error)
}

// FeedOracle samples the most recent rounds of a PriceFeed per token and
// reports the max/min across the sample window, normalized by the token's
// configured price decimals.
type FeedOracle struct {
	mu          sync.RWMutex
	feeds       map[string]feedConfig
	sampleSpace int
}

type feedConfig struct {
	feed     PriceFeed
	decimals uint
}

// NewFeedOracle creates an oracle sampling sampleSpace rounds per query.
func NewFeedOracle(sampleSpace int) *FeedOracle {
	if sampleSpace < 1 {
		sampleSpace = 1
	}
	return &FeedOracle{
		feeds:       make(map[string]feedConfig),
		sampleSpace: sampleSpace,
	}
}

// SetFeed registers the price feed for a token.
func (o *FeedOracle) SetFeed(token string, feed PriceFeed, decimals uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feeds[token] = feedConfig{feed: feed, decimals: decimals}
}

// SetSampleSpace adjusts how many recent rounds each query samples.
func (o *FeedOracle) SetSampleSpace(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: sample space %d", ErrInvalidAmount, n)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sampleSpace = n
	return nil
}

func (o *FeedOracle) MaxPrice(token string) (*big.Int, error) {
	return o.samplePrice(token, true)
}

func (o *FeedOracle) MinPrice(token string) (*big.Int, error) {
	return o.samplePrice(token, false)
}

func (o *FeedOracle) LatestRound(token string) (int64, error) {
	o.mu.RLock()
	cfg, ok := o.feeds[token]
	o.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPriceFeed, token)
	}
	return cfg.feed.LatestRound(), nil
}

func (o *FeedOracle) RoundPrice(token string, round int64) (*big.Int, error) {
	o.mu.RLock()
	cfg, ok := o.feeds[token]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriceFeed, token)
	}
	price, err := cfg.feed.RoundPrice(round)
	if err != nil {
		return nil, fmt.Errorf("%w: %s round %d: %v", ErrPriceUnavailable, token, round, err)
	}
	return o.normalize(price, cfg.decimals), nil
}

func (o *FeedOracle) samplePrice(token string, wantMax bool) (*big.Int, error) {
	o.mu.RLock()
	cfg, ok := o.feeds[token]
	space := o.sampleSpace
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriceFeed, token)
	}

	latest := cfg.feed.LatestRound()
	var best *big.Int
	for i := 0; i < space; i++ {
		round := latest - int64(i)
		if round <= 0 {
			break
		}
		price, err := cfg.feed.RoundPrice(round)
		if err != nil {
			return nil, fmt.Errorf("%w: %s round %d: %v", ErrPriceUnavailable, token, round, err)
		}
		if price == nil || price.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s round %d reported non-positive price", ErrPriceUnavailable, token, round)
		}
		if best == nil {
			best = price
			continue
		}
		if cmp := price.Cmp(best); (wantMax && cmp > 0) || (!wantMax && cmp < 0) {
			best = price
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s has no valid rounds", ErrPriceUnavailable, token)
	}
	return o.normalize(best, cfg.decimals), nil
}

func (o *FeedOracle) normalize(price *big.Int, decimals uint) *big.Int {
	n := new(big.Int).Mul(price, PricePrecision)
	return n.Div(n, pow10(decimals))
}

// MemoryFeed is an in-memory PriceFeed backed by an append-only round log.
// Round 1 is the first pushed price.
type MemoryFeed struct {
	mu     sync.RWMutex
	rounds []*big.Int
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{}
}

// Push appends a new round with the given raw price.
func (f *MemoryFeed) Push(price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds = append(f.rounds, new(big.Int).Set(price))
}

func (f *MemoryFeed) LatestRound() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.rounds))
}

func (f *MemoryFeed) RoundPrice(round int64) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if round < 1 || round > int64(len(f.rounds)) {
		return nil, fmt.Errorf("round %d out of range", round)
	}
	return new(big.Int).Set(f.rounds[round-1]), nil
}
