package vault

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// EntryState is the serializable form of one token's ledger counters.
type EntryState struct {
	PoolAmount            *big.Int `json:"poolAmount"`
	ReservedAmount        *big.Int `json:"reservedAmount"`
	GuaranteedUsd         *big.Int `json:"guaranteedUsd"`
	UsdgAmount            *big.Int `json:"usdgAmount"`
	CumulativeFundingRate *big.Int `json:"cumulativeFundingRate"`
	LastFundingTime       int64    `json:"lastFundingTime"`
	FeeReserve            *big.Int `json:"feeReserve"`
	BalanceSnapshot       *big.Int `json:"balanceSnapshot"`
}

// PositionState is the serializable form of one position, addressed by its
// hex key.
type PositionState struct {
	Key               string   `json:"key"`
	Size              *big.Int `json:"size"`
	Collateral        *big.Int `json:"collateral"`
	AveragePrice      *big.Int `json:"averagePrice"`
	EntryFundingRate  *big.Int `json:"entryFundingRate"`
	ReserveAmount     *big.Int `json:"reserveAmount"`
	RealisedPnl       *big.Int `json:"realisedPnl"`
	LastIncreasedTime int64    `json:"lastIncreasedTime"`
}

// State is a full snapshot of the ledger, sufficient to resume a vault after
// a restart. Holder balances of the accounting token live in custody, not
// here; only the total supply is carried.
type State struct {
	Gov        string                 `json:"gov"`
	Router     string                 `json:"router,omitempty"`
	Tokens     map[string]TokenConfig `json:"tokens"`
	Entries    map[string]EntryState  `json:"entries"`
	Positions  []PositionState        `json:"positions"`
	UsdgSupply *big.Int               `json:"usdgSupply"`
}

// ExportState copies the ledger into a serializable snapshot.
func (v *Vault) ExportState() State {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := State{
		Gov:        v.gov,
		Router:     v.router,
		Tokens:     make(map[string]TokenConfig, len(v.tokens)),
		Entries:    make(map[string]EntryState, len(v.entries)),
		UsdgSupply: v.usdg.TotalSupply(),
	}
	for token, cfg := range v.tokens {
		s.Tokens[token] = cfg
	}
	for token, e := range v.entries {
		s.Entries[token] = EntryState{
			PoolAmount:            new(big.Int).Set(e.poolAmount),
			ReservedAmount:        new(big.Int).Set(e.reservedAmount),
			GuaranteedUsd:         new(big.Int).Set(e.guaranteedUsd),
			UsdgAmount:            new(big.Int).Set(e.usdgAmount),
			CumulativeFundingRate: new(big.Int).Set(e.cumulativeFundingRate),
			LastFundingTime:       e.lastFundingTime,
			FeeReserve:            new(big.Int).Set(e.feeReserve),
			BalanceSnapshot:       new(big.Int).Set(e.balanceSnapshot),
		}
	}
	for key, p := range v.positions {
		s.Positions = append(s.Positions, PositionState{
			Key:               key.String(),
			Size:              new(big.Int).Set(p.Size),
			Collateral:        new(big.Int).Set(p.Collateral),
			AveragePrice:      new(big.Int).Set(p.AveragePrice),
			EntryFundingRate:  new(big.Int).Set(p.EntryFundingRate),
			ReserveAmount:     new(big.Int).Set(p.ReserveAmount),
			RealisedPnl:       new(big.Int).Set(p.RealisedPnl),
			LastIncreasedTime: p.LastIncreasedTime.Unix(),
		})
	}
	return s
}

// RestoreState replaces the ledger with a previously exported snapshot.
func (v *Vault) RestoreState(s State) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	positions := make(map[PositionKey]*Position, len(s.Positions))
	for _, p := range s.Positions {
		raw, err := hex.DecodeString(p.Key)
		if err != nil || len(raw) != len(PositionKey{}) {
			return fmt.Errorf("%w: position key %q", ErrInvalidAmount, p.Key)
		}
		var key PositionKey
		copy(key[:], raw)
		positions[key] = &Position{
			Size:              bigOrZero(p.Size),
			Collateral:        bigOrZero(p.Collateral),
			AveragePrice:      bigOrZero(p.AveragePrice),
			EntryFundingRate:  bigOrZero(p.EntryFundingRate),
			ReserveAmount:     bigOrZero(p.ReserveAmount),
			RealisedPnl:       bigOrZero(p.RealisedPnl),
			LastIncreasedTime: time.Unix(p.LastIncreasedTime, 0),
		}
	}

	entries := make(map[string]*ledgerEntry, len(s.Entries))
	for token, es := range s.Entries {
		entries[token] = &ledgerEntry{
			poolAmount:            bigOrZero(es.PoolAmount),
			reservedAmount:        bigOrZero(es.ReservedAmount),
			guaranteedUsd:         bigOrZero(es.GuaranteedUsd),
			usdgAmount:            bigOrZero(es.UsdgAmount),
			cumulativeFundingRate: bigOrZero(es.CumulativeFundingRate),
			lastFundingTime:       es.LastFundingTime,
			feeReserve:            bigOrZero(es.FeeReserve),
			balanceSnapshot:       bigOrZero(es.BalanceSnapshot),
		}
	}

	tokens := make(map[string]TokenConfig, len(s.Tokens))
	for token, cfg := range s.Tokens {
		tokens[token] = cfg
	}

	v.gov = s.Gov
	v.router = s.Router
	v.tokens = tokens
	v.entries = entries
	v.positions = positions
	v.usdg.setSupply(bigOrZero(s.UsdgSupply))
	v.logger.Info("state restored",
		"tokens", len(tokens), "positions", len(positions))
	return nil
}

func bigOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
