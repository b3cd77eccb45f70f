package vault

import "math/big"

// updateCumulativeFundingRate accrues funding for token up to the current
// interval boundary. Idempotent within an interval. Called at the top of
// every operation that reads or mutates a token's pool or position state, so
// funding is always current at the point of use.
func (v *Vault) updateCumulativeFundingRate(tx *ledgerTx, token string) {
	interval := int64(v.fundingInterval.Seconds())
	now := v.nowFn().Unix()
	tx.touch(token)
	e := v.entry(token)

	if e.lastFundingTime == 0 {
		// First touch establishes the baseline, no accrual.
		e.lastFundingTime = now / interval * interval
		return
	}
	if e.lastFundingTime+interval > now {
		return
	}

	rate := v.nextFundingRate(token, now, interval)
	e.cumulativeFundingRate.Add(e.cumulativeFundingRate, rate)
	e.lastFundingTime = now / interval * interval

	tx.emit(UpdateFundingRateEvent{
		Token:                 token,
		CumulativeFundingRate: new(big.Int).Set(e.cumulativeFundingRate),
	})
}

// nextFundingRate computes the pending accrual:
// factor * reserved * elapsedIntervals / pool, zero when the pool is empty.
func (v *Vault) nextFundingRate(token string, now, interval int64) *big.Int {
	e := v.entry(token)
	if e.poolAmount.Sign() == 0 {
		return new(big.Int)
	}
	intervals := (now - e.lastFundingTime) / interval

	factor := v.fundingRateFactor
	if v.tokens[token].Stable {
		factor = v.stableFundingRateFactor
	}

	rate := new(big.Int).Mul(big.NewInt(factor), e.reservedAmount)
	rate.Mul(rate, big.NewInt(intervals))
	return rate.Div(rate, e.poolAmount)
}

// getFundingFee returns the funding fee owed by a position of the given size
// since its entry snapshot, in USD.
func (v *Vault) getFundingFee(token string, size, entryFundingRate *big.Int) *big.Int {
	if size.Sign() == 0 {
		return new(big.Int)
	}
	fundingRate := new(big.Int).Sub(v.entryView(token).cumulativeFundingRate, entryFundingRate)
	if fundingRate.Sign() == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(size, fundingRate)
	return fee.Div(fee, FundingRatePrecision)
}

// getPositionFee returns the position fee for a size delta, in USD. The fee
// is the remainder after applying the margin fee rate, so rounding favors the
// pool.
func (v *Vault) getPositionFee(sizeDelta *big.Int) *big.Int {
	if sizeDelta.Sign() == 0 {
		return new(big.Int)
	}
	afterFee := new(big.Int).Mul(sizeDelta, big.NewInt(BasisPointsDivisor-v.marginFeeBps))
	afterFee.Div(afterFee, big.NewInt(BasisPointsDivisor))
	return new(big.Int).Sub(sizeDelta, afterFee)
}
