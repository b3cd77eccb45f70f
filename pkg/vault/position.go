package vault

import (
	"fmt"
	"math/big"
	"time"
)

// IncreasePosition opens or grows a leveraged position. The collateral is the
// pending custodial inflow of collateralToken; sizeDelta is USD notional at
// PricePrecision. sender must be the account, an approved router for it, or
// the global router.
func (v *Vault) IncreasePosition(sender, account, collateralToken, indexToken string, sizeDelta *big.Int, isLong bool) (err error) {
	tx, err := v.begin()
	if err != nil {
		return err
	}
	defer tx.end(&err)

	if sizeDelta.Sign() < 0 {
		return fmt.Errorf("%w: negative size delta", ErrInvalidAmount)
	}
	if err = v.validateRouter(sender, account); err != nil {
		return err
	}
	if err = v.validateTokens(collateralToken, indexToken, isLong); err != nil {
		return err
	}

	tx.touch(collateralToken)
	v.updateCumulativeFundingRate(tx, collateralToken)

	key := PositionKeyFor(account, collateralToken, indexToken, isLong)
	tx.touchPosition(key)
	position, ok := v.positions[key]
	if !ok {
		position = newPosition()
		v.positions[key] = position
	}

	var price *big.Int
	if isLong {
		price, err = v.oracle.MaxPrice(indexToken)
	} else {
		price, err = v.oracle.MinPrice(indexToken)
	}
	if err != nil {
		return err
	}

	if position.Size.Sign() == 0 {
		position.AveragePrice.Set(price)
	} else if sizeDelta.Sign() > 0 {
		avg, err := v.getNextAveragePrice(indexToken, position.Size, position.AveragePrice,
			isLong, price, sizeDelta, position.LastIncreasedTime)
		if err != nil {
			return err
		}
		position.AveragePrice.Set(avg)
	}

	fee, err := v.collectMarginFees(tx, collateralToken, sizeDelta, position.Size, position.EntryFundingRate)
	if err != nil {
		return err
	}

	collateralDelta := v.transferIn(collateralToken)
	collateralDeltaUsd, err := v.tokenToUsdMin(collateralToken, collateralDelta)
	if err != nil {
		return err
	}
	position.Collateral.Add(position.Collateral, collateralDeltaUsd)
	if position.Collateral.Cmp(fee) < 0 {
		return fmt.Errorf("%w: collateral below fees", ErrInsufficientCollateral)
	}
	position.Collateral.Sub(position.Collateral, fee)

	position.EntryFundingRate.Set(v.entry(collateralToken).cumulativeFundingRate)
	position.Size.Add(position.Size, sizeDelta)
	position.LastIncreasedTime = v.nowFn()
	if position.Size.Sign() == 0 {
		return fmt.Errorf("%w: empty position", ErrInvalidAmount)
	}
	if err = v.validatePosition(position.Size, position.Collateral); err != nil {
		return err
	}
	if _, _, err = v.validateLiquidation(account, collateralToken, indexToken, isLong, true); err != nil {
		return err
	}

	reserveDelta, err := v.usdToTokenMax(collateralToken, sizeDelta)
	if err != nil {
		return err
	}
	position.ReserveAmount.Add(position.ReserveAmount, reserveDelta)
	if err = v.increaseReservedAmount(collateralToken, reserveDelta); err != nil {
		return err
	}

	if isLong {
		// guaranteedUsd tracks (size - collateral) for longs: treat the
		// notional and fee as guaranteed, net out the collateral added. The
		// raw collateral inflow becomes pool inventory and the fee is carved
		// back out of it.
		v.increaseGuaranteedUsd(collateralToken, new(big.Int).Add(sizeDelta, fee))
		v.decreaseGuaranteedUsd(collateralToken, collateralDeltaUsd)
		if err = v.increasePoolAmount(collateralToken, collateralDelta); err != nil {
			return err
		}
		feeTokens, err := v.usdToTokenMin(collateralToken, fee)
		if err != nil {
			return err
		}
		if err = v.decreasePoolAmount(collateralToken, feeTokens); err != nil {
			return err
		}
	}

	tx.emit(IncreasePositionEvent{
		Key:             key.String(),
		Account:         account,
		CollateralToken: collateralToken,
		IndexToken:      indexToken,
		CollateralDelta: new(big.Int).Set(collateralDeltaUsd),
		SizeDelta:       new(big.Int).Set(sizeDelta),
		IsLong:          isLong,
		Price:           new(big.Int).Set(price),
		Fee:             new(big.Int).Set(fee),
	})
	tx.emit(UpdatePositionEvent{
		Key:           key.String(),
		Size:          new(big.Int).Set(position.Size),
		Collateral:    new(big.Int).Set(position.Collateral),
		AveragePrice:  new(big.Int).Set(position.AveragePrice),
		ReserveAmount: new(big.Int).Set(position.ReserveAmount),
		RealisedPnl:   new(big.Int).Set(position.RealisedPnl),
	})
	v.logger.Debug("position increased", "account", account,
		"collateralToken", collateralToken, "indexToken", indexToken,
		"sizeDelta", sizeDelta, "isLong", isLong)
	return nil
}

// DecreasePosition shrinks or closes a position, realizing the proportional
// share of PnL, and pays out collateral to receiver. Returns the token amount
// transferred out.
func (v *Vault) DecreasePosition(sender, account, collateralToken, indexToken string, collateralDelta, sizeDelta *big.Int, isLong bool, receiver string) (amount *big.Int, err error) {
	tx, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer tx.end(&err)

	if err = v.validateRouter(sender, account); err != nil {
		return nil, err
	}
	return v.decreasePosition(tx, account, collateralToken, indexToken, collateralDelta, sizeDelta, isLong, receiver)
}

func (v *Vault) decreasePosition(tx *ledgerTx, account, collateralToken, indexToken string, collateralDelta, sizeDelta *big.Int, isLong bool, receiver string) (*big.Int, error) {
	if collateralDelta.Sign() < 0 || sizeDelta.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative delta", ErrInvalidAmount)
	}
	if err := v.validateTokens(collateralToken, indexToken, isLong); err != nil {
		return nil, err
	}

	tx.touch(collateralToken)
	v.updateCumulativeFundingRate(tx, collateralToken)

	key := PositionKeyFor(account, collateralToken, indexToken, isLong)
	tx.touchPosition(key)
	position, ok := v.positions[key]
	if !ok || position.Size.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s %s/%s", ErrPositionNotFound, account, collateralToken, indexToken)
	}
	if position.Size.Cmp(sizeDelta) < 0 {
		return nil, fmt.Errorf("%w: size %s delta %s", ErrPositionSizeExceeded, position.Size, sizeDelta)
	}
	if position.Collateral.Cmp(collateralDelta) < 0 {
		return nil, fmt.Errorf("%w: collateral %s delta %s", ErrInsufficientCollateral, position.Collateral, collateralDelta)
	}

	collateral := new(big.Int).Set(position.Collateral)

	// Release reserve proportional to the share of size being closed.
	reserveDelta := new(big.Int).Mul(position.ReserveAmount, sizeDelta)
	reserveDelta.Div(reserveDelta, position.Size)
	position.ReserveAmount.Sub(position.ReserveAmount, reserveDelta)
	if err := v.decreaseReservedAmount(collateralToken, reserveDelta); err != nil {
		return nil, err
	}

	usdOut, usdOutAfterFee, fee, err := v.reduceCollateral(tx, position, collateralToken, indexToken, collateralDelta, sizeDelta, isLong)
	if err != nil {
		return nil, err
	}

	var price *big.Int
	if isLong {
		price, err = v.oracle.MinPrice(indexToken)
	} else {
		price, err = v.oracle.MaxPrice(indexToken)
	}
	if err != nil {
		return nil, err
	}

	if position.Size.Cmp(sizeDelta) != 0 {
		position.EntryFundingRate.Set(v.entry(collateralToken).cumulativeFundingRate)
		position.Size.Sub(position.Size, sizeDelta)
		if err = v.validatePosition(position.Size, position.Collateral); err != nil {
			return nil, err
		}
		if _, _, err = v.validateLiquidation(account, collateralToken, indexToken, isLong, true); err != nil {
			return nil, err
		}
		if isLong {
			v.increaseGuaranteedUsd(collateralToken, new(big.Int).Sub(collateral, position.Collateral))
			v.decreaseGuaranteedUsd(collateralToken, sizeDelta)
		}
		tx.emit(UpdatePositionEvent{
			Key:           key.String(),
			Size:          new(big.Int).Set(position.Size),
			Collateral:    new(big.Int).Set(position.Collateral),
			AveragePrice:  new(big.Int).Set(position.AveragePrice),
			ReserveAmount: new(big.Int).Set(position.ReserveAmount),
			RealisedPnl:   new(big.Int).Set(position.RealisedPnl),
		})
	} else {
		if isLong {
			v.increaseGuaranteedUsd(collateralToken, collateral)
			v.decreaseGuaranteedUsd(collateralToken, position.Size)
		}
		tx.emit(ClosePositionEvent{
			Key:         key.String(),
			Size:        new(big.Int).Set(position.Size),
			Collateral:  new(big.Int).Set(collateral),
			RealisedPnl: new(big.Int).Set(position.RealisedPnl),
		})
		delete(v.positions, key)
	}

	tx.emit(DecreasePositionEvent{
		Key:             key.String(),
		Account:         account,
		CollateralToken: collateralToken,
		IndexToken:      indexToken,
		CollateralDelta: new(big.Int).Set(collateralDelta),
		SizeDelta:       new(big.Int).Set(sizeDelta),
		IsLong:          isLong,
		Price:           price,
		Fee:             fee,
	})

	if usdOut.Sign() > 0 {
		if isLong {
			// The payout comes out of pool-held long collateral.
			usdOutTokens, err := v.usdToTokenMin(collateralToken, usdOut)
			if err != nil {
				return nil, err
			}
			if err = v.decreasePoolAmount(collateralToken, usdOutTokens); err != nil {
				return nil, err
			}
		}
		amountOutAfterFees, err := v.usdToTokenMin(collateralToken, usdOutAfterFee)
		if err != nil {
			return nil, err
		}
		if err = v.transferOut(collateralToken, amountOutAfterFees, receiver); err != nil {
			return nil, err
		}
		v.logger.Debug("position decreased", "account", account, "sizeDelta", sizeDelta, "amountOut", amountOutAfterFees)
		return amountOutAfterFees, nil
	}
	v.logger.Debug("position decreased", "account", account, "sizeDelta", sizeDelta)
	return new(big.Int), nil
}

// reduceCollateral realizes the proportional PnL and fees for a size
// reduction. The ordering is load-bearing: realize PnL, then the explicit
// withdrawal, then the full-close sweep, then the fee. That keeps fees from
// being counted against both pool and collateral, and short profits are
// always paid from (and losses returned to) the pool.
func (v *Vault) reduceCollateral(tx *ledgerTx, position *Position, collateralToken, indexToken string, collateralDelta, sizeDelta *big.Int, isLong bool) (usdOut, usdOutAfterFee, fee *big.Int, err error) {
	fee, err = v.collectMarginFees(tx, collateralToken, sizeDelta, position.Size, position.EntryFundingRate)
	if err != nil {
		return nil, nil, nil, err
	}

	hasProfit, delta, err := v.getDelta(indexToken, position.Size, position.AveragePrice, isLong, position.LastIncreasedTime)
	if err != nil {
		return nil, nil, nil, err
	}
	adjustedDelta := new(big.Int).Mul(sizeDelta, delta)
	adjustedDelta.Div(adjustedDelta, position.Size)

	usdOut = new(big.Int)
	if hasProfit && adjustedDelta.Sign() > 0 {
		usdOut.Set(adjustedDelta)
		position.RealisedPnl.Add(position.RealisedPnl, adjustedDelta)
		if !isLong {
			tokenAmount, err := v.usdToTokenMin(collateralToken, adjustedDelta)
			if err != nil {
				return nil, nil, nil, err
			}
			if err = v.decreasePoolAmount(collateralToken, tokenAmount); err != nil {
				return nil, nil, nil, err
			}
		}
	}
	if !hasProfit && adjustedDelta.Sign() > 0 {
		if position.Collateral.Cmp(adjustedDelta) < 0 {
			return nil, nil, nil, fmt.Errorf("%w: loss exceeds collateral", ErrInsufficientCollateral)
		}
		position.Collateral.Sub(position.Collateral, adjustedDelta)
		if !isLong {
			tokenAmount, err := v.usdToTokenMin(collateralToken, adjustedDelta)
			if err != nil {
				return nil, nil, nil, err
			}
			if err = v.increasePoolAmount(collateralToken, tokenAmount); err != nil {
				return nil, nil, nil, err
			}
		}
		position.RealisedPnl.Sub(position.RealisedPnl, adjustedDelta)
	}

	if collateralDelta.Sign() > 0 {
		usdOut.Add(usdOut, collateralDelta)
		position.Collateral.Sub(position.Collateral, collateralDelta)
	}

	if position.Size.Cmp(sizeDelta) == 0 {
		usdOut.Add(usdOut, position.Collateral)
		position.Collateral.SetInt64(0)
	}

	usdOutAfterFee = new(big.Int).Set(usdOut)
	if usdOut.Cmp(fee) > 0 {
		usdOutAfterFee.Sub(usdOut, fee)
	} else {
		if position.Collateral.Cmp(fee) < 0 {
			return nil, nil, nil, fmt.Errorf("%w: fees exceed collateral", ErrInsufficientCollateral)
		}
		position.Collateral.Sub(position.Collateral, fee)
		if isLong {
			feeTokens, err := v.usdToTokenMin(collateralToken, fee)
			if err != nil {
				return nil, nil, nil, err
			}
			if err = v.decreasePoolAmount(collateralToken, feeTokens); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	return usdOut, usdOutAfterFee, fee, nil
}

// LiquidatePosition closes a liquidatable position, crediting margin fees to
// the fee reserve, returning leftover short collateral to the pool, and
// paying the fixed liquidation fee to feeReceiver.
func (v *Vault) LiquidatePosition(account, collateralToken, indexToken string, isLong bool, feeReceiver string) (err error) {
	tx, err := v.begin()
	if err != nil {
		return err
	}
	defer tx.end(&err)

	if err = v.validateTokens(collateralToken, indexToken, isLong); err != nil {
		return err
	}

	tx.touch(collateralToken)
	v.updateCumulativeFundingRate(tx, collateralToken)

	key := PositionKeyFor(account, collateralToken, indexToken, isLong)
	tx.touchPosition(key)
	position, ok := v.positions[key]
	if !ok || position.Size.Sign() == 0 {
		return fmt.Errorf("%w: %s %s/%s", ErrPositionNotFound, account, collateralToken, indexToken)
	}

	liquidatable, marginFees, err := v.validateLiquidation(account, collateralToken, indexToken, isLong, false)
	if err != nil {
		return err
	}
	if !liquidatable {
		return fmt.Errorf("%w: %s %s/%s", ErrNotLiquidatable, account, collateralToken, indexToken)
	}

	feeTokens, err := v.usdToTokenMin(collateralToken, marginFees)
	if err != nil {
		return err
	}
	e := v.entry(collateralToken)
	e.feeReserve.Add(e.feeReserve, feeTokens)
	feeUsd := new(big.Int).Set(marginFees)
	tx.emit(CollectMarginFeesEvent{Token: collateralToken, FeeUsd: feeUsd, FeeTokens: feeTokens})

	if err = v.decreaseReservedAmount(collateralToken, position.ReserveAmount); err != nil {
		return err
	}
	if isLong {
		v.decreaseGuaranteedUsd(collateralToken, new(big.Int).Sub(position.Size, position.Collateral))
		if err = v.decreasePoolAmount(collateralToken, feeTokens); err != nil {
			return err
		}
	}

	var markPrice *big.Int
	if isLong {
		markPrice, err = v.oracle.MinPrice(indexToken)
	} else {
		markPrice, err = v.oracle.MaxPrice(indexToken)
	}
	if err != nil {
		return err
	}

	size := new(big.Int).Set(position.Size)
	collateral := new(big.Int).Set(position.Collateral)
	delete(v.positions, key)

	if !isLong && marginFees.Cmp(collateral) < 0 {
		remainingCollateral := new(big.Int).Sub(collateral, marginFees)
		remainingTokens, err := v.usdToTokenMin(collateralToken, remainingCollateral)
		if err != nil {
			return err
		}
		if err = v.increasePoolAmount(collateralToken, remainingTokens); err != nil {
			return err
		}
	}

	liquidationFeeTokens, err := v.usdToTokenMin(collateralToken, v.liquidationFeeUsd)
	if err != nil {
		return err
	}
	if err = v.decreasePoolAmount(collateralToken, liquidationFeeTokens); err != nil {
		return err
	}
	if err = v.transferOut(collateralToken, liquidationFeeTokens, feeReceiver); err != nil {
		return err
	}

	tx.emit(LiquidatePositionEvent{
		Key:             key.String(),
		Account:         account,
		CollateralToken: collateralToken,
		IndexToken:      indexToken,
		IsLong:          isLong,
		Size:            size,
		Collateral:      collateral,
		MarkPrice:       markPrice,
		MarginFees:      feeUsd,
	})
	v.logger.Info("position liquidated", "account", account,
		"collateralToken", collateralToken, "indexToken", indexToken,
		"isLong", isLong, "size", size)
	return nil
}

// ValidateLiquidation evaluates whether a position is liquidatable and the
// margin fees that would be charged. Pure with respect to ledger state.
func (v *Vault) ValidateLiquidation(account, collateralToken, indexToken string, isLong bool) (bool, *big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.validateLiquidation(account, collateralToken, indexToken, isLong, false)
}

// validateLiquidation runs the escalating liquidation checks. In raising
// mode, used inside increase and decrease, a triggered condition fails the
// calling operation instead of flagging the position.
func (v *Vault) validateLiquidation(account, collateralToken, indexToken string, isLong, raise bool) (bool, *big.Int, error) {
	key := PositionKeyFor(account, collateralToken, indexToken, isLong)
	position, ok := v.positions[key]
	if !ok {
		return false, nil, fmt.Errorf("%w: %s %s/%s", ErrPositionNotFound, account, collateralToken, indexToken)
	}

	hasProfit, delta, err := v.getDelta(indexToken, position.Size, position.AveragePrice, isLong, position.LastIncreasedTime)
	if err != nil {
		return false, nil, err
	}
	marginFees := v.getFundingFee(collateralToken, position.Size, position.EntryFundingRate)
	marginFees.Add(marginFees, v.getPositionFee(position.Size))

	if !hasProfit && position.Collateral.Cmp(delta) < 0 {
		if raise {
			return false, nil, fmt.Errorf("%w: losses exceed collateral", ErrLiquidationThreshold)
		}
		return true, marginFees, nil
	}

	remainingCollateral := new(big.Int).Set(position.Collateral)
	if !hasProfit {
		remainingCollateral.Sub(remainingCollateral, delta)
	}

	if remainingCollateral.Cmp(marginFees) < 0 {
		if raise {
			return false, nil, fmt.Errorf("%w: fees exceed collateral", ErrLiquidationThreshold)
		}
		// Cap the charged fee to what is left.
		return true, remainingCollateral, nil
	}

	feesWithLiquidation := new(big.Int).Add(marginFees, v.liquidationFeeUsd)
	if remainingCollateral.Cmp(feesWithLiquidation) < 0 {
		if raise {
			return false, nil, fmt.Errorf("%w: liquidation fees exceed collateral", ErrLiquidationThreshold)
		}
		return true, marginFees, nil
	}

	leverageCheck := new(big.Int).Mul(remainingCollateral, big.NewInt(v.maxLeverageBps))
	sizeCheck := new(big.Int).Mul(position.Size, big.NewInt(BasisPointsDivisor))
	if leverageCheck.Cmp(sizeCheck) < 0 {
		if raise {
			return false, nil, fmt.Errorf("%w: max leverage exceeded", ErrLiquidationThreshold)
		}
		return true, marginFees, nil
	}

	return false, nil, nil
}

// GetDelta returns the unrealized PnL of a stored position as (hasProfit,
// absolute delta).
func (v *Vault) GetDelta(indexToken string, size, averagePrice *big.Int, isLong bool, lastIncreasedTime time.Time) (bool, *big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.getDelta(indexToken, size, averagePrice, isLong, lastIncreasedTime)
}

// getDelta computes delta = size * |averagePrice - price| / averagePrice with
// the reference price taken in the direction unfavorable to the trader. Small
// profits are zeroed by the min-profit threshold shortly after an increase to
// deter front-running around price updates.
func (v *Vault) getDelta(indexToken string, size, averagePrice *big.Int, isLong bool, lastIncreasedTime time.Time) (bool, *big.Int, error) {
	if averagePrice.Sign() <= 0 {
		return false, nil, fmt.Errorf("%w: position has no average price", ErrInvalidAmount)
	}
	var price *big.Int
	var err error
	if isLong {
		price, err = v.oracle.MinPrice(indexToken)
	} else {
		price, err = v.oracle.MaxPrice(indexToken)
	}
	if err != nil {
		return false, nil, err
	}

	priceDelta := new(big.Int).Sub(averagePrice, price)
	priceDelta.Abs(priceDelta)
	delta := new(big.Int).Mul(size, priceDelta)
	delta.Div(delta, averagePrice)

	var hasProfit bool
	if isLong {
		hasProfit = price.Cmp(averagePrice) > 0
	} else {
		hasProfit = price.Cmp(averagePrice) < 0
	}

	minBps := int64(0)
	if v.nowFn().Before(lastIncreasedTime.Add(v.minProfitTime)) {
		minBps = v.tokens[indexToken].MinProfitBps
	}
	if hasProfit && minBps > 0 {
		scaledDelta := new(big.Int).Mul(delta, big.NewInt(BasisPointsDivisor))
		threshold := new(big.Int).Mul(size, big.NewInt(minBps))
		if scaledDelta.Cmp(threshold) <= 0 {
			delta.SetInt64(0)
		}
	}
	return hasProfit, delta, nil
}

// getNextAveragePrice re-bases the average price when adding to a position:
// nextAveragePrice = nextPrice * nextSize / (nextSize +/- delta), absorbing
// the unrealized PnL into the cost basis without realizing it.
func (v *Vault) getNextAveragePrice(indexToken string, size, averagePrice *big.Int, isLong bool, nextPrice, sizeDelta *big.Int, lastIncreasedTime time.Time) (*big.Int, error) {
	hasProfit, delta, err := v.getDelta(indexToken, size, averagePrice, isLong, lastIncreasedTime)
	if err != nil {
		return nil, err
	}
	nextSize := new(big.Int).Add(size, sizeDelta)
	divisor := new(big.Int)
	if isLong == hasProfit {
		divisor.Add(nextSize, delta)
	} else {
		divisor.Sub(nextSize, delta)
	}
	avg := new(big.Int).Mul(nextPrice, nextSize)
	return avg.Div(avg, divisor), nil
}

// collectMarginFees charges the position fee on sizeDelta plus the funding
// fee accrued on the existing size, credits the token equivalent to the fee
// reserve, and returns the total fee in USD.
func (v *Vault) collectMarginFees(tx *ledgerTx, collateralToken string, sizeDelta, size, entryFundingRate *big.Int) (*big.Int, error) {
	feeUsd := v.getPositionFee(sizeDelta)
	feeUsd.Add(feeUsd, v.getFundingFee(collateralToken, size, entryFundingRate))
	if feeUsd.Sign() == 0 {
		return feeUsd, nil
	}

	feeTokens, err := v.usdToTokenMin(collateralToken, feeUsd)
	if err != nil {
		return nil, err
	}
	e := v.entry(collateralToken)
	e.feeReserve.Add(e.feeReserve, feeTokens)

	tx.emit(CollectMarginFeesEvent{
		Token:     collateralToken,
		FeeUsd:    new(big.Int).Set(feeUsd),
		FeeTokens: feeTokens,
	})
	return feeUsd, nil
}

// validateTokens enforces the pairing rules: longs collateralize with the
// index token itself, which must be whitelisted and non-stable; shorts
// collateralize with a whitelisted stable token against a non-stable index.
// A short index need not be whitelisted as long as it has a price feed.
func (v *Vault) validateTokens(collateralToken, indexToken string, isLong bool) error {
	if isLong {
		if collateralToken != indexToken {
			return fmt.Errorf("%w: long collateral must match index", ErrInvalidTokens)
		}
		cfg := v.tokens[collateralToken]
		if !cfg.Whitelisted {
			return fmt.Errorf("%w: %s", ErrNotWhitelisted, collateralToken)
		}
		if cfg.Stable {
			return fmt.Errorf("%w: long index must not be stable", ErrInvalidTokens)
		}
		return nil
	}

	cfg := v.tokens[collateralToken]
	if !cfg.Whitelisted {
		return fmt.Errorf("%w: %s", ErrNotWhitelisted, collateralToken)
	}
	if !cfg.Stable {
		return fmt.Errorf("%w: short collateral must be stable", ErrInvalidTokens)
	}
	if v.tokens[indexToken].Stable {
		return fmt.Errorf("%w: short index must not be stable", ErrInvalidTokens)
	}
	return nil
}

func (v *Vault) validatePosition(size, collateral *big.Int) error {
	if size.Sign() == 0 {
		if collateral.Sign() != 0 {
			return fmt.Errorf("%w: collateral without size", ErrInvariant)
		}
		return nil
	}
	if size.Cmp(collateral) < 0 {
		return fmt.Errorf("%w: size below collateral", ErrInsufficientCollateral)
	}
	return nil
}

// GetPosition returns the stored position for the tuple, if any.
func (v *Vault) GetPosition(account, collateralToken, indexToken string, isLong bool) (PositionView, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	position, ok := v.positions[PositionKeyFor(account, collateralToken, indexToken, isLong)]
	if !ok {
		return PositionView{}, false
	}
	realised := new(big.Int).Set(position.RealisedPnl)
	hasRealisedProfit := realised.Sign() >= 0
	realised.Abs(realised)
	return PositionView{
		Size:              new(big.Int).Set(position.Size),
		Collateral:        new(big.Int).Set(position.Collateral),
		AveragePrice:      new(big.Int).Set(position.AveragePrice),
		EntryFundingRate:  new(big.Int).Set(position.EntryFundingRate),
		ReserveAmount:     new(big.Int).Set(position.ReserveAmount),
		RealisedPnl:       realised,
		HasRealisedProfit: hasRealisedProfit,
		LastIncreasedTime: position.LastIncreasedTime,
	}, true
}

// GetPositionLeverage returns size/collateral in basis points.
func (v *Vault) GetPositionLeverage(account, collateralToken, indexToken string, isLong bool) (*big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	position, ok := v.positions[PositionKeyFor(account, collateralToken, indexToken, isLong)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s/%s", ErrPositionNotFound, account, collateralToken, indexToken)
	}
	if position.Collateral.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero collateral", ErrInvalidAmount)
	}
	leverage := new(big.Int).Mul(position.Size, big.NewInt(BasisPointsDivisor))
	return leverage.Div(leverage, position.Collateral), nil
}

// GetPositionDelta returns the unrealized PnL of the stored position.
func (v *Vault) GetPositionDelta(account, collateralToken, indexToken string, isLong bool) (bool, *big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	position, ok := v.positions[PositionKeyFor(account, collateralToken, indexToken, isLong)]
	if !ok {
		return false, nil, fmt.Errorf("%w: %s %s/%s", ErrPositionNotFound, account, collateralToken, indexToken)
	}
	return v.getDelta(indexToken, position.Size, position.AveragePrice, isLong, position.LastIncreasedTime)
}
