package vault

import "math/big"

// Event is a notification emitted after an operation commits. Events are
// never emitted for aborted operations.
type Event interface {
	EventType() string
}

// EventSink consumes committed ledger events. Sinks run synchronously after
// commit; slow sinks should hand off internally.
type EventSink interface {
	Publish(event Event)
}

type BuyUSDGEvent struct {
	Receiver    string   `json:"receiver"`
	Token       string   `json:"token"`
	TokenAmount *big.Int `json:"tokenAmount"`
	UsdgAmount  *big.Int `json:"usdgAmount"`
}

func (BuyUSDGEvent) EventType() string { return "buy_usdg" }

type SellUSDGEvent struct {
	Receiver    string   `json:"receiver"`
	Token       string   `json:"token"`
	UsdgAmount  *big.Int `json:"usdgAmount"`
	TokenAmount *big.Int `json:"tokenAmount"`
}

func (SellUSDGEvent) EventType() string { return "sell_usdg" }

type SwapEvent struct {
	Receiver           string   `json:"receiver"`
	TokenIn            string   `json:"tokenIn"`
	TokenOut           string   `json:"tokenOut"`
	AmountIn           *big.Int `json:"amountIn"`
	AmountOut          *big.Int `json:"amountOut"`
	AmountOutAfterFees *big.Int `json:"amountOutAfterFees"`
}

func (SwapEvent) EventType() string { return "swap" }

type IncreasePositionEvent struct {
	Key             string   `json:"key"`
	Account         string   `json:"account"`
	CollateralToken string   `json:"collateralToken"`
	IndexToken      string   `json:"indexToken"`
	CollateralDelta *big.Int `json:"collateralDelta"`
	SizeDelta       *big.Int `json:"sizeDelta"`
	IsLong          bool     `json:"isLong"`
	Price           *big.Int `json:"price"`
	Fee             *big.Int `json:"fee"`
}

func (IncreasePositionEvent) EventType() string { return "increase_position" }

type DecreasePositionEvent struct {
	Key             string   `json:"key"`
	Account         string   `json:"account"`
	CollateralToken string   `json:"collateralToken"`
	IndexToken      string   `json:"indexToken"`
	CollateralDelta *big.Int `json:"collateralDelta"`
	SizeDelta       *big.Int `json:"sizeDelta"`
	IsLong          bool     `json:"isLong"`
	Price           *big.Int `json:"price"`
	Fee             *big.Int `json:"fee"`
}

func (DecreasePositionEvent) EventType() string { return "decrease_position" }

type UpdatePositionEvent struct {
	Key           string   `json:"key"`
	Size          *big.Int `json:"size"`
	Collateral    *big.Int `json:"collateral"`
	AveragePrice  *big.Int `json:"averagePrice"`
	ReserveAmount *big.Int `json:"reserveAmount"`
	RealisedPnl   *big.Int `json:"realisedPnl"`
}

func (UpdatePositionEvent) EventType() string { return "update_position" }

type ClosePositionEvent struct {
	Key         string   `json:"key"`
	Size        *big.Int `json:"size"`
	Collateral  *big.Int `json:"collateral"`
	RealisedPnl *big.Int `json:"realisedPnl"`
}

func (ClosePositionEvent) EventType() string { return "close_position" }

type LiquidatePositionEvent struct {
	Key             string   `json:"key"`
	Account         string   `json:"account"`
	CollateralToken string   `json:"collateralToken"`
	IndexToken      string   `json:"indexToken"`
	IsLong          bool     `json:"isLong"`
	Size            *big.Int `json:"size"`
	Collateral      *big.Int `json:"collateral"`
	MarkPrice       *big.Int `json:"markPrice"`
	MarginFees      *big.Int `json:"marginFees"`
}

func (LiquidatePositionEvent) EventType() string { return "liquidate_position" }

type UpdateFundingRateEvent struct {
	Token                 string   `json:"token"`
	CumulativeFundingRate *big.Int `json:"cumulativeFundingRate"`
}

func (UpdateFundingRateEvent) EventType() string { return "update_funding_rate" }

type CollectSwapFeesEvent struct {
	Token     string   `json:"token"`
	FeeUsd    *big.Int `json:"feeUsd"`
	FeeTokens *big.Int `json:"feeTokens"`
}

func (CollectSwapFeesEvent) EventType() string { return "collect_swap_fees" }

type CollectMarginFeesEvent struct {
	Token     string   `json:"token"`
	FeeUsd    *big.Int `json:"feeUsd"`
	FeeTokens *big.Int `json:"feeTokens"`
}

func (CollectMarginFeesEvent) EventType() string { return "collect_margin_fees" }

type WithdrawFeesEvent struct {
	Token    string   `json:"token"`
	Receiver string   `json:"receiver"`
	Amount   *big.Int `json:"amount"`
}

func (WithdrawFeesEvent) EventType() string { return "withdraw_fees" }
