package metrics

import (
	"math/big"
	"net/http"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/luxfi/vault/pkg/vault"
)

// VaultMetrics exposes ledger activity to Prometheus. It implements
// vault.EventSink, so counters only move on committed operations.
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	usdgMinted    prometheus.Counter
	usdgBurned    prometheus.Counter
	swaps         prometheus.Counter
	increases     prometheus.Counter
	decreases     prometheus.Counter
	liquidations  prometheus.Counter
	feesCollected *prometheus.CounterVec
	fundingRate   *prometheus.GaugeVec
	positionSize  *prometheus.GaugeVec
}

// New creates the vault metric set on a fresh registry.
func New(namespace string) *VaultMetrics {
	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    log.Root().New("module", "metrics"),

		usdgMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usdg_minted_total",
			Help:      "Accounting tokens minted, in whole tokens",
		}),
		usdgBurned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usdg_burned_total",
			Help:      "Accounting tokens burned, in whole tokens",
		}),
		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Swaps executed",
		}),
		increases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_increases_total",
			Help:      "Position increase operations committed",
		}),
		decreases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_decreases_total",
			Help:      "Position decrease operations committed",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Positions liquidated",
		}),
		feesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_usd_total",
			Help:      "Fees collected in USD by kind",
		}, []string{"token", "kind"}),
		fundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cumulative_funding_rate",
			Help:      "Cumulative funding accumulator per token",
		}, []string{"token"}),
		positionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position_size_usd",
			Help:      "Size of the last updated position in USD",
		}, []string{"key"}),
	}

	registry.MustRegister(
		m.usdgMinted,
		m.usdgBurned,
		m.swaps,
		m.increases,
		m.decreases,
		m.liquidations,
		m.feesCollected,
		m.fundingRate,
		m.positionSize,
	)
	return m
}

// Publish consumes a committed ledger event.
func (m *VaultMetrics) Publish(event vault.Event) {
	switch ev := event.(type) {
	case vault.BuyUSDGEvent:
		m.usdgMinted.Add(tokens18(ev.UsdgAmount))
	case vault.SellUSDGEvent:
		m.usdgBurned.Add(tokens18(ev.UsdgAmount))
	case vault.SwapEvent:
		m.swaps.Inc()
	case vault.IncreasePositionEvent:
		m.increases.Inc()
	case vault.DecreasePositionEvent:
		m.decreases.Inc()
	case vault.LiquidatePositionEvent:
		m.liquidations.Inc()
		m.positionSize.DeleteLabelValues(ev.Key)
	case vault.UpdatePositionEvent:
		m.positionSize.WithLabelValues(ev.Key).Set(priceUSD(ev.Size))
	case vault.ClosePositionEvent:
		m.positionSize.DeleteLabelValues(ev.Key)
	case vault.UpdateFundingRateEvent:
		rate, _ := decimal.NewFromBigInt(ev.CumulativeFundingRate, 0).Float64()
		m.fundingRate.WithLabelValues(ev.Token).Set(rate)
	case vault.CollectSwapFeesEvent:
		m.feesCollected.WithLabelValues(ev.Token, "swap").Add(priceUSD(ev.FeeUsd))
	case vault.CollectMarginFeesEvent:
		m.feesCollected.WithLabelValues(ev.Token, "margin").Add(priceUSD(ev.FeeUsd))
	}
}

// Registry exposes the underlying registry for test scraping.
func (m *VaultMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape endpoint handler.
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on the given port in the background.
func (m *VaultMetrics) StartServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("metrics server failed", "error", err)
		}
	}()
	m.logger.Info("prometheus metrics available", "port", port)
}

// tokens18 converts an 18-decimal fixed-point amount to a float of whole
// tokens for counter purposes.
func tokens18(amount *big.Int) float64 {
	return decimal.NewFromBigInt(amount, -18).InexactFloat64()
}

// priceUSD converts a PricePrecision fixed-point USD value to a float.
func priceUSD(value *big.Int) float64 {
	return decimal.NewFromBigInt(value, -30).InexactFloat64()
}
