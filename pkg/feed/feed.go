package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/vault/pkg/vault"
)

// PriceUpdate is the wire format of one tick from an upstream price stream.
// Price is decimal text so upstream precision survives transport.
type PriceUpdate struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// SubscribeRequest is sent once after connecting.
type SubscribeRequest struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Source streams prices from a websocket endpoint into per-symbol
// vault.MemoryFeed rounds, which a FeedOracle then samples. Each symbol's
// feed converts ticks to the configured number of feed decimals.
type Source struct {
	url    string
	logger log.Logger

	mu        sync.RWMutex
	symbols   map[string]*symbolFeed
	reconnect time.Duration
}

type symbolFeed struct {
	feed     *vault.MemoryFeed
	decimals int32
}

// NewSource creates a source for the given websocket URL.
func NewSource(url string) *Source {
	return &Source{
		url:       url,
		logger:    log.Root().New("module", "feed"),
		symbols:   make(map[string]*symbolFeed),
		reconnect: 5 * time.Second,
	}
}

// Track registers a symbol and returns the feed its rounds land in. The
// caller wires the feed into the oracle with the same decimals.
func (s *Source) Track(symbol string, decimals int32) *vault.MemoryFeed {
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, ok := s.symbols[symbol]
	if !ok {
		sf = &symbolFeed{feed: vault.NewMemoryFeed(), decimals: decimals}
		s.symbols[symbol] = sf
	}
	return sf.feed
}

// Run connects and consumes ticks until the context is cancelled,
// reconnecting on stream errors.
func (s *Source) Run(ctx context.Context) {
	for {
		if err := s.consume(ctx); err != nil {
			s.logger.Warn("price stream interrupted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnect):
		}
	}
}

func (s *Source) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	sub := SubscribeRequest{Type: "subscribe", Symbols: s.trackedSymbols()}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("price stream connected", "url", s.url, "symbols", len(sub.Symbols))

	// Close the connection when the context ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var update PriceUpdate
		if err := json.Unmarshal(message, &update); err != nil {
			s.logger.Debug("unparseable tick", "data", string(message))
			continue
		}
		s.Apply(update)
	}
}

// Apply pushes one tick into the tracked symbol's feed. Unknown symbols and
// non-positive prices are dropped.
func (s *Source) Apply(update PriceUpdate) {
	s.mu.RLock()
	sf, ok := s.symbols[update.Symbol]
	s.mu.RUnlock()
	if !ok {
		return
	}

	price, err := decimal.NewFromString(update.Price)
	if err != nil || price.Sign() <= 0 {
		s.logger.Debug("dropping invalid tick", "symbol", update.Symbol, "price", update.Price)
		return
	}

	sf.feed.Push(scale(price, sf.decimals))
}

func (s *Source) trackedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	symbols := make([]string, 0, len(s.symbols))
	for symbol := range s.symbols {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// scale converts a decimal price to a fixed-point integer with the given
// number of decimals, truncating anything finer.
func scale(price decimal.Decimal, decimals int32) *big.Int {
	return price.Shift(decimals).Truncate(0).BigInt()
}
