package vault

import (
	"fmt"
	"math/big"
	"sync"
)

// BurnAddress receives accounting tokens when they are burned out of custody.
const BurnAddress = "0x0"

// Custodian tracks the token balances held on behalf of the ledger. The
// engine never observes transfers in directly; it detects them as the delta
// between the current balance and its own last snapshot.
type Custodian interface {
	BalanceOf(token string) *big.Int
	TransferOut(token string, amount *big.Int, receiver string) error
}

// MemoryCustodian is the reference in-memory Custodian. Deposit simulates an
// external transfer into custody.
type MemoryCustodian struct {
	mu       sync.RWMutex
	balances map[string]*big.Int
	received map[string]map[string]*big.Int // receiver -> token -> amount
}

func NewMemoryCustodian() *MemoryCustodian {
	return &MemoryCustodian{
		balances: make(map[string]*big.Int),
		received: make(map[string]map[string]*big.Int),
	}
}

// Deposit credits custody with amount of token.
func (c *MemoryCustodian) Deposit(token string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[token]
	if !ok {
		bal = new(big.Int)
		c.balances[token] = bal
	}
	bal.Add(bal, amount)
}

func (c *MemoryCustodian) BalanceOf(token string) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bal, ok := c.balances[token]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

func (c *MemoryCustodian) TransferOut(token string, amount *big.Int, receiver string) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer", ErrInvalidAmount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[token]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: custodial balance below transfer amount for %s", ErrInvariant, token)
	}
	bal.Sub(bal, amount)

	byToken, ok := c.received[receiver]
	if !ok {
		byToken = make(map[string]*big.Int)
		c.received[receiver] = byToken
	}
	recv, ok := byToken[token]
	if !ok {
		recv = new(big.Int)
		byToken[token] = recv
	}
	recv.Add(recv, amount)
	return nil
}

// Received reports the cumulative amount of token transferred out to receiver.
func (c *MemoryCustodian) Received(receiver, token string) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byToken, ok := c.received[receiver]
	if !ok {
		return new(big.Int)
	}
	amount, ok := byToken[token]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(amount)
}

// AccountingToken is the stable unit minted against deposits. The ledger is
// the only minter and burner. Once minted, units change hands through the
// custodian, so per-holder figures here are cumulative amounts minted rather
// than live balances; only TotalSupply tracks burns.
type AccountingToken struct {
	mu          sync.RWMutex
	symbol      string
	totalSupply *big.Int
	minted      map[string]*big.Int
}

func NewAccountingToken(symbol string) *AccountingToken {
	return &AccountingToken{
		symbol:      symbol,
		totalSupply: new(big.Int),
		minted:      make(map[string]*big.Int),
	}
}

func (t *AccountingToken) Symbol() string {
	return t.symbol
}

func (t *AccountingToken) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.totalSupply)
}

// MintedTo reports the cumulative amount minted to holder. It is not reduced
// by burns, which have no holder attribution.
func (t *AccountingToken) MintedTo(holder string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total, ok := t.minted[holder]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(total)
}

func (t *AccountingToken) mint(receiver string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total, ok := t.minted[receiver]
	if !ok {
		total = new(big.Int)
		t.minted[receiver] = total
	}
	total.Add(total, amount)
	t.totalSupply.Add(t.totalSupply, amount)
}

func (t *AccountingToken) burn(amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalSupply.Sub(t.totalSupply, amount)
}

func (t *AccountingToken) setSupply(amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalSupply.Set(amount)
}
