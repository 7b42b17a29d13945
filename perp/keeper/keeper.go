// Package keeper holds the authoritative in-memory state for markets,
// balances, positions and faucet grants. The store is a recovery log only;
// every mutation goes through here first.
package keeper

import (
	"sync"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/simperp/events"
	"github.com/openalpha/simperp/perp/types"
)

// Store is the persistence surface the keeper writes through. Implemented by
// the sqlite store; tests pass a nop.
type Store interface {
	SaveMarket(m *types.Market) error
	SaveUser(u *types.User) error
	SaveBalance(b *types.Balance) error
	AppendBalanceChange(c *types.BalanceChange) error
	SavePosition(p *types.Position) error
	SaveFaucetRequest(r *types.FaucetRequest) error
}

// NopStore discards all writes. Used in tests.
type NopStore struct{}

func (NopStore) SaveMarket(*types.Market) error                 { return nil }
func (NopStore) SaveUser(*types.User) error                     { return nil }
func (NopStore) SaveBalance(*types.Balance) error               { return nil }
func (NopStore) AppendBalanceChange(*types.BalanceChange) error { return nil }
func (NopStore) SavePosition(*types.Position) error             { return nil }
func (NopStore) SaveFaucetRequest(*types.FaucetRequest) error   { return nil }

// FaucetConfig controls the free-balance grant.
type FaucetConfig struct {
	Amount   math.LegacyDec
	Cooldown time.Duration
}

// DefaultFaucetConfig grants 10000 quote units once per 24h.
func DefaultFaucetConfig() FaucetConfig {
	return FaucetConfig{
		Amount:   math.LegacyNewDec(10000),
		Cooldown: 24 * time.Hour,
	}
}

// Keeper owns market registry, balance ledger, position and user state.
//
// Locking: k.mu guards the maps themselves; per-address mutexes serialize all
// balance/position mutation for one address. Address locks are leaf locks —
// no code path acquires a market-worker lock while holding one, which keeps
// the engine deadlock-free.
type Keeper struct {
	logger log.Logger
	store  Store
	events events.Publisher
	hooks  types.RewardHooks

	faucetCfg FaucetConfig

	mu        sync.RWMutex
	markets   map[string]*types.Market
	balances  map[string]*types.Balance
	users     map[string]*types.User
	positions map[string]map[string]*types.Position // address -> symbol -> open position
	addrLocks map[string]*sync.Mutex
	refIndex  map[string]*types.BalanceChange // referenceID+kind -> applied change
	claims    map[string][]time.Time          // faucet claim times per address
}

// New creates a keeper with empty state.
func New(logger log.Logger, store Store, pub events.Publisher, faucetCfg FaucetConfig) *Keeper {
	if store == nil {
		store = NopStore{}
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Keeper{
		logger:    logger.With("module", "perp"),
		store:     store,
		events:    pub,
		hooks:     types.NopHooks{},
		faucetCfg: faucetCfg,
		markets:   make(map[string]*types.Market),
		balances:  make(map[string]*types.Balance),
		users:     make(map[string]*types.User),
		positions: make(map[string]map[string]*types.Position),
		addrLocks: make(map[string]*sync.Mutex),
		refIndex:  make(map[string]*types.BalanceChange),
		claims:    make(map[string][]time.Time),
	}
}

// SetHooks registers reward hooks. Must be called before the engine starts.
func (k *Keeper) SetHooks(h types.RewardHooks) {
	if h == nil {
		h = types.NopHooks{}
	}
	k.hooks = h
}

// addressLock returns the mutex serializing one address's ledger+positions.
func (k *Keeper) addressLock(address string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.addrLocks[address]
	if !ok {
		l = &sync.Mutex{}
		k.addrLocks[address] = l
	}
	return l
}

// ============ Market registry ============

// AddMarket registers an instrument at bootstrap.
func (k *Keeper) AddMarket(cfg types.MarketConfig) (*types.Market, error) {
	m, err := types.NewMarket(cfg)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.markets[m.Symbol] = m
	k.mu.Unlock()
	if err := k.store.SaveMarket(m); err != nil {
		k.logger.Error("persist market", "symbol", m.Symbol, "err", err)
	}
	return m, nil
}

// GetMarket returns a market or nil.
func (k *Keeper) GetMarket(symbol string) *types.Market {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.markets[symbol]
}

// ListMarkets returns all markets.
func (k *Keeper) ListMarkets() []*types.Market {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*types.Market, 0, len(k.markets))
	for _, m := range k.markets {
		out = append(out, m)
	}
	return out
}

// PauseMarket flips a market to paused (store failure path).
func (k *Keeper) PauseMarket(symbol string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, ok := k.markets[symbol]; ok && m.Status == types.MarketStatusActive {
		m.Status = types.MarketStatusPaused
		k.logger.Warn("market paused", "symbol", symbol)
	}
}

// ResumeMarket reactivates a paused market.
func (k *Keeper) ResumeMarket(symbol string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, ok := k.markets[symbol]; ok && m.Status == types.MarketStatusPaused {
		m.Status = types.MarketStatusActive
	}
}

// SetOraclePrice updates the cached oracle price, broadcasts it, and runs
// mark-to-market over the market's open positions.
func (k *Keeper) SetOraclePrice(symbol string, price math.LegacyDec, ts time.Time) error {
	k.mu.Lock()
	m, ok := k.markets[symbol]
	if !ok {
		k.mu.Unlock()
		return types.ErrMarketNotFound.Wrap(symbol)
	}
	m.OraclePrice = price
	m.OracleUpdatedAt = ts
	k.mu.Unlock()

	k.events.Publish(events.PriceTopic(symbol), events.TypePriceUpdate, events.PriceUpdate{
		Symbol:    symbol,
		Price:     price.String(),
		Timestamp: ts.UnixMilli(),
	})
	k.MarkToMarket(symbol, price)
	return nil
}

// ============ Users ============

// GetOrCreateUser returns the user for an authenticated identity, creating
// it on first sight.
func (k *Keeper) GetOrCreateUser(address string, chainID int64) *types.User {
	k.mu.Lock()
	defer k.mu.Unlock()
	if u, ok := k.users[address]; ok {
		return u
	}
	u := types.NewUser(address, chainID)
	k.users[address] = u
	if err := k.store.SaveUser(u); err != nil {
		k.logger.Error("persist user", "address", address, "err", err)
	}
	return u
}

// GetUser returns a user or nil.
func (k *Keeper) GetUser(address string) *types.User {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.users[address]
}

// SetTalents replaces a user's talent profile (driven by the external
// progression system).
func (k *Keeper) SetTalents(address string, t types.Talents) {
	k.mu.Lock()
	defer k.mu.Unlock()
	u, ok := k.users[address]
	if !ok {
		u = types.NewUser(address, 0)
		k.users[address] = u
	}
	u.Talents = t
	if err := k.store.SaveUser(u); err != nil {
		k.logger.Error("persist user", "address", address, "err", err)
	}
}

// ============ Recovery ============

// RestoreBalance loads a persisted balance into memory (startup only).
func (k *Keeper) RestoreBalance(b *types.Balance) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.balances[b.Address] = b
}

// RestoreUser loads a persisted user into memory (startup only).
func (k *Keeper) RestoreUser(u *types.User) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.users[u.Address] = u
}

// RestorePosition loads a persisted open position into memory (startup only).
func (k *Keeper) RestorePosition(p *types.Position) {
	if p.Status != types.PositionStatusOpen {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	byAddr, ok := k.positions[p.Address]
	if !ok {
		byAddr = make(map[string]*types.Position)
		k.positions[p.Address] = byAddr
	}
	byAddr[p.MarketSymbol] = p
}
