// Package store persists engine state to SQLite (pure Go driver, no CGo).
// Decimal values are stored as TEXT to keep them exact. The engine treats
// the store as a write-behind recovery log: reads happen only at startup.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	_ "modernc.org/sqlite"

	"github.com/openalpha/simperp/candle"
	clobtypes "github.com/openalpha/simperp/clob/types"
	perptypes "github.com/openalpha/simperp/perp/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    symbol             TEXT PRIMARY KEY,
    base_asset         TEXT NOT NULL,
    quote_asset        TEXT NOT NULL,
    tick_size          TEXT NOT NULL,
    lot_size           TEXT NOT NULL,
    min_order_size     TEXT NOT NULL,
    max_order_size     TEXT NOT NULL,
    max_leverage       TEXT NOT NULL,
    initial_margin     TEXT NOT NULL,
    maintenance_margin TEXT NOT NULL,
    status             INTEGER NOT NULL,
    created_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    address              TEXT PRIMARY KEY,
    chain_id             INTEGER NOT NULL DEFAULT 0,
    faucet_multiplier    TEXT NOT NULL,
    faucet_cooldown      TEXT NOT NULL,
    faucet_claims        INTEGER NOT NULL DEFAULT 1,
    liquidation_save     INTEGER NOT NULL DEFAULT 0,
    self_trade_prevent   INTEGER NOT NULL DEFAULT 0,
    liquidation_save_day TEXT NOT NULL DEFAULT '',
    created_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    address       TEXT PRIMARY KEY,
    free          TEXT NOT NULL,
    locked        TEXT NOT NULL,
    total_credits TEXT NOT NULL,
    total_debits  TEXT NOT NULL,
    updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS balance_changes (
    id           TEXT PRIMARY KEY,
    address      TEXT NOT NULL,
    kind         TEXT NOT NULL,
    amount       TEXT NOT NULL,
    reason       TEXT NOT NULL,
    reference_id TEXT NOT NULL,
    free_after   TEXT NOT NULL,
    locked_after TEXT NOT NULL,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_addr ON balance_changes(address, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_changes_ref ON balance_changes(kind, reference_id)
    WHERE reference_id != '';

CREATE TABLE IF NOT EXISTS orders (
    order_id        TEXT PRIMARY KEY,
    client_order_id TEXT NOT NULL DEFAULT '',
    symbol          TEXT NOT NULL,
    address         TEXT NOT NULL,
    side            INTEGER NOT NULL,
    order_type      INTEGER NOT NULL,
    price           TEXT NOT NULL,
    quantity        TEXT NOT NULL,
    filled_qty      TEXT NOT NULL,
    avg_fill_price  TEXT NOT NULL,
    leverage        TEXT NOT NULL,
    post_only       INTEGER NOT NULL DEFAULT 0,
    reduce_only     INTEGER NOT NULL DEFAULT 0,
    status          INTEGER NOT NULL,
    margin_locked   TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_addr ON orders(address, status);
CREATE INDEX IF NOT EXISTS idx_orders_market ON orders(symbol, status);

CREATE TABLE IF NOT EXISTS trades (
    trade_id       TEXT PRIMARY KEY,
    symbol         TEXT NOT NULL,
    maker_order_id TEXT NOT NULL,
    taker_order_id TEXT NOT NULL,
    maker_address  TEXT NOT NULL,
    taker_address  TEXT NOT NULL,
    side           INTEGER NOT NULL,
    price          TEXT NOT NULL,
    quantity       TEXT NOT NULL,
    quote_quantity TEXT NOT NULL,
    created_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(symbol, created_at DESC);

CREATE TABLE IF NOT EXISTS positions (
    position_id       TEXT PRIMARY KEY,
    address           TEXT NOT NULL,
    symbol            TEXT NOT NULL,
    side              INTEGER NOT NULL,
    size              TEXT NOT NULL,
    avg_entry_price   TEXT NOT NULL,
    margin            TEXT NOT NULL,
    leverage          TEXT NOT NULL,
    realized_pnl      TEXT NOT NULL,
    liquidation_price TEXT NOT NULL,
    status            INTEGER NOT NULL,
    opened_at         DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL,
    closed_at         DATETIME
);
CREATE INDEX IF NOT EXISTS idx_positions_addr ON positions(address, status);
CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(symbol, status);

CREATE TABLE IF NOT EXISTS candles (
    symbol       TEXT NOT NULL,
    interval     TEXT NOT NULL,
    bucket_start INTEGER NOT NULL,
    open         TEXT NOT NULL,
    high         TEXT NOT NULL,
    low          TEXT NOT NULL,
    close        TEXT NOT NULL,
    volume       TEXT NOT NULL,
    trades       INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (symbol, interval, bucket_start)
);

CREATE TABLE IF NOT EXISTS faucet_requests (
    id         TEXT PRIMARY KEY,
    address    TEXT NOT NULL,
    amount     TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_faucet_addr ON faucet_requests(address, created_at DESC);
`

const (
	writeRetries   = 3
	retryBackoff   = 50 * time.Millisecond
	candleLoadCap  = 5000
)

// Store is the SQLite-backed persistence layer. It implements the keeper
// store interfaces and candle.Persister.
type Store struct {
	db     *sql.DB
	logger log.Logger
}

// Open opens (or creates) the database and applies the schema.
func Open(path string, logger log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite is single-writer
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("module", "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// exec runs a write with bounded retry. SQLite can return transient busy
// errors under contention.
func (s *Store) exec(query string, args ...any) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if _, err = s.db.Exec(query, args...); err == nil {
			return nil
		}
		time.Sleep(retryBackoff << attempt)
	}
	return perptypes.ErrStoreUnavailable.Wrap(err.Error())
}

// ============ writes ============

func (s *Store) SaveMarket(m *perptypes.Market) error {
	return s.exec(`
		INSERT INTO markets (symbol, base_asset, quote_asset, tick_size, lot_size,
			min_order_size, max_order_size, max_leverage, initial_margin,
			maintenance_margin, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET status = excluded.status`,
		m.Symbol, m.BaseAsset, m.QuoteAsset, m.TickSize.String(), m.LotSize.String(),
		m.MinOrderSize.String(), m.MaxOrderSize.String(), m.MaxLeverage.String(),
		m.InitialMarginRate.String(), m.MaintenanceMarginRate.String(),
		int(m.Status), m.CreatedAt.UTC())
}

func (s *Store) SaveUser(u *perptypes.User) error {
	return s.exec(`
		INSERT INTO users (address, chain_id, faucet_multiplier, faucet_cooldown,
			faucet_claims, liquidation_save, self_trade_prevent, liquidation_save_day, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			chain_id             = excluded.chain_id,
			faucet_multiplier    = excluded.faucet_multiplier,
			faucet_cooldown      = excluded.faucet_cooldown,
			faucet_claims        = excluded.faucet_claims,
			liquidation_save     = excluded.liquidation_save,
			self_trade_prevent   = excluded.self_trade_prevent,
			liquidation_save_day = excluded.liquidation_save_day`,
		u.Address, u.ChainID, u.Talents.FaucetMultiplier.String(),
		u.Talents.FaucetCooldownFactor.String(), u.Talents.FaucetClaimsPerWindow,
		boolInt(u.Talents.LiquidationSave), boolInt(u.Talents.SelfTradePrevention),
		u.LiquidationSaveDay, u.CreatedAt.UTC())
}

func (s *Store) SaveBalance(b *perptypes.Balance) error {
	return s.exec(`
		INSERT INTO balances (address, free, locked, total_credits, total_debits, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			free          = excluded.free,
			locked        = excluded.locked,
			total_credits = excluded.total_credits,
			total_debits  = excluded.total_debits,
			updated_at    = excluded.updated_at`,
		b.Address, b.Free.String(), b.Locked.String(),
		b.TotalCredits.String(), b.TotalDebits.String(), b.UpdatedAt.UTC())
}

func (s *Store) AppendBalanceChange(c *perptypes.BalanceChange) error {
	return s.exec(`
		INSERT INTO balance_changes
			(id, address, kind, amount, reason, reference_id, free_after, locked_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Address, string(c.Kind), c.Amount.String(), c.Reason,
		c.ReferenceID, c.FreeAfter.String(), c.LockedAfter.String(), c.Timestamp.UTC())
}

func (s *Store) SaveOrder(o *clobtypes.Order) error {
	return s.exec(`
		INSERT INTO orders (order_id, client_order_id, symbol, address, side, order_type,
			price, quantity, filled_qty, avg_fill_price, leverage, post_only, reduce_only,
			status, margin_locked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled_qty     = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			status         = excluded.status,
			margin_locked  = excluded.margin_locked,
			updated_at     = excluded.updated_at`,
		o.OrderID, o.ClientOrderID, o.MarketSymbol, o.Address, int(o.Side), int(o.OrderType),
		o.Price.String(), o.Quantity.String(), o.FilledQty.String(), o.AvgFillPrice.String(),
		o.Leverage.String(), boolInt(o.PostOnly), boolInt(o.ReduceOnly),
		int(o.Status), o.MarginLocked.String(), o.CreatedAt.UTC(), o.UpdatedAt.UTC())
}

func (s *Store) SaveTrade(t *clobtypes.Trade) error {
	return s.exec(`
		INSERT INTO trades (trade_id, symbol, maker_order_id, taker_order_id,
			maker_address, taker_address, side, price, quantity, quote_quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO NOTHING`,
		t.TradeID, t.MarketSymbol, t.MakerOrderID, t.TakerOrderID,
		t.MakerAddress, t.TakerAddress, int(t.Side), t.Price.String(),
		t.Quantity.String(), t.QuoteQuantity.String(), t.Timestamp.UTC())
}

func (s *Store) SavePosition(p *perptypes.Position) error {
	var closedAt any
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt.UTC()
	}
	return s.exec(`
		INSERT INTO positions (position_id, address, symbol, side, size, avg_entry_price,
			margin, leverage, realized_pnl, liquidation_price, status, opened_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
			side              = excluded.side,
			size              = excluded.size,
			avg_entry_price   = excluded.avg_entry_price,
			margin            = excluded.margin,
			leverage          = excluded.leverage,
			realized_pnl      = excluded.realized_pnl,
			liquidation_price = excluded.liquidation_price,
			status            = excluded.status,
			updated_at        = excluded.updated_at,
			closed_at         = excluded.closed_at`,
		p.PositionID, p.Address, p.MarketSymbol, int(p.Side), p.Size.String(),
		p.AvgEntryPrice.String(), p.Margin.String(), p.Leverage.String(),
		p.RealizedPnl.String(), p.LiquidationPrice.String(), int(p.Status),
		p.OpenedAt.UTC(), p.UpdatedAt.UTC(), closedAt)
}

func (s *Store) SaveCandle(c *candle.Candle) error {
	return s.exec(`
		INSERT INTO candles (symbol, interval, bucket_start, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, bucket_start) DO UPDATE SET
			open   = excluded.open,
			high   = excluded.high,
			low    = excluded.low,
			close  = excluded.close,
			volume = excluded.volume,
			trades = excluded.trades`,
		c.Symbol, string(c.Interval), c.BucketStart.Unix(),
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.Volume.String(), c.Trades)
}

func (s *Store) SaveFaucetRequest(r *perptypes.FaucetRequest) error {
	return s.exec(`
		INSERT INTO faucet_requests (id, address, amount, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Address, r.Amount.String(), r.Timestamp.UTC())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustDec(s string) math.LegacyDec {
	d, err := math.LegacyNewDecFromStr(s)
	if err != nil {
		return math.LegacyZeroDec()
	}
	return d
}
