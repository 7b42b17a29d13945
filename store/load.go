package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/openalpha/simperp/candle"
	clobtypes "github.com/openalpha/simperp/clob/types"
	perptypes "github.com/openalpha/simperp/perp/types"
)

const historyLoadCap = 500

const orderColumns = `order_id, client_order_id, symbol, address, side, order_type, price,
	       quantity, filled_qty, avg_fill_price, leverage, post_only, reduce_only,
	       status, margin_locked, created_at, updated_at`

// Startup loaders. The engine reads the store exactly once, at boot, to
// rebuild in-memory state; after that the store only receives writes.

func (s *Store) LoadBalances() ([]*perptypes.Balance, error) {
	rows, err := s.db.Query(`SELECT address, free, locked, total_credits, total_debits, updated_at FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("store: load balances: %w", err)
	}
	defer rows.Close()

	var out []*perptypes.Balance
	for rows.Next() {
		var (
			b                                  perptypes.Balance
			free, locked, credits, debits      string
		)
		if err := rows.Scan(&b.Address, &free, &locked, &credits, &debits, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan balance: %w", err)
		}
		b.Free = mustDec(free)
		b.Locked = mustDec(locked)
		b.TotalCredits = mustDec(credits)
		b.TotalDebits = mustDec(debits)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *Store) LoadUsers() ([]*perptypes.User, error) {
	rows, err := s.db.Query(`
		SELECT address, chain_id, faucet_multiplier, faucet_cooldown, faucet_claims,
		       liquidation_save, self_trade_prevent, liquidation_save_day, created_at
		FROM users`)
	if err != nil {
		return nil, fmt.Errorf("store: load users: %w", err)
	}
	defer rows.Close()

	var out []*perptypes.User
	for rows.Next() {
		var (
			u                  perptypes.User
			mult, cooldown     string
			save, stp          int
		)
		if err := rows.Scan(&u.Address, &u.ChainID, &mult, &cooldown,
			&u.Talents.FaucetClaimsPerWindow, &save, &stp, &u.LiquidationSaveDay, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		u.Talents.FaucetMultiplier = mustDec(mult)
		u.Talents.FaucetCooldownFactor = mustDec(cooldown)
		u.Talents.LiquidationSave = save == 1
		u.Talents.SelfTradePrevention = stp == 1
		out = append(out, &u)
	}
	return out, rows.Err()
}

// LoadOpenOrders returns orders still matchable, oldest first so books
// rebuild with the original time priority.
func (s *Store) LoadOpenOrders() ([]*clobtypes.Order, error) {
	rows, err := s.db.Query(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC`,
		int(clobtypes.OrderStatusPending), int(clobtypes.OrderStatusOpen), int(clobtypes.OrderStatusPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("store: load open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// LoadOrderHistory returns the address's orders in every state, newest
// first, optionally filtered by market.
func (s *Store) LoadOrderHistory(address, symbol string, limit int) ([]*clobtypes.Order, error) {
	if limit <= 0 || limit > historyLoadCap {
		limit = historyLoadCap
	}
	q := `SELECT ` + orderColumns + ` FROM orders WHERE address = ?`
	args := []any{address}
	if symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, symbol)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: load order history: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*clobtypes.Order, error) {
	var out []*clobtypes.Order
	for rows.Next() {
		var (
			o                                         clobtypes.Order
			price, qty, filled, avg, leverage, locked string
			side, typ, status, postOnly, reduceOnly   int
		)
		if err := rows.Scan(&o.OrderID, &o.ClientOrderID, &o.MarketSymbol, &o.Address,
			&side, &typ, &price, &qty, &filled, &avg, &leverage, &postOnly, &reduceOnly,
			&status, &locked, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan order: %w", err)
		}
		o.Side = clobtypes.Side(side)
		o.OrderType = clobtypes.OrderType(typ)
		o.Status = clobtypes.OrderStatus(status)
		o.Price = mustDec(price)
		o.Quantity = mustDec(qty)
		o.FilledQty = mustDec(filled)
		o.AvgFillPrice = mustDec(avg)
		o.Leverage = mustDec(leverage)
		o.MarginLocked = mustDec(locked)
		o.PostOnly = postOnly == 1
		o.ReduceOnly = reduceOnly == 1
		out = append(out, &o)
	}
	return out, rows.Err()
}

// LoadTradeHistory returns trades the address took part in on either side,
// newest first, optionally filtered by market.
func (s *Store) LoadTradeHistory(address, symbol string, limit int) ([]*clobtypes.Trade, error) {
	if limit <= 0 || limit > historyLoadCap {
		limit = historyLoadCap
	}
	q := `
		SELECT trade_id, symbol, maker_order_id, taker_order_id, maker_address,
		       taker_address, side, price, quantity, quote_quantity, created_at
		FROM trades
		WHERE (maker_address = ? OR taker_address = ?)`
	args := []any{address, address}
	if symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, symbol)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: load trade history: %w", err)
	}
	defer rows.Close()

	var out []*clobtypes.Trade
	for rows.Next() {
		var (
			t                     clobtypes.Trade
			price, qty, quoteQty  string
			side                  int
		)
		if err := rows.Scan(&t.TradeID, &t.MarketSymbol, &t.MakerOrderID, &t.TakerOrderID,
			&t.MakerAddress, &t.TakerAddress, &side, &price, &qty, &quoteQty, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		t.Side = clobtypes.Side(side)
		t.Price = mustDec(price)
		t.Quantity = mustDec(qty)
		t.QuoteQuantity = mustDec(quoteQty)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) LoadOpenPositions() ([]*perptypes.Position, error) {
	rows, err := s.db.Query(`
		SELECT position_id, address, symbol, side, size, avg_entry_price, margin,
		       leverage, realized_pnl, liquidation_price, status, opened_at, updated_at
		FROM positions
		WHERE status = ?`, int(perptypes.PositionStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("store: load positions: %w", err)
	}
	defer rows.Close()

	var out []*perptypes.Position
	for rows.Next() {
		var (
			p                                        perptypes.Position
			size, entry, margin, lev, rpnl, liq      string
			side, status                             int
		)
		if err := rows.Scan(&p.PositionID, &p.Address, &p.MarketSymbol, &side, &size,
			&entry, &margin, &lev, &rpnl, &liq, &status, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		p.Side = perptypes.PositionSide(side)
		p.Status = perptypes.PositionStatus(status)
		p.Size = mustDec(size)
		p.AvgEntryPrice = mustDec(entry)
		p.Margin = mustDec(margin)
		p.Leverage = mustDec(lev)
		p.RealizedPnl = mustDec(rpnl)
		p.UnrealizedPnl = mustDec("0")
		p.LiquidationPrice = mustDec(liq)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// LoadCandles returns the most recent candles for one series, ascending by
// bucket start.
func (s *Store) LoadCandles(symbol string, iv candle.Interval, limit int) ([]*candle.Candle, error) {
	if limit <= 0 || limit > candleLoadCap {
		limit = candleLoadCap
	}
	rows, err := s.db.Query(`
		SELECT bucket_start, open, high, low, close, volume, trades
		FROM (
			SELECT * FROM candles WHERE symbol = ? AND interval = ?
			ORDER BY bucket_start DESC LIMIT ?
		) ORDER BY bucket_start ASC`,
		symbol, string(iv), limit)
	if err != nil {
		return nil, fmt.Errorf("store: load candles: %w", err)
	}
	defer rows.Close()

	var out []*candle.Candle
	for rows.Next() {
		var (
			bucket                       int64
			open, high, low, cls, volume string
			trades                       int64
		)
		if err := rows.Scan(&bucket, &open, &high, &low, &cls, &volume, &trades); err != nil {
			return nil, fmt.Errorf("store: scan candle: %w", err)
		}
		out = append(out, &candle.Candle{
			Symbol:      symbol,
			Interval:    iv,
			BucketStart: time.Unix(bucket, 0).UTC(),
			Open:        mustDec(open),
			High:        mustDec(high),
			Low:         mustDec(low),
			Close:       mustDec(cls),
			Volume:      mustDec(volume),
			Trades:      trades,
			Closed:      true,
		})
	}
	return out, rows.Err()
}

// LoadFaucetClaims returns claim timestamps newer than the cutoff, for
// cooldown reconstruction.
func (s *Store) LoadFaucetClaims(cutoff time.Time) (map[string][]time.Time, error) {
	rows, err := s.db.Query(`
		SELECT address, created_at FROM faucet_requests
		WHERE created_at > ? ORDER BY created_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: load faucet claims: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]time.Time)
	for rows.Next() {
		var (
			addr string
			ts   time.Time
		)
		if err := rows.Scan(&addr, &ts); err != nil {
			return nil, fmt.Errorf("store: scan faucet claim: %w", err)
		}
		out[addr] = append(out[addr], ts)
	}
	return out, rows.Err()
}
