// Package keeper implements the central limit order book and the matching
// engine. One worker mutex per market serializes matching; balance and
// position effects are delegated to the perp keeper inside the match path so
// that a fill and its settlement are one observable transition.
package keeper

import (
	"sync"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/simperp/clob/types"
	"github.com/openalpha/simperp/events"
	perpkeeper "github.com/openalpha/simperp/perp/keeper"
	perptypes "github.com/openalpha/simperp/perp/types"
)

// Store persists orders and trades. Implemented by the sqlite store.
type Store interface {
	SaveOrder(o *types.Order) error
	SaveTrade(t *types.Trade) error
}

// NopStore discards all writes. Used in tests.
type NopStore struct{}

func (NopStore) SaveOrder(*types.Order) error { return nil }
func (NopStore) SaveTrade(*types.Trade) error { return nil }

// TradeSink receives every executed trade; the candle aggregator implements
// it. Called synchronously from the market worker.
type TradeSink interface {
	ApplyTrade(symbol string, price, qty math.LegacyDec, ts time.Time)
}

// NopSink discards trades.
type NopSink struct{}

func (NopSink) ApplyTrade(string, math.LegacyDec, math.LegacyDec, time.Time) {}

// protectiveBand caps market-order execution at oracle*(1±10%).
var protectiveBand = math.LegacyNewDecWithPrec(1, 1)

const recentTradeCap = 1000

// marketBook pairs a book with the worker mutex that serializes it.
type marketBook struct {
	mu     sync.Mutex
	book   *Book
	trades []*types.Trade // most recent last, bounded by recentTradeCap
}

// Keeper is the order/trade engine across all markets.
type Keeper struct {
	logger log.Logger
	store  Store
	events events.Publisher
	perp   *perpkeeper.Keeper
	sink   TradeSink

	mu           sync.RWMutex
	books        map[string]*marketBook
	orders       map[string]*types.Order // every order ever accepted, by ID
	clientOrders map[string]string       // address|clientOrderID -> orderID
}

// New creates the engine over an existing perp keeper.
func New(logger log.Logger, store Store, pub events.Publisher, perp *perpkeeper.Keeper) *Keeper {
	if store == nil {
		store = NopStore{}
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Keeper{
		logger:       logger.With("module", "clob"),
		store:        store,
		events:       pub,
		perp:         perp,
		sink:         NopSink{},
		books:        make(map[string]*marketBook),
		orders:       make(map[string]*types.Order),
		clientOrders: make(map[string]string),
	}
}

// SetTradeSink registers the candle aggregator. Must be called before the
// engine serves traffic.
func (k *Keeper) SetTradeSink(s TradeSink) {
	if s == nil {
		s = NopSink{}
	}
	k.sink = s
}

// AddMarket creates an empty book for a registered market.
func (k *Keeper) AddMarket(symbol string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.books[symbol]; !ok {
		k.books[symbol] = &marketBook{book: NewBook(symbol)}
	}
}

// persistOrder writes an order through the store's bounded retries; an
// exhausted store pauses the market so no further fills go unrecorded.
func (k *Keeper) persistOrder(o *types.Order) {
	if err := k.store.SaveOrder(o); err != nil {
		k.logger.Error("persist order", "order_id", o.OrderID, "err", err)
		k.pauseOnStoreFailure(o.MarketSymbol, err)
	}
}

func (k *Keeper) persistTrade(t *types.Trade) {
	if err := k.store.SaveTrade(t); err != nil {
		k.logger.Error("persist trade", "trade_id", t.TradeID, "err", err)
		k.pauseOnStoreFailure(t.MarketSymbol, err)
	}
}

func (k *Keeper) pauseOnStoreFailure(symbol string, err error) {
	if perptypes.ErrStoreUnavailable.Is(err) {
		k.perp.PauseMarket(symbol)
	}
}

func (k *Keeper) marketBookFor(symbol string) *marketBook {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.books[symbol]
}

// SubmitRequest is the order placement input after transport decoding.
type SubmitRequest struct {
	Address       string
	ClientOrderID string
	MarketSymbol  string
	Side          types.Side
	OrderType     types.OrderType
	Price         math.LegacyDec // required for limit, ignored for market
	Quantity      math.LegacyDec
	Leverage      math.LegacyDec
	PostOnly      bool
	ReduceOnly    bool
}

// SubmitResult is what a placement returns: the order in its post-match
// state, the fills it produced, and whether a market-order residual was
// cancelled.
type SubmitResult struct {
	Order             *types.Order
	Trades            []*types.Trade
	ResidualCancelled bool
}

// SubmitOrder validates, locks margin, matches and rests an order. The whole
// sequence runs under the market worker mutex.
func (k *Keeper) SubmitOrder(req SubmitRequest) (*SubmitResult, error) {
	m := k.perp.GetMarket(req.MarketSymbol)
	if m == nil {
		return nil, perptypes.ErrMarketNotFound.Wrap(req.MarketSymbol)
	}
	if !m.Status.IsActive() {
		return nil, perptypes.ErrMarketPaused.Wrap(req.MarketSymbol)
	}
	if err := k.validate(&req, m); err != nil {
		return nil, err
	}

	// Client order ID replay returns the stored order without side effects.
	if req.ClientOrderID != "" {
		if existing := k.lookupClientOrder(req.Address, req.ClientOrderID); existing != nil {
			return &SubmitResult{Order: existing, Trades: nil}, nil
		}
	}

	mb := k.marketBookFor(req.MarketSymbol)
	if mb == nil {
		return nil, perptypes.ErrMarketNotFound.Wrap(req.MarketSymbol)
	}

	price := req.Price
	if req.OrderType == types.OrderTypeMarket {
		// Protective limit derived from the oracle price bounds how far a
		// market order can walk the book.
		if !m.OraclePrice.IsPositive() {
			return nil, perptypes.ErrNoOraclePrice.Wrap(req.MarketSymbol)
		}
		if req.Side == types.SideBuy {
			price = m.OraclePrice.Mul(math.LegacyOneDec().Add(protectiveBand))
		} else {
			price = m.OraclePrice.Mul(math.LegacyOneDec().Sub(protectiveBand))
		}
	}

	order := types.NewOrder(uuid.NewString(), req.ClientOrderID, req.MarketSymbol, req.Address,
		req.Side, req.OrderType, price, req.Quantity, req.Leverage, req.PostOnly, req.ReduceOnly)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if req.ReduceOnly {
		if err := k.boundReduceOnly(order); err != nil {
			return nil, err
		}
	}

	if order.PostOnly && k.wouldCross(mb.book, order) {
		return nil, types.ErrPostOnlyWouldCross.Wrapf("order at %s", order.Price)
	}

	// Margin for the full quantity is locked up front at the limit price.
	// Reduce-only orders carry no margin; closing returns it instead.
	if !order.ReduceOnly {
		lockAmount := order.Price.Mul(order.Quantity).Quo(order.Leverage)
		if _, err := k.perp.Lock(order.Address, lockAmount, "order_margin", "order:"+order.OrderID+":lock"); err != nil {
			return nil, err
		}
		order.MarginLocked = lockAmount
	}

	k.indexOrder(order)
	trades := k.match(mb, order, m)

	result := &SubmitResult{Order: order, Trades: trades}
	if order.RemainingQty().IsPositive() {
		switch {
		case order.OrderType == types.OrderTypeMarket:
			// No liquidity inside the protective band; cancel the rest.
			k.cancelResidual(mb, order)
			result.ResidualCancelled = true
		case order.ReduceOnly && !k.reduceCapacity(order).IsPositive():
			// The position closed out while matching; nothing left to reduce.
			k.cancelResidual(mb, order)
			result.ResidualCancelled = true
		default:
			if order.Status == types.OrderStatusPending {
				order.Status = types.OrderStatusOpen
			}
			mb.book.Add(order)
			k.publishDelta(mb.book, order.Side, order.Price)
		}
	}

	k.persistOrder(order)
	k.events.Publish(events.UserTopic(order.Address), events.TypeOrderAccepted, orderPayload(order))
	return result, nil
}

func (k *Keeper) validate(req *SubmitRequest, m *perptypes.Market) error {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return types.ErrInvalidSide
	}
	if req.OrderType != types.OrderTypeLimit && req.OrderType != types.OrderTypeMarket {
		return types.ErrInvalidOrderType
	}
	if !req.Quantity.IsPositive() {
		return types.ErrInvalidQuantity.Wrapf("quantity %s", req.Quantity)
	}
	// Reduce-only quantity is bound to the position, which can hold an
	// off-lot remnant after a liquidation save halved it.
	if !req.ReduceOnly {
		if !alignedTo(req.Quantity, m.LotSize) {
			return types.ErrQtyNotAligned.Wrapf("quantity %s, lot %s", req.Quantity, m.LotSize)
		}
		if req.Quantity.LT(m.MinOrderSize) {
			return types.ErrOrderTooSmall.Wrapf("quantity %s < %s", req.Quantity, m.MinOrderSize)
		}
	}
	if m.MaxOrderSize.IsPositive() && req.Quantity.GT(m.MaxOrderSize) {
		return types.ErrOrderTooLarge.Wrapf("quantity %s > %s", req.Quantity, m.MaxOrderSize)
	}
	if req.OrderType == types.OrderTypeLimit {
		if !req.Price.IsPositive() {
			return types.ErrInvalidPrice.Wrapf("price %s", req.Price)
		}
		if !alignedTo(req.Price, m.TickSize) {
			return types.ErrPriceNotAligned.Wrapf("price %s, tick %s", req.Price, m.TickSize)
		}
	}
	if req.Leverage.IsNil() || req.Leverage.LT(math.LegacyOneDec()) || req.Leverage.GT(m.MaxLeverage) {
		return perptypes.ErrInvalidLeverage.Wrapf("leverage %s, max %s", req.Leverage, m.MaxLeverage)
	}
	if req.PostOnly && req.OrderType == types.OrderTypeMarket {
		return types.ErrInvalidOrderType.Wrap("market order cannot be post-only")
	}
	return nil
}

func alignedTo(v, step math.LegacyDec) bool {
	if !step.IsPositive() {
		return true
	}
	q := v.Quo(step)
	return q.Equal(q.TruncateDec())
}

// boundReduceOnly rejects or truncates a reduce-only order against the open
// position. Caller holds the market worker mutex.
func (k *Keeper) boundReduceOnly(order *types.Order) error {
	capacity := k.reduceCapacity(order)
	if !capacity.IsPositive() {
		return types.ErrNoPositionToReduce
	}
	if order.Quantity.GT(capacity) {
		order.Quantity = capacity
	}
	return nil
}

// reduceCapacity returns how much of the opposite-side position a
// reduce-only order can still close; zero when the position is gone or sits
// on the order's own side.
func (k *Keeper) reduceCapacity(order *types.Order) math.LegacyDec {
	pos := k.perp.GetPosition(order.Address, order.MarketSymbol)
	if pos == nil {
		return math.LegacyZeroDec()
	}
	closingSide := types.SideSell
	if pos.Side == perptypes.PositionSideShort {
		closingSide = types.SideBuy
	}
	if order.Side != closingSide {
		return math.LegacyZeroDec()
	}
	return pos.Size
}

func (k *Keeper) wouldCross(book *Book, order *types.Order) bool {
	if order.Side == types.SideBuy {
		best := book.BestAsk()
		return best != nil && best.Price.LTE(order.Price)
	}
	best := book.BestBid()
	return best != nil && best.Price.GTE(order.Price)
}

// nextMaker returns the first resting order the taker can fill, price-time
// priority, skipping the taker's own orders when the self-trade talent is on.
func (k *Keeper) nextMaker(book *Book, taker *types.Order, stp bool) *types.Order {
	var found *types.Order
	crosses := func(p math.LegacyDec) bool {
		if taker.Side == types.SideBuy {
			return p.LTE(taker.Price)
		}
		return p.GTE(taker.Price)
	}
	book.side(taker.Side.Opposite()).iterate(func(level *priceLevel) bool {
		if !crosses(level.Price) {
			return false
		}
		for _, o := range level.Orders {
			if stp && o.Address == taker.Address {
				continue
			}
			found = o
			return false
		}
		return true
	})
	return found
}

// match walks the opposite side filling the taker until it no longer
// crosses. Every fill settles both accounts through the perp keeper, feeds
// the candle sink, and is broadcast.
func (k *Keeper) match(mb *marketBook, taker *types.Order, m *perptypes.Market) []*types.Trade {
	stp := false
	if u := k.perp.GetUser(taker.Address); u != nil {
		stp = u.Talents.SelfTradePrevention
	}

	var trades []*types.Trade
	for taker.RemainingQty().IsPositive() {
		maker := k.nextMaker(mb.book, taker, stp)
		if maker == nil {
			break
		}

		fillQty := taker.RemainingQty()
		if taker.ReduceOnly {
			capacity := k.reduceCapacity(taker)
			if !capacity.IsPositive() {
				break
			}
			if capacity.LT(fillQty) {
				fillQty = capacity
			}
		}
		if maker.ReduceOnly {
			// The position a resting reduce-only order was closing can be
			// gone by now, usually liquidated while the order rested.
			capacity := k.reduceCapacity(maker)
			if !capacity.IsPositive() {
				k.cancelRestingOrder(mb, maker)
				continue
			}
			if capacity.LT(fillQty) {
				fillQty = capacity
			}
		}
		if maker.RemainingQty().LT(fillQty) {
			fillQty = maker.RemainingQty()
		}
		now := time.Now()
		trade := types.NewTrade(uuid.NewString(), taker, maker, maker.Price, fillQty, now)

		if err := taker.Fill(fillQty, maker.Price); err != nil {
			k.logger.Error("taker fill", "order_id", taker.OrderID, "err", err)
			break
		}
		if err := maker.Fill(fillQty, maker.Price); err != nil {
			k.logger.Error("maker fill", "order_id", maker.OrderID, "err", err)
			break
		}
		mb.book.ReduceOrder(maker, fillQty)

		k.settleFill(taker, trade, fillQty, now)
		k.settleFill(maker, trade, fillQty, now)

		trades = append(trades, trade)
		mb.trades = append(mb.trades, trade)
		if len(mb.trades) > recentTradeCap {
			mb.trades = mb.trades[len(mb.trades)-recentTradeCap:]
		}
		k.persistTrade(trade)
		k.persistOrder(maker)

		k.sink.ApplyTrade(trade.MarketSymbol, trade.Price, trade.Quantity, now)
		k.events.Publish(events.TradesTopic(trade.MarketSymbol), events.TypeTradeExecuted, events.TradeExecuted{
			TradeID:   trade.TradeID,
			Symbol:    trade.MarketSymbol,
			Price:     trade.Price.String(),
			Quantity:  trade.Quantity.String(),
			Side:      trade.Side.String(),
			Timestamp: now.UnixMilli(),
		})
		k.events.Publish(events.UserTopic(taker.Address), events.TypeOrderFilled, orderPayload(taker))
		k.events.Publish(events.UserTopic(maker.Address), events.TypeOrderFilled, orderPayload(maker))
		k.publishDelta(mb.book, maker.Side, maker.Price)
	}
	return trades
}

// settleFill applies one side of a trade to its account and keeps the
// order's locked-margin counter in step.
func (k *Keeper) settleFill(order *types.Order, trade *types.Trade, qty math.LegacyDec, ts time.Time) {
	side := perptypes.PositionSideLong
	if order.Side == types.SideSell {
		side = perptypes.PositionSideShort
	}
	role := ":taker"
	if order.OrderID == trade.MakerOrderID {
		role = ":maker"
	}
	lockPrice := order.Price
	if order.ReduceOnly {
		lockPrice = math.LegacyZeroDec()
	}
	if _, err := k.perp.ApplyFill(perpkeeper.Fill{
		Address:      order.Address,
		MarketSymbol: order.MarketSymbol,
		Side:         side,
		Quantity:     qty,
		Price:        trade.Price,
		LockPrice:    lockPrice,
		Leverage:     order.Leverage,
		ReduceOnly:   order.ReduceOnly,
		ReferenceID:  "trade:" + trade.TradeID + role,
		Timestamp:    ts,
	}); err != nil {
		k.logger.Error("settle fill", "order_id", order.OrderID, "trade_id", trade.TradeID, "err", err)
	}
	if !order.ReduceOnly {
		share := lockPrice.Mul(qty).Quo(order.Leverage)
		order.MarginLocked = order.MarginLocked.Sub(share)
		if order.MarginLocked.IsNegative() {
			order.MarginLocked = math.LegacyZeroDec()
		}
	}
}

// cancelResidual cancels the unfilled remainder of a market order and
// releases its margin.
func (k *Keeper) cancelResidual(mb *marketBook, order *types.Order) {
	order.Cancel()
	k.releaseMargin(order)
	k.events.Publish(events.UserTopic(order.Address), events.TypeOrderCancelled, orderPayload(order))
}

// cancelRestingOrder drops a resting order from the book mid-match. Caller
// holds the market worker mutex.
func (k *Keeper) cancelRestingOrder(mb *marketBook, order *types.Order) {
	mb.book.Remove(order.OrderID)
	order.Cancel()
	k.releaseMargin(order)
	k.persistOrder(order)
	k.publishDelta(mb.book, order.Side, order.Price)
	k.events.Publish(events.UserTopic(order.Address), events.TypeOrderCancelled, orderPayload(order))
}

func (k *Keeper) releaseMargin(order *types.Order) {
	if order.MarginLocked.IsPositive() {
		if _, err := k.perp.Unlock(order.Address, order.MarginLocked, "order_cancel", "order:"+order.OrderID+":unlock"); err != nil {
			k.logger.Error("release margin", "order_id", order.OrderID, "err", err)
		}
		order.MarginLocked = math.LegacyZeroDec()
	}
}

// ClosePosition flattens the caller's whole position with a reduce-only
// market order against the live book.
func (k *Keeper) ClosePosition(address, symbol string) (*SubmitResult, error) {
	pos := k.perp.GetPosition(address, symbol)
	if pos == nil {
		return nil, perptypes.ErrPositionNotFound.Wrapf("%s has no %s position", address, symbol)
	}
	side := types.SideSell
	if pos.Side == perptypes.PositionSideShort {
		side = types.SideBuy
	}
	leverage := pos.Leverage
	if m := k.perp.GetMarket(symbol); m != nil && leverage.GT(m.MaxLeverage) {
		leverage = m.MaxLeverage
	}
	if leverage.IsNil() || leverage.LT(math.LegacyOneDec()) {
		leverage = math.LegacyOneDec()
	}
	return k.SubmitOrder(SubmitRequest{
		Address:      address,
		MarketSymbol: symbol,
		Side:         side,
		OrderType:    types.OrderTypeMarket,
		Quantity:     pos.Size,
		Leverage:     leverage,
		ReduceOnly:   true,
	})
}

// CancelOrder removes the caller's order from the book and returns its
// remaining margin. Cancelling an already-terminal order fails.
func (k *Keeper) CancelOrder(address, orderID string) (*types.Order, error) {
	k.mu.RLock()
	order := k.orders[orderID]
	k.mu.RUnlock()
	if order == nil {
		return nil, types.ErrOrderNotFound.Wrap(orderID)
	}
	if order.Address != address {
		return nil, types.ErrUnauthorized.Wrapf("order %s", orderID)
	}

	mb := k.marketBookFor(order.MarketSymbol)
	if mb == nil {
		return nil, perptypes.ErrMarketNotFound.Wrap(order.MarketSymbol)
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if order.Status.IsTerminal() {
		return nil, types.ErrOrderNotActive.Wrap(orderID)
	}
	mb.book.Remove(orderID)
	order.Cancel()
	k.releaseMargin(order)

	k.persistOrder(order)
	k.publishDelta(mb.book, order.Side, order.Price)
	k.events.Publish(events.UserTopic(order.Address), events.TypeOrderCancelled, orderPayload(order))
	return order, nil
}

func (k *Keeper) indexOrder(order *types.Order) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.orders[order.OrderID] = order
	if order.ClientOrderID != "" {
		k.clientOrders[order.Address+"|"+order.ClientOrderID] = order.OrderID
	}
}

func (k *Keeper) lookupClientOrder(address, clientOrderID string) *types.Order {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if id, ok := k.clientOrders[address+"|"+clientOrderID]; ok {
		return k.orders[id]
	}
	return nil
}

// GetOrder returns any known order by ID, or nil.
func (k *Keeper) GetOrder(orderID string) *types.Order {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.orders[orderID]
}

// OpenOrders returns the address's active orders, optionally filtered by
// market.
func (k *Keeper) OpenOrders(address, symbol string) []*types.Order {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*types.Order
	for _, o := range k.orders {
		if o.Address != address || !o.IsActive() {
			continue
		}
		if symbol != "" && o.MarketSymbol != symbol {
			continue
		}
		out = append(out, o)
	}
	return out
}

// RecentTrades returns up to limit most-recent trades, newest first.
func (k *Keeper) RecentTrades(symbol string, limit int) []*types.Trade {
	mb := k.marketBookFor(symbol)
	if mb == nil {
		return nil
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if limit <= 0 || limit > len(mb.trades) {
		limit = len(mb.trades)
	}
	out := make([]*types.Trade, 0, limit)
	for i := len(mb.trades) - 1; i >= len(mb.trades)-limit; i-- {
		out = append(out, mb.trades[i])
	}
	return out
}

// Depth returns an aggregate book snapshot, top maxLevels per side.
func (k *Keeper) Depth(symbol string, maxLevels int) *types.DepthSnapshot {
	mb := k.marketBookFor(symbol)
	if mb == nil {
		return nil
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.book.Snapshot(maxLevels)
}

// Restore re-indexes a persisted order and rests it if still active
// (startup only).
func (k *Keeper) Restore(order *types.Order) {
	k.indexOrder(order)
	if !order.IsActive() || order.OrderType == types.OrderTypeMarket {
		return
	}
	mb := k.marketBookFor(order.MarketSymbol)
	if mb == nil {
		return
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.book.Add(order)
}

func (k *Keeper) publishDelta(book *Book, side types.Side, price math.LegacyDec) {
	k.events.Publish(events.OrderbookTopic(book.Symbol), events.TypeOrderbookUpdate, events.BookDelta{
		Symbol:    book.Symbol,
		Side:      side.String(),
		Price:     price.String(),
		Quantity:  book.LevelQty(side, price).String(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func orderPayload(o *types.Order) map[string]any {
	return map[string]any{
		"order_id":        o.OrderID,
		"client_order_id": o.ClientOrderID,
		"symbol":          o.MarketSymbol,
		"address":         o.Address,
		"side":            o.Side.String(),
		"type":            o.OrderType.String(),
		"price":           o.Price.String(),
		"quantity":        o.Quantity.String(),
		"filled":          o.FilledQty.String(),
		"avg_fill_price":  o.AvgFillPrice.String(),
		"status":          o.Status.String(),
		"updated_at":      o.UpdatedAt.UnixMilli(),
	}
}
