package keeper

import (
	"time"

	"cosmossdk.io/math"
	"github.com/google/btree"

	"github.com/openalpha/simperp/clob/types"
)

const btreeDegree = 32

// priceLevel holds the FIFO resting-order queue at one price. Quantity is the
// cached sum of the orders' remaining quantities.
type priceLevel struct {
	Price    math.LegacyDec
	Quantity math.LegacyDec
	Orders   []*types.Order
}

func newPriceLevel(price math.LegacyDec) *priceLevel {
	return &priceLevel{
		Price:    price,
		Quantity: math.LegacyZeroDec(),
		Orders:   make([]*types.Order, 0, 4),
	}
}

// add queues an order by create time, order ID breaking timestamp ties so
// a book rebuilt from the store keeps a stable priority. New orders carry
// the newest timestamp, so the scan from the tail is O(1) in the live path.
func (pl *priceLevel) add(order *types.Order) {
	i := len(pl.Orders)
	for i > 0 {
		prev := pl.Orders[i-1]
		if prev.CreatedAt.Before(order.CreatedAt) ||
			(prev.CreatedAt.Equal(order.CreatedAt) && prev.OrderID <= order.OrderID) {
			break
		}
		i--
	}
	pl.Orders = append(pl.Orders, nil)
	copy(pl.Orders[i+1:], pl.Orders[i:])
	pl.Orders[i] = order
	pl.Quantity = pl.Quantity.Add(order.RemainingQty())
}

func (pl *priceLevel) remove(orderID string) *types.Order {
	for i, o := range pl.Orders {
		if o.OrderID == orderID {
			pl.Orders = append(pl.Orders[:i], pl.Orders[i+1:]...)
			pl.Quantity = pl.Quantity.Sub(o.RemainingQty())
			return o
		}
	}
	return nil
}

// reduce subtracts a filled quantity from the cached aggregate.
func (pl *priceLevel) reduce(qty math.LegacyDec) {
	pl.Quantity = pl.Quantity.Sub(qty)
}

func (pl *priceLevel) isEmpty() bool {
	return len(pl.Orders) == 0
}

// priceLevelItem wraps a level for the btree. Ascending by price.
type priceLevelItem struct {
	price math.LegacyDec
	level *priceLevel
}

func (a *priceLevelItem) Less(b btree.Item) bool {
	return a.price.LT(b.(*priceLevelItem).price)
}

// bookSide is one side of the book. Bids iterate descending, asks ascending.
type bookSide struct {
	tree *btree.BTree
	desc bool
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{
		tree: btree.New(btreeDegree),
		desc: desc,
	}
}

func (s *bookSide) get(price math.LegacyDec) *priceLevel {
	item := s.tree.Get(&priceLevelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

func (s *bookSide) getOrCreate(price math.LegacyDec) *priceLevel {
	level := s.get(price)
	if level == nil {
		level = newPriceLevel(price)
		s.tree.ReplaceOrInsert(&priceLevelItem{price: price, level: level})
	}
	return level
}

func (s *bookSide) remove(price math.LegacyDec) {
	s.tree.Delete(&priceLevelItem{price: price})
}

func (s *bookSide) best() *priceLevel {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

func (s *bookSide) iterate(fn func(*priceLevel) bool) {
	if s.desc {
		s.tree.Descend(func(item btree.Item) bool {
			return fn(item.(*priceLevelItem).level)
		})
	} else {
		s.tree.Ascend(func(item btree.Item) bool {
			return fn(item.(*priceLevelItem).level)
		})
	}
}

// Book is one market's limit order book. It carries no lock of its own; the
// owning market worker serializes all access.
type Book struct {
	Symbol string
	Bids   *bookSide
	Asks   *bookSide
	orders map[string]*types.Order // all resting orders by ID
}

// NewBook creates an empty book for a market.
func NewBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		Bids:   newBookSide(true),
		Asks:   newBookSide(false),
		orders: make(map[string]*types.Order),
	}
}

func (b *Book) side(s types.Side) *bookSide {
	if s == types.SideBuy {
		return b.Bids
	}
	return b.Asks
}

// Add rests an order on its side, FIFO within the price level.
func (b *Book) Add(order *types.Order) {
	level := b.side(order.Side).getOrCreate(order.Price)
	level.add(order)
	b.orders[order.OrderID] = order
}

// Remove takes an order off the book. Returns nil if it is not resting.
func (b *Book) Remove(orderID string) *types.Order {
	order, ok := b.orders[orderID]
	if !ok {
		return nil
	}
	side := b.side(order.Side)
	level := side.get(order.Price)
	if level != nil {
		level.remove(orderID)
		if level.isEmpty() {
			side.remove(order.Price)
		}
	}
	delete(b.orders, orderID)
	return order
}

// Get returns a resting order by ID, or nil.
func (b *Book) Get(orderID string) *types.Order {
	return b.orders[orderID]
}

// ReduceOrder applies a filled quantity to a resting order's level
// aggregate, evicting the order once nothing remains. Call after the order
// itself has been filled.
func (b *Book) ReduceOrder(order *types.Order, qty math.LegacyDec) {
	side := b.side(order.Side)
	level := side.get(order.Price)
	if level == nil {
		return
	}
	level.reduce(qty)
	if order.RemainingQty().IsZero() {
		for i, o := range level.Orders {
			if o.OrderID == order.OrderID {
				level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
				break
			}
		}
		delete(b.orders, order.OrderID)
		if level.isEmpty() {
			side.remove(order.Price)
		}
	}
}

// BestBid returns the highest bid level, or nil.
func (b *Book) BestBid() *priceLevel { return b.Bids.best() }

// BestAsk returns the lowest ask level, or nil.
func (b *Book) BestAsk() *priceLevel { return b.Asks.best() }

// LevelQty returns the aggregate remaining quantity at a price, zero if the
// level is gone. Used to build orderbook deltas after a mutation.
func (b *Book) LevelQty(side types.Side, price math.LegacyDec) math.LegacyDec {
	level := b.side(side).get(price)
	if level == nil {
		return math.LegacyZeroDec()
	}
	return level.Quantity
}

// Orders returns all resting orders, unordered.
func (b *Book) Orders() []*types.Order {
	out := make([]*types.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	return out
}

// Snapshot aggregates the top maxLevels of each side. maxLevels <= 0 means
// the whole book.
func (b *Book) Snapshot(maxLevels int) *types.DepthSnapshot {
	snap := &types.DepthSnapshot{
		MarketSymbol: b.Symbol,
		Bids:         make([]types.DepthLevel, 0, maxLevels),
		Asks:         make([]types.DepthLevel, 0, maxLevels),
		Timestamp:    time.Now(),
	}
	collect := func(side *bookSide, out *[]types.DepthLevel) {
		side.iterate(func(level *priceLevel) bool {
			if maxLevels > 0 && len(*out) >= maxLevels {
				return false
			}
			*out = append(*out, types.DepthLevel{
				Price:    level.Price,
				Quantity: level.Quantity,
				Quote:    level.Price.Mul(level.Quantity),
			})
			return true
		})
	}
	collect(b.Bids, &snap.Bids)
	collect(b.Asks, &snap.Asks)
	return snap
}
