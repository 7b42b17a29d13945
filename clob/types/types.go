package types

import (
	"time"

	"cosmossdk.io/math"
)

// Side represents order side
type Side int

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unspecified"
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SideFromString parses a wire-format side.
func SideFromString(s string) Side {
	switch s {
	case "buy":
		return SideBuy
	case "sell":
		return SideSell
	default:
		return SideUnspecified
	}
}

// OrderType represents order type
type OrderType int

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	default:
		return "unspecified"
	}
}

// OrderTypeFromString parses a wire-format order type.
func OrderTypeFromString(s string) OrderType {
	switch s {
	case "limit":
		return OrderTypeLimit
	case "market":
		return OrderTypeMarket
	default:
		return OrderTypeUnspecified
	}
}

// OrderStatus represents order status
type OrderStatus int

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusOpen
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusPartiallyFilled:
		return "partial"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Order represents a trading order.
// Invariant: FilledQty + RemainingQty() == Quantity;
// AvgFillPrice == Σ(fillPx·fillQty)/FilledQty.
type Order struct {
	OrderID       string
	ClientOrderID string
	MarketSymbol  string
	Address       string
	Side          Side
	OrderType     OrderType
	Price         math.LegacyDec // limit price; protective limit for market orders
	Quantity      math.LegacyDec
	FilledQty     math.LegacyDec
	AvgFillPrice  math.LegacyDec
	Leverage      math.LegacyDec
	PostOnly      bool
	ReduceOnly    bool
	Status        OrderStatus
	MarginLocked  math.LegacyDec // margin currently locked for the unfilled remainder
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder creates a pending order.
func NewOrder(orderID, clientOrderID, symbol, address string, side Side, typ OrderType, price, quantity, leverage math.LegacyDec, postOnly, reduceOnly bool) *Order {
	now := time.Now()
	return &Order{
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
		MarketSymbol:  symbol,
		Address:       address,
		Side:          side,
		OrderType:     typ,
		Price:         price,
		Quantity:      quantity,
		FilledQty:     math.LegacyZeroDec(),
		AvgFillPrice:  math.LegacyZeroDec(),
		Leverage:      leverage,
		PostOnly:      postOnly,
		ReduceOnly:    reduceOnly,
		Status:        OrderStatusPending,
		MarginLocked:  math.LegacyZeroDec(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RemainingQty returns the remaining unfilled quantity.
func (o *Order) RemainingQty() math.LegacyDec {
	return o.Quantity.Sub(o.FilledQty)
}

// IsActive returns true if the order can still be matched.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled || o.Status == OrderStatusPending
}

// Fill applies a fill at the given price, maintaining the running average.
func (o *Order) Fill(qty, price math.LegacyDec) error {
	if qty.GT(o.RemainingQty()) {
		return ErrOverfill.Wrapf("fill %s exceeds remaining %s", qty, o.RemainingQty())
	}
	filledNotional := o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty))
	o.FilledQty = o.FilledQty.Add(qty)
	o.AvgFillPrice = filledNotional.Quo(o.FilledQty)
	if o.RemainingQty().IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = time.Now()
	return nil
}

// Cancel marks the order cancelled.
func (o *Order) Cancel() {
	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now()
}

// Trade represents an executed fill. Price is always the maker's resting
// price; Side is the taker's side.
type Trade struct {
	TradeID       string
	MarketSymbol  string
	MakerOrderID  string
	TakerOrderID  string
	MakerAddress  string
	TakerAddress  string
	Side          Side
	Price         math.LegacyDec
	Quantity      math.LegacyDec
	QuoteQuantity math.LegacyDec
	Timestamp     time.Time
}

// NewTrade creates a trade from a taker/maker pair.
func NewTrade(tradeID string, taker, maker *Order, price, qty math.LegacyDec, ts time.Time) *Trade {
	return &Trade{
		TradeID:       tradeID,
		MarketSymbol:  taker.MarketSymbol,
		MakerOrderID:  maker.OrderID,
		TakerOrderID:  taker.OrderID,
		MakerAddress:  maker.Address,
		TakerAddress:  taker.Address,
		Side:          taker.Side,
		Price:         price,
		Quantity:      qty,
		QuoteQuantity: price.Mul(qty),
		Timestamp:     ts,
	}
}

// DepthLevel is one aggregated price level of a book snapshot.
type DepthLevel struct {
	Price    math.LegacyDec
	Quantity math.LegacyDec
	Quote    math.LegacyDec // Quantity * Price
}

// DepthSnapshot is an on-demand aggregate view of one book.
type DepthSnapshot struct {
	MarketSymbol string
	Bids         []DepthLevel // descending by price
	Asks         []DepthLevel // ascending by price
	Timestamp    time.Time
}
