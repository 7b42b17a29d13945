// Package events defines the topic-addressed event surface the trading
// engine publishes into. The WebSocket hub implements Publisher; engine
// components depend only on this interface so they can be tested without a
// transport.
package events

import "fmt"

// Event types carried on the wire.
const (
	TypePriceUpdate       = "price:update"
	TypeOrderbookSnapshot = "orderbook:snapshot"
	TypeOrderbookUpdate   = "orderbook:update"
	TypeTradeExecuted     = "trade:executed"
	TypeCandleUpdate      = "candle:update"
	TypeOrderAccepted     = "order:accepted"
	TypeOrderFilled       = "order:filled"
	TypeOrderCancelled    = "order:cancelled"
	TypeBalanceUpdated    = "balance:updated"
	TypePositionUpdated   = "position:updated"
	TypePositionClosed    = "position:closed"
	TypePositionLiquidated = "position:liquidated"
	TypeOracleStale       = "oracle:stale"
)

// Publisher fans an event out to every subscriber of a topic. Implementations
// must never block the caller; slow consumers are the transport's problem.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

// Topic constructors. Topics are the subscription keys clients use.

func PriceTopic(symbol string) string     { return "price:" + symbol }
func OrderbookTopic(symbol string) string { return "orderbook:" + symbol }
func TradesTopic(symbol string) string    { return "trades:" + symbol }
func UserTopic(address string) string     { return "user:" + address }

func CandlesTopic(symbol, interval string) string {
	return fmt.Sprintf("candles:%s:%s", symbol, interval)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string, any) {}

// PriceUpdate is the payload for price:update events.
type PriceUpdate struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// BookDelta is the payload for orderbook:update events. Quantity is the new
// aggregate at the level; "0" means the level was removed.
type BookDelta struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Timestamp int64  `json:"timestamp"`
}

// TradeExecuted is the payload for trade:executed events.
type TradeExecuted struct {
	TradeID   string `json:"trade_id"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Side      string `json:"side"`
	Timestamp int64  `json:"timestamp"`
}

// CandleUpdate is the payload for candle:update events.
type CandleUpdate struct {
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`
	BucketStart int64  `json:"bucket_start"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	Trades      int64  `json:"trades"`
	IsClosed    bool   `json:"is_closed"`
}
