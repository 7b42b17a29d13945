// Package candle aggregates executed trades into OHLCV series at fixed
// intervals. Trades are authoritative for OHLCV; oracle prices never touch
// candles. Live buckets are flat-filled by the roller so a chart never has
// holes.
package candle

import (
	"time"

	"cosmossdk.io/math"
)

// Interval is a supported candle bucket width.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Intervals lists every supported interval, ascending.
var Intervals = []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Duration returns the bucket width, zero for unknown intervals.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Valid reports whether the interval is supported.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// ParseInterval validates a wire-format interval string.
func ParseInterval(s string) (Interval, bool) {
	i := Interval(s)
	return i, i.Valid()
}

// BucketStart truncates a timestamp to its bucket boundary (UTC-aligned).
func (i Interval) BucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(i.Duration())
}

// Candle is one OHLCV bucket.
type Candle struct {
	Symbol      string
	Interval    Interval
	BucketStart time.Time
	Open        math.LegacyDec
	High        math.LegacyDec
	Low         math.LegacyDec
	Close       math.LegacyDec
	Volume      math.LegacyDec
	Trades      int64
	Closed      bool
}

// newCandle opens a bucket at the given price. A non-trade open (continuity
// or flat fill) starts with zero volume.
func newCandle(symbol string, interval Interval, bucketStart time.Time, open math.LegacyDec) *Candle {
	return &Candle{
		Symbol:      symbol,
		Interval:    interval,
		BucketStart: bucketStart,
		Open:        open,
		High:        open,
		Low:         open,
		Close:       open,
		Volume:      math.LegacyZeroDec(),
	}
}

// apply folds one trade into the bucket.
func (c *Candle) apply(price, qty math.LegacyDec) {
	if price.GT(c.High) {
		c.High = price
	}
	if price.LT(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.Volume = c.Volume.Add(qty)
	c.Trades++
}

// Persister stores closed candles. Implemented by the sqlite store.
type Persister interface {
	SaveCandle(c *Candle) error
}

// NopPersister discards candles. Used in tests.
type NopPersister struct{}

func (NopPersister) SaveCandle(*Candle) error { return nil }
