package candle

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/huandu/skiplist"

	"github.com/openalpha/simperp/events"
)

const maxRetained = 5000 // per (market, interval), oldest evicted first

// series holds one (market, interval) candle history ordered by bucket start.
type series struct {
	list *skiplist.SkipList // unix bucket start -> *Candle
}

func newSeries() *series {
	return &series{list: skiplist.New(skiplist.Int64)}
}

func (s *series) get(bucketStart time.Time) *Candle {
	elem := s.list.Get(bucketStart.Unix())
	if elem == nil {
		return nil
	}
	return elem.Value.(*Candle)
}

func (s *series) put(c *Candle) {
	s.list.Set(c.BucketStart.Unix(), c)
	for s.list.Len() > maxRetained {
		s.list.RemoveFront()
	}
}

// latest returns the most recent candle, or nil.
func (s *series) latest() *Candle {
	elem := s.list.Back()
	if elem == nil {
		return nil
	}
	return elem.Value.(*Candle)
}

// scan visits candles with bucketStart in [from, to), ascending.
func (s *series) scan(from, to time.Time, fn func(*Candle) bool) {
	elem := s.list.Find(from.Unix())
	for elem != nil {
		c := elem.Value.(*Candle)
		if !to.IsZero() && !c.BucketStart.Before(to) {
			return
		}
		if !fn(c) {
			return
		}
		elem = elem.Next()
	}
}

// Aggregator folds trades into candle series for every market and interval,
// closes buckets on the wall clock, and flat-fills empty ones.
type Aggregator struct {
	logger  log.Logger
	store   Persister
	events  events.Publisher
	mu      sync.RWMutex
	markets map[string]map[Interval]*series
}

// NewAggregator creates an aggregator with no series.
func NewAggregator(logger log.Logger, store Persister, pub events.Publisher) *Aggregator {
	if store == nil {
		store = NopPersister{}
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Aggregator{
		logger:  logger.With("module", "candle"),
		store:   store,
		events:  pub,
		markets: make(map[string]map[Interval]*series),
	}
}

// AddMarket creates empty series for every interval.
func (a *Aggregator) AddMarket(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.markets[symbol]; ok {
		return
	}
	byInterval := make(map[Interval]*series, len(Intervals))
	for _, iv := range Intervals {
		byInterval[iv] = newSeries()
	}
	a.markets[symbol] = byInterval
}

// ApplyTrade folds one executed trade into every interval's live bucket.
// Called synchronously from the matching path.
func (a *Aggregator) ApplyTrade(symbol string, price, qty math.LegacyDec, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byInterval, ok := a.markets[symbol]
	if !ok {
		return
	}
	for _, iv := range Intervals {
		s := byInterval[iv]
		bucket := iv.BucketStart(ts)
		c := s.get(bucket)
		if c == nil {
			c = a.openBucket(s, symbol, iv, bucket, price)
		}
		c.apply(price, qty)
		a.publish(c)
	}
}

// openBucket starts a bucket whose open continues the previous close. The
// first bucket of a series has no precedent and opens at the first trade
// price.
func (a *Aggregator) openBucket(s *series, symbol string, iv Interval, bucket time.Time, fallback math.LegacyDec) *Candle {
	open := fallback
	if prev := s.latest(); prev != nil && prev.Close.IsPositive() {
		open = prev.Close
	}
	c := newCandle(symbol, iv, bucket, open)
	s.put(c)
	return c
}

// Run closes finished buckets once a second and flat-fills markets with no
// trades so charts stay continuous. Blocks until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.roll(now)
		}
	}
}

// roll closes every bucket whose window has passed and opens a flat
// continuation bucket at the previous close.
func (a *Aggregator) roll(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for symbol, byInterval := range a.markets {
		for _, iv := range Intervals {
			s := byInterval[iv]
			latest := s.latest()
			if latest == nil || latest.Open.IsZero() {
				continue
			}
			current := iv.BucketStart(now)
			for latest.BucketStart.Before(current) {
				if !latest.Closed {
					latest.Closed = true
					if err := a.store.SaveCandle(latest); err != nil {
						a.logger.Error("persist candle", "symbol", symbol, "interval", iv, "err", err)
					}
					a.publish(latest)
				}
				next := newCandle(symbol, iv, latest.BucketStart.Add(iv.Duration()), latest.Close)
				s.put(next)
				latest = next
			}
		}
	}
}

// History returns candles for [from, to), ascending, capped at limit.
// A zero "to" means no upper bound.
func (a *Aggregator) History(symbol string, iv Interval, from, to time.Time, limit int) []*Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byInterval, ok := a.markets[symbol]
	if !ok {
		return nil
	}
	s := byInterval[iv]
	if s == nil {
		return nil
	}
	var out []*Candle
	s.scan(from, to, func(c *Candle) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		out = append(out, c)
		return true
	})
	return out
}

// Latest returns the live candle for a series, or nil.
func (a *Aggregator) Latest(symbol string, iv Interval) *Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byInterval, ok := a.markets[symbol]
	if !ok {
		return nil
	}
	s := byInterval[iv]
	if s == nil {
		return nil
	}
	return s.latest()
}

// Count returns how many candles a series holds.
func (a *Aggregator) Count(symbol string, iv Interval) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byInterval, ok := a.markets[symbol]
	if !ok {
		return 0
	}
	s := byInterval[iv]
	if s == nil {
		return 0
	}
	return s.list.Len()
}

// Restore loads a persisted candle into its series (startup only).
func (a *Aggregator) Restore(c *Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byInterval, ok := a.markets[c.Symbol]
	if !ok {
		return
	}
	if s := byInterval[c.Interval]; s != nil {
		s.put(c)
	}
}

func (a *Aggregator) publish(c *Candle) {
	a.events.Publish(events.CandlesTopic(c.Symbol, string(c.Interval)), events.TypeCandleUpdate, events.CandleUpdate{
		Symbol:      c.Symbol,
		Interval:    string(c.Interval),
		BucketStart: c.BucketStart.Unix(),
		Open:        c.Open.String(),
		High:        c.High.String(),
		Low:         c.Low.String(),
		Close:       c.Close.String(),
		Volume:      c.Volume.String(),
		Trades:      c.Trades,
		IsClosed:    c.Closed,
	})
}
