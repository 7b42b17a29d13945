package candle

import (
	"math/rand"
	"time"

	"cosmossdk.io/math"
)

const (
	seedMinCandles = 60 // minimum 1m history before seeding is skipped
	ticksPerCandle = 12
	maxTickBps     = 5  // 0.05% per tick
	maxRangeBps    = 15 // 0.15% high-low range per candle
)

// SeedIfSparse backfills a synthetic 1m random walk ending near basePrice
// when the persisted history is too thin to draw a chart, then rebuilds the
// higher intervals from the seeded minutes. Real trades overwrite the walk
// from the moment the market goes live.
func (a *Aggregator) SeedIfSparse(symbol string, basePrice math.LegacyDec, now time.Time) {
	if !basePrice.IsPositive() {
		return
	}
	if a.Count(symbol, Interval1m) >= seedMinCandles {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	byInterval, ok := a.markets[symbol]
	if !ok {
		return
	}

	rng := rand.New(rand.NewSource(now.UnixNano()))
	n := seedMinCandles * 2
	end := Interval1m.BucketStart(now)
	start := end.Add(-time.Duration(n) * time.Minute)

	// The walk runs backwards in time from an anchor perturbed off the live
	// price, so the newest close is a price the walk chose rather than the
	// oracle quote itself. Each candle is generated in reverse tick order;
	// open and close swap when it is read forward.
	offset := 1 + rng.Int63n(maxTickBps)
	if rng.Intn(2) == 0 {
		offset = -offset
	}
	price := basePrice.MulInt64(10000 + offset).QuoInt64(10000)

	minutes := make([]*Candle, n)
	sigma := 1.0 // volatility regime, clusters
	for i := n - 1; i >= 0; i-- {
		bucket := start.Add(time.Duration(i) * time.Minute)
		c := newCandle(symbol, Interval1m, bucket, price)
		for t := 0; t < ticksPerCandle; t++ {
			bps := int64((rng.Float64()*2 - 1) * float64(maxTickBps) * sigma)
			next := price.MulInt64(10000 + bps).QuoInt64(10000)
			next = clampToRange(next, c.Open)
			price = next
			c.apply(price, math.LegacyZeroDec())
		}
		// regime shifts keep quiet and busy stretches alternating
		sigma = sigma*0.85 + rng.Float64()*0.3
		if sigma < 0.2 {
			sigma = 0.2
		} else if sigma > 1.0 {
			sigma = 1.0
		}
		c.Open, c.Close = c.Close, c.Open
		c.Trades = 0
		c.Closed = bucket.Add(time.Minute).Before(now)
		minutes[i] = c
	}

	s1 := byInterval[Interval1m]
	for _, c := range minutes {
		s1.put(c)
	}
	for _, iv := range Intervals[1:] {
		rebuildFromMinutes(byInterval[iv], symbol, iv, minutes, now)
	}
	a.logger.Info("seeded synthetic candles", "symbol", symbol, "count", n, "base", basePrice)
}

// clampToRange keeps a tick inside the per-candle range cap around open.
func clampToRange(price, open math.LegacyDec) math.LegacyDec {
	band := open.MulInt64(maxRangeBps).QuoInt64(10000)
	if hi := open.Add(band); price.GT(hi) {
		return hi
	}
	if lo := open.Sub(band); price.LT(lo) {
		return lo
	}
	return price
}

// rebuildFromMinutes folds seeded 1m candles into a higher interval.
func rebuildFromMinutes(s *series, symbol string, iv Interval, minutes []*Candle, now time.Time) {
	for _, m := range minutes {
		bucket := iv.BucketStart(m.BucketStart)
		c := s.get(bucket)
		if c == nil {
			c = newCandle(symbol, iv, bucket, m.Open)
			c.Closed = bucket.Add(iv.Duration()).Before(now)
			s.put(c)
		}
		if m.High.GT(c.High) {
			c.High = m.High
		}
		if m.Low.LT(c.Low) {
			c.Low = m.Low
		}
		c.Close = m.Close
	}
}
