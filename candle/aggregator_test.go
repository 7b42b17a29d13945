package candle

import (
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func newTestAggregator() *Aggregator {
	a := NewAggregator(log.NewNopLogger(), nil, nil)
	a.AddMarket("BTC-PERP")
	return a
}

// TestBucketStartAlignment tests UTC bucket truncation
func TestBucketStartAlignment(t *testing.T) {
	ts := time.Date(2025, 3, 7, 14, 37, 42, 0, time.UTC)

	cases := []struct {
		iv   Interval
		want time.Time
	}{
		{Interval1m, time.Date(2025, 3, 7, 14, 37, 0, 0, time.UTC)},
		{Interval5m, time.Date(2025, 3, 7, 14, 35, 0, 0, time.UTC)},
		{Interval15m, time.Date(2025, 3, 7, 14, 30, 0, 0, time.UTC)},
		{Interval1h, time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)},
		{Interval4h, time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)},
		{Interval1d, time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := tc.iv.BucketStart(ts); !got.Equal(tc.want) {
			t.Errorf("%s: expected %s, got %s", tc.iv, tc.want, got)
		}
	}
}

// TestApplyTradeOHLCV tests folding trades into one bucket
func TestApplyTradeOHLCV(t *testing.T) {
	a := newTestAggregator()
	ts := time.Date(2025, 3, 7, 14, 37, 5, 0, time.UTC)

	a.ApplyTrade("BTC-PERP", dec("100"), dec("1"), ts)
	a.ApplyTrade("BTC-PERP", dec("105"), dec("2"), ts.Add(10*time.Second))
	a.ApplyTrade("BTC-PERP", dec("98"), dec("1"), ts.Add(20*time.Second))

	c := a.Latest("BTC-PERP", Interval1m)
	if c == nil {
		t.Fatalf("no candle after trades")
	}
	if !c.Open.Equal(dec("100")) || !c.High.Equal(dec("105")) ||
		!c.Low.Equal(dec("98")) || !c.Close.Equal(dec("98")) {
		t.Errorf("bad OHLC: %s/%s/%s/%s", c.Open, c.High, c.Low, c.Close)
	}
	if !c.Volume.Equal(dec("4")) || c.Trades != 3 {
		t.Errorf("expected volume 4 over 3 trades, got %s/%d", c.Volume, c.Trades)
	}
}

// TestAllIntervalsUpdated tests that one trade lands in every series
func TestAllIntervalsUpdated(t *testing.T) {
	a := newTestAggregator()
	a.ApplyTrade("BTC-PERP", dec("100"), dec("1"), time.Now())

	for _, iv := range Intervals {
		if a.Count("BTC-PERP", iv) != 1 {
			t.Errorf("%s: expected 1 candle, got %d", iv, a.Count("BTC-PERP", iv))
		}
	}
}

// TestContinuityAcrossBuckets tests open == previous close
func TestContinuityAcrossBuckets(t *testing.T) {
	a := newTestAggregator()
	ts := time.Date(2025, 3, 7, 14, 37, 5, 0, time.UTC)

	a.ApplyTrade("BTC-PERP", dec("100"), dec("1"), ts)
	a.ApplyTrade("BTC-PERP", dec("104"), dec("1"), ts.Add(time.Minute))

	c := a.Latest("BTC-PERP", Interval1m)
	if !c.Open.Equal(dec("100")) {
		t.Errorf("next bucket should open at previous close 100, got %s", c.Open)
	}
	if !c.High.Equal(dec("104")) {
		t.Errorf("expected high 104, got %s", c.High)
	}
}

// TestRollFlatFills tests gap filling when no trades arrive
func TestRollFlatFills(t *testing.T) {
	a := newTestAggregator()
	ts := time.Date(2025, 3, 7, 14, 37, 5, 0, time.UTC)
	a.ApplyTrade("BTC-PERP", dec("100"), dec("1"), ts)

	// Three minutes pass with no trades.
	a.roll(ts.Add(3 * time.Minute))

	if got := a.Count("BTC-PERP", Interval1m); got != 4 {
		t.Fatalf("expected 4 one-minute candles after roll, got %d", got)
	}
	history := a.History("BTC-PERP", Interval1m, time.Time{}, time.Time{}, 0)
	for i, c := range history[1:] {
		if !c.Open.Equal(dec("100")) || !c.Close.Equal(dec("100")) || !c.Volume.IsZero() {
			t.Errorf("flat fill %d not flat: open %s close %s vol %s", i, c.Open, c.Close, c.Volume)
		}
	}
	for _, c := range history[:3] {
		if !c.Closed {
			t.Errorf("passed bucket %s not closed", c.BucketStart)
		}
	}
	if history[3].Closed {
		t.Errorf("live bucket should stay open")
	}
}

// TestHistoryWindow tests range and limit filtering
func TestHistoryWindow(t *testing.T) {
	a := newTestAggregator()
	base := time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		a.ApplyTrade("BTC-PERP", dec("100"), dec("1"), base.Add(time.Duration(i)*time.Minute))
	}

	got := a.History("BTC-PERP", Interval1m, base.Add(2*time.Minute), base.Add(5*time.Minute), 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 candles in [2m,5m), got %d", len(got))
	}
	if !got[0].BucketStart.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("window start wrong: %s", got[0].BucketStart)
	}

	capped := a.History("BTC-PERP", Interval1m, time.Time{}, time.Time{}, 4)
	if len(capped) != 4 {
		t.Errorf("expected limit 4, got %d", len(capped))
	}
}

// TestRestoreThenContinue tests startup reload flowing into live updates
func TestRestoreThenContinue(t *testing.T) {
	a := newTestAggregator()
	bucket := time.Date(2025, 3, 7, 14, 36, 0, 0, time.UTC)
	a.Restore(&Candle{
		Symbol: "BTC-PERP", Interval: Interval1m, BucketStart: bucket,
		Open: dec("99"), High: dec("101"), Low: dec("98"), Close: dec("100"),
		Volume: dec("5"), Trades: 7, Closed: true,
	})

	a.ApplyTrade("BTC-PERP", dec("102"), dec("1"), bucket.Add(time.Minute))
	c := a.Latest("BTC-PERP", Interval1m)
	if !c.Open.Equal(dec("100")) {
		t.Errorf("live bucket should continue from restored close, got open %s", c.Open)
	}
}

// TestUnknownMarketIgnored tests that unregistered symbols are dropped
func TestUnknownMarketIgnored(t *testing.T) {
	a := newTestAggregator()
	a.ApplyTrade("DOGE-PERP", dec("1"), dec("1"), time.Now())
	if a.Latest("DOGE-PERP", Interval1m) != nil {
		t.Errorf("trade for unknown market created a series")
	}
}

// TestUnsupportedIntervalQueries tests lookups for an interval no series holds
func TestUnsupportedIntervalQueries(t *testing.T) {
	a := newTestAggregator()
	a.ApplyTrade("BTC-PERP", dec("100"), dec("1"), time.Now())

	bogus := Interval("2m")
	if c := a.Latest("BTC-PERP", bogus); c != nil {
		t.Errorf("expected nil latest for an unsupported interval, got %+v", c)
	}
	if n := a.Count("BTC-PERP", bogus); n != 0 {
		t.Errorf("expected count 0 for an unsupported interval, got %d", n)
	}
	if h := a.History("BTC-PERP", bogus, time.Time{}, time.Time{}, 0); h != nil {
		t.Errorf("expected no history for an unsupported interval, got %d candles", len(h))
	}
}
