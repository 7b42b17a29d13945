package keeper

import (
	"testing"
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/simperp/clob/types"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func restingOrder(id, address string, side types.Side, price, qty string) *types.Order {
	return types.NewOrder(id, "", "AAPL-PERP", address, side, types.OrderTypeLimit,
		dec(price), dec(qty), math.LegacyNewDec(10), false, false)
}

// TestBookAddRemove tests resting and pulling orders
func TestBookAddRemove(t *testing.T) {
	b := NewBook("AAPL-PERP")
	o := restingOrder("o1", "alice", types.SideBuy, "200", "1")
	b.Add(o)

	if b.Get("o1") == nil {
		t.Fatalf("order not resting after Add")
	}
	if !b.LevelQty(types.SideBuy, dec("200")).Equal(dec("1")) {
		t.Errorf("expected level qty 1, got %s", b.LevelQty(types.SideBuy, dec("200")))
	}

	removed := b.Remove("o1")
	if removed == nil || removed.OrderID != "o1" {
		t.Fatalf("Remove returned %v", removed)
	}
	if b.Get("o1") != nil || b.BestBid() != nil {
		t.Errorf("order still on book after Remove")
	}
	if b.Remove("o1") != nil {
		t.Errorf("second Remove should return nil")
	}
}

// TestBestBidAsk tests price ordering per side
func TestBestBidAsk(t *testing.T) {
	b := NewBook("AAPL-PERP")
	b.Add(restingOrder("b1", "alice", types.SideBuy, "199", "1"))
	b.Add(restingOrder("b2", "alice", types.SideBuy, "200", "1"))
	b.Add(restingOrder("a1", "bob", types.SideSell, "202", "1"))
	b.Add(restingOrder("a2", "bob", types.SideSell, "201", "1"))

	if !b.BestBid().Price.Equal(dec("200")) {
		t.Errorf("expected best bid 200, got %s", b.BestBid().Price)
	}
	if !b.BestAsk().Price.Equal(dec("201")) {
		t.Errorf("expected best ask 201, got %s", b.BestAsk().Price)
	}
}

// TestLevelFIFO tests queue order within a price level
func TestLevelFIFO(t *testing.T) {
	b := NewBook("AAPL-PERP")
	b.Add(restingOrder("o1", "alice", types.SideSell, "200", "1"))
	b.Add(restingOrder("o2", "carol", types.SideSell, "200", "1"))

	level := b.BestAsk()
	if len(level.Orders) != 2 || level.Orders[0].OrderID != "o1" {
		t.Errorf("expected o1 first in queue")
	}
	if !level.Quantity.Equal(dec("2")) {
		t.Errorf("expected aggregate 2, got %s", level.Quantity)
	}
}

// TestLevelTieBreakOnEqualCreateTime tests deterministic queue order when
// two orders share a timestamp
func TestLevelTieBreakOnEqualCreateTime(t *testing.T) {
	b := NewBook("AAPL-PERP")
	ts := time.Now()

	later := restingOrder("zz-2", "alice", types.SideBuy, "200", "1")
	earlier := restingOrder("aa-1", "bob", types.SideBuy, "200", "1")
	later.CreatedAt = ts
	earlier.CreatedAt = ts

	b.Add(later)
	b.Add(earlier)

	level := b.BestBid()
	if level.Orders[0].OrderID != "aa-1" || level.Orders[1].OrderID != "zz-2" {
		t.Errorf("expected order id to break the tie, got %s then %s",
			level.Orders[0].OrderID, level.Orders[1].OrderID)
	}

	// Distinct timestamps keep FIFO no matter the ids.
	b2 := NewBook("AAPL-PERP")
	first := restingOrder("zz-first", "alice", types.SideSell, "200", "1")
	second := restingOrder("aa-second", "bob", types.SideSell, "200", "1")
	first.CreatedAt = ts
	second.CreatedAt = ts.Add(time.Millisecond)

	b2.Add(second)
	b2.Add(first)

	lvl := b2.BestAsk()
	if lvl.Orders[0].OrderID != "zz-first" {
		t.Errorf("expected create time to win, got %s first", lvl.Orders[0].OrderID)
	}
}

// TestReduceOrderAggregate tests partial fills against the cached level sum
func TestReduceOrderAggregate(t *testing.T) {
	b := NewBook("AAPL-PERP")
	o := restingOrder("o1", "alice", types.SideSell, "200", "1")
	b.Add(o)

	if err := o.Fill(dec("0.4"), dec("200")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	b.ReduceOrder(o, dec("0.4"))

	if !b.LevelQty(types.SideSell, dec("200")).Equal(dec("0.6")) {
		t.Errorf("expected level qty 0.6, got %s", b.LevelQty(types.SideSell, dec("200")))
	}
	if b.Get("o1") == nil {
		t.Errorf("partially filled order evicted")
	}

	if err := o.Fill(dec("0.6"), dec("200")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	b.ReduceOrder(o, dec("0.6"))

	if b.Get("o1") != nil || b.BestAsk() != nil {
		t.Errorf("filled order should be evicted and the level gone")
	}
}

// TestSnapshotLevels tests depth aggregation and the level cap
func TestSnapshotLevels(t *testing.T) {
	b := NewBook("AAPL-PERP")
	b.Add(restingOrder("b1", "alice", types.SideBuy, "199", "1"))
	b.Add(restingOrder("b2", "alice", types.SideBuy, "200", "2"))
	b.Add(restingOrder("b3", "alice", types.SideBuy, "198", "1"))
	b.Add(restingOrder("a1", "bob", types.SideSell, "201", "1.5"))

	snap := b.Snapshot(2)
	if len(snap.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(dec("200")) || !snap.Bids[1].Price.Equal(dec("199")) {
		t.Errorf("bids not descending: %s, %s", snap.Bids[0].Price, snap.Bids[1].Price)
	}
	if !snap.Bids[0].Quantity.Equal(dec("2")) {
		t.Errorf("expected qty 2 at best bid, got %s", snap.Bids[0].Quantity)
	}
	if !snap.Asks[0].Quote.Equal(dec("301.5")) {
		t.Errorf("expected quote 301.5, got %s", snap.Asks[0].Quote)
	}
}
