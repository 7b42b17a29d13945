package keeper

import (
	"testing"
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/simperp/perp/types"
)

func testMarketConfig() types.MarketConfig {
	return types.MarketConfig{
		Symbol: "AAPL-PERP", BaseAsset: "AAPL", QuoteAsset: "USD",
		TickSize:              dec("0.01"),
		LotSize:               dec("0.01"),
		MinOrderSize:          dec("0.01"),
		MaxOrderSize:          dec("10000"),
		MaxLeverage:           math.LegacyNewDec(10),
		InitialMarginRate:     dec("0.1"),
		MaintenanceMarginRate: dec("0.05"),
	}
}

func setupMarketKeeper(t *testing.T) *Keeper {
	t.Helper()
	k := newTestKeeper()
	if _, err := k.AddMarket(testMarketConfig()); err != nil {
		t.Fatalf("add market: %v", err)
	}
	return k
}

// fundAndLock credits the address and locks order margin the way the
// matching engine does before settlement.
func fundAndLock(t *testing.T, k *Keeper, address string, credit, lock math.LegacyDec, ref string) {
	t.Helper()
	if _, err := k.Credit(address, credit, "test", ref+":credit"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := k.Lock(address, lock, "order_margin", ref+":lock"); err != nil {
		t.Fatalf("lock: %v", err)
	}
}

// TestOpenPosition tests margin consumption and liquidation price on open
func TestOpenPosition(t *testing.T) {
	k := setupMarketKeeper(t)
	fundAndLock(t, k, "bob", dec("1000"), dec("20.05"), "o1")

	pos, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200.5"), LockPrice: dec("200.5"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	if !pos.Margin.Equal(dec("20.05")) {
		t.Errorf("expected margin 20.05, got %s", pos.Margin)
	}
	if !pos.Leverage.Equal(math.LegacyNewDec(10)) {
		t.Errorf("expected leverage 10, got %s", pos.Leverage)
	}
	// (200.5 - 20.05) / (1 * 0.95)
	expectedLiq := dec("180.45").Quo(dec("0.95"))
	if !pos.LiquidationPrice.Equal(expectedLiq) {
		t.Errorf("expected liq price %s, got %s", expectedLiq, pos.LiquidationPrice)
	}

	b := k.GetBalance("bob")
	if !b.Free.Equal(dec("979.95")) || !b.Locked.IsZero() {
		t.Errorf("expected free 979.95 locked 0, got %s/%s", b.Free, b.Locked)
	}
	assertConservation(t, k, "bob")
}

// TestAddToPosition tests weighted average entry on same-side fills
func TestAddToPosition(t *testing.T) {
	k := setupMarketKeeper(t)
	fundAndLock(t, k, "bob", dec("1000"), dec("20"), "o1")
	if _, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200"), LockPrice: dec("200"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("first fill: %v", err)
	}

	if _, err := k.Lock("bob", dec("21"), "order_margin", "o2:lock"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	pos, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("210"), LockPrice: dec("210"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t2", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}

	if !pos.Size.Equal(dec("2")) {
		t.Errorf("expected size 2, got %s", pos.Size)
	}
	if !pos.AvgEntryPrice.Equal(dec("205")) {
		t.Errorf("expected avg entry 205, got %s", pos.AvgEntryPrice)
	}
	if !pos.Margin.Equal(dec("41")) {
		t.Errorf("expected margin 41, got %s", pos.Margin)
	}
	assertConservation(t, k, "bob")
}

// TestReducePosition tests margin release plus realized PnL on partial close
func TestReducePosition(t *testing.T) {
	k := setupMarketKeeper(t)
	fundAndLock(t, k, "bob", dec("1000"), dec("20"), "o1")
	if _, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200"), LockPrice: dec("200"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Reduce-only close of half the position at a profit: no lock price.
	pos, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideShort,
		Quantity: dec("0.5"), Price: dec("210"), LockPrice: dec("0"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t2", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}

	if !pos.Size.Equal(dec("0.5")) || !pos.Margin.Equal(dec("10")) {
		t.Errorf("expected size 0.5 margin 10, got %s/%s", pos.Size, pos.Margin)
	}
	if !pos.RealizedPnl.Equal(dec("5")) {
		t.Errorf("expected realized 5, got %s", pos.RealizedPnl)
	}
	// 980 after open + 10 margin share + 5 profit
	b := k.GetBalance("bob")
	if !b.Free.Equal(dec("995")) {
		t.Errorf("expected free 995, got %s", b.Free)
	}
	assertConservation(t, k, "bob")
}

// TestReduceLossClampedAtMargin tests that a losing close never goes negative
func TestReduceLossClampedAtMargin(t *testing.T) {
	k := setupMarketKeeper(t)
	fundAndLock(t, k, "bob", dec("1000"), dec("20"), "o1")
	if _, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200"), LockPrice: dec("200"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Close at 170: realized -30 exceeds the 20 margin share, payout floors
	// at zero.
	pos, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideShort,
		Quantity: dec("1"), Price: dec("170"), LockPrice: dec("0"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t2", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if pos.Status != types.PositionStatusClosed {
		t.Errorf("expected closed, got %s", pos.Status.String())
	}
	if k.GetPosition("bob", "AAPL-PERP") != nil {
		t.Errorf("closed position still listed")
	}
	b := k.GetBalance("bob")
	if !b.Free.Equal(dec("980")) {
		t.Errorf("expected free 980, got %s", b.Free)
	}
	assertConservation(t, k, "bob")
}

// TestFlipPosition tests closing through zero onto the other side
func TestFlipPosition(t *testing.T) {
	k := setupMarketKeeper(t)
	fundAndLock(t, k, "bob", dec("1000"), dec("20"), "o1")
	if _, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200"), LockPrice: dec("200"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Sell 2 at 190: closes the long (realized -10), opens a short of 1.
	if _, err := k.Lock("bob", dec("38"), "order_margin", "o2:lock"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	pos, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideShort,
		Quantity: dec("2"), Price: dec("190"), LockPrice: dec("190"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t2", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("flip: %v", err)
	}

	if pos.Side != types.PositionSideShort {
		t.Fatalf("expected short after flip, got %s", pos.Side.String())
	}
	if !pos.Size.Equal(dec("1")) || !pos.AvgEntryPrice.Equal(dec("190")) {
		t.Errorf("expected short 1 @ 190, got %s @ %s", pos.Size, pos.AvgEntryPrice)
	}
	if !pos.Margin.Equal(dec("19")) {
		t.Errorf("expected margin 19, got %s", pos.Margin)
	}
	// 1000 - 19 short margin - 10 realized loss
	b := k.GetBalance("bob")
	if !b.Free.Equal(dec("971")) || !b.Locked.IsZero() {
		t.Errorf("expected free 971 locked 0, got %s/%s", b.Free, b.Locked)
	}
	assertConservation(t, k, "bob")
}

// TestLiquidation tests forced close with margin forfeited
func TestLiquidation(t *testing.T) {
	k := setupMarketKeeper(t)
	fundAndLock(t, k, "bob", dec("1000"), dec("20"), "o1")
	pos, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200"), LockPrice: dec("200"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// liq = (200-20)/0.95 ~ 189.47
	if err := k.SetOraclePrice("AAPL-PERP", dec("185"), time.Now()); err != nil {
		t.Fatalf("set oracle: %v", err)
	}

	if pos.Status != types.PositionStatusLiquidated {
		t.Errorf("expected liquidated, got %s", pos.Status.String())
	}
	if k.GetPosition("bob", "AAPL-PERP") != nil {
		t.Errorf("liquidated position still open")
	}
	// Margin is forfeited, nothing returns to the ledger.
	b := k.GetBalance("bob")
	if !b.Free.Equal(dec("980")) || !b.Locked.IsZero() {
		t.Errorf("expected free 980 locked 0, got %s/%s", b.Free, b.Locked)
	}
	assertConservation(t, k, "bob")
}

// TestMarkAboveLiquidationKeepsPosition tests that a safe mark only refreshes PnL
func TestMarkAboveLiquidationKeepsPosition(t *testing.T) {
	k := setupMarketKeeper(t)
	fundAndLock(t, k, "bob", dec("1000"), dec("20"), "o1")
	pos, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200"), LockPrice: dec("200"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := k.SetOraclePrice("AAPL-PERP", dec("195"), time.Now()); err != nil {
		t.Fatalf("set oracle: %v", err)
	}
	if pos.Status != types.PositionStatusOpen {
		t.Errorf("position should survive mark above liq price")
	}
	if !pos.UnrealizedPnl.Equal(dec("-5")) {
		t.Errorf("expected unrealized -5, got %s", pos.UnrealizedPnl)
	}
}

// TestLiquidationSaveConsumedOncePerDay tests the save talent bookkeeping
func TestLiquidationSaveConsumedOncePerDay(t *testing.T) {
	k := setupMarketKeeper(t)
	talents := types.DefaultTalents()
	talents.LiquidationSave = true
	k.SetTalents("bob", talents)

	fundAndLock(t, k, "bob", dec("1000"), dec("20"), "o1")
	if _, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200"), LockPrice: dec("200"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := k.SetOraclePrice("AAPL-PERP", dec("185"), time.Now()); err != nil {
		t.Fatalf("set oracle: %v", err)
	}

	u := k.GetUser("bob")
	today := time.Now().UTC().Format("2006-01-02")
	if u.LiquidationSaveDay != today {
		t.Errorf("save talent not consumed, day %q", u.LiquidationSaveDay)
	}
	// Halving size and margin leaves the liquidation price unchanged, so the
	// recheck closes the position anyway. At most one save per crossing.
	if k.GetPosition("bob", "AAPL-PERP") != nil {
		t.Errorf("position should be closed after the post-save recheck")
	}
}

// TestApplyFillWithoutLockedMargin tests that settlement fails cleanly
func TestApplyFillWithoutLockedMargin(t *testing.T) {
	k := setupMarketKeeper(t)
	k.Credit("bob", dec("1000"), "test", "c1")

	_, err := k.ApplyFill(Fill{
		Address: "bob", MarketSymbol: "AAPL-PERP", Side: types.PositionSideLong,
		Quantity: dec("1"), Price: dec("200"), LockPrice: dec("200"),
		Leverage: math.LegacyNewDec(10), ReferenceID: "t1", Timestamp: time.Now(),
	})
	if !types.ErrInsufficientLocked.Is(err) {
		t.Errorf("expected ErrInsufficientLocked, got %v", err)
	}
}

// TestLiquidationPriceShort tests the short-side formula
func TestLiquidationPriceShort(t *testing.T) {
	// (200*1 + 20) / (1 * 1.05)
	liq := types.LiquidationPriceFor(types.PositionSideShort, dec("200"), dec("1"), dec("20"), dec("0.05"))
	expected := dec("220").Quo(dec("1.05"))
	if !liq.Equal(expected) {
		t.Errorf("expected %s, got %s", expected, liq)
	}
}
