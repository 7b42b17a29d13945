package keeper

import (
	"testing"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/simperp/clob/types"
	perpkeeper "github.com/openalpha/simperp/perp/keeper"
	perptypes "github.com/openalpha/simperp/perp/types"
)

const testMarket = "AAPL-PERP"

func setupEngine(t *testing.T) (*Keeper, *perpkeeper.Keeper) {
	t.Helper()
	logger := log.NewNopLogger()
	perp := perpkeeper.New(logger, nil, nil, perpkeeper.DefaultFaucetConfig())
	_, err := perp.AddMarket(perptypes.MarketConfig{
		Symbol: testMarket, BaseAsset: "AAPL", QuoteAsset: "USD",
		TickSize:              dec("0.01"),
		LotSize:               dec("0.01"),
		MinOrderSize:          dec("0.01"),
		MaxOrderSize:          dec("10000"),
		MaxLeverage:           math.LegacyNewDec(10),
		InitialMarginRate:     dec("0.1"),
		MaintenanceMarginRate: dec("0.05"),
	})
	if err != nil {
		t.Fatalf("add market: %v", err)
	}
	k := New(logger, nil, nil, perp)
	k.AddMarket(testMarket)
	return k, perp
}

func fund(t *testing.T, perp *perpkeeper.Keeper, address string) {
	t.Helper()
	if _, err := perp.Credit(address, dec("1000"), "test", "fund:"+address); err != nil {
		t.Fatalf("fund %s: %v", address, err)
	}
}

func limitReq(address string, side types.Side, price, qty string) SubmitRequest {
	return SubmitRequest{
		Address:      address,
		MarketSymbol: testMarket,
		Side:         side,
		OrderType:    types.OrderTypeLimit,
		Price:        dec(price),
		Quantity:     dec(qty),
		Leverage:     math.LegacyNewDec(10),
	}
}

// TestLimitOrderRests tests that a non-crossing limit order locks margin and
// lands on the book
func TestLimitOrderRests(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "bob")

	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Order.Status != types.OrderStatusOpen {
		t.Errorf("expected open, got %s", res.Order.Status.String())
	}
	if len(res.Trades) != 0 {
		t.Errorf("expected no trades on an empty book")
	}
	if !res.Order.MarginLocked.Equal(dec("20")) {
		t.Errorf("expected margin locked 20, got %s", res.Order.MarginLocked)
	}

	b := perp.GetBalance("bob")
	if !b.Free.Equal(dec("980")) || !b.Locked.Equal(dec("20")) {
		t.Errorf("expected 980/20, got %s/%s", b.Free, b.Locked)
	}
	snap := k.Depth(testMarket, 10)
	if len(snap.Bids) != 1 || !snap.Bids[0].Quantity.Equal(dec("1")) {
		t.Errorf("order not visible in depth: %+v", snap.Bids)
	}
}

// TestLimitOrdersMatch tests a full cross settling both sides
func TestLimitOrdersMatch(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "bob")

	if _, err := k.SubmitOrder(limitReq("alice", types.SideSell, "200", "1")); err != nil {
		t.Fatalf("maker: %v", err)
	}
	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1"))
	if err != nil {
		t.Fatalf("taker: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if !trade.Price.Equal(dec("200")) || !trade.Quantity.Equal(dec("1")) {
		t.Errorf("expected 1 @ 200, got %s @ %s", trade.Quantity, trade.Price)
	}
	if trade.Side != types.SideBuy {
		t.Errorf("trade side should be the taker's")
	}
	if res.Order.Status != types.OrderStatusFilled {
		t.Errorf("taker not filled: %s", res.Order.Status.String())
	}

	long := perp.GetPosition("bob", testMarket)
	short := perp.GetPosition("alice", testMarket)
	if long == nil || long.Side != perptypes.PositionSideLong || !long.Size.Equal(dec("1")) {
		t.Fatalf("bad long position: %+v", long)
	}
	if short == nil || short.Side != perptypes.PositionSideShort {
		t.Fatalf("bad short position: %+v", short)
	}
	if !long.Margin.Equal(dec("20")) || !short.Margin.Equal(dec("20")) {
		t.Errorf("expected margin 20 each, got %s/%s", long.Margin, short.Margin)
	}

	for _, addr := range []string{"alice", "bob"} {
		b := perp.GetBalance(addr)
		if !b.Free.Equal(dec("980")) || !b.Locked.IsZero() {
			t.Errorf("%s: expected 980/0, got %s/%s", addr, b.Free, b.Locked)
		}
	}
	if len(k.Depth(testMarket, 10).Asks) != 0 {
		t.Errorf("book should be empty after the cross")
	}
}

// TestPriceImprovement tests that fills execute at the maker price and the
// taker's excess margin is returned
func TestPriceImprovement(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "bob")

	k.SubmitOrder(limitReq("alice", types.SideSell, "200", "1"))
	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "201", "1"))
	if err != nil {
		t.Fatalf("taker: %v", err)
	}

	if !res.Trades[0].Price.Equal(dec("200")) {
		t.Errorf("expected maker price 200, got %s", res.Trades[0].Price)
	}
	// 20.1 locked at the limit price, 20 consumed, 0.1 back.
	b := perp.GetBalance("bob")
	if !b.Free.Equal(dec("980")) || !b.Locked.IsZero() {
		t.Errorf("expected 980/0 after excess release, got %s/%s", b.Free, b.Locked)
	}
}

// TestPartialFill tests a taker larger than the resting liquidity
func TestPartialFill(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "bob")

	k.SubmitOrder(limitReq("alice", types.SideSell, "200", "0.5"))
	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1"))
	if err != nil {
		t.Fatalf("taker: %v", err)
	}

	if res.Order.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("expected partial, got %s", res.Order.Status.String())
	}
	if !res.Order.RemainingQty().Equal(dec("0.5")) {
		t.Errorf("expected remaining 0.5, got %s", res.Order.RemainingQty())
	}
	// Margin for the unfilled half stays locked.
	if !res.Order.MarginLocked.Equal(dec("10")) {
		t.Errorf("expected residual margin 10, got %s", res.Order.MarginLocked)
	}
	b := perp.GetBalance("bob")
	if !b.Locked.Equal(dec("10")) {
		t.Errorf("expected ledger locked 10, got %s", b.Locked)
	}
	snap := k.Depth(testMarket, 10)
	if len(snap.Bids) != 1 || !snap.Bids[0].Quantity.Equal(dec("0.5")) {
		t.Errorf("remainder not resting: %+v", snap.Bids)
	}
}

// TestPricePriority tests that a better-priced maker fills first
func TestPricePriority(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "carol")
	fund(t, perp, "bob")

	k.SubmitOrder(limitReq("alice", types.SideSell, "201", "1"))
	k.SubmitOrder(limitReq("carol", types.SideSell, "200", "1"))

	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "201", "1"))
	if err != nil {
		t.Fatalf("taker: %v", err)
	}
	if res.Trades[0].MakerAddress != "carol" || !res.Trades[0].Price.Equal(dec("200")) {
		t.Errorf("expected carol @ 200 first, got %s @ %s",
			res.Trades[0].MakerAddress, res.Trades[0].Price)
	}
}

// TestTimePriority tests FIFO within a price level
func TestTimePriority(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "carol")
	fund(t, perp, "bob")

	k.SubmitOrder(limitReq("alice", types.SideSell, "200", "0.5"))
	k.SubmitOrder(limitReq("carol", types.SideSell, "200", "0.5"))

	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "0.5"))
	if err != nil {
		t.Fatalf("taker: %v", err)
	}
	if res.Trades[0].MakerAddress != "alice" {
		t.Errorf("expected earlier order to fill first, maker %s", res.Trades[0].MakerAddress)
	}
}

// TestMarketOrderProtectiveBand tests the oracle-derived execution cap
func TestMarketOrderProtectiveBand(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "carol")
	fund(t, perp, "bob")
	if err := perp.SetOraclePrice(testMarket, dec("200"), time.Now()); err != nil {
		t.Fatalf("oracle: %v", err)
	}

	k.SubmitOrder(limitReq("alice", types.SideSell, "210", "1"))  // inside 220 cap
	k.SubmitOrder(limitReq("carol", types.SideSell, "225", "1")) // outside

	res, err := k.SubmitOrder(SubmitRequest{
		Address: "bob", MarketSymbol: testMarket,
		Side: types.SideBuy, OrderType: types.OrderTypeMarket,
		Quantity: dec("2"), Leverage: math.LegacyNewDec(10),
	})
	if err != nil {
		t.Fatalf("market order: %v", err)
	}

	if len(res.Trades) != 1 || !res.Trades[0].Price.Equal(dec("210")) {
		t.Fatalf("expected a single fill at 210, got %+v", res.Trades)
	}
	if !res.ResidualCancelled {
		t.Errorf("residual beyond the band should be cancelled")
	}
	if res.Order.Status != types.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Order.Status.String())
	}
	// All residual margin is back; only the filled unit's margin was consumed.
	b := perp.GetBalance("bob")
	if !b.Free.Equal(dec("979")) || !b.Locked.IsZero() {
		t.Errorf("expected 979/0, got %s/%s", b.Free, b.Locked)
	}
}

// TestMarketOrderWithoutOracle tests rejection when no mark exists
func TestMarketOrderWithoutOracle(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "bob")

	_, err := k.SubmitOrder(SubmitRequest{
		Address: "bob", MarketSymbol: testMarket,
		Side: types.SideBuy, OrderType: types.OrderTypeMarket,
		Quantity: dec("1"), Leverage: math.LegacyNewDec(10),
	})
	if !perptypes.ErrNoOraclePrice.Is(err) {
		t.Errorf("expected ErrNoOraclePrice, got %v", err)
	}
}

// TestPostOnly tests the would-cross rejection
func TestPostOnly(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "bob")

	k.SubmitOrder(limitReq("alice", types.SideSell, "200", "1"))

	crossing := limitReq("bob", types.SideBuy, "200", "1")
	crossing.PostOnly = true
	if _, err := k.SubmitOrder(crossing); !types.ErrPostOnlyWouldCross.Is(err) {
		t.Errorf("expected ErrPostOnlyWouldCross, got %v", err)
	}

	passive := limitReq("bob", types.SideBuy, "199", "1")
	passive.PostOnly = true
	res, err := k.SubmitOrder(passive)
	if err != nil {
		t.Fatalf("passive post-only: %v", err)
	}
	if res.Order.Status != types.OrderStatusOpen {
		t.Errorf("post-only below the spread should rest")
	}
}

// TestReduceOnly tests position-bound order sizing
func TestReduceOnly(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "bob")
	fund(t, perp, "carol")

	// No position yet.
	ro := limitReq("bob", types.SideSell, "200", "1")
	ro.ReduceOnly = true
	if _, err := k.SubmitOrder(ro); !types.ErrNoPositionToReduce.Is(err) {
		t.Errorf("expected ErrNoPositionToReduce, got %v", err)
	}

	// Open bob long 1 @ 200 against alice.
	k.SubmitOrder(limitReq("alice", types.SideSell, "200", "1"))
	if _, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1")); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Oversized reduce-only truncates to the position and carries no margin.
	k.SubmitOrder(limitReq("carol", types.SideBuy, "195", "1"))
	closing := limitReq("bob", types.SideSell, "195", "2")
	closing.ReduceOnly = true
	res, err := k.SubmitOrder(closing)
	if err != nil {
		t.Fatalf("reduce-only: %v", err)
	}
	if !res.Order.Quantity.Equal(dec("1")) {
		t.Errorf("expected truncation to 1, got %s", res.Order.Quantity)
	}
	if !res.Order.MarginLocked.IsZero() {
		t.Errorf("reduce-only order locked margin: %s", res.Order.MarginLocked)
	}
	if perp.GetPosition("bob", testMarket) != nil {
		t.Errorf("position should be closed")
	}
	// 1000 - 20 margin + 20 share - 5 realized loss
	b := perp.GetBalance("bob")
	if !b.Free.Equal(dec("995")) || !b.Locked.IsZero() {
		t.Errorf("expected 995/0, got %s/%s", b.Free, b.Locked)
	}
}

// TestReduceOnlySurvivorCancelled tests that a resting reduce-only order
// whose position was liquidated cannot open a new one
func TestReduceOnlySurvivorCancelled(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "bob")
	fund(t, perp, "carol")
	fund(t, perp, "dave")

	// Bob long 1 @ 200 against carol.
	k.SubmitOrder(limitReq("carol", types.SideSell, "200", "1"))
	if _, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1")); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Bob rests a reduce-only take-profit above the market.
	ro := limitReq("bob", types.SideSell, "210", "1")
	ro.ReduceOnly = true
	res, err := k.SubmitOrder(ro)
	if err != nil {
		t.Fatalf("reduce-only: %v", err)
	}
	roID := res.Order.OrderID

	// Mark drops through bob's liquidation price; carol's short survives.
	if err := perp.SetOraclePrice(testMarket, dec("185"), time.Now()); err != nil {
		t.Fatalf("oracle: %v", err)
	}
	if perp.GetPosition("bob", testMarket) != nil {
		t.Fatalf("long should be liquidated at 185")
	}

	// Lifting the stale ask must not hand bob a fresh short.
	lift, err := k.SubmitOrder(limitReq("dave", types.SideBuy, "210", "1"))
	if err != nil {
		t.Fatalf("taker: %v", err)
	}
	if len(lift.Trades) != 0 {
		t.Fatalf("stale reduce-only order traded: %+v", lift.Trades)
	}
	if got := k.GetOrder(roID).Status; got != types.OrderStatusCancelled {
		t.Errorf("expected stale order cancelled, got %s", got.String())
	}
	if pos := perp.GetPosition("bob", testMarket); pos != nil {
		t.Errorf("reduce-only fill opened a position: %+v", pos)
	}
	if lift.Order.Status != types.OrderStatusOpen {
		t.Errorf("taker should rest, got %s", lift.Order.Status.String())
	}
	// Bob's margin was forfeited at liquidation and nothing else moved.
	b := perp.GetBalance("bob")
	if !b.Free.Equal(dec("980")) || !b.Locked.IsZero() {
		t.Errorf("expected 980/0, got %s/%s", b.Free, b.Locked)
	}
}

// TestClosePosition tests flattening a position against the live book
func TestClosePosition(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "bob")
	fund(t, perp, "carol")

	// Bob long 1 @ 200 against alice; carol bids the exit liquidity.
	k.SubmitOrder(limitReq("alice", types.SideSell, "200", "1"))
	if _, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1")); err != nil {
		t.Fatalf("open: %v", err)
	}
	k.SubmitOrder(limitReq("carol", types.SideBuy, "195", "1"))
	if err := perp.SetOraclePrice(testMarket, dec("200"), time.Now()); err != nil {
		t.Fatalf("oracle: %v", err)
	}

	res, err := k.ClosePosition("bob", testMarket)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(res.Trades) != 1 || !res.Trades[0].Price.Equal(dec("195")) {
		t.Fatalf("expected one fill at 195, got %+v", res.Trades)
	}
	if !res.Order.ReduceOnly || res.Order.OrderType != types.OrderTypeMarket {
		t.Errorf("close should be a reduce-only market order")
	}
	if perp.GetPosition("bob", testMarket) != nil {
		t.Errorf("position should be flat")
	}
	// 1000 - 20 margin + 20 share - 5 realized loss
	b := perp.GetBalance("bob")
	if !b.Free.Equal(dec("995")) || !b.Locked.IsZero() {
		t.Errorf("expected 995/0, got %s/%s", b.Free, b.Locked)
	}

	if _, err := k.ClosePosition("bob", testMarket); !perptypes.ErrPositionNotFound.Is(err) {
		t.Errorf("expected ErrPositionNotFound on a flat account, got %v", err)
	}
}

// TestClientOrderIDReplay tests exactly-once placement semantics
func TestClientOrderIDReplay(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "bob")

	req := limitReq("bob", types.SideBuy, "190", "1")
	req.ClientOrderID = "my-order-1"
	first, err := k.SubmitOrder(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	replay, err := k.SubmitOrder(req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Order.OrderID != first.Order.OrderID {
		t.Errorf("replay created a new order")
	}
	if len(replay.Trades) != 0 {
		t.Errorf("replay produced trades")
	}
	b := perp.GetBalance("bob")
	if !b.Locked.Equal(dec("19")) {
		t.Errorf("replay moved margin: locked %s", b.Locked)
	}
}

// TestCancelOrder tests margin release and terminal-state handling
func TestCancelOrder(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "bob")

	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "190", "1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	orderID := res.Order.OrderID

	if _, err := k.CancelOrder("carol", orderID); !types.ErrUnauthorized.Is(err) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	cancelled, err := k.CancelOrder("bob", orderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status.String())
	}
	b := perp.GetBalance("bob")
	if !b.Free.Equal(dec("1000")) || !b.Locked.IsZero() {
		t.Errorf("margin not fully released: %s/%s", b.Free, b.Locked)
	}
	if len(k.Depth(testMarket, 10).Bids) != 0 {
		t.Errorf("cancelled order still on book")
	}

	if _, err := k.CancelOrder("bob", orderID); !types.ErrOrderNotActive.Is(err) {
		t.Errorf("expected ErrOrderNotActive, got %v", err)
	}
	if _, err := k.CancelOrder("bob", "unknown"); !types.ErrOrderNotFound.Is(err) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

// TestValidation tests tick, lot, size and leverage bounds
func TestValidation(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "bob")

	cases := []struct {
		name string
		mut  func(*SubmitRequest)
		want *sdkerrors.Error
	}{
		{"price off tick", func(r *SubmitRequest) { r.Price = dec("200.005") }, types.ErrPriceNotAligned},
		{"qty off lot", func(r *SubmitRequest) { r.Quantity = dec("0.005") }, types.ErrQtyNotAligned},
		{"qty above max", func(r *SubmitRequest) { r.Quantity = dec("10001") }, types.ErrOrderTooLarge},
		{"zero qty", func(r *SubmitRequest) { r.Quantity = dec("0") }, types.ErrInvalidQuantity},
		{"leverage above max", func(r *SubmitRequest) { r.Leverage = math.LegacyNewDec(11) }, perptypes.ErrInvalidLeverage},
		{"leverage below one", func(r *SubmitRequest) { r.Leverage = dec("0.5") }, perptypes.ErrInvalidLeverage},
		{"market post-only", func(r *SubmitRequest) {
			r.OrderType = types.OrderTypeMarket
			r.PostOnly = true
		}, types.ErrInvalidOrderType},
	}
	for _, tc := range cases {
		req := limitReq("bob", types.SideBuy, "200", "1")
		tc.mut(&req)
		_, err := k.SubmitOrder(req)
		if !tc.want.Is(err) {
			t.Errorf("%s: got %v", tc.name, err)
		}
	}
}

// TestPausedMarketRejects tests the paused gate
func TestPausedMarketRejects(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "bob")
	perp.PauseMarket(testMarket)

	if _, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1")); !perptypes.ErrMarketPaused.Is(err) {
		t.Errorf("expected ErrMarketPaused, got %v", err)
	}

	perp.ResumeMarket(testMarket)
	if _, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1")); err != nil {
		t.Errorf("resumed market rejected order: %v", err)
	}
}

// failingStore rejects every write the way the sqlite store does once its
// retries run out.
type failingStore struct{}

func (failingStore) SaveOrder(*types.Order) error {
	return perptypes.ErrStoreUnavailable.Wrap("disk gone")
}

func (failingStore) SaveTrade(*types.Trade) error {
	return perptypes.ErrStoreUnavailable.Wrap("disk gone")
}

// TestStoreFailurePausesMarket tests that an unrecoverable store stops trading
func TestStoreFailurePausesMarket(t *testing.T) {
	logger := log.NewNopLogger()
	perp := perpkeeper.New(logger, nil, nil, perpkeeper.DefaultFaucetConfig())
	_, err := perp.AddMarket(perptypes.MarketConfig{
		Symbol: testMarket, BaseAsset: "AAPL", QuoteAsset: "USD",
		TickSize:              dec("0.01"),
		LotSize:               dec("0.01"),
		MinOrderSize:          dec("0.01"),
		MaxOrderSize:          dec("10000"),
		MaxLeverage:           math.LegacyNewDec(10),
		InitialMarginRate:     dec("0.1"),
		MaintenanceMarginRate: dec("0.05"),
	})
	if err != nil {
		t.Fatalf("add market: %v", err)
	}
	k := New(logger, failingStore{}, nil, perp)
	k.AddMarket(testMarket)
	fund(t, perp, "bob")

	// The order itself is accepted; the failed write pauses the market.
	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Order.Status != types.OrderStatusOpen {
		t.Errorf("expected open, got %s", res.Order.Status.String())
	}
	if m := perp.GetMarket(testMarket); m.Status.IsActive() {
		t.Fatalf("market should be paused after the store gave up")
	}
	if _, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "199", "1")); !perptypes.ErrMarketPaused.Is(err) {
		t.Errorf("expected ErrMarketPaused, got %v", err)
	}
}

// TestSelfTradePrevention tests that the talent skips own resting orders
func TestSelfTradePrevention(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "bob")
	fund(t, perp, "carol")

	talents := perptypes.DefaultTalents()
	talents.SelfTradePrevention = true
	perp.SetTalents("bob", talents)

	k.SubmitOrder(limitReq("bob", types.SideSell, "200", "1"))
	k.SubmitOrder(limitReq("carol", types.SideSell, "200", "1"))

	res, err := k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "1"))
	if err != nil {
		t.Fatalf("taker: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].MakerAddress != "carol" {
		t.Fatalf("expected fill against carol, got %+v", res.Trades)
	}
	// Bob's own ask is still resting.
	if len(k.OpenOrders("bob", testMarket)) != 1 {
		t.Errorf("own resting order should survive")
	}
}

// TestRecentTradesNewestFirst tests trade history ordering
func TestRecentTradesNewestFirst(t *testing.T) {
	k, perp := setupEngine(t)
	fund(t, perp, "alice")
	fund(t, perp, "bob")

	k.SubmitOrder(limitReq("alice", types.SideSell, "200", "0.5"))
	k.SubmitOrder(limitReq("bob", types.SideBuy, "200", "0.5"))
	k.SubmitOrder(limitReq("alice", types.SideSell, "201", "0.5"))
	k.SubmitOrder(limitReq("bob", types.SideBuy, "201", "0.5"))

	trades := k.RecentTrades(testMarket, 10)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if !trades[0].Price.Equal(dec("201")) {
		t.Errorf("expected newest trade first, got %s", trades[0].Price)
	}
}
