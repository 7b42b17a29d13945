package keeper

import (
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/simperp/events"
	"github.com/openalpha/simperp/perp/types"
)

// Fill is one side of an executed trade, as seen by the account it belongs
// to. LockPrice is the price the order's margin was locked at (the limit
// price), which can differ from the execution price on price improvement.
type Fill struct {
	Address      string
	MarketSymbol string
	Side         types.PositionSide // buy fills are long, sell fills are short
	Quantity     math.LegacyDec
	Price        math.LegacyDec
	LockPrice    math.LegacyDec
	Leverage     math.LegacyDec
	ReduceOnly   bool
	ReferenceID  string
	Timestamp    time.Time
}

// GetPosition returns the open position for (address, market), or nil.
func (k *Keeper) GetPosition(address, symbol string) *types.Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.positions[address][symbol]
}

// ListPositions returns the address's open positions across all markets.
func (k *Keeper) ListPositions(address string) []*types.Position {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*types.Position, 0, len(k.positions[address]))
	for _, p := range k.positions[address] {
		out = append(out, p)
	}
	return out
}

// ApplyFill settles one fill against the account: margin moves between the
// ledger and the position, the position opens, grows, shrinks, closes or
// flips, and the resulting state is persisted and broadcast. Called from the
// market worker with no other locks held.
func (k *Keeper) ApplyFill(f Fill) (*types.Position, error) {
	m := k.GetMarket(f.MarketSymbol)
	if m == nil {
		return nil, types.ErrMarketNotFound.Wrap(f.MarketSymbol)
	}

	l := k.addressLock(f.Address)
	l.Lock()
	defer l.Unlock()

	k.mu.RLock()
	pos := k.positions[f.Address][f.MarketSymbol]
	k.mu.RUnlock()

	// A reduce-only fill may only shrink an opposite-side position. The book
	// bounds these at submit and match time, but the position can vanish in
	// between (liquidation runs under the address lock, not the market's), so
	// the check here is the one that counts.
	if f.ReduceOnly {
		if pos == nil || pos.Side == f.Side {
			return nil, types.ErrPositionNotFound.Wrapf("reduce-only fill, no %s position for %s", f.MarketSymbol, f.Address)
		}
		if f.Quantity.GT(pos.Size) {
			f.Quantity = pos.Size
		}
	}

	var (
		result *types.Position
		err    error
	)
	switch {
	case pos == nil || pos.Side == f.Side:
		result, err = k.openOrAdd(pos, f, m)
	case f.Quantity.LTE(pos.Size):
		result, err = k.reduce(pos, f, f.Quantity, m, false)
	default:
		// Flip: close the whole position, open the remainder on the other
		// side at the execution price.
		closeQty := pos.Size
		if _, err = k.reduce(pos, f, closeQty, m, false); err != nil {
			return nil, err
		}
		rest := f
		rest.Quantity = f.Quantity.Sub(closeQty)
		rest.ReferenceID = f.ReferenceID + ":flip"
		result, err = k.openOrAdd(nil, rest, m)
	}
	if err != nil {
		return nil, err
	}
	k.hooks.AfterFill(f.Address, f.MarketSymbol, f.Quantity, f.Price, f.Timestamp)
	return result, nil
}

// openOrAdd consumes margin from the ledger and opens a position or increases
// an existing same-side one. Caller holds the address lock.
//
// The order locked lockShare = lockPrice*qty/leverage up front; the position
// needs attrib = price*qty/leverage. Price improvement on a buy leaves excess
// locked margin to return; a sell filling above its limit needs extra margin
// drawn from free, best effort.
func (k *Keeper) openOrAdd(pos *types.Position, f Fill, m *types.Market) (*types.Position, error) {
	lockShare := f.LockPrice.Mul(f.Quantity).Quo(f.Leverage)
	attrib := f.Price.Mul(f.Quantity).Quo(f.Leverage)

	switch {
	case attrib.LT(lockShare):
		if _, err := k.spendLocked(f.Address, attrib, "margin", f.ReferenceID+":margin"); err != nil {
			return nil, err
		}
		if _, err := k.unlockLocked(f.Address, lockShare.Sub(attrib), "margin_excess", f.ReferenceID+":excess"); err != nil {
			k.logger.Error("unlock margin excess", "address", f.Address, "err", err)
		}
	case attrib.GT(lockShare):
		if _, err := k.spendLocked(f.Address, lockShare, "margin", f.ReferenceID+":margin"); err != nil {
			return nil, err
		}
		extra := attrib.Sub(lockShare)
		if _, err := k.debitLocked(f.Address, extra, "margin_topup", f.ReferenceID+":topup"); err != nil {
			// Cannot cover the improvement difference; run with the margin
			// that was locked. Leverage ends up slightly above requested.
			attrib = lockShare
		}
	default:
		if _, err := k.spendLocked(f.Address, attrib, "margin", f.ReferenceID+":margin"); err != nil {
			return nil, err
		}
	}

	now := f.Timestamp
	if pos == nil {
		pos = &types.Position{
			PositionID:    uuid.NewString(),
			Address:       f.Address,
			MarketSymbol:  f.MarketSymbol,
			Side:          f.Side,
			Size:          f.Quantity,
			AvgEntryPrice: f.Price,
			Margin:        attrib,
			RealizedPnl:   math.LegacyZeroDec(),
			UnrealizedPnl: math.LegacyZeroDec(),
			Status:        types.PositionStatusOpen,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		k.mu.Lock()
		byAddr, ok := k.positions[f.Address]
		if !ok {
			byAddr = make(map[string]*types.Position)
			k.positions[f.Address] = byAddr
		}
		byAddr[f.MarketSymbol] = pos
		k.mu.Unlock()
	} else {
		newSize := pos.Size.Add(f.Quantity)
		pos.AvgEntryPrice = pos.Notional().Add(f.Price.Mul(f.Quantity)).Quo(newSize)
		pos.Size = newSize
		pos.Margin = pos.Margin.Add(attrib)
		pos.UpdatedAt = now
	}
	pos.RecomputeLeverage()
	pos.RecomputeLiquidationPrice(m.MaintenanceMarginRate)
	if m.OraclePrice.IsPositive() {
		pos.UnrealizedPnl = pos.UnrealizedAt(m.OraclePrice)
	}

	k.persistAndPublish(pos, events.TypePositionUpdated)
	return pos, nil
}

// reduce closes qty of an opposite-side position: the proportional margin
// share plus realized PnL (clamped at zero) returns to free balance, and the
// margin the reducing order had locked for this fill is released untouched.
// Caller holds the address lock.
func (k *Keeper) reduce(pos *types.Position, f Fill, qty math.LegacyDec, m *types.Market, liquidation bool) (*types.Position, error) {
	lockShare := f.LockPrice.Mul(qty).Quo(f.Leverage)
	if lockShare.IsPositive() {
		if _, err := k.unlockLocked(f.Address, lockShare, "reduce_release", f.ReferenceID+":release"); err != nil {
			k.logger.Error("unlock reduce margin", "address", f.Address, "err", err)
		}
	}

	diff := f.Price.Sub(pos.AvgEntryPrice)
	if pos.Side == types.PositionSideShort {
		diff = diff.Neg()
	}
	realized := qty.Mul(diff)
	marginShare := pos.Margin.Mul(qty).Quo(pos.Size)

	payout := marginShare.Add(realized)
	if payout.IsPositive() {
		if _, err := k.creditLocked(f.Address, payout, "position_close", f.ReferenceID+":payout"); err != nil {
			return nil, err
		}
	}

	pos.Size = pos.Size.Sub(qty)
	pos.Margin = pos.Margin.Sub(marginShare)
	pos.RealizedPnl = pos.RealizedPnl.Add(realized)
	pos.UpdatedAt = f.Timestamp

	if pos.Size.IsZero() {
		pos.Status = types.PositionStatusClosed
		pos.ClosedAt = f.Timestamp
		pos.UnrealizedPnl = math.LegacyZeroDec()
		pos.LiquidationPrice = math.LegacyZeroDec()
		k.dropPosition(pos)
		k.persistAndPublish(pos, events.TypePositionClosed)
		k.hooks.AfterPositionClose(pos.Address, pos.MarketSymbol, pos.RealizedPnl, liquidation)
		return pos, nil
	}

	pos.RecomputeLeverage()
	pos.RecomputeLiquidationPrice(m.MaintenanceMarginRate)
	if m.OraclePrice.IsPositive() {
		pos.UnrealizedPnl = pos.UnrealizedAt(m.OraclePrice)
	}
	k.persistAndPublish(pos, events.TypePositionUpdated)
	return pos, nil
}

func (k *Keeper) dropPosition(pos *types.Position) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if byAddr, ok := k.positions[pos.Address]; ok {
		delete(byAddr, pos.MarketSymbol)
	}
}

// MarkToMarket refreshes unrealized PnL for every open position in the market
// and liquidates those whose liquidation price has been crossed. Runs on each
// oracle tick. Contended addresses are skipped; the next tick catches them.
func (k *Keeper) MarkToMarket(symbol string, mark math.LegacyDec) {
	if !mark.IsPositive() {
		return
	}
	m := k.GetMarket(symbol)
	if m == nil {
		return
	}

	type entry struct {
		address string
	}
	k.mu.RLock()
	addrs := make([]entry, 0, 16)
	for addr, byMarket := range k.positions {
		if _, ok := byMarket[symbol]; ok {
			addrs = append(addrs, entry{address: addr})
		}
	}
	k.mu.RUnlock()

	for _, e := range addrs {
		l := k.addressLock(e.address)
		if !l.TryLock() {
			continue
		}
		k.markAddress(e.address, symbol, mark, m)
		l.Unlock()
	}
}

// markAddress updates one position under its address lock, applying the
// liquidation-save talent and force-closing if still under water.
func (k *Keeper) markAddress(address, symbol string, mark math.LegacyDec, m *types.Market) {
	k.mu.RLock()
	pos := k.positions[address][symbol]
	k.mu.RUnlock()
	if pos == nil || pos.Status != types.PositionStatusOpen {
		return
	}

	pos.UnrealizedPnl = pos.UnrealizedAt(mark)
	if !pos.ShouldLiquidate(mark) {
		return
	}

	if k.tryLiquidationSave(address, pos, mark, m) {
		return
	}
	k.liquidate(pos, mark, m)
}

// tryLiquidationSave halves the position instead of liquidating when the user
// holds the save talent and has not used it today (UTC). The halved margin
// stays forfeited inside the position; only size shrinks. Returns true if the
// position survived.
func (k *Keeper) tryLiquidationSave(address string, pos *types.Position, mark math.LegacyDec, m *types.Market) bool {
	k.mu.Lock()
	u := k.users[address]
	today := time.Now().UTC().Format("2006-01-02")
	if u == nil || !u.Talents.LiquidationSave || u.LiquidationSaveDay == today {
		k.mu.Unlock()
		return false
	}
	u.LiquidationSaveDay = today
	k.mu.Unlock()
	if err := k.store.SaveUser(u); err != nil {
		k.logger.Error("persist user", "address", address, "err", err)
	}

	half := math.LegacyNewDecWithPrec(5, 1)
	pos.Size = pos.Size.Mul(half)
	pos.Margin = pos.Margin.Mul(half)
	pos.UpdatedAt = time.Now()
	pos.RecomputeLeverage()
	pos.RecomputeLiquidationPrice(m.MaintenanceMarginRate)
	pos.UnrealizedPnl = pos.UnrealizedAt(mark)

	k.logger.Info("liquidation save consumed", "address", address, "symbol", pos.MarketSymbol, "size", pos.Size)
	k.persistAndPublish(pos, events.TypePositionUpdated)

	if pos.ShouldLiquidate(mark) {
		k.liquidate(pos, mark, m)
		return true
	}
	return true
}

// liquidate force-closes a position at the mark price. The remaining margin
// is forfeited; nothing returns to the ledger.
func (k *Keeper) liquidate(pos *types.Position, mark math.LegacyDec, m *types.Market) {
	now := time.Now()
	realized := pos.UnrealizedAt(mark)
	if realized.Neg().GT(pos.Margin) {
		realized = pos.Margin.Neg()
	}
	pos.RealizedPnl = pos.RealizedPnl.Add(realized)
	pos.Size = math.LegacyZeroDec()
	pos.Margin = math.LegacyZeroDec()
	pos.UnrealizedPnl = math.LegacyZeroDec()
	pos.Status = types.PositionStatusLiquidated
	pos.ClosedAt = now
	pos.UpdatedAt = now
	k.dropPosition(pos)

	k.logger.Info("position liquidated",
		"address", pos.Address, "symbol", pos.MarketSymbol, "mark", mark, "liq_price", pos.LiquidationPrice)
	k.persistAndPublish(pos, events.TypePositionLiquidated)
	k.hooks.AfterPositionClose(pos.Address, pos.MarketSymbol, pos.RealizedPnl, true)
}

func (k *Keeper) persistAndPublish(pos *types.Position, eventType string) {
	if err := k.store.SavePosition(pos); err != nil {
		k.logger.Error("persist position", "address", pos.Address, "symbol", pos.MarketSymbol, "err", err)
		// The store already exhausted its retries; stop taking risk on a
		// market whose state can no longer be recovered.
		if types.ErrStoreUnavailable.Is(err) {
			k.PauseMarket(pos.MarketSymbol)
		}
	}
	k.events.Publish(events.UserTopic(pos.Address), eventType, positionPayload(pos))
}

func positionPayload(p *types.Position) map[string]any {
	return map[string]any{
		"position_id":       p.PositionID,
		"address":           p.Address,
		"symbol":            p.MarketSymbol,
		"side":              p.Side.String(),
		"size":              p.Size.String(),
		"entry_price":       p.AvgEntryPrice.String(),
		"margin":            p.Margin.String(),
		"leverage":          p.Leverage.String(),
		"realized_pnl":      p.RealizedPnl.String(),
		"unrealized_pnl":    p.UnrealizedPnl.String(),
		"liquidation_price": p.LiquidationPrice.String(),
		"status":            p.Status.String(),
		"updated_at":        p.UpdatedAt.UnixMilli(),
	}
}
