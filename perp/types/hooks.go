package types

import (
	"time"

	"cosmossdk.io/math"
)

// RewardHooks receive engine lifecycle callbacks. The rewards/achievements
// system registers an implementation; the engine never depends on what the
// hooks do.
type RewardHooks interface {
	AfterFill(address, marketSymbol string, qty, price math.LegacyDec, ts time.Time)
	AfterPositionClose(address, marketSymbol string, realizedPnl math.LegacyDec, liquidated bool)
	AfterFaucetClaim(address string, amount math.LegacyDec)
}

// NopHooks is the default no-op implementation.
type NopHooks struct{}

func (NopHooks) AfterFill(string, string, math.LegacyDec, math.LegacyDec, time.Time) {}
func (NopHooks) AfterPositionClose(string, string, math.LegacyDec, bool)             {}
func (NopHooks) AfterFaucetClaim(string, math.LegacyDec)                             {}

// MultiHooks fans callbacks out to several hook sets.
type MultiHooks []RewardHooks

func (m MultiHooks) AfterFill(addr, sym string, qty, price math.LegacyDec, ts time.Time) {
	for _, h := range m {
		h.AfterFill(addr, sym, qty, price, ts)
	}
}

func (m MultiHooks) AfterPositionClose(addr, sym string, pnl math.LegacyDec, liquidated bool) {
	for _, h := range m {
		h.AfterPositionClose(addr, sym, pnl, liquidated)
	}
}

func (m MultiHooks) AfterFaucetClaim(addr string, amount math.LegacyDec) {
	for _, h := range m {
		h.AfterFaucetClaim(addr, amount)
	}
}
