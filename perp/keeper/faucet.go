package keeper

import (
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/simperp/perp/types"
)

// FaucetStatus reports claim eligibility for an address.
type FaucetStatus struct {
	Eligible       bool
	Amount         math.LegacyDec
	NextEligibleAt time.Time
	ClaimsUsed     int
	ClaimsAllowed  int
}

// faucetWindow returns the effective cooldown and claim allowance for a user,
// talents applied.
func (k *Keeper) faucetWindow(u *types.User) (time.Duration, int, math.LegacyDec) {
	cooldown := k.faucetCfg.Cooldown
	claims := 1
	amount := k.faucetCfg.Amount
	if u != nil {
		t := u.Talents
		if t.FaucetCooldownFactor.IsPositive() && t.FaucetCooldownFactor.LT(math.LegacyOneDec()) {
			cooldown = time.Duration(t.FaucetCooldownFactor.MulInt64(int64(cooldown)).TruncateInt64())
		}
		if t.FaucetClaimsPerWindow > 1 {
			claims = t.FaucetClaimsPerWindow
		}
		if t.FaucetMultiplier.GT(math.LegacyOneDec()) {
			amount = amount.Mul(t.FaucetMultiplier)
		}
	}
	return cooldown, claims, amount
}

// FaucetStatusFor reports how much the address would receive and when.
func (k *Keeper) FaucetStatusFor(address string) FaucetStatus {
	u := k.GetUser(address)
	cooldown, allowed, amount := k.faucetWindow(u)

	k.mu.RLock()
	recent := k.recentClaims(address, cooldown)
	k.mu.RUnlock()

	st := FaucetStatus{
		Amount:        amount,
		ClaimsUsed:    len(recent),
		ClaimsAllowed: allowed,
	}
	if len(recent) < allowed {
		st.Eligible = true
		st.NextEligibleAt = time.Now()
	} else {
		st.NextEligibleAt = recent[0].Add(cooldown)
	}
	return st
}

// recentClaims returns claim timestamps inside the current window, oldest
// first. Caller holds k.mu (read).
func (k *Keeper) recentClaims(address string, cooldown time.Duration) []time.Time {
	cutoff := time.Now().Add(-cooldown)
	var recent []time.Time
	for _, ts := range k.claims[address] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}

// Claim grants the faucet amount to the address, enforcing the per-window
// claim limit. Returns the applied balance change, or ErrRateLimited with the
// next eligible time wrapped in.
func (k *Keeper) Claim(address string) (*types.BalanceChange, *FaucetStatus, error) {
	u := k.GetOrCreateUser(address, 0)
	cooldown, allowed, amount := k.faucetWindow(u)

	k.mu.Lock()
	recent := k.recentClaims(address, cooldown)
	if len(recent) >= allowed {
		k.mu.Unlock()
		st := FaucetStatus{
			Amount:         amount,
			ClaimsUsed:     len(recent),
			ClaimsAllowed:  allowed,
			NextEligibleAt: recent[0].Add(cooldown),
		}
		return nil, &st, types.ErrRateLimited.Wrapf("next eligible at %s", st.NextEligibleAt.UTC().Format(time.RFC3339))
	}
	now := time.Now()
	k.claims[address] = append(recent, now)
	k.mu.Unlock()

	req := &types.FaucetRequest{
		ID:        uuid.NewString(),
		Address:   address,
		Amount:    amount,
		Timestamp: now,
	}
	change, err := k.Credit(address, amount, "faucet", "faucet:"+req.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := k.store.SaveFaucetRequest(req); err != nil {
		k.logger.Error("persist faucet request", "address", address, "err", err)
	}
	k.hooks.AfterFaucetClaim(address, amount)
	k.logger.Info("faucet claim", "address", address, "amount", amount)

	st := k.FaucetStatusFor(address)
	return change, &st, nil
}

// RestoreFaucetClaim reloads a persisted claim timestamp (startup only).
func (k *Keeper) RestoreFaucetClaim(address string, ts time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.claims[address] = append(k.claims[address], ts)
}
