package keeper

import (
	"testing"
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/simperp/perp/types"
)

// TestFaucetClaim tests the basic grant
func TestFaucetClaim(t *testing.T) {
	k := newTestKeeper()

	change, status, err := k.Claim("alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !change.Amount.Equal(dec("10000")) {
		t.Errorf("expected amount 10000, got %s", change.Amount)
	}
	if status.ClaimsUsed != 1 || status.ClaimsAllowed != 1 {
		t.Errorf("expected 1/1 claims, got %d/%d", status.ClaimsUsed, status.ClaimsAllowed)
	}
	b := k.GetBalance("alice")
	if !b.Free.Equal(dec("10000")) {
		t.Errorf("expected free 10000, got %s", b.Free)
	}
	assertConservation(t, k, "alice")
}

// TestFaucetCooldown tests that a second claim inside the window is rejected
func TestFaucetCooldown(t *testing.T) {
	k := newTestKeeper()

	if _, _, err := k.Claim("alice"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, status, err := k.Claim("alice")
	if !types.ErrRateLimited.Is(err) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if status == nil || !status.NextEligibleAt.After(time.Now()) {
		t.Errorf("expected future next-eligible time, got %+v", status)
	}
	if !k.GetBalance("alice").Free.Equal(dec("10000")) {
		t.Errorf("rejected claim changed the balance")
	}
}

// TestFaucetStatus tests the eligibility report
func TestFaucetStatus(t *testing.T) {
	k := newTestKeeper()

	st := k.FaucetStatusFor("alice")
	if !st.Eligible || st.ClaimsUsed != 0 {
		t.Errorf("fresh address should be eligible, got %+v", st)
	}

	k.Claim("alice")
	st = k.FaucetStatusFor("alice")
	if st.Eligible {
		t.Errorf("address should be on cooldown after claiming")
	}
}

// TestFaucetTalentMultiplier tests the amount bonus
func TestFaucetTalentMultiplier(t *testing.T) {
	k := newTestKeeper()
	talents := types.DefaultTalents()
	talents.FaucetMultiplier = math.LegacyNewDec(2)
	k.SetTalents("alice", talents)

	change, _, err := k.Claim("alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !change.Amount.Equal(dec("20000")) {
		t.Errorf("expected boosted amount 20000, got %s", change.Amount)
	}
}

// TestFaucetTalentExtraClaims tests multiple claims per window
func TestFaucetTalentExtraClaims(t *testing.T) {
	k := newTestKeeper()
	talents := types.DefaultTalents()
	talents.FaucetClaimsPerWindow = 2
	k.SetTalents("alice", talents)

	if _, _, err := k.Claim("alice"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, _, err := k.Claim("alice"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if _, _, err := k.Claim("alice"); !types.ErrRateLimited.Is(err) {
		t.Errorf("third claim should be rejected, got %v", err)
	}
	if !k.GetBalance("alice").Free.Equal(dec("20000")) {
		t.Errorf("expected free 20000 after two claims")
	}
}

// TestRestoreFaucetClaim tests cooldown reconstruction after restart
func TestRestoreFaucetClaim(t *testing.T) {
	k := newTestKeeper()
	k.RestoreFaucetClaim("alice", time.Now().Add(-time.Hour))

	if _, _, err := k.Claim("alice"); !types.ErrRateLimited.Is(err) {
		t.Errorf("restored claim should enforce cooldown, got %v", err)
	}
}
