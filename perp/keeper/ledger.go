package keeper

import (
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/simperp/events"
	"github.com/openalpha/simperp/perp/types"
)

// Balance ledger. All four operations are serialized per address and append a
// change record. Operations carrying a referenceID already seen for the same
// kind are no-ops returning the previously applied entry, which makes store
// retries safe.

// GetBalance returns a copy-safe pointer to the address's balance, creating
// an empty account on first sight.
func (k *Keeper) GetBalance(address string) *types.Balance {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.balanceLocked(address)
}

func (k *Keeper) balanceLocked(address string) *types.Balance {
	b, ok := k.balances[address]
	if !ok {
		b = types.NewBalance(address)
		k.balances[address] = b
	}
	return b
}

// Credit increases free balance. amount must be positive.
func (k *Keeper) Credit(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	l := k.addressLock(address)
	l.Lock()
	defer l.Unlock()
	return k.creditLocked(address, amount, reason, referenceID)
}

// Debit decreases free balance, failing fast if free is insufficient.
func (k *Keeper) Debit(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	l := k.addressLock(address)
	l.Lock()
	defer l.Unlock()
	return k.debitLocked(address, amount, reason, referenceID)
}

// Lock moves free -> locked atomically.
func (k *Keeper) Lock(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	l := k.addressLock(address)
	l.Lock()
	defer l.Unlock()
	return k.lockLocked(address, amount, reason, referenceID)
}

// Unlock moves locked -> free atomically.
func (k *Keeper) Unlock(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	l := k.addressLock(address)
	l.Lock()
	defer l.Unlock()
	return k.unlockLocked(address, amount, reason, referenceID)
}

// The *Locked variants assume the caller holds the address lock. The
// matching/position path uses them so that "fill + balance + position" is one
// observable transition.

func (k *Keeper) creditLocked(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	if !amount.IsPositive() {
		return nil, types.ErrInvalidAmount.Wrapf("credit %s", amount)
	}
	if prior := k.priorChange(types.ChangeCredit, referenceID); prior != nil {
		return prior, nil
	}
	k.mu.Lock()
	b := k.balanceLocked(address)
	b.Free = b.Free.Add(amount)
	b.TotalCredits = b.TotalCredits.Add(amount)
	k.mu.Unlock()
	return k.recordChange(b, types.ChangeCredit, amount, reason, referenceID)
}

func (k *Keeper) debitLocked(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	if !amount.IsPositive() {
		return nil, types.ErrInvalidAmount.Wrapf("debit %s", amount)
	}
	if prior := k.priorChange(types.ChangeDebit, referenceID); prior != nil {
		return prior, nil
	}
	k.mu.Lock()
	b := k.balanceLocked(address)
	if b.Free.LT(amount) {
		k.mu.Unlock()
		return nil, types.ErrInsufficientBalance.Wrapf("free %s < %s", b.Free, amount)
	}
	b.Free = b.Free.Sub(amount)
	b.TotalDebits = b.TotalDebits.Add(amount)
	k.mu.Unlock()
	return k.recordChange(b, types.ChangeDebit, amount, reason, referenceID)
}

func (k *Keeper) lockLocked(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	if !amount.IsPositive() {
		return nil, types.ErrInvalidAmount.Wrapf("lock %s", amount)
	}
	if prior := k.priorChange(types.ChangeLock, referenceID); prior != nil {
		return prior, nil
	}
	k.mu.Lock()
	b := k.balanceLocked(address)
	if b.Free.LT(amount) {
		k.mu.Unlock()
		return nil, types.ErrInsufficientBalance.Wrapf("free %s < %s", b.Free, amount)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	k.mu.Unlock()
	return k.recordChange(b, types.ChangeLock, amount, reason, referenceID)
}

func (k *Keeper) unlockLocked(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	if !amount.IsPositive() {
		return nil, types.ErrInvalidAmount.Wrapf("unlock %s", amount)
	}
	if prior := k.priorChange(types.ChangeUnlock, referenceID); prior != nil {
		return prior, nil
	}
	k.mu.Lock()
	b := k.balanceLocked(address)
	if b.Locked.LT(amount) {
		k.mu.Unlock()
		return nil, types.ErrInsufficientLocked.Wrapf("locked %s < %s", b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
	k.mu.Unlock()
	return k.recordChange(b, types.ChangeUnlock, amount, reason, referenceID)
}

// spendLocked removes funds from the locked pool (margin moving into a
// position). Counts as a debit for ledger conservation.
func (k *Keeper) spendLocked(address string, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	if amount.IsZero() {
		return nil, nil
	}
	if !amount.IsPositive() {
		return nil, types.ErrInvalidAmount.Wrapf("spend %s", amount)
	}
	if prior := k.priorChange(types.ChangeDebit, referenceID); prior != nil {
		return prior, nil
	}
	k.mu.Lock()
	b := k.balanceLocked(address)
	if b.Locked.LT(amount) {
		k.mu.Unlock()
		return nil, types.ErrInsufficientLocked.Wrapf("locked %s < %s", b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.TotalDebits = b.TotalDebits.Add(amount)
	k.mu.Unlock()
	return k.recordChange(b, types.ChangeDebit, amount, reason, referenceID)
}

func (k *Keeper) priorChange(kind types.BalanceChangeKind, referenceID string) *types.BalanceChange {
	if referenceID == "" {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.refIndex[string(kind)+":"+referenceID]
}

func (k *Keeper) recordChange(b *types.Balance, kind types.BalanceChangeKind, amount math.LegacyDec, reason, referenceID string) (*types.BalanceChange, error) {
	now := time.Now()
	b.UpdatedAt = now
	c := &types.BalanceChange{
		ID:          uuid.NewString(),
		Address:     b.Address,
		Kind:        kind,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		FreeAfter:   b.Free,
		LockedAfter: b.Locked,
		Timestamp:   now,
	}
	if referenceID != "" {
		k.mu.Lock()
		k.refIndex[string(kind)+":"+referenceID] = c
		k.mu.Unlock()
	}
	if err := k.store.SaveBalance(b); err != nil {
		k.logger.Error("persist balance", "address", b.Address, "err", err)
	}
	if err := k.store.AppendBalanceChange(c); err != nil {
		k.logger.Error("persist balance change", "address", b.Address, "err", err)
	}
	k.events.Publish(events.UserTopic(b.Address), events.TypeBalanceUpdated, map[string]any{
		"address":   b.Address,
		"free":      b.Free.String(),
		"locked":    b.Locked.String(),
		"kind":      string(kind),
		"amount":    amount.String(),
		"reason":    reason,
		"timestamp": now.UnixMilli(),
	})
	return c, nil
}
