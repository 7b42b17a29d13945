package types

import (
	"cosmossdk.io/errors"
)

// Module error codes
var (
	ErrInsufficientBalance = errors.Register("perp", 1, "insufficient balance")
	ErrInsufficientLocked  = errors.Register("perp", 2, "insufficient locked balance")
	ErrPositionNotFound    = errors.Register("perp", 3, "position not found")
	ErrMarketNotFound      = errors.Register("perp", 4, "market not found")
	ErrMarketPaused        = errors.Register("perp", 5, "market is paused")
	ErrInvalidAmount       = errors.Register("perp", 6, "invalid amount")
	ErrInvalidLeverage     = errors.Register("perp", 7, "invalid leverage")
	ErrInvalidMarketSymbol = errors.Register("perp", 8, "invalid market symbol")
	ErrInvalidMarketConfig = errors.Register("perp", 9, "invalid market configuration")
	ErrUserNotFound        = errors.Register("perp", 10, "user not found")
	ErrRateLimited         = errors.Register("perp", 11, "faucet claim within cooldown")
	ErrStoreUnavailable    = errors.Register("perp", 12, "store unavailable")
	ErrNoOraclePrice       = errors.Register("perp", 13, "no oracle price available")
)
