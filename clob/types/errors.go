package types

import (
	"cosmossdk.io/errors"
)

// Module error codes
var (
	ErrOrderNotFound      = errors.Register("clob", 1, "order not found")
	ErrInvalidPrice       = errors.Register("clob", 2, "invalid price")
	ErrInvalidQuantity    = errors.Register("clob", 3, "invalid quantity")
	ErrInvalidSide        = errors.Register("clob", 4, "invalid order side")
	ErrInvalidOrderType   = errors.Register("clob", 5, "invalid order type")
	ErrUnauthorized       = errors.Register("clob", 6, "unauthorized")
	ErrOrderNotActive     = errors.Register("clob", 7, "order is not active")
	ErrOverfill           = errors.Register("clob", 8, "fill exceeds remaining quantity")
	ErrPostOnlyWouldCross = errors.Register("clob", 9, "post-only order would cross the book")
	ErrNoPositionToReduce = errors.Register("clob", 10, "reduce-only order has no opposite position")
	ErrPriceNotAligned    = errors.Register("clob", 11, "price not aligned to tick size")
	ErrQtyNotAligned      = errors.Register("clob", 12, "quantity not aligned to lot size")
	ErrOrderTooSmall      = errors.Register("clob", 13, "order size below market minimum")
	ErrOrderTooLarge      = errors.Register("clob", 14, "order size above market maximum")
)
