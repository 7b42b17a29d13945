package types

// MarketStatus represents the status of a market
type MarketStatus int

const (
	MarketStatusInactive MarketStatus = iota
	MarketStatusActive
	MarketStatusPaused
	MarketStatusSettlement
)

// String returns the string representation of MarketStatus
func (s MarketStatus) String() string {
	switch s {
	case MarketStatusActive:
		return "active"
	case MarketStatusPaused:
		return "paused"
	case MarketStatusSettlement:
		return "settlement"
	default:
		return "inactive"
	}
}

// IsActive returns true if the market accepts new orders
func (s MarketStatus) IsActive() bool {
	return s == MarketStatusActive
}
