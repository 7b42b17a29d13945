package types

import (
	"time"

	"cosmossdk.io/math"
)

// PositionSide represents position direction
type PositionSide int

const (
	PositionSideUnspecified PositionSide = iota
	PositionSideLong
	PositionSideShort
)

func (s PositionSide) String() string {
	switch s {
	case PositionSideLong:
		return "long"
	case PositionSideShort:
		return "short"
	default:
		return "unspecified"
	}
}

func (s PositionSide) Opposite() PositionSide {
	if s == PositionSideLong {
		return PositionSideShort
	}
	return PositionSideLong
}

// PositionStatus represents the lifecycle state of a position.
type PositionStatus int

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusClosed
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusClosed:
		return "closed"
	case PositionStatusLiquidated:
		return "liquidated"
	default:
		return "open"
	}
}

// Market defines a perpetual trading instrument. The registry is immutable
// per run except for the cached oracle price and the status flag.
type Market struct {
	Symbol                string
	BaseAsset             string
	QuoteAsset            string
	TickSize              math.LegacyDec
	LotSize               math.LegacyDec
	MinOrderSize          math.LegacyDec
	MaxOrderSize          math.LegacyDec
	MaxLeverage           math.LegacyDec
	InitialMarginRate     math.LegacyDec
	MaintenanceMarginRate math.LegacyDec
	Status                MarketStatus
	OraclePrice           math.LegacyDec
	OracleUpdatedAt       time.Time
	CreatedAt             time.Time
}

// MarketConfig contains market bootstrap parameters.
type MarketConfig struct {
	Symbol                string
	BaseAsset             string
	QuoteAsset            string
	TickSize              math.LegacyDec
	LotSize               math.LegacyDec
	MinOrderSize          math.LegacyDec
	MaxOrderSize          math.LegacyDec
	MaxLeverage           math.LegacyDec
	InitialMarginRate     math.LegacyDec
	MaintenanceMarginRate math.LegacyDec
}

// NewMarket creates a market from config.
func NewMarket(cfg MarketConfig) (*Market, error) {
	if cfg.Symbol == "" {
		return nil, ErrInvalidMarketSymbol
	}
	if !cfg.TickSize.IsPositive() || !cfg.LotSize.IsPositive() {
		return nil, ErrInvalidMarketConfig.Wrapf("tick size %s, lot size %s", cfg.TickSize, cfg.LotSize)
	}
	mmr, imr := cfg.MaintenanceMarginRate, cfg.InitialMarginRate
	if !mmr.IsPositive() || mmr.GTE(imr) || imr.GTE(math.LegacyOneDec()) {
		return nil, ErrInvalidMarketConfig.Wrapf("margin rates mmr=%s imr=%s", mmr, imr)
	}
	if cfg.MaxLeverage.LT(math.LegacyOneDec()) {
		return nil, ErrInvalidMarketConfig.Wrapf("max leverage %s", cfg.MaxLeverage)
	}
	return &Market{
		Symbol:                cfg.Symbol,
		BaseAsset:             cfg.BaseAsset,
		QuoteAsset:            cfg.QuoteAsset,
		TickSize:              cfg.TickSize,
		LotSize:               cfg.LotSize,
		MinOrderSize:          cfg.MinOrderSize,
		MaxOrderSize:          cfg.MaxOrderSize,
		MaxLeverage:           cfg.MaxLeverage,
		InitialMarginRate:     cfg.InitialMarginRate,
		MaintenanceMarginRate: cfg.MaintenanceMarginRate,
		Status:                MarketStatusActive,
		OraclePrice:           math.LegacyZeroDec(),
		CreatedAt:             time.Now(),
	}, nil
}

// DefaultMarketConfigs returns the bootstrap instrument table.
func DefaultMarketConfigs() []MarketConfig {
	return []MarketConfig{
		{
			Symbol: "BTC-PERP", BaseAsset: "BTC", QuoteAsset: "USD",
			TickSize:     math.LegacyNewDecWithPrec(1, 1),  // 0.1
			LotSize:      math.LegacyNewDecWithPrec(1, 4),  // 0.0001
			MinOrderSize: math.LegacyNewDecWithPrec(1, 4),
			MaxOrderSize: math.LegacyNewDec(100),
			MaxLeverage:  math.LegacyNewDec(20),
			InitialMarginRate:     math.LegacyNewDecWithPrec(5, 2),  // 5%
			MaintenanceMarginRate: math.LegacyNewDecWithPrec(25, 3), // 2.5%
		},
		{
			Symbol: "ETH-PERP", BaseAsset: "ETH", QuoteAsset: "USD",
			TickSize:     math.LegacyNewDecWithPrec(1, 2), // 0.01
			LotSize:      math.LegacyNewDecWithPrec(1, 3), // 0.001
			MinOrderSize: math.LegacyNewDecWithPrec(1, 3),
			MaxOrderSize: math.LegacyNewDec(1000),
			MaxLeverage:  math.LegacyNewDec(20),
			InitialMarginRate:     math.LegacyNewDecWithPrec(5, 2),
			MaintenanceMarginRate: math.LegacyNewDecWithPrec(25, 3),
		},
		{
			Symbol: "AAPL-PERP", BaseAsset: "AAPL", QuoteAsset: "USD",
			TickSize:     math.LegacyNewDecWithPrec(1, 2), // 0.01
			LotSize:      math.LegacyNewDecWithPrec(1, 2), // 0.01
			MinOrderSize: math.LegacyNewDecWithPrec(1, 2),
			MaxOrderSize: math.LegacyNewDec(10000),
			MaxLeverage:  math.LegacyNewDec(10),
			InitialMarginRate:     math.LegacyNewDecWithPrec(1, 1),  // 10%
			MaintenanceMarginRate: math.LegacyNewDecWithPrec(5, 2),  // 5%
		},
	}
}

// BalanceChangeKind classifies ledger change-log entries.
type BalanceChangeKind string

const (
	ChangeCredit BalanceChangeKind = "credit"
	ChangeDebit  BalanceChangeKind = "debit"
	ChangeLock   BalanceChangeKind = "lock"
	ChangeUnlock BalanceChangeKind = "unlock"
)

// BalanceChange is one append-only ledger entry.
type BalanceChange struct {
	ID          string
	Address     string
	Kind        BalanceChangeKind
	Amount      math.LegacyDec
	Reason      string
	ReferenceID string
	FreeAfter   math.LegacyDec
	LockedAfter math.LegacyDec
	Timestamp   time.Time
}

// Balance is a per-address ledger account.
// Invariant: Free + Locked == TotalCredits - TotalDebits.
type Balance struct {
	Address      string
	Free         math.LegacyDec
	Locked       math.LegacyDec
	TotalCredits math.LegacyDec
	TotalDebits  math.LegacyDec
	UpdatedAt    time.Time
}

// NewBalance creates an empty account for an address.
func NewBalance(address string) *Balance {
	return &Balance{
		Address:      address,
		Free:         math.LegacyZeroDec(),
		Locked:       math.LegacyZeroDec(),
		TotalCredits: math.LegacyZeroDec(),
		TotalDebits:  math.LegacyZeroDec(),
		UpdatedAt:    time.Now(),
	}
}

// Equity returns free+locked.
func (b *Balance) Equity() math.LegacyDec {
	return b.Free.Add(b.Locked)
}

// Position represents an isolated-margin position in one market. At most one
// open position exists per (address, market).
type Position struct {
	PositionID       string
	Address          string
	MarketSymbol     string
	Side             PositionSide
	Size             math.LegacyDec
	AvgEntryPrice    math.LegacyDec
	Margin           math.LegacyDec
	Leverage         math.LegacyDec
	RealizedPnl      math.LegacyDec
	UnrealizedPnl    math.LegacyDec
	LiquidationPrice math.LegacyDec
	Status           PositionStatus
	OpenedAt         time.Time
	UpdatedAt        time.Time
	ClosedAt         time.Time
}

// UnrealizedAt returns (mark − entry)·size, sign by side.
func (p *Position) UnrealizedAt(mark math.LegacyDec) math.LegacyDec {
	diff := mark.Sub(p.AvgEntryPrice)
	if p.Side == PositionSideShort {
		diff = diff.Neg()
	}
	return p.Size.Mul(diff)
}

// Notional returns entry-price notional.
func (p *Position) Notional() math.LegacyDec {
	return p.AvgEntryPrice.Mul(p.Size)
}

// RecomputeLeverage sets Leverage = avgEntry·size/margin.
func (p *Position) RecomputeLeverage() {
	if p.Margin.IsPositive() {
		p.Leverage = p.Notional().Quo(p.Margin)
	} else {
		p.Leverage = math.LegacyZeroDec()
	}
}

// liquidation rate clamp bounds
var (
	mmrFloor = math.LegacyNewDecWithPrec(1, 3)  // 0.001
	mmrCeil  = math.LegacyNewDecWithPrec(99, 2) // 0.99
)

// LiquidationPriceFor computes the liquidation price for a position shape.
//
//	long:  (entry·size − margin) / (size · (1 − mmr)), floored at 0
//	short: (entry·size + margin) / (size · (1 + mmr))
func LiquidationPriceFor(side PositionSide, entry, size, margin, mmr math.LegacyDec) math.LegacyDec {
	if !size.IsPositive() {
		return math.LegacyZeroDec()
	}
	if mmr.LT(mmrFloor) {
		mmr = mmrFloor
	} else if mmr.GT(mmrCeil) {
		mmr = mmrCeil
	}
	notional := entry.Mul(size)
	if side == PositionSideLong {
		liq := notional.Sub(margin).Quo(size.Mul(math.LegacyOneDec().Sub(mmr)))
		if liq.IsNegative() {
			return math.LegacyZeroDec()
		}
		return liq
	}
	return notional.Add(margin).Quo(size.Mul(math.LegacyOneDec().Add(mmr)))
}

// RecomputeLiquidationPrice refreshes the stored liquidation price.
func (p *Position) RecomputeLiquidationPrice(mmr math.LegacyDec) {
	p.LiquidationPrice = LiquidationPriceFor(p.Side, p.AvgEntryPrice, p.Size, p.Margin, mmr)
}

// ShouldLiquidate reports whether mark has crossed the liquidation price.
func (p *Position) ShouldLiquidate(mark math.LegacyDec) bool {
	if p.Status != PositionStatusOpen || !p.Size.IsPositive() {
		return false
	}
	if p.Side == PositionSideLong {
		return mark.LTE(p.LiquidationPrice)
	}
	return mark.GTE(p.LiquidationPrice)
}

// Talents are per-user modifiers granted by the (external) progression
// system. The engine only reads them.
type Talents struct {
	FaucetMultiplier      math.LegacyDec // multiplies faucet amount, >= 1
	FaucetCooldownFactor  math.LegacyDec // scales cooldown, (0,1]
	FaucetClaimsPerWindow int            // claims allowed per cooldown window, >= 1
	LiquidationSave       bool           // halve position instead of liquidating, once per UTC day
	SelfTradePrevention   bool           // skip own resting orders while matching
}

// DefaultTalents returns the no-bonus profile.
func DefaultTalents() Talents {
	return Talents{
		FaucetMultiplier:      math.LegacyOneDec(),
		FaucetCooldownFactor:  math.LegacyOneDec(),
		FaucetClaimsPerWindow: 1,
	}
}

// User is the authenticated identity plus engine-relevant profile state.
type User struct {
	Address             string
	ChainID             int64
	Talents             Talents
	LiquidationSaveDay  string // UTC date (2006-01-02) the save was last used
	CreatedAt           time.Time
}

// NewUser creates a user with default talents.
func NewUser(address string, chainID int64) *User {
	return &User{
		Address:   address,
		ChainID:   chainID,
		Talents:   DefaultTalents(),
		CreatedAt: time.Now(),
	}
}

// FaucetRequest records one faucet grant.
type FaucetRequest struct {
	ID        string
	Address   string
	Amount    math.LegacyDec
	Timestamp time.Time
}
