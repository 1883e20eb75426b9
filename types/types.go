package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// PriceScale is the number of decimal places kept for prices and amounts.
// Derived values (sell targets, realized profit) are rounded to this scale
// with banker's rounding exactly once, at the point they are computed.
const PriceScale = 12

// Status is the lifecycle state of a grid position.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusPendingSell Status = "PENDING_SELL"
	StatusClosed      Status = "CLOSED"
	StatusFailed      Status = "FAILED"
)

// Position is a single DCA purchase tracked as an independent unit with its
// own entry price and profit target.
type Position struct {
	ID              string
	InvestedAmount  decimal.Decimal // TAO spent to open, constant for lifetime
	EntryPrice      decimal.Decimal // fill price per alpha
	Quantity        decimal.Decimal // alpha acquired, per venue fill
	SellTargetPrice decimal.Decimal // entry * (1 + profit%/100), set once at open
	StopPrice       decimal.Decimal // entry * (1 - stopLoss%/100), zero when disabled
	Status          Status
	OpenedAt        time.Time
	ClosedAt        time.Time
	ExitPrice       decimal.Decimal // venue fill price at close
	RealizedProfit  decimal.Decimal // (exit - entry) * quantity, set when Closed
}

// Fill is the venue-reported result of a buy or sell, which may differ from
// the quoted/target values.
type Fill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Snapshot is a read-only aggregate view of the position store for reporting.
type Snapshot struct {
	TotalInvested       decimal.Decimal
	Cap                 decimal.Decimal
	OpenCount           int
	PendingCount        int
	ClosedCount         int
	FailedCount         int
	TotalRealizedProfit decimal.Decimal
	SuccessRate         decimal.Decimal // closed / (closed + failed), zero when undefined
}
