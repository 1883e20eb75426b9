package report

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taogrid/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS - Structured engine output
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every skip-and-log branch in the engine is a named event, so behavior is
// observable and testable instead of inferred from log text.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Kind identifies an engine event.
type Kind string

const (
	BuyExecuted          Kind = "BUY_EXECUTED"
	BuyFailed            Kind = "BUY_FAILED"
	SellExecuted         Kind = "SELL_EXECUTED"
	SellFailed           Kind = "SELL_FAILED"
	CapReached           Kind = "CAP_REACHED"
	PriceFiltered        Kind = "PRICE_FILTERED"
	PositionLimitReached Kind = "POSITION_LIMIT_REACHED"
	LowBalance           Kind = "LOW_BALANCE"
	StatusSnapshot       Kind = "STATUS_SNAPSHOT"
)

// Event is one engine occurrence pushed to every reporter.
type Event struct {
	Kind       Kind
	At         time.Time
	PositionID string
	Price      decimal.Decimal // market or fill price, context dependent
	Amount     decimal.Decimal // TAO amount involved
	Quantity   decimal.Decimal // alpha quantity involved
	Profit     decimal.Decimal // realized profit, sell events only
	Reason     string          // e.g. TAKE_PROFIT, STOP_LOSS, SLIPPAGE
	Err        string
	Snapshot   *types.Snapshot // StatusSnapshot only
}

// Reporter receives engine events. Implementations must not block.
type Reporter interface {
	Publish(ev Event)
}

// ═══════════════════════════════════════════════════════════════════════════════
// IMPLEMENTATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// LogReporter writes events to the zerolog logger.
type LogReporter struct{}

func (LogReporter) Publish(ev Event) {
	var logEv *zerolog.Event
	switch ev.Kind {
	case BuyFailed, SellFailed:
		logEv = log.Warn()
	default:
		logEv = log.Info()
	}
	logEv = logEv.Str("event", string(ev.Kind))

	if ev.PositionID != "" {
		logEv = logEv.Str("position", ev.PositionID)
	}
	if !ev.Price.IsZero() {
		logEv = logEv.Str("price", ev.Price.String())
	}
	if !ev.Amount.IsZero() {
		logEv = logEv.Str("amount", ev.Amount.String())
	}
	if !ev.Quantity.IsZero() {
		logEv = logEv.Str("quantity", ev.Quantity.String())
	}
	if ev.Reason != "" {
		logEv = logEv.Str("reason", ev.Reason)
	}
	if ev.Err != "" {
		logEv = logEv.Str("error", ev.Err)
	}

	switch ev.Kind {
	case BuyExecuted:
		logEv.Msg("🟢 DCA position opened")
	case BuyFailed:
		logEv.Msg("❌ DCA buy failed")
	case SellExecuted:
		logEv.Str("profit", ev.Profit.String()).Msg("✅ Position sold")
	case SellFailed:
		logEv.Msg("❌ Sell failed, position stays open")
	case CapReached:
		logEv.Msg("🛑 Investment cap reached, DCA paused")
	case PriceFiltered:
		logEv.Msg("⏸️ DCA skipped, price filter")
	case PositionLimitReached:
		logEv.Msg("⏸️ DCA skipped, max positions")
	case LowBalance:
		logEv.Msg("🛑 Insufficient balance for DCA")
	case StatusSnapshot:
		if ev.Snapshot != nil {
			logEv.
				Str("invested", ev.Snapshot.TotalInvested.String()).
				Str("cap", ev.Snapshot.Cap.String()).
				Int("open", ev.Snapshot.OpenCount).
				Int("closed", ev.Snapshot.ClosedCount).
				Str("profit", ev.Snapshot.TotalRealizedProfit.String()).
				Str("success_rate", ev.Snapshot.SuccessRate.String()).
				Msg("📊 Grid status")
		} else {
			logEv.Msg("📊 Grid status")
		}
	default:
		logEv.Msg("Engine event")
	}
}

// Multi fans one event out to several reporters.
type Multi []Reporter

func (m Multi) Publish(ev Event) {
	for _, r := range m {
		r.Publish(ev)
	}
}
