package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taogrid/report"
	"github.com/web3guy0/taogrid/retry"
	"github.com/web3guy0/taogrid/store"
	"github.com/web3guy0/taogrid/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GRID ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two independently timed decision loops over one position store:
//
//   Accumulation (long period, cron-driven): DCA buy when the cap, the price
//   filter, the balance and the position limit all allow it.
//
//   Liquidation (short period, internal ticker): sell every open position
//   whose target or stop price the market has crossed, oldest first.
//
// The store's lock is never held across a venue or oracle call, so a slow
// network call in one loop cannot stall the other.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrHalted is returned when the cap invariant has been violated and new
// buys are blocked pending manual reconciliation.
var ErrHalted = errors.New("engine: buys halted, cap invariant violated")

// PriceOracle supplies the current alpha market price.
type PriceOracle interface {
	GetPrice(ctx context.Context) (decimal.Decimal, error)
}

// ExecutionClient submits orders to the staking gateway.
type ExecutionClient interface {
	Buy(ctx context.Context, amount decimal.Decimal) (types.Fill, error)
	Sell(ctx context.Context, quantity decimal.Decimal) (types.Fill, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	StakeBalance(ctx context.Context) (decimal.Decimal, error)
}

// Config holds the engine's trading policy.
type Config struct {
	DCAAmount          decimal.Decimal
	MaxEntryPrice      decimal.Decimal // zero disables the filter
	MinBalanceReserve  decimal.Decimal // TAO kept aside for fees
	MaxSlippagePercent decimal.Decimal // zero disables the pre-trade re-quote
	CheckInterval      time.Duration   // liquidation tick period
	CallTimeout        time.Duration   // per external call
}

type Engine struct {
	mu sync.Mutex

	store    *store.Store
	oracle   PriceOracle
	venue    ExecutionClient
	reporter report.Reporter
	policy   retry.Policy
	cfg      Config

	paused      bool
	capNotified bool
	running     bool
	stopCh      chan struct{}
}

// NewEngine creates a grid engine.
func NewEngine(st *store.Store, oracle PriceOracle, venue ExecutionClient, reporter report.Reporter, policy retry.Policy, cfg Config) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Engine{
		store:    st,
		oracle:   oracle,
		venue:    venue,
		reporter: reporter,
		policy:   policy,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the liquidation loop. Accumulation cycles are driven
// externally by the scheduler so the two cadences stay independent.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.liquidationLoop()
	log.Info().Dur("check_interval", e.cfg.CheckInterval).Msg("⚡ Grid engine started")
}

// Stop stops the engine. An in-flight venue call finishes or times out on
// its own deadline before the process exits.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	log.Info().Msg("Grid engine stopped")
}

// Pause suspends accumulation; liquidation keeps running.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	log.Info().Msg("⏸️ Accumulation paused")
}

// Resume re-enables accumulation.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	log.Info().Msg("▶️ Accumulation resumed")
}

// IsPaused reports whether accumulation is suspended.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Snapshot exposes the store's aggregate view.
func (e *Engine) Snapshot() types.Snapshot { return e.store.Snapshot() }

// OpenPositions exposes open positions, oldest first.
func (e *Engine) OpenPositions() []types.Position { return e.store.OpenPositions() }

// PublishSnapshot emits a periodic status event.
func (e *Engine) PublishSnapshot() {
	snap := e.store.Snapshot()
	e.emit(report.Event{Kind: report.StatusSnapshot, Snapshot: &snap})
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCUMULATION
// ═══════════════════════════════════════════════════════════════════════════════

// RunAccumulation executes one DCA decision cycle. A failed cycle never
// terminates the engine: it emits an event and waits for the next schedule.
func (e *Engine) RunAccumulation(ctx context.Context) error {
	if e.store.Corrupted() {
		log.Error().Msg("Accumulation skipped: cap invariant violated, manual reconciliation required")
		return ErrHalted
	}
	if e.IsPaused() {
		log.Debug().Msg("Accumulation skipped: paused")
		return nil
	}

	// Cap guard. CapReached fires once, when headroom first drops below one
	// DCA amount, and re-arms when liquidations free cap space.
	remaining := e.store.RemainingCap()
	if remaining.LessThan(e.cfg.DCAAmount) {
		e.mu.Lock()
		first := !e.capNotified
		e.capNotified = true
		e.mu.Unlock()
		if first {
			e.emit(report.Event{Kind: report.CapReached, Amount: e.store.TotalInvested()})
		}
		return nil
	}
	e.mu.Lock()
	e.capNotified = false
	e.mu.Unlock()

	price, err := e.readPrice(ctx)
	if err != nil {
		e.emit(report.Event{Kind: report.BuyFailed, Reason: "PRICE_UNAVAILABLE", Err: err.Error()})
		return nil
	}

	// Entry price filter
	if e.cfg.MaxEntryPrice.IsPositive() && price.GreaterThan(e.cfg.MaxEntryPrice) {
		e.emit(report.Event{Kind: report.PriceFiltered, Price: price, Reason: "MAX_ENTRY_PRICE"})
		return nil
	}

	// Wallet balance, net of the fee reserve
	balance, err := retry.DoVal(ctx, e.policy, func() (decimal.Decimal, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return e.venue.Balance(callCtx)
	})
	if err != nil {
		e.emit(report.Event{Kind: report.BuyFailed, Reason: "BALANCE_UNAVAILABLE", Err: err.Error()})
		return nil
	}
	if balance.Sub(e.cfg.MinBalanceReserve).LessThan(e.cfg.DCAAmount) {
		e.emit(report.Event{Kind: report.LowBalance, Amount: balance})
		return nil
	}

	// Atomic cap check-and-reserve; concurrent cycles cannot both pass.
	res, err := e.store.Reserve(e.cfg.DCAAmount)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPositionLimit):
			e.emit(report.Event{Kind: report.PositionLimitReached})
		case errors.Is(err, store.ErrCapExceeded):
			e.emit(report.Event{Kind: report.CapReached, Amount: e.store.TotalInvested()})
		default:
			e.emit(report.Event{Kind: report.BuyFailed, Err: err.Error()})
		}
		return nil
	}

	// Pre-trade re-quote: skip the cycle when the market moved away from
	// the decision price before the order went out.
	if e.cfg.MaxSlippagePercent.IsPositive() {
		requote, err := e.readPrice(ctx)
		if err == nil && !price.IsZero() {
			drift := requote.Sub(price).Abs().Div(price).Mul(decimal.NewFromInt(100))
			if drift.GreaterThan(e.cfg.MaxSlippagePercent) {
				e.store.Release(res)
				e.emit(report.Event{Kind: report.PriceFiltered, Price: requote, Reason: "SLIPPAGE"})
				return nil
			}
			price = requote
		}
	}

	// Baseline stake for reconciliation of an ambiguous outcome.
	baseline, baselineErr := retry.DoVal(ctx, e.policy, func() (decimal.Decimal, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return e.venue.StakeBalance(callCtx)
	})

	fill, err := retry.DoVal(ctx, e.policy, func() (types.Fill, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return e.venue.Buy(callCtx, e.cfg.DCAAmount)
	})

	switch {
	case err == nil:
		e.commitBuy(res, fill.Price, fill.Quantity, "")
	case retry.IsAmbiguous(err):
		e.reconcileBuy(ctx, res, price, baseline, baselineErr, err)
	default:
		e.store.Release(res)
		e.emit(report.Event{Kind: report.BuyFailed, Amount: e.cfg.DCAAmount, Err: err.Error()})
	}
	return nil
}

// reconcileBuy resolves a buy whose outcome the gateway never confirmed.
// The stake balance is the authority: growth since the baseline means the
// order landed and must be committed, otherwise the reservation rolls back
// so the cap is not double-spent on the next cycle.
func (e *Engine) reconcileBuy(ctx context.Context, res *store.Reservation, quotePrice, baseline decimal.Decimal, baselineErr, buyErr error) {
	if baselineErr != nil {
		// No baseline to compare against; assume not applied and surface it.
		e.store.Release(res)
		e.emit(report.Event{Kind: report.BuyFailed, Amount: res.Amount(), Reason: "AMBIGUOUS", Err: buyErr.Error()})
		return
	}

	current, err := retry.DoVal(ctx, e.policy, func() (decimal.Decimal, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return e.venue.StakeBalance(callCtx)
	})
	if err != nil {
		e.store.Release(res)
		e.emit(report.Event{Kind: report.BuyFailed, Amount: res.Amount(), Reason: "AMBIGUOUS", Err: buyErr.Error()})
		return
	}

	gained := current.Sub(baseline)
	if gained.IsPositive() {
		log.Warn().
			Str("gained", gained.String()).
			Msg("Ambiguous buy reconciled as filled from stake balance")
		e.commitBuy(res, quotePrice, gained, "RECONCILED")
		return
	}

	e.store.Release(res)
	e.emit(report.Event{Kind: report.BuyFailed, Amount: res.Amount(), Reason: "AMBIGUOUS", Err: buyErr.Error()})
}

func (e *Engine) commitBuy(res *store.Reservation, entryPrice, quantity decimal.Decimal, reason string) {
	pos, err := e.store.Commit(res, entryPrice, quantity)
	if err != nil {
		e.emit(report.Event{Kind: report.BuyFailed, Err: err.Error()})
		return
	}
	e.emit(report.Event{
		Kind:       report.BuyExecuted,
		PositionID: pos.ID,
		Price:      pos.EntryPrice,
		Amount:     pos.InvestedAmount,
		Quantity:   pos.Quantity,
		Reason:     reason,
	})
	log.Info().
		Str("position", pos.ID).
		Str("entry", pos.EntryPrice.String()).
		Str("target", pos.SellTargetPrice.String()).
		Str("invested", e.store.TotalInvested().String()).
		Msg("🎯 Sell target attached")
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIQUIDATION
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) liquidationLoop() {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.RunLiquidation(context.Background())
		}
	}
}

// RunLiquidation evaluates every open position against the current price,
// oldest first. One price read is shared across the whole pass. A failed
// sell does not stop the pass: remaining positions are still attempted.
func (e *Engine) RunLiquidation(ctx context.Context) {
	positions := e.store.OpenPositions()
	if len(positions) == 0 {
		return
	}

	price, err := e.readPrice(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Liquidation tick skipped, no price")
		return
	}

	for _, pos := range positions {
		var reason string
		switch {
		case price.GreaterThanOrEqual(pos.SellTargetPrice):
			reason = "TAKE_PROFIT"
		case pos.StopPrice.IsPositive() && price.LessThanOrEqual(pos.StopPrice):
			reason = "STOP_LOSS"
		default:
			continue
		}
		e.liquidate(ctx, pos, price, reason)
	}
}

func (e *Engine) liquidate(ctx context.Context, pos types.Position, marketPrice decimal.Decimal, reason string) {
	baseline, baselineErr := retry.DoVal(ctx, e.policy, func() (decimal.Decimal, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return e.venue.StakeBalance(callCtx)
	})

	// The transition out of Open is persisted before the venue call.
	if err := e.store.MarkPending(pos.ID); err != nil {
		log.Warn().Err(err).Str("position", pos.ID).Msg("Skipping sell, transition rejected")
		return
	}

	fill, err := retry.DoVal(ctx, e.policy, func() (types.Fill, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return e.venue.Sell(callCtx, pos.Quantity)
	})

	switch {
	case err == nil:
		e.closePosition(pos, fill.Price, reason)

	case retry.IsAmbiguous(err):
		if e.sellApplied(ctx, pos, baseline, baselineErr) {
			log.Warn().Str("position", pos.ID).Msg("Ambiguous sell reconciled as filled from stake balance")
			e.closePosition(pos, marketPrice, reason)
			return
		}
		e.revertSell(pos, reason, err)

	case retry.IsPermanent(err):
		if ferr := e.store.MarkFail(pos.ID); ferr != nil {
			log.Error().Err(ferr).Str("position", pos.ID).Msg("Failed to mark position failed")
		}
		e.emit(report.Event{Kind: report.SellFailed, PositionID: pos.ID, Reason: reason, Err: err.Error()})

	default:
		e.revertSell(pos, reason, err)
	}
}

// sellApplied checks whether an unconfirmed unstake actually landed: the
// stake balance must have dropped by at least the position's quantity.
func (e *Engine) sellApplied(ctx context.Context, pos types.Position, baseline decimal.Decimal, baselineErr error) bool {
	if baselineErr != nil {
		return false
	}
	current, err := retry.DoVal(ctx, e.policy, func() (decimal.Decimal, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return e.venue.StakeBalance(callCtx)
	})
	if err != nil {
		return false
	}
	return baseline.Sub(current).GreaterThanOrEqual(pos.Quantity)
}

func (e *Engine) closePosition(pos types.Position, exitPrice decimal.Decimal, reason string) {
	profit, err := e.store.Close(pos.ID, exitPrice)
	if err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("Failed to close position")
		return
	}
	e.emit(report.Event{
		Kind:       report.SellExecuted,
		PositionID: pos.ID,
		Price:      exitPrice,
		Amount:     pos.InvestedAmount,
		Quantity:   pos.Quantity,
		Profit:     profit,
		Reason:     reason,
	})
}

func (e *Engine) revertSell(pos types.Position, reason string, sellErr error) {
	if err := e.store.RevertToOpen(pos.ID); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("Failed to revert position")
	}
	e.emit(report.Event{Kind: report.SellFailed, PositionID: pos.ID, Reason: reason, Err: sellErr.Error()})
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) readPrice(ctx context.Context) (decimal.Decimal, error) {
	return retry.DoVal(ctx, e.policy, func() (decimal.Decimal, error) {
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()
		return e.oracle.GetPrice(callCtx)
	})
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

func (e *Engine) emit(ev report.Event) {
	if e.reporter == nil {
		return
	}
	ev.At = time.Now().UTC()
	e.reporter.Publish(ev)
}
