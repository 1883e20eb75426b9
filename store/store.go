package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taogrid/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION STORE - Source of truth for positions and cap accounting
// ═══════════════════════════════════════════════════════════════════════════════
//
// All mutations go through one mutex, held only around the in-memory
// transition - never across a network call. A buy reserves cap headroom
// before the venue call and commits or releases it after, so two concurrent
// DCA cycles cannot both pass a stale cap check.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrCapExceeded   = errors.New("store: investment cap exceeded")
	ErrPositionLimit = errors.New("store: max open positions reached")
	ErrNotFound      = errors.New("store: position not found")
	ErrInvalidState  = errors.New("store: invalid position state")
	ErrCapInvariant  = errors.New("store: cap invariant violated")
)

// Persister receives every committed position state. Nil disables
// persistence. Implemented by storage.Database.
type Persister interface {
	SavePosition(pos *types.Position) error
}

// Config holds the policy knobs the store applies at position creation.
type Config struct {
	Cap                 decimal.Decimal
	MaxPositions        int
	ProfitTargetPercent decimal.Decimal
	StopLossPercent     decimal.Decimal // zero disables the stop price
}

// Store tracks every grid position and the cumulative invested amount.
type Store struct {
	mu        sync.Mutex
	cfg       Config
	persister Persister

	positions     map[string]*types.Position
	totalInvested decimal.Decimal
	reserved      decimal.Decimal // in-flight buys, provisionally counted
	closedCount   int
	failedCount   int
	totalProfit   decimal.Decimal

	// Set when totalInvested is found above cap after a committed
	// transition. Indicates a reconciliation bug, not a transient fault:
	// new buys stay blocked until a manual restart.
	corrupted bool
}

// Reservation is cap headroom held for one in-flight buy.
type Reservation struct {
	amount  decimal.Decimal
	settled bool
}

// Amount returns the reserved invested amount.
func (r *Reservation) Amount() decimal.Decimal { return r.amount }

// New creates an empty store.
func New(cfg Config, persister Persister) *Store {
	return &Store{
		cfg:           cfg,
		persister:     persister,
		positions:     make(map[string]*types.Position),
		totalInvested: decimal.Zero,
		reserved:      decimal.Zero,
		totalProfit:   decimal.Zero,
	}
}

// Reserve atomically checks the cap and position limit and holds headroom
// for a buy of the given amount. The reservation must be settled with
// Commit or Release.
func (s *Store) Reserve(amount decimal.Decimal) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupted {
		return nil, ErrCapInvariant
	}
	if s.activeCountLocked() >= s.cfg.MaxPositions {
		return nil, ErrPositionLimit
	}
	if s.totalInvested.Add(s.reserved).Add(amount).GreaterThan(s.cfg.Cap) {
		return nil, ErrCapExceeded
	}

	s.reserved = s.reserved.Add(amount)
	return &Reservation{amount: amount}, nil
}

// Commit turns a reservation into an Open position using the venue-reported
// fill. The sell target and stop price are computed here, once, with
// banker's rounding, and never re-derived.
func (s *Store) Commit(res *Reservation, entryPrice, quantity decimal.Decimal) (*types.Position, error) {
	s.mu.Lock()

	if res.settled {
		s.mu.Unlock()
		return nil, ErrInvalidState
	}
	res.settled = true
	s.reserved = s.reserved.Sub(res.amount)

	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)
	target := entryPrice.Mul(one.Add(s.cfg.ProfitTargetPercent.Div(hundred))).RoundBank(types.PriceScale)

	stop := decimal.Zero
	if s.cfg.StopLossPercent.IsPositive() {
		stop = entryPrice.Mul(one.Sub(s.cfg.StopLossPercent.Div(hundred))).RoundBank(types.PriceScale)
	}

	pos := &types.Position{
		ID:              uuid.NewString(),
		InvestedAmount:  res.amount,
		EntryPrice:      entryPrice,
		Quantity:        quantity,
		SellTargetPrice: target,
		StopPrice:       stop,
		Status:          types.StatusOpen,
		OpenedAt:        time.Now().UTC(),
		RealizedProfit:  decimal.Zero,
	}
	s.positions[pos.ID] = pos
	s.totalInvested = s.totalInvested.Add(res.amount)

	if s.totalInvested.GreaterThan(s.cfg.Cap) {
		s.corrupted = true
		log.Error().
			Str("total_invested", s.totalInvested.String()).
			Str("cap", s.cfg.Cap.String()).
			Msg("Cap invariant violated, halting new buys")
	}

	snapshot := *pos
	s.mu.Unlock()

	s.persist(&snapshot)
	return &snapshot, nil
}

// Release returns reserved headroom after a failed buy. Safe to call on an
// already-settled reservation.
func (s *Store) Release(res *Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.settled {
		return
	}
	res.settled = true
	s.reserved = s.reserved.Sub(res.amount)
}

// MarkPending transitions Open -> PendingSell before a sell is submitted.
func (s *Store) MarkPending(id string) error {
	return s.transition(id, types.StatusOpen, types.StatusPendingSell)
}

// RevertToOpen transitions PendingSell -> Open after a failed sell, leaving
// the position eligible on the next tick. The target is unchanged.
func (s *Store) RevertToOpen(id string) error {
	return s.transition(id, types.StatusPendingSell, types.StatusOpen)
}

func (s *Store) transition(id string, from, to types.Status) error {
	s.mu.Lock()

	pos, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if pos.Status != from {
		s.mu.Unlock()
		return ErrInvalidState
	}
	pos.Status = to

	snapshot := *pos
	s.mu.Unlock()

	s.persist(&snapshot)
	return nil
}

// Close settles a position at the venue-reported exit price and frees its
// cap space. Profit uses the actual fill, not the target.
func (s *Store) Close(id string, exitPrice decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()

	pos, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return decimal.Zero, ErrNotFound
	}
	if pos.Status != types.StatusOpen && pos.Status != types.StatusPendingSell {
		s.mu.Unlock()
		return decimal.Zero, ErrInvalidState
	}

	profit := exitPrice.Sub(pos.EntryPrice).Mul(pos.Quantity).RoundBank(types.PriceScale)
	pos.Status = types.StatusClosed
	pos.ClosedAt = time.Now().UTC()
	pos.ExitPrice = exitPrice
	pos.RealizedProfit = profit

	s.totalInvested = s.totalInvested.Sub(pos.InvestedAmount)
	s.closedCount++
	s.totalProfit = s.totalProfit.Add(profit)

	snapshot := *pos
	s.mu.Unlock()

	s.persist(&snapshot)
	return profit, nil
}

// MarkFail moves a position to Failed after a permanent sell error. Failed
// positions stop consuming cap.
func (s *Store) MarkFail(id string) error {
	s.mu.Lock()

	pos, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if pos.Status != types.StatusOpen && pos.Status != types.StatusPendingSell {
		s.mu.Unlock()
		return ErrInvalidState
	}

	pos.Status = types.StatusFailed
	s.totalInvested = s.totalInvested.Sub(pos.InvestedAmount)
	s.failedCount++

	snapshot := *pos
	s.mu.Unlock()

	s.persist(&snapshot)
	return nil
}

// OpenPositions returns copies of Open positions in ascending OpenedAt
// order, the order liquidation processes them in.
func (s *Store) OpenPositions() []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]types.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		if pos.Status == types.StatusOpen {
			result = append(result, *pos)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result
}

// Get returns a copy of one position.
func (s *Store) Get(id string) (types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[id]
	if !ok {
		return types.Position{}, ErrNotFound
	}
	return *pos, nil
}

// ActiveCount returns the number of Open + PendingSell positions.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked()
}

func (s *Store) activeCountLocked() int {
	n := 0
	for _, pos := range s.positions {
		if pos.Status == types.StatusOpen || pos.Status == types.StatusPendingSell {
			n++
		}
	}
	return n
}

// TotalInvested returns committed invested capital (reservations excluded).
func (s *Store) TotalInvested() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalInvested
}

// RemainingCap returns cap headroom net of in-flight reservations.
func (s *Store) RemainingCap() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Cap.Sub(s.totalInvested).Sub(s.reserved)
}

// Corrupted reports whether the cap invariant has been violated.
func (s *Store) Corrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrupted
}

// Snapshot returns the aggregate view used for status reporting.
func (s *Store) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := types.Snapshot{
		TotalInvested:       s.totalInvested,
		Cap:                 s.cfg.Cap,
		ClosedCount:         s.closedCount,
		FailedCount:         s.failedCount,
		TotalRealizedProfit: s.totalProfit,
		SuccessRate:         decimal.Zero,
	}
	for _, pos := range s.positions {
		switch pos.Status {
		case types.StatusOpen:
			snap.OpenCount++
		case types.StatusPendingSell:
			snap.PendingCount++
		}
	}
	if total := s.closedCount + s.failedCount; total > 0 {
		snap.SuccessRate = decimal.NewFromInt(int64(s.closedCount)).
			Div(decimal.NewFromInt(int64(total))).
			RoundBank(4)
	}
	return snap
}

// Restore rebuilds the store from persisted records. A PendingSell record
// comes back as Open: its sell never confirmed, so it must be re-evaluated
// against the venue rather than assumed done.
func (s *Store) Restore(records []types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range records {
		pos := records[i]
		if pos.Status == types.StatusPendingSell {
			pos.Status = types.StatusOpen
		}
		s.positions[pos.ID] = &pos

		switch pos.Status {
		case types.StatusOpen:
			s.totalInvested = s.totalInvested.Add(pos.InvestedAmount)
		case types.StatusClosed:
			s.closedCount++
			s.totalProfit = s.totalProfit.Add(pos.RealizedProfit)
		case types.StatusFailed:
			s.failedCount++
		}
	}

	if s.totalInvested.GreaterThan(s.cfg.Cap) {
		s.corrupted = true
		log.Error().
			Str("total_invested", s.totalInvested.String()).
			Str("cap", s.cfg.Cap.String()).
			Msg("Restored state violates cap invariant, halting new buys")
	}
}

func (s *Store) persist(pos *types.Position) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SavePosition(pos); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("Failed to persist position")
	}
}
