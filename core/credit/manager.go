// Package credit provides the AICreditManager, a per-model durable balance
// with two-phase credit reservation around AI operations.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Qodestackr/bima-bazaar-api/core/durable"
	"github.com/Qodestackr/bima-bazaar-api/core/perkey"
	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

// ErrInsufficientCredits is a business-rule violation: the balance cannot
// cover the requested reservation. Terminal for the operation, not retryable.
var ErrInsufficientCredits = errors.New("insufficient credits")

const kind = "ai_credit_manager"

// finalizeAttempts bounds the internal retries of the (idempotent) phase-two
// commit when it loses a CAS race. Without this a transient conflict could
// leave a reservation dangling, which the contract forbids.
const finalizeAttempts = 5

// State is the manager's durable record. Balance plus the sum of all
// reservations is conserved across any single Deduct.
type State struct {
	Balance      float64            `json:"balance"`
	Reservations map[string]float64 `json:"reservations"`
}

// Manager tracks the credit balance for one AI model.
type Manager struct {
	*durable.Object[State]

	modelID string
	log     *slog.Logger
}

type Option func(*options)

type options struct {
	log     *slog.Logger
	metrics durable.Metrics
	sched   *perkey.Scheduler[string]
	clock   func() time.Time
}

func WithLogger(log *slog.Logger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m durable.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithScheduler(s *perkey.Scheduler[string]) Option { return func(o *options) { o.sched = s } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// NewManager creates the credit manager for a model, keyed "ai_credits:<modelID>".
func NewManager(modelID string, store statestore.Store, opts ...Option) *Manager {
	o := options{
		log:     slog.Default(),
		metrics: durable.NopMetrics(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	objOpts := []durable.Option[State]{
		durable.WithLogger[State](o.log),
		durable.WithMetrics[State](o.metrics),
		durable.WithClock[State](o.clock),
		durable.WithNormalize[State](func(s *State) {
			if s.Reservations == nil {
				s.Reservations = map[string]float64{}
			}
		}),
	}
	if o.sched != nil {
		objOpts = append(objOpts, durable.WithScheduler[State](o.sched))
	}

	return &Manager{
		Object:  durable.New(kind, "ai_credits:"+modelID, store, objOpts...),
		modelID: modelID,
		log:     o.log.With(slog.String("model", modelID)),
	}
}

func (m *Manager) ModelID() string { return m.modelID }

// Balance returns the current available balance (reservations excluded).
func (m *Manager) Balance(ctx context.Context) (float64, error) {
	var bal float64
	err := m.View(ctx, func(s *State) error {
		bal = s.Balance
		return nil
	})
	return bal, err
}

// TopUp adds credits to the balance.
func (m *Manager) TopUp(ctx context.Context, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %v", amount)
	}
	return m.Transact(ctx, func(_ context.Context, tx *durable.Tx[State]) error {
		tx.State().Balance += amount
		tx.MarkDirty()
		return nil
	})
}

// Deduct reserves amount for txnID, durably persists the reservation, runs op,
// then either finalizes the deduction (op returned nil) or rolls the balance
// back — in both cases deleting the reservation and persisting before
// returning. The caller never observes a dangling reservation or an
// inconsistent balance, and op's error is returned unchanged after rollback.
func (m *Manager) Deduct(ctx context.Context, amount float64, txnID string, op func(ctx context.Context) error) error {
	if amount <= 0 {
		return fmt.Errorf("deduction amount must be positive, got %v", amount)
	}
	if txnID == "" {
		return fmt.Errorf("txn id is empty")
	}

	// Phase 1: reserve. Persisted before op sees control.
	err := m.Transact(ctx, func(_ context.Context, tx *durable.Tx[State]) error {
		s := tx.State()
		if s.Balance < amount {
			return fmt.Errorf("%w: model %s requires %.2f credits, balance %.2f",
				ErrInsufficientCredits, m.modelID, amount, s.Balance)
		}
		s.Balance -= amount
		s.Reservations[txnID] = amount
		tx.MarkDirty()
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Debug("credits reserved",
		slog.Float64("amount", amount), slog.String("txn", txnID))

	opErr := op(ctx)

	// Phase 2: finalize or roll back. The body is idempotent (keyed on the
	// reservation entry), so retrying a lost CAS race here is safe and keeps
	// the no-dangling-reservation guarantee.
	var finErr error
	for attempt := 0; attempt < finalizeAttempts; attempt++ {
		finErr = m.Transact(ctx, func(_ context.Context, tx *durable.Tx[State]) error {
			s := tx.State()
			reserved, ok := s.Reservations[txnID]
			if !ok {
				return nil
			}
			if opErr != nil {
				s.Balance += reserved
			}
			delete(s.Reservations, txnID)
			tx.MarkDirty()
			return nil
		})
		if !errors.Is(finErr, durable.ErrStateConflict) {
			break
		}
	}
	if finErr != nil {
		return fmt.Errorf("finalize credit txn %s: %w", txnID, finErr)
	}

	if opErr != nil {
		m.log.Error("credits rolled back",
			slog.String("txn", txnID), slog.Any("error", opErr))
		return opErr
	}
	m.log.Info("credits deducted",
		slog.Float64("amount", amount), slog.String("txn", txnID))
	return nil
}
