// Package policy provides the PolicyRegistry, a SACCO-scoped durable object
// tracking insurance state per vehicle.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Qodestackr/bima-bazaar-api/core/claims"
	"github.com/Qodestackr/bima-bazaar-api/core/durable"
	"github.com/Qodestackr/bima-bazaar-api/core/perkey"
	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

var (
	// ErrDuplicateVehicle is returned when registering a vehicle registration
	// that the SACCO already tracks. Registration is not idempotent: a
	// duplicate is caller error, not a replay.
	ErrDuplicateVehicle = errors.New("vehicle already registered")

	// ErrInvalidPolicy is returned when a claim targets a vehicle that is
	// unknown or no longer active.
	ErrInvalidPolicy = errors.New("invalid policy for claim")
)

const kind = "policy_registry"

type Driver struct {
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	LicenseNo string `json:"license_no,omitempty"`
}

type ClaimSummary struct {
	ID          string        `json:"id"`
	Amount      float64       `json:"amount"`
	Status      claims.Status `json:"status"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

type Vehicle struct {
	Driver       Driver         `json:"driver"`
	Active       bool           `json:"active"`
	Claims       []ClaimSummary `json:"claims"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// State is the registry's durable record: one entry per vehicle registration.
type State struct {
	Vehicles map[string]*Vehicle `json:"vehicles"`
}

// Registry tracks vehicle-level policy state for one SACCO.
type Registry struct {
	*durable.Object[State]

	saccoID string
	log     *slog.Logger
	clock   func() time.Time
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

// NewRegistry creates the registry for a SACCO, keyed "policies:<saccoID>".
func NewRegistry(saccoID string, store statestore.Store, opts ...Option) *Registry {
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
			if s.Vehicles == nil {
				s.Vehicles = map[string]*Vehicle{}
			}
		}),
	}
	if o.sched != nil {
		objOpts = append(objOpts, durable.WithScheduler[State](o.sched))
	}

	return &Registry{
		Object:  durable.New(kind, "policies:"+saccoID, store, objOpts...),
		saccoID: saccoID,
		log:     o.log.With(slog.String("sacco", saccoID)),
		clock:   o.clock,
	}
}

func (r *Registry) SaccoID() string { return r.saccoID }

// RegisterVehicle adds a vehicle under an active policy with an empty claims
// list. Fails with ErrDuplicateVehicle if the registration is already present.
func (r *Registry) RegisterVehicle(ctx context.Context, reg string, driver Driver) error {
	if reg == "" {
		return fmt.Errorf("vehicle registration is empty")
	}
	return r.Transact(ctx, func(_ context.Context, tx *durable.Tx[State]) error {
		s := tx.State()
		if _, ok := s.Vehicles[reg]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateVehicle, reg)
		}

		s.Vehicles[reg] = &Vehicle{
			Driver:       driver,
			Active:       true,
			Claims:       []ClaimSummary{},
			RegisteredAt: r.clock(),
		}
		tx.MarkDirty()

		r.log.Info("registered vehicle", slog.String("vehicle", reg))
		return nil
	})
}

// SubmitClaim appends a queued claim summary to the vehicle's policy. Fails
// with ErrInvalidPolicy when the vehicle is unknown or inactive, leaving the
// registry untouched.
func (r *Registry) SubmitClaim(ctx context.Context, c claims.Claim) error {
	return r.Transact(ctx, func(_ context.Context, tx *durable.Tx[State]) error {
		v, ok := tx.State().Vehicles[c.VehicleReg]
		if !ok || !v.Active {
			return fmt.Errorf("%w: vehicle %s", ErrInvalidPolicy, c.VehicleReg)
		}

		v.Claims = append(v.Claims, ClaimSummary{
			ID:          c.ID,
			Amount:      c.Amount,
			Status:      claims.StatusQueued,
			SubmittedAt: r.clock(),
		})
		tx.MarkDirty()

		r.log.Info("claim attached to policy",
			slog.String("vehicle", c.VehicleReg),
			slog.String("claim", c.ID))
		return nil
	})
}

// DeactivateVehicle flags the vehicle's policy inactive; further claims are
// rejected with ErrInvalidPolicy. Deactivating twice is a no-op.
func (r *Registry) DeactivateVehicle(ctx context.Context, reg string) error {
	return r.Transact(ctx, func(_ context.Context, tx *durable.Tx[State]) error {
		v, ok := tx.State().Vehicles[reg]
		if !ok {
			return fmt.Errorf("%w: vehicle %s", ErrInvalidPolicy, reg)
		}
		if !v.Active {
			return nil
		}
		v.Active = false
		tx.MarkDirty()

		r.log.Info("deactivated vehicle", slog.String("vehicle", reg))
		return nil
	})
}
