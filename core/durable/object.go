package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Qodestackr/bima-bazaar-api/core/perkey"
	"github.com/Qodestackr/bima-bazaar-api/internal/codec"
	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

// ErrStateConflict marks a lost optimistic-lock race: another writer committed
// the entity between restore and persist. Recoverable by restore + retry,
// unlike validation and infrastructure errors.
var ErrStateConflict = errors.New("state conflict")

// Object is an atomic state container for one entity. S is the typed state
// record of the domain specialization; it crosses the store boundary as an
// opaque blob.
type Object[S any] struct {
	kind  string
	key   string
	store statestore.Store

	log       *slog.Logger
	metrics   Metrics
	codec     codec.Codec
	clock     func() time.Time
	sched     *perkey.Scheduler[string]
	normalize func(*S)

	txMu sync.Mutex // serializes transaction bodies when no scheduler is shared
	mu   sync.Mutex // persist critical section: read-check-write must not interleave

	state   S
	version uint64
	dirty   bool
}

type Option[S any] func(*Object[S])

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger[S any](log *slog.Logger) Option[S] {
	return func(o *Object[S]) { o.log = log }
}

// WithMetrics sets the metrics implementation. Defaults to nop.
func WithMetrics[S any](m Metrics) Option[S] {
	return func(o *Object[S]) { o.metrics = m }
}

// WithScheduler shares a per-key scheduler across objects so transactions for
// one entity key are serialized process-wide, not just per instance.
func WithScheduler[S any](s *perkey.Scheduler[string]) Option[S] {
	return func(o *Object[S]) { o.sched = s }
}

// WithNormalize installs a hook run after every restore (and at construction)
// to establish defaults the zero value cannot, e.g. allocating state maps.
func WithNormalize[S any](fn func(*S)) Option[S] {
	return func(o *Object[S]) { o.normalize = fn }
}

// WithClock overrides the timestamp source. Test hook.
func WithClock[S any](now func() time.Time) Option[S] {
	return func(o *Object[S]) { o.clock = now }
}

// New creates an Object for the given store key. kind labels the
// specialization in logs and metrics.
func New[S any](kind, key string, store statestore.Store, opts ...Option[S]) *Object[S] {
	o := &Object[S]{
		kind:    kind,
		key:     key,
		store:   store,
		log:     slog.Default(),
		metrics: NopMetrics(),
		codec:   codec.JSONCodec{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(
		slog.String("kind", kind),
		slog.String("entity", key),
	)
	if o.normalize != nil {
		o.normalize(&o.state)
	}
	return o
}

func (o *Object[S]) Kind() string { return o.kind }
func (o *Object[S]) Key() string  { return o.key }

// Version returns the last version observed or written in the backing store.
func (o *Object[S]) Version() uint64 { return o.version }

// Dirty reports whether in-memory state has diverged from the last
// successful persist or restore.
func (o *Object[S]) Dirty() bool { return o.dirty }

// Restore overwrites the in-memory snapshot with the latest committed record.
// An absent record leaves defaults in place. Idempotent, no side effects
// beyond the read.
func (o *Object[S]) Restore(ctx context.Context) error {
	timer := o.metrics.RestoreDuration(o.kind)
	defer timer.ObserveDuration()

	rec, err := o.store.Read(ctx, o.key)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			if o.version > 0 {
				// The record vanished under us. Local state is ahead of the
				// store; keep it rather than decrement the version.
				o.log.Warn("stored record missing, keeping local snapshot",
					slog.Uint64("version", o.version))
				o.dirty = false
				return nil
			}
			var zero S
			o.state = zero
			o.version = 0
			o.dirty = false
			if o.normalize != nil {
				o.normalize(&o.state)
			}
			return nil
		}
		return err
	}

	if rec.Version < o.version {
		// Version never moves backwards; only adopt newer remote snapshots.
		o.log.Warn("stored version behind in-memory version, skipping restore",
			slog.Uint64("stored", rec.Version),
			slog.Uint64("version", o.version))
		o.dirty = false
		return nil
	}

	var s S
	if err := o.codec.Unmarshal(rec.State, &s); err != nil {
		return fmt.Errorf("decode state for %s: %w", o.key, err)
	}
	o.state = s
	o.version = rec.Version
	o.dirty = false
	if o.normalize != nil {
		o.normalize(&o.state)
	}

	o.log.Debug("restored state", slog.Uint64("version", o.version))
	return nil
}

// persist commits the snapshot through a version-checked conditional write.
// Must run with exclusive ownership of the object; the receiver lock covers
// the read-check-write sequence against local racers, the store's conditional
// write covers everyone else.
func (o *Object[S]) persist(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	timer := o.metrics.PersistDuration(o.kind)
	defer timer.ObserveDuration()

	var current uint64
	rec, err := o.store.Read(ctx, o.key)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		current = 0
	case err != nil:
		return err
	default:
		current = rec.Version
	}

	if current != o.version {
		o.metrics.Conflict(o.kind)
		return fmt.Errorf("%w: stored version %d vs in-memory %d on %s",
			ErrStateConflict, current, o.version, o.key)
	}

	blob, err := o.codec.Marshal(o.state)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", o.key, err)
	}

	err = o.store.Write(ctx, o.key, o.version, statestore.Record{
		State:        blob,
		Version:      o.version + 1,
		LastModified: o.clock(),
	})
	if err != nil {
		if errors.Is(err, statestore.ErrVersionMismatch) {
			// A concurrent touch of the watched key is the same lost race as
			// a version mismatch on read.
			o.metrics.Conflict(o.kind)
			return fmt.Errorf("%w: concurrent write on %s", ErrStateConflict, o.key)
		}
		return err
	}

	o.version++
	o.dirty = false
	o.log.Debug("persisted state", slog.Uint64("version", o.version))
	return nil
}
