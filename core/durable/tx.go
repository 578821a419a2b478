package durable

import (
	"context"
	"errors"
)

// Tx is the handle a transaction body mutates state through.
type Tx[S any] struct {
	o *Object[S]
}

// State returns the in-memory snapshot. Only valid inside the owning
// transaction body.
func (t *Tx[S]) State() *S { return &t.o.state }

// Version returns the version the snapshot was hydrated at.
func (t *Tx[S]) Version() uint64 { return t.o.version }

// MarkDirty flags the snapshot for persistence at transaction exit.
func (t *Tx[S]) MarkDirty() { t.o.dirty = true }

// Checkpoint persists the snapshot mid-transaction if it is dirty. Used where
// an intermediate state must be durable before further I/O, e.g. parking a
// claim batch in "processing" before the settlement reads. Each checkpoint is
// an independent CAS and can fail with ErrStateConflict.
func (t *Tx[S]) Checkpoint(ctx context.Context) error {
	if !t.o.dirty {
		return nil
	}
	return t.o.persist(ctx)
}

// Transact runs fn inside a transaction scope: restore on entry, persist on
// normal exit iff the body marked state dirty. On ErrStateConflict the local
// snapshot is resynchronized before the conflict is returned; the body is
// never re-run here. Any other error propagates without persisting, leaving
// dirty state to be discarded by the next restore.
func (o *Object[S]) Transact(ctx context.Context, fn func(ctx context.Context, tx *Tx[S]) error) error {
	run := func() error { return o.transact(ctx, fn) }
	if o.sched != nil {
		return o.sched.DoContext(ctx, o.key, run)
	}
	o.txMu.Lock()
	defer o.txMu.Unlock()
	return run()
}

// View runs fn against a freshly restored snapshot without persisting.
// Read-only by convention; serialized like Transact.
func (o *Object[S]) View(ctx context.Context, fn func(s *S) error) error {
	return o.Transact(ctx, func(_ context.Context, tx *Tx[S]) error {
		return fn(tx.State())
	})
}

func (o *Object[S]) transact(ctx context.Context, fn func(ctx context.Context, tx *Tx[S]) error) error {
	if err := o.Restore(ctx); err != nil {
		return err
	}

	tx := &Tx[S]{o: o}
	if err := fn(ctx, tx); err != nil {
		if errors.Is(err, ErrStateConflict) {
			// A mid-transaction checkpoint lost its race. Resynchronize so
			// the caller retries against current state.
			o.resync(ctx)
		}
		return err
	}

	if !o.dirty {
		return nil
	}

	if err := o.persist(ctx); err != nil {
		if errors.Is(err, ErrStateConflict) {
			o.resync(ctx)
		}
		return err
	}
	return nil
}

func (o *Object[S]) resync(ctx context.Context) {
	if err := o.Restore(ctx); err != nil {
		o.log.Error("resync after conflict failed", "error", err)
	}
}
