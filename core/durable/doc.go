// Package durable provides a per-entity, in-memory state container with
// optimistic concurrency control.
//
// An [Object] owns the authoritative in-memory snapshot of one entity's state,
// a version counter that mirrors the backing store, and a dirty flag marking
// divergence from the last committed version. All mutation happens inside a
// transaction scope:
//
//	obj := durable.New[Wallet]("wallet", "wallets:alice", store)
//	err := obj.Transact(ctx, func(ctx context.Context, tx *durable.Tx[Wallet]) error {
//	    tx.State().Balance += 10
//	    tx.MarkDirty()
//	    return nil
//	})
//
// Transact rehydrates the snapshot on entry, runs the body, and commits the
// state through a version-checked compare-and-swap iff the body marked it
// dirty. A lost CAS race surfaces as [ErrStateConflict] after the local
// snapshot has been resynchronized; the engine never retries the body itself,
// because body logic is not assumed to be idempotent. Retry policy belongs to
// the caller:
//
//	for {
//	    err := obj.Transact(ctx, mutate)
//	    if !errors.Is(err, durable.ErrStateConflict) {
//	        return err
//	    }
//	}
//
// # Concurrency
//
// Two layers guard an entity. Locally, transaction bodies for one entity are
// serialized (through a shared [perkey.Scheduler] or the object's own mutex)
// and the persist critical section holds the object's lock. Remotely, writers
// in other processes or other shard maps racing the same key are caught by the
// backing store's conditional write and surface as the same [ErrStateConflict].
package durable
