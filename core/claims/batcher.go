package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Qodestackr/bima-bazaar-api/core/ds"
	"github.com/Qodestackr/bima-bazaar-api/core/durable"
	"github.com/Qodestackr/bima-bazaar-api/core/perkey"
	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

// DefaultBatchSize bounds one settlement cycle.
const DefaultBatchSize = 250

const kind = "claims_batcher"

// Batcher is the durable claim queue for one region.
type Batcher struct {
	*durable.Object[State]

	region    string
	batchSize int
	store     statestore.Store
	log       *slog.Logger
	metrics   durable.Metrics
	clock     func() time.Time
}

type Option func(*options)

type options struct {
	batchSize int
	log       *slog.Logger
	metrics   durable.Metrics
	sched     *perkey.Scheduler[string]
	clock     func() time.Time
}

func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

func WithLogger(log *slog.Logger) Option { return func(o *options) { o.log = log } }

func WithMetrics(m durable.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithScheduler(s *perkey.Scheduler[string]) Option { return func(o *options) { o.sched = s } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// NewBatcher creates the batcher for a region, keyed "claims:<region>".
func NewBatcher(region string, store statestore.Store, opts ...Option) *Batcher {
	o := options{
		batchSize: DefaultBatchSize,
		log:       slog.Default(),
		metrics:   durable.NopMetrics(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	objOpts := []durable.Option[State]{
		durable.WithLogger[State](o.log),
		durable.WithMetrics[State](o.metrics),
		durable.WithClock[State](o.clock),
	}
	if o.sched != nil {
		objOpts = append(objOpts, durable.WithScheduler[State](o.sched))
	}

	return &Batcher{
		Object:    durable.New(kind, "claims:"+region, store, objOpts...),
		region:    region,
		batchSize: o.batchSize,
		store:     store,
		log:       o.log.With(slog.String("region", region)),
		metrics:   o.metrics,
		clock:     o.clock,
	}
}

func (b *Batcher) Region() string { return b.region }

// Enqueue binds the claim to the batcher's current version, writes the claim
// record, and appends the reference to the queue. Re-enqueueing a claim whose
// reference is already tracked is a no-op replay.
func (b *Batcher) Enqueue(ctx context.Context, c Claim) (Ref, error) {
	if c.ID == "" {
		return Ref{}, fmt.Errorf("claim id is empty")
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = b.clock()
	}

	var ref Ref
	err := b.Transact(ctx, func(ctx context.Context, tx *durable.Tx[State]) error {
		ref = Ref{ID: c.ID, Version: tx.Version()}

		s := tx.State()
		if containsRef(s, ref) {
			// Replay of an enqueue already bound at this version.
			b.log.Debug("duplicate enqueue ignored", slog.String("ref", ref.String()))
			return nil
		}

		blob, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode claim %s: %w", c.ID, err)
		}
		err = b.store.Write(ctx, ref.StoreKey(), 0, statestore.Record{
			State:        blob,
			Version:      1,
			LastModified: b.clock(),
		})
		if err != nil && !errors.Is(err, statestore.ErrVersionMismatch) {
			// Mismatch means the record exists from an earlier attempt; fine.
			return fmt.Errorf("write claim record %s: %w", ref.StoreKey(), err)
		}

		s.Queue = append(s.Queue, ref)
		tx.MarkDirty()
		return nil
	})
	if err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// ProcessBatch settles up to batchSize queued claims. The queue→processing
// move is checkpointed before the settlement reads so a crash between the two
// persists leaves the batch parked in processing rather than re-queued.
// References whose record cannot be read go to the dead-letter sequence and
// the cycle returns ErrSettlementReadMiss alongside the populated result.
func (b *Batcher) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	res := &BatchResult{}

	err := b.Transact(ctx, func(ctx context.Context, tx *durable.Tx[State]) error {
		s := tx.State()

		n := min(b.batchSize, len(s.Queue))
		if n == 0 {
			return nil
		}
		batch := slices.Clone(s.Queue[:n])

		s.Processing = append(s.Processing, batch...)
		s.Queue = slices.Clone(s.Queue[n:])
		tx.MarkDirty()
		if err := tx.Checkpoint(ctx); err != nil {
			return err
		}

		keys := make([]string, len(batch))
		for i, ref := range batch {
			keys[i] = ref.StoreKey()
		}
		recs, err := b.store.ReadMulti(ctx, keys)
		if err != nil {
			return fmt.Errorf("bulk read claim records: %w", err)
		}

		for _, ref := range batch {
			rec, ok := recs[ref.StoreKey()]
			if !ok {
				res.Missed = append(res.Missed, ref)
				continue
			}
			var c Claim
			if err := json.Unmarshal(rec.State, &c); err != nil {
				b.log.Error("undecodable claim record",
					slog.String("ref", ref.String()), slog.Any("error", err))
				res.Missed = append(res.Missed, ref)
				continue
			}
			res.Settled = append(res.Settled, ref)
			b.log.Info("settled claim",
				slog.String("claim", c.ID),
				slog.Float64("amount", c.Amount))
		}

		done := ds.NewSet[string]()
		for _, ref := range batch {
			done.Add(ref.String())
		}
		keep := s.Processing[:0]
		for _, ref := range s.Processing {
			if !done.Contains(ref.String()) {
				keep = append(keep, ref)
			}
		}
		s.Processing = keep
		s.Processed = append(s.Processed, res.Settled...)
		s.DeadLetter = append(s.DeadLetter, res.Missed...)
		tx.MarkDirty()
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.metrics.BatchProcessed(b.region, len(res.Settled), len(res.Missed))
	if len(res.Missed) > 0 {
		return res, fmt.Errorf("%w: %d of %d claim records unreadable in region %s",
			ErrSettlementReadMiss, len(res.Missed), len(res.Settled)+len(res.Missed), b.region)
	}
	return res, nil
}

// RecoverProcessing returns refs stranded in the processing sequence to the
// front of the queue, reporting how many moved. Refs are only ever observed
// there at transaction entry when a settlement cycle died between its
// checkpoint and its final persist; a live cycle clears processing within its
// own transaction.
func (b *Batcher) RecoverProcessing(ctx context.Context) (int, error) {
	var moved int
	err := b.Transact(ctx, func(_ context.Context, tx *durable.Tx[State]) error {
		s := tx.State()
		moved = len(s.Processing)
		if moved == 0 {
			return nil
		}
		s.Queue = append(slices.Clone(s.Processing), s.Queue...)
		s.Processing = nil
		tx.MarkDirty()

		b.log.Warn("recovered stale processing claims", slog.Int("count", moved))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// Requeue moves dead-lettered references back to the queue. With no arguments
// it requeues everything in the dead-letter sequence.
func (b *Batcher) Requeue(ctx context.Context, refs ...Ref) error {
	return b.Transact(ctx, func(_ context.Context, tx *durable.Tx[State]) error {
		s := tx.State()
		if len(s.DeadLetter) == 0 {
			return nil
		}

		wanted := ds.NewSet[string]()
		for _, ref := range refs {
			wanted.Add(ref.String())
		}
		all := len(refs) == 0

		keep := s.DeadLetter[:0]
		moved := 0
		for _, ref := range s.DeadLetter {
			if all || wanted.Contains(ref.String()) {
				s.Queue = append(s.Queue, ref)
				moved++
			} else {
				keep = append(keep, ref)
			}
		}
		s.DeadLetter = keep
		if moved == 0 {
			return nil
		}

		tx.MarkDirty()
		b.log.Info("requeued dead-lettered claims", slog.Int("count", moved))
		return nil
	})
}

func containsRef(s *State, ref Ref) bool {
	for _, seq := range [][]Ref{s.Queue, s.Processing, s.Processed, s.DeadLetter} {
		if slices.Contains(seq, ref) {
			return true
		}
	}
	return false
}
