// Package claims provides the claim types and the region-scoped ClaimsBatcher,
// a durable FIFO queue that settles claims in bounded batches.
package claims

import (
	"errors"
	"fmt"
	"time"
)

// ErrSettlementReadMiss marks a batch in which one or more claim records could
// not be read back during settlement. The affected references are parked in
// the dead-letter sequence (never dropped) and reported on the BatchResult;
// callers decide between Requeue and manual intervention.
var ErrSettlementReadMiss = errors.New("settlement read miss")

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSettled    Status = "settled"
	StatusRejected   Status = "rejected"
)

// Claim is a single matatu insurance claim.
type Claim struct {
	ID         string    `json:"id"`
	SaccoID    string    `json:"sacco_id"`
	VehicleReg string    `json:"vehicle_reg"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// Ref identifies an enqueued claim bound to the batcher version current at
// enqueue time. The binding makes replays detectable: re-enqueueing the same
// claim at the same version is a no-op.
type Ref struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

func (r Ref) String() string { return fmt.Sprintf("%s::%d", r.ID, r.Version) }

// StoreKey is where the claim record itself lives in the backing store.
func (r Ref) StoreKey() string { return "claim:" + r.String() }

// State is the batcher's durable record. A reference lives in exactly one of
// the four sequences at any time; queue → processing → processed is the only
// legal forward order, with dead-letter as the parking lot for references
// whose settlement read missed.
type State struct {
	Queue      []Ref `json:"queue"`
	Processing []Ref `json:"processing"`
	Processed  []Ref `json:"processed"`
	DeadLetter []Ref `json:"dead_letter"`
}

// BatchResult reports one settlement cycle.
type BatchResult struct {
	Settled []Ref
	Missed  []Ref
}
