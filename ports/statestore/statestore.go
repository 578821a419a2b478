// Package statestore defines the versioned key-value contract durable objects
// persist through.
//
// A Record carries an opaque state blob together with a monotonically
// increasing version. Write is a conditional multi-write: it only succeeds
// when the stored version still equals expectedVersion, which gives callers
// compare-and-swap semantics over arbitrary state blobs. Any backend providing
// these three operations is interchangeable.
package statestore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Read when no record exists for the key.
	ErrNotFound = errors.New("record not found")

	// ErrVersionMismatch is returned by Write when the stored version does
	// not match the expected version, i.e. another writer committed first.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Record is a single versioned entry.
type Record struct {
	State        []byte    `json:"state"`
	Version      uint64    `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

type Store interface {
	// Read returns the record stored at key, or ErrNotFound.
	Read(ctx context.Context, key string) (Record, error)

	// ReadMulti returns the records for all keys that exist. Missing keys
	// are simply absent from the result, they are not an error.
	ReadMulti(ctx context.Context, keys []string) (map[string]Record, error)

	// Write stores rec at key iff the currently stored version equals
	// expectedVersion (0 meaning "no record yet"). A concurrent write in
	// between surfaces as ErrVersionMismatch.
	Write(ctx context.Context, key string, expectedVersion uint64, rec Record) error
}
