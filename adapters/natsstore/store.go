// Package natsstore backs the state store contract with a JetStream key-value
// bucket. Conditional writes ride on JetStream revisions: Create for the first
// version, Update pinned to the entry's revision afterwards.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

type Config struct {
	// Connect defaults to ConnectDefault (NATS_URL or the local server).
	Connect Connector

	// Bucket is the KV bucket name. Required.
	Bucket string

	// Log defaults to slog.Default().
	Log *slog.Logger
}

// Store implements statestore.Store on a JetStream KV bucket.
type Store struct {
	kv      jetstream.KeyValue
	log     *slog.Logger
	closeFn closeFunc
}

// envelope is the stored value. The record version lives inside the value;
// the JetStream revision is transport detail and never escapes the adapter.
type envelope struct {
	State        json.RawMessage `json:"state"`
	Version      uint64          `json:"version"`
	LastModified time.Time       `json:"last_modified"`
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeFn, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeFn()
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}

	return &Store{kv: kv, log: log, closeFn: closeFn}, nil
}

func (s *Store) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

// kvKey maps store keys onto the KV key charset. Store keys use ':' as a
// namespace separator, which JetStream rejects.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func (s *Store) Read(ctx context.Context, key string) (statestore.Record, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return statestore.Record{}, fmt.Errorf("read %s: %w", key, statestore.ErrNotFound)
		}
		return statestore.Record{}, fmt.Errorf("read %s: %w", key, err)
	}
	return decodeEntry(key, entry)
}

func (s *Store) ReadMulti(ctx context.Context, keys []string) (map[string]statestore.Record, error) {
	out := make(map[string]statestore.Record, len(keys))
	for _, key := range keys {
		rec, err := s.Read(ctx, key)
		if err != nil {
			if errors.Is(err, statestore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[key] = rec
	}
	return out, nil
}

func (s *Store) Write(ctx context.Context, key string, expectedVersion uint64, rec statestore.Record) error {
	data, err := json.Marshal(envelope{
		State:        json.RawMessage(rec.State),
		Version:      rec.Version,
		LastModified: rec.LastModified,
	})
	if err != nil {
		return fmt.Errorf("write %s: encode: %w", key, err)
	}

	k := kvKey(key)
	entry, err := s.kv.Get(ctx, k)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		if expectedVersion != 0 {
			return fmt.Errorf("write %s: record absent, expected version %d: %w",
				key, expectedVersion, statestore.ErrVersionMismatch)
		}
		if _, err := s.kv.Create(ctx, k, data); err != nil {
			if isRevisionConflict(err) {
				return fmt.Errorf("write %s: concurrent create: %w", key, statestore.ErrVersionMismatch)
			}
			return fmt.Errorf("write %s: %w", key, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("write %s: %w", key, err)
	}

	current, err := decodeEntry(key, entry)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("write %s: version is %d, expected %d: %w",
			key, current.Version, expectedVersion, statestore.ErrVersionMismatch)
	}

	if _, err := s.kv.Update(ctx, k, data, entry.Revision()); err != nil {
		if isRevisionConflict(err) {
			return fmt.Errorf("write %s: concurrent write detected: %w", key, statestore.ErrVersionMismatch)
		}
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func decodeEntry(key string, entry jetstream.KeyValueEntry) (statestore.Record, error) {
	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return statestore.Record{}, fmt.Errorf("read %s: corrupt envelope: %w", key, err)
	}
	return statestore.Record{
		State:        []byte(env.State),
		Version:      env.Version,
		LastModified: env.LastModified,
	}, nil
}
