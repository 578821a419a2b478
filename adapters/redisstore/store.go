// Package redisstore backs the state store contract with Redis hashes.
// Conditional writes use WATCH plus a transactional pipeline, so a concurrent
// writer aborts the transaction and surfaces as a version mismatch.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

const (
	fieldState        = "state"
	fieldVersion      = "version"
	fieldLastModified = "last_modified"
)

type Config struct {
	// URL is a redis connection URL ("redis://host:port/db"). Ignored when
	// Client is set.
	URL string

	// Client, when set, is used directly and not closed by the store.
	Client *redis.Client

	// Log defaults to slog.Default().
	Log *slog.Logger
}

// Store implements statestore.Store on Redis.
type Store struct {
	client    *redis.Client
	ownClient bool
	log       *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	if cfg.Client != nil {
		return &Store{client: cfg.Client, log: log}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{client: client, ownClient: true, log: log}, nil
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Read(ctx context.Context, key string) (statestore.Record, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return statestore.Record{}, fmt.Errorf("read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return statestore.Record{}, fmt.Errorf("read %s: %w", key, statestore.ErrNotFound)
	}
	return parseRecord(key, fields)
}

func (s *Store) ReadMulti(ctx context.Context, keys []string) (map[string]statestore.Record, error) {
	if len(keys) == 0 {
		return map[string]statestore.Record{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bulk read %d keys: %w", len(keys), err)
	}

	out := make(map[string]statestore.Record, len(keys))
	for i, key := range keys {
		fields, err := cmds[i].Result()
		if err != nil {
			return nil, fmt.Errorf("bulk read %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(key, fields)
		if err != nil {
			return nil, err
		}
		out[key] = rec
	}
	return out, nil
}

// Write stores the record if the current version equals expectedVersion
// (0 meaning no record yet). The check-and-set runs under WATCH: a concurrent
// write to the key between the version check and the pipeline aborts the
// transaction, which is reported as statestore.ErrVersionMismatch.
func (s *Store) Write(ctx context.Context, key string, expectedVersion uint64, rec statestore.Record) error {
	txn := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldVersion).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return fmt.Errorf("write %s: record absent, expected version %d: %w",
					key, expectedVersion, statestore.ErrVersionMismatch)
			}
		case err != nil:
			return fmt.Errorf("write %s: read version: %w", key, err)
		default:
			v, err := strconv.ParseUint(current, 10, 64)
			if err != nil {
				return fmt.Errorf("write %s: corrupt version field %q: %w", key, current, err)
			}
			if v != expectedVersion {
				return fmt.Errorf("write %s: version is %d, expected %d: %w",
					key, v, expectedVersion, statestore.ErrVersionMismatch)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldState, string(rec.State),
				fieldVersion, strconv.FormatUint(rec.Version, 10),
				fieldLastModified, rec.LastModified.UTC().Format(time.RFC3339Nano),
			)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("write %s: concurrent write detected: %w", key, statestore.ErrVersionMismatch)
	}
	return err
}

func parseRecord(key string, fields map[string]string) (statestore.Record, error) {
	version, err := strconv.ParseUint(fields[fieldVersion], 10, 64)
	if err != nil {
		return statestore.Record{}, fmt.Errorf("read %s: corrupt version field %q: %w",
			key, fields[fieldVersion], err)
	}
	var lastModified time.Time
	if raw := fields[fieldLastModified]; raw != "" {
		lastModified, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return statestore.Record{}, fmt.Errorf("read %s: corrupt last_modified field %q: %w",
				key, raw, err)
		}
	}
	return statestore.Record{
		State:        []byte(fields[fieldState]),
		Version:      version,
		LastModified: lastModified,
	}, nil
}
