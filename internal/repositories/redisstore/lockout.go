// Package redisstore keeps lockout counters in Redis so that several API
// replicas share one view of failed attempts.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "neurolock:lockout:"
	maxRetries = 50
)

// ErrContention is returned when optimistic retries are exhausted.
var ErrContention = errors.New("lockout record contention")

type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// LockoutRepository stores one JSON document per key and serialises writers
// with WATCH/MULTI.
type LockoutRepository struct {
	client redis.UniversalClient
}

func NewLockoutRepository(client redis.UniversalClient) *LockoutRepository {
	return &LockoutRepository{client: client}
}

func load(ctx context.Context, getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}, key string) (*models.LockoutRecord, error) {
	data, err := getter.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &models.LockoutRecord{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lockout record: %w", err)
	}

	var rec models.LockoutRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode lockout record: %w", err)
	}
	rec.Key = key
	return &rec, nil
}

func (r *LockoutRepository) Get(ctx context.Context, key string) (*models.LockoutRecord, error) {
	return load(ctx, r.client, key)
}

func (r *LockoutRepository) Mutate(ctx context.Context, key string, fn func(*models.LockoutRecord) error) (*models.LockoutRecord, error) {
	var out *models.LockoutRecord

	txf := func(tx *redis.Tx) error {
		rec, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode lockout record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyPrefix+key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	for i := 0; i < maxRetries; i++ {
		err := r.client.Watch(ctx, txf, keyPrefix+key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}

	return nil, ErrContention
}
