package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"marketescrow/native/escrow"
)

const cacheKeyPrefix = "escrow:record:"

// Connect initialises a Redis client from a redis:// URL or host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// CachedStore is a read-through Redis cache in front of another record store.
// Redis failures degrade to the backing store; they never fail a request.
type CachedStore struct {
	backing escrow.RecordStore
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore wraps backing with a Redis cache whose entries expire after ttl.
func NewCachedStore(backing escrow.RecordStore, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{backing: backing, client: client, ttl: ttl, logger: logger}
}

// StagingData implements escrow.RecordStore.
func (c *CachedStore) StagingData(ctx context.Context, orderID string) (*escrow.StagingData, error) {
	return c.backing.StagingData(ctx, orderID)
}

// UserEscrows implements escrow.RecordStore.
func (c *CachedStore) UserEscrows(ctx context.Context, addr common.Address, role escrow.Role) ([]*escrow.Escrow, error) {
	return c.backing.UserEscrows(ctx, addr, role)
}

// GetEscrow implements escrow.RecordStore.
func (c *CachedStore) GetEscrow(ctx context.Context, id escrow.ID) (*escrow.Escrow, error) {
	key := cacheKey(id)
	data, err := c.client.HGet(ctx, key, "record").Bytes()
	switch {
	case err == nil:
		var esc escrow.Escrow
		if decodeErr := json.Unmarshal(data, &esc); decodeErr == nil {
			return &esc, nil
		}
		c.client.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("escrow cache read failed", slog.Uint64("escrow_id", uint64(id)), slog.Any("error", err))
	}
	esc, err := c.backing.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, esc)
	return esc, nil
}

// PutEscrowState implements escrow.RecordStore. The backing store is written
// first; the cache only ever moves forward in status rank.
func (c *CachedStore) PutEscrowState(ctx context.Context, esc *escrow.Escrow) error {
	if err := c.backing.PutEscrowState(ctx, esc); err != nil {
		return err
	}
	c.fill(ctx, esc)
	return nil
}

func (c *CachedStore) fill(ctx context.Context, esc *escrow.Escrow) {
	if esc == nil || esc.ID == 0 {
		return
	}
	key := cacheKey(esc.ID)
	payload, err := json.Marshal(esc)
	if err != nil {
		return
	}
	rank := esc.Status.Rank()
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "rank").Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && current > rank {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "rank", strconv.Itoa(rank), "record", payload)
			p.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		c.logger.Warn("escrow cache write failed", slog.Uint64("escrow_id", uint64(esc.ID)), slog.Any("error", err))
		c.client.Del(ctx, key)
	}
}

// Invalidate drops the cached entry for id.
func (c *CachedStore) Invalidate(ctx context.Context, id escrow.ID) error {
	return c.client.Del(ctx, cacheKey(id)).Err()
}

func cacheKey(id escrow.ID) string {
	return cacheKeyPrefix + strconv.FormatUint(uint64(id), 10)
}
