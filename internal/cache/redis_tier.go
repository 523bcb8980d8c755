package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vpnshield/internal/domain"
)

const (
	redisKeyPrefix  = "vpnshield:result:"
	redisOpTimeout  = 2 * time.Second
	redisScanCount  = 500
	redisFlushBatch = 500
)

type redisPayload struct {
	Result    domain.Result `json:"result"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// RedisTier shares results between nodes. Entries carry their absolute expiry
// so every node agrees on when a result goes stale.
type RedisTier struct {
	client redis.Cmdable
}

func NewRedisTier(client redis.Cmdable) *RedisTier {
	return &RedisTier{client: client}
}

func redisKey(address string) string {
	return redisKeyPrefix + address
}

func (t *RedisTier) Get(ctx context.Context, address string) (domain.Result, time.Time, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := t.client.Get(opCtx, redisKey(address)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Result{}, time.Time{}, false, nil
		}
		return domain.Result{}, time.Time{}, false, fmt.Errorf("cache: redis get: %w", err)
	}

	var payload redisPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Result{}, time.Time{}, false, fmt.Errorf("cache: decode payload: %w", err)
	}
	return payload.Result, payload.ExpiresAt, true, nil
}

func (t *RedisTier) Set(ctx context.Context, address string, result domain.Result, expires time.Time) error {
	ttl := time.Until(expires)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(redisPayload{Result: result, ExpiresAt: expires})
	if err != nil {
		return fmt.Errorf("cache: encode payload: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := t.client.Set(opCtx, redisKey(address), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, address string) error {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := t.client.Del(opCtx, redisKey(address)).Err(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (t *RedisTier) Flush(ctx context.Context) error {
	var (
		cursor uint64
		batch  []string
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		err := t.client.Del(opCtx, batch...).Err()
		batch = batch[:0]
		return err
	}

	for {
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		keys, next, err := t.client.Scan(opCtx, cursor, redisKeyPrefix+"*", redisScanCount).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}

		batch = append(batch, keys...)
		if len(batch) >= redisFlushBatch {
			if err := flush(); err != nil {
				return fmt.Errorf("cache: redis flush: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := flush(); err != nil {
		return fmt.Errorf("cache: redis flush: %w", err)
	}
	return nil
}
