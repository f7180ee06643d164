package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 10

// Redis is a Limiter that keeps one hash per recipient so that the
// cooldown holds across gateway instances sharing the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a Redis backed limiter. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "OTP"
	}
	return &Redis{client: client, prefix: prefix + ":RL:"}
}

// Allow implements Limiter. The read of the last issuance and the write of
// the new one happen in a single WATCH/MULTI transaction.
func (r *Redis) Allow(ctx context.Context, recipient string, cooldown time.Duration, now time.Time) (bool, time.Duration, error) {
	var (
		key  = r.prefix + recipient
		ok   bool
		wait time.Duration
	)

	txf := func(tx *redis.Tx) error {
		last, err := tx.HGet(ctx, key, "last_issued_at").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		var lastAt time.Time
		if last > 0 {
			lastAt = time.UnixMilli(last)
		}
		ok, wait = check(lastAt, now, cooldown)
		if !ok {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "last_issued_at", now.UnixMilli())
			pipe.HIncrBy(ctx, key, "count", 1)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return ok, wait, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, 0, fmt.Errorf("error checking rate limit: %w", err)
	}
	return false, 0, errors.New("error checking rate limit: too many concurrent requests")
}

// Get implements Limiter.
func (r *Redis) Get(ctx context.Context, recipient string) (Record, bool, error) {
	var out struct {
		Last  int64 `redis:"last_issued_at"`
		Count int64 `redis:"count"`
	}
	if err := r.client.HGetAll(ctx, r.prefix+recipient).Scan(&out); err != nil {
		return Record{}, false, err
	}
	if out.Last == 0 {
		return Record{}, false, nil
	}

	return Record{
		Recipient:    recipient,
		LastIssuedAt: time.UnixMilli(out.Last).UTC(),
		Count:        out.Count,
	}, true, nil
}

// Len implements Limiter by scanning the limiter keys.
func (r *Redis) Len(ctx context.Context) (int, error) {
	var (
		n    = 0
		iter = r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	)
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), r.prefix) {
			n++
		}
	}
	return n, iter.Err()
}
