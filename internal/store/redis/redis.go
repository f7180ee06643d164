package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaayvee/otpgateway/internal/store"
	"github.com/jaayvee/otpgateway/pkg/models"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries is the number of times an optimistic transaction is
// retried when a watched key changes underneath it.
const maxTxRetries = 10

// ErrTxConflict is returned when an update could not be committed after
// maxTxRetries attempts because of concurrent writers.
var ErrTxConflict = errors.New("too many concurrent updates on the OTP")

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// record is the hash representation of an OTP in Redis.
type record struct {
	Recipient   string `redis:"recipient"`
	Code        string `redis:"code"`
	MaxAttempts int    `redis:"max_attempts"`
	Attempts    int    `redis:"attempts"`
	Verified    bool   `redis:"verified"`
	CreatedAt   int64  `redis:"created_at"`
	ExpiresAt   int64  `redis:"expires_at"`
}

// NewClient returns a go-redis client for the given config. It is shared
// with the rate limiter and the event publisher.
func NewClient(c Conf) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.MaxActive,
		MaxIdleConns: c.MaxIdle,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})
}

// New returns a Redis implementation of store.
func New(client *redis.Client, c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTP"
	}

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Insert stores a new OTP as a hash that expires along with the OTP.
func (r *Redis) Insert(ctx context.Context, otp models.OTP) error {
	key := r.makeKey(otp.ID)
	ttl := otp.ExpiresAt.Sub(otp.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("invalid OTP expiry: %v", ttl)
	}

	// Watch the key so that a concurrent insert of the same ID aborts
	// the transaction.
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HMSet(ctx, key, toFields(otp)...)
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		return err
	}

	return r.watch(ctx, txf, key)
}

// Get retrieves the OTP against the given ID.
func (r *Redis) Get(ctx context.Context, id string) (models.OTP, error) {
	return r.get(ctx, r.client, id)
}

// Update loads the OTP inside a WATCH, runs fn and commits the result in
// a MULTI/EXEC block. If another client touches the key in between, the
// whole read-modify-write is retried.
func (r *Redis) Update(ctx context.Context, id string, fn store.UpdateFunc) (models.OTP, error) {
	var (
		key = r.makeKey(id)
		out models.OTP
	)

	txf := func(tx *redis.Tx) error {
		o, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}

		act := fn(&o)
		out = o
		if act == store.Keep {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if act == store.Delete {
				pipe.Del(ctx, key)
			} else {
				// HMSET preserves the TTL set at insertion.
				pipe.HMSet(ctx, key, toFields(o)...)
			}
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return out, err
	}
	return out, nil
}

// Delete deletes the OTP saved against a given ID.
func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.makeKey(id)).Err(); err != nil {
		return err
	}
	return nil
}

// Sweep is a no-op as Redis expires the keys by itself.
func (r *Redis) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Active scans the OTP keys and counts the ones that are open.
func (r *Redis) Active(ctx context.Context, now time.Time) (int, error) {
	var (
		n    = 0
		iter = r.client.Scan(ctx, 0, r.conf.KeyPrefix+":*", 100).Iterator()
	)
	for iter.Next(ctx) {
		var rec record
		if err := r.client.HGetAll(ctx, iter.Val()).Scan(&rec); err != nil {
			return n, err
		}
		if rec.Code == "" || rec.Verified || time.UnixMilli(rec.ExpiresAt).Before(now) {
			continue
		}
		n++
	}
	if err := iter.Err(); err != nil {
		return n, err
	}
	return n, nil
}

// watch runs txf in an optimistic transaction, retrying on conflicts.
func (r *Redis) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

// makeKey makes the Redis key for the OTP.
func (r *Redis) makeKey(id string) string {
	return fmt.Sprintf("%s:%s", r.conf.KeyPrefix, id)
}

// get retrieves the OTP information from Redis based on the ID.
func (r *Redis) get(ctx context.Context, c hashGetter, id string) (models.OTP, error) {
	var rec record

	// Retrieve all fields of the hash.
	if err := c.HGetAll(ctx, r.makeKey(id)).Scan(&rec); err != nil {
		return models.OTP{}, err
	}

	// Doesn't exist?
	if rec.Code == "" {
		return models.OTP{}, store.ErrNotExist
	}

	return models.OTP{
		ID:          id,
		Recipient:   rec.Recipient,
		Code:        rec.Code,
		MaxAttempts: rec.MaxAttempts,
		Attempts:    rec.Attempts,
		Verified:    rec.Verified,
		CreatedAt:   time.UnixMilli(rec.CreatedAt).UTC(),
		ExpiresAt:   time.UnixMilli(rec.ExpiresAt).UTC(),
	}, nil
}

func toFields(o models.OTP) []interface{} {
	return []interface{}{
		"recipient", o.Recipient,
		"code", o.Code,
		"max_attempts", o.MaxAttempts,
		"attempts", o.Attempts,
		"verified", o.Verified,
		"created_at", o.CreatedAt.UnixMilli(),
		"expires_at", o.ExpiresAt.UnixMilli(),
	}
}
