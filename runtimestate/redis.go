package runtimestate

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	evaluation "github.com/taloric/df-evaluation"
)

// compare-and-delete so a holder whose lease expired cannot free someone else's lock
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig describes a redis connection.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	PingTimeout time.Duration
}

// DialRedis opens a client and verifies it answers PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisLocker implements Locker with SET NX PX and a scripted release.
type RedisLocker struct {
	client        redis.UniversalClient
	retryInterval time.Duration
}

// NewRedisLocker builds a locker on client.
func NewRedisLocker(client redis.UniversalClient, opts ...Option) *RedisLocker {
	o := buildOptions(opts)
	return &RedisLocker{client: client, retryInterval: o.retryInterval}
}

// Acquire polls until the lock is free or acquireTimeout elapses.
func (l *RedisLocker) Acquire(ctx context.Context, name string, acquireTimeout, leaseTimeout time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)
	for {
		ok, err := l.client.SetNX(ctx, name, token, leaseTimeout).Result()
		if err != nil {
			return "", fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", evaluation.NewError(evaluation.ErrLockTimeout, "", nil, map[string]any{
				"lock":    name,
				"timeout": acquireTimeout.String(),
			})
		}
		if err := sleepCtx(ctx, l.retryInterval); err != nil {
			return "", err
		}
	}
}

// Release deletes the lock if token still owns it.
func (l *RedisLocker) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{name}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", name, err)
	}
	return n == 1, nil
}

// RedisStore keeps runtime state in redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	locker Locker
	opts   options
}

// NewRedisStore builds a store; locks go through a RedisLocker on the same client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		client: client,
		locker: &RedisLocker{client: client, retryInterval: o.retryInterval},
		opts:   o,
	}
}

// Locker exposes the store's lock primitive.
func (s *RedisStore) Locker() Locker { return s.locker }

// Init writes the initial hash and its TTL in one transaction.
func (s *RedisStore) Init(ctx context.Context, id string) error {
	key := s.opts.key(id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldArgs(InitialState(id).Fields())...)
		pipe.Expire(ctx, key, s.opts.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("init runtime state %s: %w", id, err)
	}
	return nil
}

// Get reads the hash under the case lock.
func (s *RedisStore) Get(ctx context.Context, id string) (State, error) {
	var raw map[string]string
	err := withLock(ctx, s.locker, s.opts, id, func() error {
		var err error
		raw, err = s.client.HGetAll(ctx, s.opts.key(id)).Result()
		return err
	})
	if err != nil {
		return State{}, err
	}
	if len(raw) == 0 {
		return State{}, notFound(id)
	}
	return StateFromFields(raw), nil
}

// SetFields writes changed fields one at a time under the case lock.
func (s *RedisStore) SetFields(ctx context.Context, id string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	key := s.opts.key(id)
	return withLock(ctx, s.locker, s.opts, id, func() error {
		exists, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return notFound(id)
		}
		for _, field := range sortedKeys(fields) {
			value := fields[field]
			current, err := s.client.HGet(ctx, key, field).Result()
			if err != nil && !stderrors.Is(err, redis.Nil) {
				return err
			}
			if err == nil && current == value {
				continue
			}
			if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
				return err
			}
			if s.opts.onWrite != nil {
				s.opts.onWrite(id, field)
			}
		}
		return nil
	})
}

// Delete removes the hash under the case lock.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return withLock(ctx, s.locker, s.opts, id, func() error {
		return s.client.Del(ctx, s.opts.key(id)).Err()
	})
}

func withLock(ctx context.Context, locker Locker, o options, id string, fn func() error) error {
	name := o.lockName(id)
	token, err := locker.Acquire(ctx, name, o.acquireTimeout, o.leaseTimeout)
	if err != nil {
		return err
	}
	defer func() {
		// a fresh context so a cancelled caller still frees the lease
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		released, err := locker.Release(releaseCtx, name, token)
		if err != nil {
			o.logger.Warn("release runtime lock failed", "lock", name, "error", err)
		} else if !released {
			o.logger.Warn("runtime lock lease expired before release", "lock", name)
		}
	}()
	return fn()
}

func notFound(id string) error {
	return evaluation.NewError(evaluation.ErrStateNotFound, "", nil, map[string]any{"uuid": id})
}

func fieldArgs(fields Fields) []any {
	args := make([]any, 0, len(fields)*2)
	for _, k := range sortedKeys(fields) {
		args = append(args, k, fields[k])
	}
	return args
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Locker = (*RedisLocker)(nil)
)
