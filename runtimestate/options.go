package runtimestate

import (
	"time"

	evaluation "github.com/taloric/df-evaluation"
)

// Option configures a store.
type Option func(*options)

type options struct {
	keyPrefix      string
	lockPrefix     string
	ttl            time.Duration
	acquireTimeout time.Duration
	leaseTimeout   time.Duration
	retryInterval  time.Duration
	logger         evaluation.Logger
	onWrite        func(id, field string)
}

func defaultOptions() options {
	return options{
		keyPrefix:      DefaultKeyPrefix,
		lockPrefix:     DefaultLockPrefix,
		ttl:            DefaultTTL,
		acquireTimeout: DefaultAcquireTimeout,
		leaseTimeout:   DefaultLeaseTimeout,
		retryInterval:  5 * time.Millisecond,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.logger = evaluation.WithLoggerFields(o.logger, map[string]any{"component": "runtimestate"})
	return o
}

// WithTTL bounds how long an entry survives without cleanup.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithLockTimeouts sets the acquire and lease timeouts used around field access.
func WithLockTimeouts(acquire, lease time.Duration) Option {
	return func(o *options) {
		if acquire > 0 {
			o.acquireTimeout = acquire
		}
		if lease > 0 {
			o.leaseTimeout = lease
		}
	}
}

// WithRetryInterval sets the pause between lock attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger evaluation.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithWriteHook is called inside the critical section after each field write.
func WithWriteHook(fn func(id, field string)) Option {
	return func(o *options) {
		o.onWrite = fn
	}
}

func (o options) key(id string) string      { return o.keyPrefix + id }
func (o options) lockName(id string) string { return o.lockPrefix + id }
