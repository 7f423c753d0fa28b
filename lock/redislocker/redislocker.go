/*
Package redislocker implements ledger.Locker on Redis.

PURPOSE:
  Several server processes in front of one database need the same per-pair
  lock discipline the in-process KeyedLocker gives a single process. Each
  lock key becomes a Redis key held with bsm/redislock; keys are obtained in
  the order the engine passes them (already canonical) and released in
  reverse.

TTL:
  A lock expires after TTL even if its holder dies. TTL must exceed the
  longest ledger transaction; the database transaction remains the last line
  of defence if it does not.

SEE ALSO:
  - ledger/lock.go: Locker interface and canonical key order
*/
package redislocker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/ledger"
)

const (
	DefaultTTL     = 30 * time.Second
	DefaultWait    = 5 * time.Second
	DefaultBackoff = 25 * time.Millisecond
	DefaultPrefix  = "stock:lock:"
)

type Options struct {
	Prefix  string
	TTL     time.Duration
	Wait    time.Duration
	Backoff time.Duration
}

type Locker struct {
	client *redislock.Client
	opts   Options
	log    logrus.FieldLogger
}

// New wraps a connected Redis client.
func New(rdb redis.Scripter, opts Options, log logrus.FieldLogger) *Locker {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locker{client: redislock.New(rdb), opts: opts, log: log}
}

// Acquire obtains every key or none. It waits at most Wait in total.
func (l *Locker) Acquire(ctx context.Context, keys []ledger.LockKey) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.opts.Wait)
	defer cancel()

	held := make([]*redislock.Lock, 0, len(keys))
	for _, k := range keys {
		lock, err := l.client.Obtain(waitCtx, l.opts.Prefix+k.String(), l.opts.TTL, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(l.opts.Backoff),
		})
		if err != nil {
			l.releaseAll(held)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
				return nil, &ledger.Error{
					Kind:   ledger.KindConflict,
					Code:   "LockTimeout",
					Detail: "waiting for " + k.String(),
					Err:    ledger.ErrLockTimeout,
				}
			}
			return nil, ledger.Internalf(err, "obtain lock %s", k)
		}
		held = append(held, lock)
	}

	var once sync.Once
	return func() { once.Do(func() { l.releaseAll(held) }) }, nil
}

func (l *Locker) releaseAll(held []*redislock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.WithError(err).WithField("key", held[i].Key()).Warn("failed to release lock")
		}
	}
}

var _ ledger.Locker = (*Locker)(nil)
