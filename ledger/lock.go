package ledger

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// =============================================================================
// LOCK KEYS - Canonical global order
// =============================================================================

// LockKey names one lockable resource. Balance rows use BalanceLockKey;
// workflow documents (transfers) use ResourceLockKey.
type LockKey struct {
	Scope   string
	Kitchen KitchenID
	Item    ItemID
	ID      string
}

const (
	scopeResource = "a-resource"
	scopeBalance  = "b-balance"
)

func BalanceLockKey(key BalanceKey) LockKey {
	return LockKey{Scope: scopeBalance, Kitchen: key.Kitchen, Item: key.Item}
}

func ResourceLockKey(kind, id string) LockKey {
	return LockKey{Scope: scopeResource, ID: kind + ":" + id}
}

func (k LockKey) String() string {
	if k.Scope == scopeBalance {
		return "balance:" + string(k.Kitchen) + ":" + string(k.Item)
	}
	return "resource:" + k.ID
}

func compareLockKeys(a, b LockKey) int {
	return cmp.Or(
		cmp.Compare(a.Scope, b.Scope),
		cmp.Compare(a.ID, b.ID),
		cmp.Compare(a.Kitchen, b.Kitchen),
		cmp.Compare(a.Item, b.Item),
	)
}

// SortLockKeys returns keys deduplicated in the global acquisition order:
// resources first, then balances by kitchen id and item id. Every caller
// acquires locks in this order, so two batches touching overlapping pairs
// can never wait on each other in a cycle.
func SortLockKeys(keys []LockKey) []LockKey {
	out := slices.Clone(keys)
	slices.SortFunc(out, compareLockKeys)
	return slices.CompactFunc(out, func(a, b LockKey) bool { return compareLockKeys(a, b) == 0 })
}

// SortBalanceKeys returns keys deduplicated and sorted by kitchen, then item.
func SortBalanceKeys(keys []BalanceKey) []BalanceKey {
	out := slices.Clone(keys)
	cmpKey := func(a, b BalanceKey) int {
		return cmp.Or(cmp.Compare(a.Kitchen, b.Kitchen), cmp.Compare(a.Item, b.Item))
	}
	slices.SortFunc(out, cmpKey)
	return slices.CompactFunc(out, func(a, b BalanceKey) bool { return cmpKey(a, b) == 0 })
}

// =============================================================================
// LOCKER
// =============================================================================

// Locker serializes access to lock keys across concurrent callers.
//
// Acquire receives keys already in canonical order and must take them in
// that order. It blocks until every key is held or ctx ends; on failure no
// key remains held. The returned release func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, keys []LockKey) (release func(), err error)
}

// NopLocker relies entirely on the store's row locks (store/mysql).
type NopLocker struct{}

func (NopLocker) Acquire(context.Context, []LockKey) (func(), error) {
	return func() {}, nil
}

// =============================================================================
// KEYED LOCKER - In-process exclusive locks per key
// =============================================================================

// KeyedLocker holds one exclusive lock per key within a single process.
// Callers on disjoint keys never contend. Entries are reference counted and
// dropped once unused, so the map only holds keys that are in flight.
type KeyedLocker struct {
	// Wait bounds how long Acquire waits for all keys. Zero waits until ctx ends.
	Wait time.Duration

	mu    sync.Mutex
	locks map[LockKey]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker(wait time.Duration) *KeyedLocker {
	return &KeyedLocker{Wait: wait, locks: make(map[LockKey]*keyLock)}
}

func (l *KeyedLocker) Acquire(ctx context.Context, keys []LockKey) (func(), error) {
	if l.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Wait)
		defer cancel()
	}

	held := make([]LockKey, 0, len(keys))
	for _, k := range keys {
		if err := l.lock(ctx, k); err != nil {
			l.unlockAll(held)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &Error{Kind: KindConflict, Code: "LockTimeout", Detail: "waiting for " + k.String(), Err: ErrLockTimeout}
			}
			return nil, err
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(func() { l.unlockAll(held) }) }, nil
}

// Held reports how many keys currently have holders or waiters.
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyedLocker) lock(ctx context.Context, k LockKey) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[LockKey]*keyLock)
	}
	kl, ok := l.locks[k]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(k, kl, false)
		return ctx.Err()
	}
}

func (l *KeyedLocker) unlockAll(keys []LockKey) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		kl := l.locks[keys[i]]
		l.mu.Unlock()
		l.release(keys[i], kl, true)
	}
}

func (l *KeyedLocker) release(k LockKey, kl *keyLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, k)
	}
	l.mu.Unlock()
}
