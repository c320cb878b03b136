// Package syncutil provides per-key serialization primitives.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedLocker.
const DefaultShards = 256

// KeyedLocker serializes work per key over a fixed pool of channel
// semaphores. Distinct keys may share a shard, so callers must never hold
// two keys at once.
type KeyedLocker struct {
	shards []chan struct{}
}

// NewKeyedLocker creates a locker with DefaultShards shards.
func NewKeyedLocker() *KeyedLocker {
	return NewKeyedLockerSize(DefaultShards)
}

// NewKeyedLockerSize creates a locker with n shards (minimum 1).
func NewKeyedLockerSize(n int) *KeyedLocker {
	if n < 1 {
		n = 1
	}
	l := &KeyedLocker{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock waits for the key's shard or for ctx to end. On success the returned
// func releases the lock and must be called exactly once.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.shards[l.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the key's shard only if it is free.
func (l *KeyedLocker) TryLock(key string) (func(), bool) {
	ch := l.shards[l.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (l *KeyedLocker) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
