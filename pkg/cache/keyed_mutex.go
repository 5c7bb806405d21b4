package cache

import (
	"context"
	"sync"
)

// KeyedMutex hands out one lock per key. Locks for different keys never
// contend with each other, and waiting for a held key can be abandoned
// through the context.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]chan struct{}
}

func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{locks: map[K]chan struct{}{}}
}

func (k *KeyedMutex[K]) get(key K) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = map[K]chan struct{}{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		k.locks[key] = l
	}
	return l
}

// Lock blocks until key is held or ctx is done. On success it returns the
// matching unlock func, which must be called exactly once.
func (k *KeyedMutex[K]) Lock(ctx context.Context, key K) (func(), error) {
	l := k.get(key)
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
