package registry

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Distinct keys never contend beyond the
// short critical section that looks up the per-key lock.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	// sem has capacity one; holding the token means holding the lock.
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) acquireRef(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) releaseRef(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// TryLock acquires the lock for key without waiting. It returns an unlock
// function and true on success.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	l := k.acquireRef(key)
	select {
	case l.sem <- struct{}{}:
		return k.unlocker(key, l), true
	default:
		k.releaseRef(key, l)
		return nil, false
	}
}

// Lock waits for the lock for key or for ctx to be done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	l := k.acquireRef(key)
	select {
	case l.sem <- struct{}{}:
		return k.unlocker(key, l), nil
	case <-ctx.Done():
		k.releaseRef(key, l)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) unlocker(key string, l *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.releaseRef(key, l)
		})
	}
}

// Held returns the number of keys with a holder or waiter.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
