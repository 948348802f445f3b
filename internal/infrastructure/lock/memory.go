package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLocker 进程内资源锁，带租约过期
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	seq   uint64
	now   func() time.Time
}

type memoryEntry struct {
	owner     uint64
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, lease time.Duration, opts ...AcquireOption) (Handle, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("锁租约必须大于0: %s", key)
	}
	o := buildOptions(opts)

	var owner uint64
	ok, err := retry(ctx, o, func() (bool, error) {
		owner = l.tryLock(key, lease)
		return owner != 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return notAcquired{}, nil
	}
	return &memoryHandle{locker: l, key: key, owner: owner}, nil
}

func (l *MemoryLocker) tryLock(key string, lease time.Duration) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[key]; ok && now.Before(e.expiresAt) {
		return 0
	}
	l.seq++
	l.locks[key] = memoryEntry{owner: l.seq, expiresAt: now.Add(lease)}
	return l.seq
}

func (l *MemoryLocker) unlock(key string, owner uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok || e.owner != owner {
		return false
	}
	delete(l.locks, key)
	return true
}

type memoryHandle struct {
	locker   *MemoryLocker
	key      string
	owner    uint64
	mu       sync.Mutex
	released bool
}

func (h *memoryHandle) IsAcquired() bool { return true }

func (h *memoryHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if !h.locker.unlock(h.key, h.owner) {
		return ErrLockNotHeld
	}
	return nil
}
