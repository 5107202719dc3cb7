package repository

import (
	"context"
	"sync"
	"time"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
)

// MemoryProcessedSet is the single-process ProcessedSet used when Redis is not configured.
type MemoryProcessedSet struct {
	mu   sync.Mutex
	ttl  time.Duration
	refs map[string]time.Time
	now  func() time.Time
}

func NewMemoryProcessedSet(ttl time.Duration) *MemoryProcessedSet {
	return &MemoryProcessedSet{ttl: ttl, refs: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryProcessedSet) Seen(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.refs[ref]
	if !ok {
		return false, nil
	}
	if s.now().After(exp) {
		delete(s.refs, ref)
		return false, nil
	}
	return true, nil
}

func (s *MemoryProcessedSet) Mark(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref] = s.now().Add(s.ttl)
	return nil
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localLease
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]*localLease), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (interfaces.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && l.now().Before(cur.until) {
		return nil, false, nil
	}
	lease := &localLease{locker: l, key: key, until: l.now().Add(ttl)}
	l.held[key] = lease
	return lease, true, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	until  time.Time
}

func (lease *localLease) Extend(_ context.Context, ttl time.Duration) (bool, error) {
	l := lease.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lease.key] != lease || !l.now().Before(lease.until) {
		return false, nil
	}
	lease.until = l.now().Add(ttl)
	return true, nil
}

func (lease *localLease) Release() {
	l := lease.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lease.key] == lease {
		delete(l.held, lease.key)
	}
}
