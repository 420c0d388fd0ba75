package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultOwnerConcurrency is the number of settlements one owner may run at once
const DefaultOwnerConcurrency = 5

type ownerSlots struct {
	sem  chan struct{}
	refs int
}

// MemoryOwnerLimiter caps concurrent runs per owner within one process.
// Owners never contend with each other.
type MemoryOwnerLimiter struct {
	limit  int
	mu     sync.Mutex
	owners map[uuid.UUID]*ownerSlots
}

// NewMemoryOwnerLimiter creates a limiter allowing limit concurrent runs per owner
func NewMemoryOwnerLimiter(limit int) *MemoryOwnerLimiter {
	if limit <= 0 {
		limit = DefaultOwnerConcurrency
	}
	return &MemoryOwnerLimiter{
		limit:  limit,
		owners: make(map[uuid.UUID]*ownerSlots),
	}
}

func (l *MemoryOwnerLimiter) slots(ownerID uuid.UUID) *ownerSlots {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.owners[ownerID]
	if !ok {
		s = &ownerSlots{sem: make(chan struct{}, l.limit)}
		l.owners[ownerID] = s
	}
	s.refs++
	return s
}

func (l *MemoryOwnerLimiter) unref(ownerID uuid.UUID, s *ownerSlots) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.owners, ownerID)
	}
}

// Acquire blocks until the owner has a free slot or ctx is done
func (l *MemoryOwnerLimiter) Acquire(ctx context.Context, ownerID uuid.UUID) (func(), error) {
	s := l.slots(ownerID)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(ownerID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			l.unref(ownerID, s)
		})
	}, nil
}

// InFlight returns the number of slots currently held by an owner
func (l *MemoryOwnerLimiter) InFlight(ownerID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.owners[ownerID]; ok {
		return len(s.sem)
	}
	return 0
}
