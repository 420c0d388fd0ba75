package service

import (
	"context"
	"sync"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
)

// MemoryCheckpointStore keeps step checkpoints in process memory.
// Checkpoints do not survive a restart; use the Postgres store in production.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]*domain.StepCheckpoint
	now         func() time.Time
}

// NewMemoryCheckpointStore creates an empty MemoryCheckpointStore
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]*domain.StepCheckpoint),
		now:         time.Now,
	}
}

func checkpointKey(runKey, step string) string {
	return runKey + "/" + step
}

func (s *MemoryCheckpointStore) entry(runKey, step string) *domain.StepCheckpoint {
	key := checkpointKey(runKey, step)
	cp, ok := s.checkpoints[key]
	if !ok {
		cp = &domain.StepCheckpoint{RunKey: runKey, StepName: step}
		s.checkpoints[key] = cp
	}
	return cp
}

// Get returns a copy of the checkpoint, or nil when none exists
func (s *MemoryCheckpointStore) Get(ctx context.Context, runKey, step string) (*domain.StepCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[checkpointKey(runKey, step)]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

// BeginAttempt increments the attempt counter
func (s *MemoryCheckpointStore) BeginAttempt(ctx context.Context, runKey, step string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.entry(runKey, step)
	cp.Attempts++
	return cp.Attempts, nil
}

// RecordFailure stores the last error of a step
func (s *MemoryCheckpointStore) RecordFailure(ctx context.Context, runKey, step string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(runKey, step).LastError = lastErr
	return nil
}

// Complete marks a step completed
func (s *MemoryCheckpointStore) Complete(ctx context.Context, runKey, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cp := s.entry(runKey, step)
	cp.CompletedAt = &now
	cp.LastError = ""
	return nil
}

// ScheduleWake stores wakeAt unless a wake time already exists
func (s *MemoryCheckpointStore) ScheduleWake(ctx context.Context, runKey, step string, wakeAt time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.entry(runKey, step)
	if cp.WakeAt == nil {
		cp.WakeAt = &wakeAt
	}
	return *cp.WakeAt, nil
}
