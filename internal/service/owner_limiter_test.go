package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOwnerLimiter_CapsPerOwner(t *testing.T) {
	l := NewMemoryOwnerLimiter(2)
	owner := uuid.New()
	ctx := context.Background()

	r1, err := l.Acquire(ctx, owner)
	require.NoError(t, err)
	r2, err := l.Acquire(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, l.InFlight(owner))

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(timeoutCtx, owner)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Another owner is unaffected
	other, err := l.Acquire(ctx, uuid.New())
	require.NoError(t, err)
	other()

	r1()
	r3, err := l.Acquire(ctx, owner)
	require.NoError(t, err)

	r2()
	r3()
	assert.Equal(t, 0, l.InFlight(owner))
}

func TestMemoryOwnerLimiter_ReleaseIsIdempotent(t *testing.T) {
	l := NewMemoryOwnerLimiter(1)
	owner := uuid.New()

	release, err := l.Acquire(context.Background(), owner)
	require.NoError(t, err)
	release()
	release()

	assert.Equal(t, 0, l.InFlight(owner))
	_, err = l.Acquire(context.Background(), owner)
	assert.NoError(t, err)
}

func TestMemoryOwnerLimiter_WaiterWakesOnRelease(t *testing.T) {
	l := NewMemoryOwnerLimiter(1)
	owner := uuid.New()

	release, err := l.Acquire(context.Background(), owner)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), owner)
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestMemoryOwnerLimiter_DefaultLimit(t *testing.T) {
	l := NewMemoryOwnerLimiter(0)
	assert.Equal(t, DefaultOwnerConcurrency, l.limit)
}
