package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPurger struct {
	calls     atomic.Int32
	threshold atomic.Int64
	err       error
}

func (p *countingPurger) PurgeInactive(_ context.Context, olderThan time.Duration) (int64, error) {
	p.calls.Add(1)
	p.threshold.Store(int64(olderThan))
	return 1, p.err
}

func TestSweeper_PurgesOnTick(t *testing.T) {
	purger := &countingPurger{}
	sweeper := NewSweeper(purger, 10*time.Millisecond, 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	assert.Eventually(t, func() bool { return purger.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2*time.Hour), purger.threshold.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestSweeper_KeepsRunningAfterFailure(t *testing.T) {
	purger := &countingPurger{err: errors.New("db down")}
	sweeper := NewSweeper(purger, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	assert.Eventually(t, func() bool { return purger.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSweeper_Disabled(t *testing.T) {
	purger := &countingPurger{}
	sweeper := NewSweeper(purger, 0, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, sweeper.Run(ctx))
	assert.Zero(t, purger.calls.Load())
}
