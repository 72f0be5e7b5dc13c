package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunsJobsUntilCancelled(t *testing.T) {
	var ticks atomic.Int64
	pool := NewPool(zap.NewNop(), Job{
		Name:     "tick",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			ticks.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 },
		time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestPoolKeepsRunningAfterJobError(t *testing.T) {
	var runs atomic.Int64
	pool := NewPool(zap.NewNop(), Job{
		Name:     "flaky",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("pass failed")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	// The job keeps being scheduled despite failing every pass.
	require.Eventually(t, func() bool { return runs.Load() >= 3 },
		time.Second, time.Millisecond)
}

func TestPerTenantContinuesPastFailingTenant(t *testing.T) {
	var visited []string
	run := PerTenant(zap.NewNop(), []string{"acme", "zenith"}, func(ctx context.Context, tenant string) error {
		visited = append(visited, tenant)
		if tenant == "acme" {
			return errors.New("tenant pass failed")
		}
		return nil
	})

	require.NoError(t, run(context.Background()))
	assert.Equal(t, []string{"acme", "zenith"}, visited)
}

func TestPerTenantStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := PerTenant(zap.NewNop(), []string{"acme"}, func(ctx context.Context, tenant string) error {
		t.Fatal("pass ran after cancel")
		return nil
	})
	assert.Error(t, run(ctx))
}
