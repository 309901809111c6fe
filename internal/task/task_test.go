package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-temserver/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_StartLoop(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var calls atomic.Int32
	require.NoError(t, mgr.StartLoop("counter", func() bool {
		return calls.Add(1) < 5
	}))

	mgr.Wait()
	assert.Equal(t, int32(5), calls.Load())
	assert.Zero(t, mgr.Count())
}

func TestManager_StopCancelsTasks(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	started := make(chan struct{})
	require.NoError(t, mgr.Go("blocker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started
	assert.Equal(t, 1, mgr.Count())

	mgr.Stop()
	require.True(t, mgr.WaitTimeout(time.Second))

	err := mgr.Go("late", func(context.Context) {})
	require.ErrorIs(t, err, ErrStopped)
}

func TestManager_ParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := NewManager(ctx, logger.GetLogger())

	require.NoError(t, mgr.StartLoop("spin", func() bool {
		time.Sleep(time.Millisecond)
		return true
	}))

	cancel()
	assert.True(t, mgr.WaitTimeout(time.Second))
}

func TestManager_RecoversPanic(t *testing.T) {
	mockLogger := logger.NewMockLogger().AllowAll()
	mgr := NewManager(context.Background(), mockLogger)

	require.NoError(t, mgr.Go("boom", func(context.Context) {
		panic("kaboom")
	}))
	require.True(t, mgr.WaitTimeout(time.Second))

	mockLogger.AssertCalled(t, "Error", "panic in task", []any{"name", "boom", "panic", "kaboom"})
}
