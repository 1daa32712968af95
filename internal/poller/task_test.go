package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_StopDoesNotWaitForTick(t *testing.T) {
	task := NewTask("test", time.Hour)
	release := make(chan struct{})
	entered := make(chan struct{})

	require.True(t, task.Start(context.Background(), func(ctx context.Context) bool {
		close(entered)
		<-release
		return false
	}))
	<-entered

	stopped := make(chan struct{})
	go func() {
		task.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an in-flight tick")
	}
	assert.False(t, task.Active())
	close(release)
}

func TestTask_DoneEndsLoop(t *testing.T) {
	task := NewTask("test", 5*time.Millisecond)
	var ticks atomic.Int32

	require.True(t, task.Start(context.Background(), func(ctx context.Context) bool {
		return ticks.Add(1) == 3
	}))

	require.Eventually(t, func() bool { return !task.Active() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), ticks.Load())
}

func TestTask_ContextCancelEndsLoop(t *testing.T) {
	task := NewTask("test", 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, task.Start(ctx, func(ctx context.Context) bool { return false }))
	cancel()

	require.Eventually(t, func() bool { return !task.Active() }, time.Second, time.Millisecond)
}

func TestTask_RestartAfterStopIgnoresOldLoop(t *testing.T) {
	task := NewTask("test", time.Hour)
	release := make(chan struct{})

	require.True(t, task.Start(context.Background(), func(ctx context.Context) bool {
		<-release
		return true
	}))
	task.Stop()
	require.True(t, task.Start(context.Background(), func(ctx context.Context) bool { return false }))
	close(release)

	time.Sleep(10 * time.Millisecond)
	assert.True(t, task.Active(), "the finished old loop must not mark the new one idle")
	assert.Equal(t, 2, task.Runs())
	task.Stop()
}
