package tick

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musical-multiverse/network/internal/mirror"
	"musical-multiverse/network/internal/telemetry"
)

func sources(tasks []Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Source)
	}
	return out
}

func TestTaskBufferWraparound(t *testing.T) {
	buffer := NewTaskBuffer(3, nil)
	for _, source := range []string{"a", "b", "c"} {
		require.True(t, buffer.Push(Task{Source: source, Run: func() {}}), "push %s", source)
	}
	assert.False(t, buffer.Push(Task{Source: "overflow", Run: func() {}}), "push fails when the buffer is full")
	assert.Equal(t, []string{"a", "b", "c"}, sources(buffer.Drain()))

	for _, source := range []string{"d", "e"} {
		buffer.Push(Task{Source: source, Run: func() {}})
	}
	assert.Equal(t, []string{"d", "e"}, sources(buffer.Drain()))
}

func TestTaskBufferOverflowMetric(t *testing.T) {
	metrics := telemetry.NewMemoryMetrics()
	buffer := NewTaskBuffer(1, metrics)
	buffer.Push(Task{Run: func() {}})
	buffer.Push(Task{Run: func() {}})
	assert.EqualValues(t, 1, metrics.Value(MetricTaskOverflow))
	assert.EqualValues(t, 1, metrics.Value(MetricTaskOccupancy))
}

func TestAdvanceRunsTasksBeforeSyncers(t *testing.T) {
	var order []string
	syncer := SyncerFunc(func(tick uint64) mirror.SyncResult {
		order = append(order, "sync")
		return mirror.SyncResult{Published: 2, Unchanged: 1}
	})
	loop := NewLoop(DefaultLoopConfig(), Deps{}, LoopHooks{
		Prepare: func(TickContext) { order = append(order, "prepare") },
	}, syncer, syncer)

	loop.Submit(Task{Source: "ui", Run: func() { order = append(order, "task") }})
	result := loop.Advance(TickContext{Tick: 7, Now: time.Now()})

	assert.Equal(t, []string{"task", "prepare", "sync", "sync"}, order)
	assert.EqualValues(t, 7, result.Tick)
	assert.EqualValues(t, 1, result.Tasks)
	assert.Equal(t, 4, result.Sync.Published)
	assert.Equal(t, 2, result.Sync.Unchanged)
	assert.EqualValues(t, 7, loop.Tick())
}

func TestSubmitThrottlesPerSource(t *testing.T) {
	cfg := DefaultLoopConfig()
	cfg.PerSourceLimit = 2
	var dropped []string
	loop := NewLoop(cfg, Deps{}, LoopHooks{
		OnTaskDrop: func(reason string, task Task) { dropped = append(dropped, reason) },
	})
	for i := 0; i < 3; i++ {
		loop.Submit(Task{Source: "drag", Run: func() {}})
	}
	ok, _ := loop.Submit(Task{Source: "other", Run: func() {}})
	assert.True(t, ok, "another source is still accepted")
	assert.Equal(t, []string{TaskRejectSourceLimit}, dropped)

	loop.Advance(TickContext{Tick: 1})
	ok, _ = loop.Submit(Task{Source: "drag", Run: func() {}})
	assert.True(t, ok, "source budget resets after a tick")
}

func TestRunTicksAndReleasesOnCancel(t *testing.T) {
	var ticks atomic.Int32
	cfg := DefaultLoopConfig()
	cfg.TickRate = 200
	loop := NewLoop(cfg, Deps{}, LoopHooks{
		AfterStep: func(StepResult) { ticks.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, loop.Run(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	<-loop.Done()

	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "ticks fired after teardown")

	ok, reason := loop.Submit(Task{Run: func() {}})
	assert.False(t, ok)
	assert.Equal(t, TaskRejectStopped, reason)
}

func TestDoRunsOnLoopAndContainsPanics(t *testing.T) {
	metrics := telemetry.NewMemoryMetrics()
	cfg := DefaultLoopConfig()
	cfg.TickRate = 10
	loop := NewLoop(cfg, Deps{Metrics: metrics}, LoopHooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	ran := false
	require.NoError(t, loop.Do(ctx, "test", func() { ran = true }))
	assert.True(t, ran)
	require.NoError(t, loop.Do(ctx, "test", func() { panic("boom") }))
	assert.EqualValues(t, 1, metrics.Value(MetricTaskPanic))
}
