// Package tick runs the synchronization loop: a single goroutine that fires
// at a fixed rate, executes staged tasks and asks every registered syncer to
// publish what changed. Ticks never overlap; a tick that runs long causes the
// following ones to be coalesced rather than queued.
package tick

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"musical-multiverse/network/internal/mirror"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/logging"
	lognet "musical-multiverse/network/logging/network"
)

const (
	// TaskRejectSourceLimit indicates a task was dropped due to per-source
	// throttling.
	TaskRejectSourceLimit = "source_limit"
	// TaskRejectQueueFull indicates the task buffer is saturated.
	TaskRejectQueueFull = "queue_full"
	// TaskRejectStopped indicates the loop has already shut down.
	TaskRejectStopped = "stopped"

	MetricOverrun      = "tick_overrun_total"
	MetricSkipped      = "tick_skipped_total"
	MetricTaskPanic    = "tick_task_panic_total"
	MetricTicks        = "tick_total"
	DefaultTickRate    = 30
	defaultTaskBacklog = 256
)

var ErrAlreadyRunning = errors.New("tick: loop already running")

// Syncer is anything that publishes pending local state once per tick.
type Syncer interface {
	Sync(tick uint64) mirror.SyncResult
}

type SyncerFunc func(tick uint64) mirror.SyncResult

func (f SyncerFunc) Sync(tick uint64) mirror.SyncResult {
	return f(tick)
}

// LoopConfig tunes the task buffer and tick pacing.
type LoopConfig struct {
	TickRate       int
	TaskCapacity   int
	PerSourceLimit int
	WarningStep    int
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		TickRate:       DefaultTickRate,
		TaskCapacity:   defaultTaskBacklog,
		PerSourceLimit: 64,
		WarningStep:    64,
	}
}

// Period is the fixed interval between ticks.
func (c LoopConfig) Period() time.Duration {
	rate := c.TickRate
	if rate <= 0 {
		rate = DefaultTickRate
	}
	return time.Second / time.Duration(rate)
}

// TickContext describes the tick about to run.
type TickContext struct {
	Tick uint64
	Now  time.Time
}

// StepResult summarizes one tick.
type StepResult struct {
	Tick     uint64
	Now      time.Time
	Tasks    int
	Sync     mirror.SyncResult
	Duration time.Duration
	Budget   time.Duration
	Skipped  uint64
}

// LoopHooks let the owner observe or extend each tick.
type LoopHooks struct {
	Prepare        func(TickContext)
	AfterStep      func(StepResult)
	OnTaskDrop     func(reason string, task Task)
	OnQueueWarning func(length int)
	NextTick       func() uint64
}

// Deps are the ambient collaborators of a Loop.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     logging.Clock
}

type Loop struct {
	buffer    *TaskBuffer
	hooks     LoopHooks
	config    LoopConfig
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
	clock     logging.Clock

	syncMu  sync.Mutex
	syncers []Syncer

	queueMu        sync.Mutex
	perSourceCount map[string]int
	dropCounts     map[string]uint64

	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool
	stopped atomic.Bool
	tick    atomic.Uint64
}

func NewLoop(cfg LoopConfig, deps Deps, hooks LoopHooks, syncers ...Syncer) *Loop {
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}
	if cfg.TaskCapacity <= 0 {
		cfg.TaskCapacity = defaultTaskBacklog
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	clock := deps.Clock
	if clock == nil {
		clock = logging.ClockFunc(time.Now)
	}
	loop := &Loop{
		buffer:         NewTaskBuffer(cfg.TaskCapacity, metrics),
		hooks:          hooks,
		config:         cfg,
		logger:         logger,
		metrics:        metrics,
		publisher:      publisher,
		clock:          clock,
		perSourceCount: make(map[string]int),
		dropCounts:     make(map[string]uint64),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, s := range syncers {
		loop.AddSyncer(s)
	}
	return loop
}

// AddSyncer appends s to the per-tick publish order.
func (l *Loop) AddSyncer(s Syncer) {
	if l == nil || s == nil {
		return
	}
	l.syncMu.Lock()
	l.syncers = append(l.syncers, s)
	l.syncMu.Unlock()
}

// Tick reports the last tick that ran.
func (l *Loop) Tick() uint64 {
	if l == nil {
		return 0
	}
	return l.tick.Load()
}

// Pending reports the number of staged tasks.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.buffer.Len()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Submit stages a task for the loop goroutine, enforcing per-source
// throttling and capacity limits. It never blocks.
func (l *Loop) Submit(task Task) (bool, string) {
	if l == nil || task.Run == nil {
		return false, TaskRejectQueueFull
	}
	if l.stopped.Load() {
		l.reportDrop(TaskRejectStopped, task, 0)
		return false, TaskRejectStopped
	}
	reason := ""
	var dropCount uint64
	warnAt := 0
	l.queueMu.Lock()
	if l.config.PerSourceLimit > 0 && task.Source != "" {
		count := l.perSourceCount[task.Source]
		if count >= l.config.PerSourceLimit {
			reason = TaskRejectSourceLimit
			dropCount = l.incrementDropLocked(task.Source)
		} else {
			l.perSourceCount[task.Source] = count + 1
		}
	}
	if reason == "" {
		if !l.buffer.Push(task) {
			reason = TaskRejectQueueFull
			dropCount = l.incrementDropLocked(task.Source)
		} else if l.config.WarningStep > 0 {
			length := l.buffer.Len()
			if length >= l.config.WarningStep && length%l.config.WarningStep == 0 {
				warnAt = length
			}
		}
	}
	l.queueMu.Unlock()
	if reason != "" {
		l.reportDrop(reason, task, dropCount)
		return false, reason
	}
	if warnAt > 0 && l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(warnAt)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true, ""
}

// Advance executes a single tick: staged tasks first, then every syncer in
// registration order.
func (l *Loop) Advance(ctx TickContext) StepResult {
	if l == nil {
		return StepResult{}
	}
	l.tick.Store(ctx.Tick)
	tasks := l.runTasks()
	if l.hooks.Prepare != nil {
		l.hooks.Prepare(ctx)
	}
	result := StepResult{Tick: ctx.Tick, Now: ctx.Now, Tasks: tasks}

	l.syncMu.Lock()
	syncers := append([]Syncer(nil), l.syncers...)
	l.syncMu.Unlock()
	for _, s := range syncers {
		r := s.Sync(ctx.Tick)
		result.Sync.Published += r.Published
		result.Sync.Unchanged += r.Unchanged
		result.Sync.Deferred += r.Deferred
		result.Sync.Failed += r.Failed
	}
	l.metrics.Add(MetricTicks, 1)
	return result
}

// Run drives the fixed-rate loop until ctx is cancelled. The ticker is
// released before Run returns and Done is closed.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(l.done)
	defer l.stopped.Store(true)

	period := l.config.Period()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var counter uint64
	last := l.clock.Now()
	l.logger.Printf("[tick] loop started rate=%dHz period=%s", l.config.TickRate, period)

	for {
		select {
		case <-ctx.Done():
			l.runTasks()
			l.logger.Printf("[tick] loop stopped tick=%d", counter)
			return nil
		case <-l.wake:
			l.runTasks()
		case <-ticker.C:
			now := l.clock.Now()
			var skipped uint64
			if elapsed := now.Sub(last); elapsed > 2*period {
				skipped = uint64(elapsed/period) - 1
				l.metrics.Add(MetricSkipped, skipped)
			}
			last = now

			if l.hooks.NextTick != nil {
				counter = l.hooks.NextTick()
			} else {
				counter++
			}

			start := l.clock.Now()
			result := l.Advance(TickContext{Tick: counter, Now: now})
			result.Duration = l.clock.Now().Sub(start)
			result.Budget = period
			result.Skipped = skipped

			if result.Duration > period {
				l.metrics.Add(MetricOverrun, 1)
				l.logger.Printf("[tick] [warn] overrun tick=%d took=%s budget=%s", counter, result.Duration, period)
				lognet.TickOverrun(ctx, l.publisher, counter, logging.EntityRef{Kind: logging.EntityKindPeer},
					lognet.TickPayload{DurationMillis: result.Duration.Milliseconds(), BudgetMillis: period.Milliseconds()}, nil)
			}
			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

func (l *Loop) runTasks() int {
	tasks := l.drainTasks()
	for _, task := range tasks {
		l.runTask(task)
	}
	return len(tasks)
}

func (l *Loop) runTask(task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.metrics.Add(MetricTaskPanic, 1)
			l.logger.Printf("[tick] [error] task panic source=%s name=%s: %v", task.Source, task.Name, recovered)
		}
	}()
	task.Run()
}

func (l *Loop) drainTasks() []Task {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	tasks := l.buffer.Drain()
	if len(l.perSourceCount) > 0 {
		l.perSourceCount = make(map[string]int)
	}
	return tasks
}

func (l *Loop) incrementDropLocked(source string) uint64 {
	if source == "" {
		return 0
	}
	count := l.dropCounts[source] + 1
	l.dropCounts[source] = count
	return count
}

func (l *Loop) reportDrop(reason string, task Task, count uint64) {
	if l.hooks.OnTaskDrop != nil {
		l.hooks.OnTaskDrop(reason, task)
	}
	if count > 0 && count&(count-1) == 0 {
		l.logger.Printf("[tick] [warn] dropping task source=%s name=%s reason=%s count=%d limit=%d",
			task.Source, task.Name, reason, count, l.config.PerSourceLimit)
	}
}

// Do runs fn on the loop goroutine and waits for it to finish. It returns
// an error if the task could not be staged or ctx ends first.
func (l *Loop) Do(ctx context.Context, source string, fn func()) error {
	if l == nil {
		return errors.New("tick: nil loop")
	}
	finished := make(chan struct{})
	ok, reason := l.Submit(Task{Source: source, Name: "do", Run: func() {
		defer close(finished)
		fn()
	}})
	if !ok {
		return fmt.Errorf("tick: task rejected: %s", reason)
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return fmt.Errorf("tick: loop stopped")
		}
	}
}
