package tick

import (
	"sync"

	"musical-multiverse/network/internal/telemetry"
)

const (
	MetricTaskOccupancy = "tick_task_occupancy"
	MetricTaskOverflow  = "tick_task_overflow_total"
)

// Task is a unit of work executed on the loop goroutine, serialized with
// ticks. Source identifies the producer for per-source throttling.
type Task struct {
	Source string
	Name   string
	Run    func()
}

// TaskBuffer stores staged tasks in a fixed-size ring. It is safe for
// concurrent producers and a single consumer.
type TaskBuffer struct {
	mu      sync.Mutex
	data    []Task
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

// NewTaskBuffer constructs a ring buffer with the provided capacity.
func NewTaskBuffer(capacity int, metrics telemetry.Metrics) *TaskBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &TaskBuffer{
		data:    make([]Task, capacity),
		metrics: metrics,
	}
}

func (b *TaskBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Push stages a task, returning false if the buffer is full.
func (b *TaskBuffer) Push(task Task) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		if b.metrics != nil {
			b.metrics.Add(MetricTaskOverflow, 1)
		}
		return false
	}
	b.data[b.tail] = task
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeOccupancyLocked()
	return true
}

// Drain returns all staged tasks in FIFO order and clears the buffer.
func (b *TaskBuffer) Drain() []Task {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	tasks := make([]Task, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		tasks[i] = b.data[idx]
		b.data[idx] = Task{}
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.storeOccupancyLocked()
	return tasks
}

func (b *TaskBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *TaskBuffer) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(MetricTaskOccupancy, uint64(b.count))
}
