package supervisor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/task"
)

// queuedTask is one task waiting in a Supervisor's internal queue.
type queuedTask struct {
	task     *task.Task
	queuedAt time.Time
	index    int // heap.Interface bookkeeping
}

// taskHeap orders by priority (higher first), then by enqueue time (earlier
// first) within the same priority, giving the priority+FIFO ordering
// required by §4.4.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].queuedAt.Before(h[j].queuedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queuedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a bounded priority+FIFO queue of tasks awaiting dispatch to a
// sub-agent.
type Queue struct {
	mu      sync.RWMutex
	heap    taskHeap
	byID    map[string]*queuedTask
	maxSize int
}

// NewQueue builds a Queue bounded at maxSize (0 means unbounded).
func NewQueue(maxSize int) *Queue {
	q := &Queue{
		heap:    make(taskHeap, 0),
		byID:    make(map[string]*queuedTask),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds t to the queue.
func (q *Queue) Enqueue(t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[t.ID]; exists {
		return apperrors.Conflict("task " + t.ID + " already queued")
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return apperrors.Backpressure("supervisor queue is full")
	}

	qt := &queuedTask{task: t, queuedAt: time.Now()}
	heap.Push(&q.heap, qt)
	q.byID[t.ID] = qt
	return nil
}

// Dequeue removes and returns the highest-priority, earliest-queued task,
// or nil if the queue is empty.
func (q *Queue) Dequeue() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qt := heap.Pop(&q.heap).(*queuedTask)
	delete(q.byID, qt.task.ID)
	return qt.task
}

// Remove drops a specific task from the queue, e.g. on cancellation.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.byID[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qt.index)
	delete(q.byID, taskID)
	return true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}

// IsFull reports whether the queue is at capacity.
func (q *Queue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns every queued task, for the Administrative API's queue-depth
// view.
func (q *Queue) List() []*task.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*task.Task, len(q.heap))
	for i, qt := range q.heap {
		result[i] = qt.task
	}
	return result
}
