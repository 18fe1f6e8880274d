package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// queuedRun is one upcoming task firing in the run queue.
type queuedRun struct {
	TaskID string
	FireAt time.Time
	index  int // index in the heap (used by container/heap)
}

// runHeap implements heap.Interface ordered by fire time.
type runHeap []*queuedRun

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	return h[i].FireAt.Before(h[j].FireAt)
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedRun)
	item.index = n
	*h = append(*h, item)
}

func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// runQueue orders upcoming task firings by time, so a tick pops only the
// runs that are actually due instead of scanning every task.
type runQueue struct {
	mu      sync.RWMutex
	heap    runHeap
	taskMap map[string]*queuedRun // for quick lookup by task id
}

func newRunQueue() *runQueue {
	q := &runQueue{
		heap:    make(runHeap, 0),
		taskMap: make(map[string]*queuedRun),
	}
	heap.Init(&q.heap)
	return q
}

// Upsert schedules (or reschedules) a task's next firing.
func (q *runQueue) Upsert(taskID string, fireAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if qr, exists := q.taskMap[taskID]; exists {
		qr.FireAt = fireAt
		heap.Fix(&q.heap, qr.index)
		return
	}

	qr := &queuedRun{TaskID: taskID, FireAt: fireAt}
	heap.Push(&q.heap, qr)
	q.taskMap[taskID] = qr
}

// PopDue removes and returns the ids of every run due at or before now,
// soonest first.
func (q *runQueue) PopDue(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []string
	for len(q.heap) > 0 && !q.heap[0].FireAt.After(now) {
		qr := heap.Pop(&q.heap).(*queuedRun)
		delete(q.taskMap, qr.TaskID)
		due = append(due, qr.TaskID)
	}
	return due
}

// Remove drops a task's pending run, if any.
func (q *runQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qr, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qr.index)
	delete(q.taskMap, taskID)
	return true
}

// Len returns the number of pending runs.
func (q *runQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}
