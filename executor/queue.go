package executor

import (
	"container/heap"
	"sync"

	"github.com/Swind/go-workflow-orchestrator/core"
)

const defaultQueueCap = 16

// =============================================================================
// jobQueue: Max-Heap by priority with stability (FIFO for same priority)
// =============================================================================

type queuedJob struct {
	job      Job
	sequence uint64
	index    int
}

// jobHeap implements heap.Interface
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

// Less implements priority logic: higher priority first, then smaller sequence first (FIFO)
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].sequence < h[j].sequence
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queuedJob)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

type jobQueue struct {
	mu           sync.Mutex
	pq           jobHeap
	nextSequence uint64
}

func newJobQueue() *jobQueue {
	return &jobQueue{pq: make(jobHeap, 0, defaultQueueCap)}
}

func (q *jobQueue) Push(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pq, &queuedJob{job: job, sequence: q.nextSequence})
	q.nextSequence++
}

func (q *jobQueue) Pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return Job{}, false
	}
	return heap.Pop(&q.pq).(*queuedJob).job, true
}

// PeekPriority returns the priority of the next job.
func (q *jobQueue) PeekPriority() (core.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return 0, false
	}
	return q.pq[0].job.Priority, true
}

func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// Clear removes all jobs and returns them so callers can report them.
func (q *jobQueue) Clear() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.pq))
	for _, item := range q.pq {
		jobs = append(jobs, item.job)
	}
	q.pq = make(jobHeap, 0, defaultQueueCap)
	q.nextSequence = 0
	return jobs
}
