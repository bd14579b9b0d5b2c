package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// failedRetention bounds the per-queue failed set.
const failedRetention = 256

// Broker is the durable queue the Scheduler dispatches from: durable enqueue,
// priority-ordered dequeue, delayed redelivery, and a failed-job inspection
// surface. Implementations must tolerate at-least-once semantics.
type Broker interface {
	// Enqueue records a job. Jobs with ReadyAt in the future are held until due.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks until a job is ready on the queue or ctx is done. Among
	// ready jobs it always returns the lowest priority rank, FIFO within a band.
	Dequeue(ctx context.Context, queue string) (*Job, error)
	// Ack marks a dequeued job completed.
	Ack(ctx context.Context, job *Job) error
	// Fail moves a job to the bounded failed set with its final error.
	Fail(ctx context.Context, job *Job, reason string) error
	// Stats returns waiting/delayed/completed/failed counts for a queue.
	Stats(ctx context.Context, queue string) (QueueStats, error)
	// FailedJobs returns the retained permanently failed jobs for a queue.
	FailedJobs(ctx context.Context, queue string) ([]FailedJob, error)
	Close() error
}

// readyHeap orders ready jobs by (priority, seq).
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *readyHeap) Pop() any     { old := *h; n := len(old); j := old[n-1]; *h = old[:n-1]; return j }

// delayedHeap orders held jobs by ReadyAt.
type delayedHeap []*Job

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].ReadyAt.Before(h[j].ReadyAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *delayedHeap) Pop() any          { old := *h; n := len(old); j := old[n-1]; *h = old[:n-1]; return j }

type memQueue struct {
	mu        sync.Mutex
	ready     readyHeap
	delayed   delayedHeap
	completed int
	failed    []FailedJob
	notify    chan struct{}
}

// MemoryBroker is a process-local Broker. It backs tests and single-node
// deployments; RedisBroker provides the durable variant.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    uint64
	now    func() time.Time
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		now:    time.Now,
	}
}

func (b *MemoryBroker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) nextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// Enqueue records the job on its queue, held until ReadyAt if in the future.
func (b *MemoryBroker) Enqueue(_ context.Context, job *Job) error {
	job.Seq = b.nextSeq()
	q := b.queue(job.Queue)

	q.mu.Lock()
	if job.ReadyAt.After(b.now()) {
		heap.Push(&q.delayed, job)
	} else {
		heap.Push(&q.ready, job)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a job is ready, promoting due delayed jobs first.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	q := b.queue(queue)
	for {
		q.mu.Lock()
		now := b.now()
		for q.delayed.Len() > 0 && !q.delayed[0].ReadyAt.After(now) {
			heap.Push(&q.ready, heap.Pop(&q.delayed))
		}
		if q.ready.Len() > 0 {
			job := heap.Pop(&q.ready).(*Job)
			q.mu.Unlock()
			return job, nil
		}
		wait := 250 * time.Millisecond
		if q.delayed.Len() > 0 {
			if until := q.delayed[0].ReadyAt.Sub(now); until < wait {
				wait = until
			}
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *MemoryBroker) Ack(_ context.Context, job *Job) error {
	q := b.queue(job.Queue)
	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Fail(_ context.Context, job *Job, reason string) error {
	q := b.queue(job.Queue)
	q.mu.Lock()
	q.failed = append(q.failed, FailedJob{Job: *job, Reason: reason, FailedAt: b.now()})
	if len(q.failed) > failedRetention {
		q.failed = q.failed[len(q.failed)-failedRetention:]
	}
	q.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Stats(_ context.Context, queue string) (QueueStats, error) {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Queue:     queue,
		Waiting:   q.ready.Len(),
		Delayed:   q.delayed.Len(),
		Completed: q.completed,
		Failed:    len(q.failed),
	}, nil
}

func (b *MemoryBroker) FailedJobs(_ context.Context, queue string) ([]FailedJob, error) {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedJob, len(q.failed))
	copy(out, q.failed)
	return out, nil
}

func (b *MemoryBroker) Close() error { return nil }
