package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "queue")

// Processor runs one job to completion. Returned errors are logged by the
// worker; the processor owns recording the failure.
type Processor func(ctx context.Context, job *Job) error

// FailureHandler is told about jobs the worker skipped without processing.
type FailureHandler func(ctx context.Context, job *Job, reason string)

// ReasonCancelledBeforeProcessing is passed to the FailureHandler for jobs
// cancelled while still queued.
const ReasonCancelledBeforeProcessing = "Cancelled before processing"

// JobQueue is an unbounded FIFO of jobs drained by a single worker goroutine.
// A nil entry is the stop sentinel.
type JobQueue struct {
	mu      sync.Mutex
	items   []*Job
	signal  chan struct{}
	running bool
	current *Job
	done    chan struct{}

	cancelMu  sync.Mutex
	cancelled map[int64]struct{}

	processor Processor
	onFailure FailureHandler
}

// NewJobQueue creates an empty queue with no worker running.
func NewJobQueue() *JobQueue {
	return &JobQueue{
		signal:    make(chan struct{}, 1),
		cancelled: make(map[int64]struct{}),
	}
}

// SetProcessor installs the function that processes each job.
func (q *JobQueue) SetProcessor(p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = p
}

// SetOnFailure installs the callback for jobs skipped before processing.
func (q *JobQueue) SetOnFailure(fn FailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = fn
}

// Enqueue appends a job. It never blocks on the worker.
func (q *JobQueue) Enqueue(job *Job) {
	q.push(job)
	log.WithField("media_id", job.MediaID).Infof("Job enqueued (queue size: %d)", q.QueueSize())
}

func (q *JobQueue) push(job *Job) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an entry is available.
func (q *JobQueue) pop() *Job {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return job
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// Cancel flags a job id. A queued job with this id is skipped when dequeued;
// a running job observes the flag between chunks.
func (q *JobQueue) Cancel(mediaID int64) {
	q.cancelMu.Lock()
	q.cancelled[mediaID] = struct{}{}
	q.cancelMu.Unlock()
	log.WithField("media_id", mediaID).Info("Job flagged for cancellation")
}

// IsCancelled reports whether the id is flagged.
func (q *JobQueue) IsCancelled(mediaID int64) bool {
	q.cancelMu.Lock()
	defer q.cancelMu.Unlock()
	_, ok := q.cancelled[mediaID]
	return ok
}

// ClearCancelled removes the flag for an id.
func (q *JobQueue) ClearCancelled(mediaID int64) {
	q.cancelMu.Lock()
	defer q.cancelMu.Unlock()
	delete(q.cancelled, mediaID)
}

// QueueSize returns the number of jobs waiting, excluding the running one.
func (q *JobQueue) QueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.items {
		if job != nil {
			n++
		}
	}
	return n
}

// IsRunning reports whether the worker loop is active.
func (q *JobQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// CurrentJob returns the job being processed, or nil when idle.
func (q *JobQueue) CurrentJob() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Pending returns the media ids waiting in the queue, in order.
func (q *JobQueue) Pending() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]int64, 0, len(q.items))
	for _, job := range q.items {
		if job != nil {
			ids = append(ids, job.MediaID)
		}
	}
	return ids
}
