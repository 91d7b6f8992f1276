package queue

import (
	"context"
	"errors"
	"runtime/debug"
)

// StartWorker launches the single worker goroutine. Starting an already
// running worker is a no-op. A loop still finishing its job after a
// StopWorker(false) is waited for first, so two jobs never run at once.
func (q *JobQueue) StartWorker(ctx context.Context) error {
	q.mu.Lock()
	for {
		if q.running {
			q.mu.Unlock()
			log.Warn("Worker already running")
			return nil
		}
		if q.processor == nil {
			q.mu.Unlock()
			return errors.New("queue: no processor set")
		}
		prev := q.done
		if prev == nil || closed(prev) {
			break
		}
		q.mu.Unlock()
		log.Info("Waiting for the previous worker to finish its job")
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}

	// The previous loop has exited; sentinels it never reached would end the
	// new worker at once.
	kept := q.items[:0]
	for _, job := range q.items {
		if job != nil {
			kept = append(kept, job)
		}
	}
	q.items = kept

	q.running = true
	done := make(chan struct{})
	q.done = done
	q.mu.Unlock()

	go q.run(ctx, done)
	log.Info("Worker started")
	return nil
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// StopWorker asks the worker to exit after its current job. Jobs still queued
// stay queued. With waitForCurrent it blocks until the loop has exited.
func (q *JobQueue) StopWorker(waitForCurrent bool) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	done := q.done
	q.mu.Unlock()

	q.push(nil)
	if waitForCurrent {
		<-done
	}
	log.Info("Worker stopped")
}

// active reports whether the loop owning done should keep going.
func (q *JobQueue) active(done chan struct{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running && q.done == done
}

func (q *JobQueue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for q.active(done) {
		job := q.pop()
		if job == nil {
			return
		}
		q.handle(ctx, job)
	}
}

// handle runs one job. The cancellation flag for the job is cleared on every
// exit path, including panics.
func (q *JobQueue) handle(ctx context.Context, job *Job) {
	entry := log.WithField("media_id", job.MediaID)

	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("PANIC processing job: %v\n%s", r, string(debug.Stack()))
		}
	}()
	defer q.ClearCancelled(job.MediaID)

	q.mu.Lock()
	processor, onFailure := q.processor, q.onFailure
	q.mu.Unlock()

	if q.IsCancelled(job.MediaID) {
		entry.Info("Skipping job cancelled before processing")
		if onFailure != nil {
			onFailure(ctx, job, ReasonCancelledBeforeProcessing)
		}
		return
	}

	q.setCurrent(job)
	defer q.setCurrent(nil)

	entry.Info("Processing job")
	if err := processor(ctx, job); err != nil {
		entry.Errorf("Job failed: %v", err)
		return
	}
	entry.Info("Job finished")
}

func (q *JobQueue) setCurrent(job *Job) {
	q.mu.Lock()
	q.current = job
	q.mu.Unlock()
}
