package generators

import (
	"context"
	"log"
	"sync"

	"go.uber.org/atomic"

	"panelforge/internal/interfaces"
)

// QueuedBackend serializes generation calls through a fixed worker pool so a
// burst of panel jobs cannot swamp the backend. Preprocessing, embedding
// extraction and status checks pass straight through.
type QueuedBackend struct {
	backend interfaces.Backend

	jobs    chan *generateJob
	wg      sync.WaitGroup
	pending atomic.Int64
	closed  atomic.Bool
}

type generateJob struct {
	ctx  context.Context
	req  *interfaces.ImageRequest
	done chan generateOutcome
}

type generateOutcome struct {
	resp *interfaces.ImageResponse
	err  error
}

// NewQueuedBackend wraps a backend with a worker pool. workers <= 0 means a
// single worker, which is the right setting for one ComfyUI instance.
func NewQueuedBackend(backend interfaces.Backend, workers int) *QueuedBackend {
	if workers <= 0 {
		workers = 1
	}

	q := &QueuedBackend{
		backend: backend,
		jobs:    make(chan *generateJob, 64),
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return q
}

func (q *QueuedBackend) worker(id int) {
	defer q.wg.Done()

	for job := range q.jobs {
		if job.ctx.Err() != nil {
			job.done <- generateOutcome{err: job.ctx.Err()}
			q.pending.Dec()
			continue
		}

		resp, err := q.backend.GenerateImage(job.ctx, job.req)
		if err != nil {
			log.Printf("[Queue] worker %d: generation failed: %v", id, err)
		}
		job.done <- generateOutcome{resp: resp, err: err}
		q.pending.Dec()
	}
}

// GenerateImage enqueues the request and blocks until a worker finishes it or
// the context expires.
func (q *QueuedBackend) GenerateImage(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResponse, error) {
	job := &generateJob{ctx: ctx, req: req, done: make(chan generateOutcome, 1)}
	q.pending.Inc()

	select {
	case q.jobs <- job:
	case <-ctx.Done():
		q.pending.Dec()
		return nil, ctx.Err()
	}

	select {
	case outcome := <-job.done:
		return outcome.resp, outcome.err
	case <-ctx.Done():
		// The worker will still drain the job; the caller just stops waiting.
		return nil, ctx.Err()
	}
}

// Preprocess passes through to the backend.
func (q *QueuedBackend) Preprocess(ctx context.Context, req *interfaces.PreprocessRequest) (*interfaces.PreprocessResponse, error) {
	return q.backend.Preprocess(ctx, req)
}

// ExtractEmbedding passes through to the backend.
func (q *QueuedBackend) ExtractEmbedding(ctx context.Context, req *interfaces.EmbeddingRequest) (*interfaces.EmbeddingResponse, error) {
	return q.backend.ExtractEmbedding(ctx, req)
}

// GetStatus reports the backend status plus this queue's own backlog.
func (q *QueuedBackend) GetStatus(ctx context.Context) (*interfaces.GeneratorStatus, error) {
	status, err := q.backend.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	status.QueueSize += int(q.pending.Load())
	return status, nil
}

// Close stops the workers after the queued jobs drain.
func (q *QueuedBackend) Close() {
	if q.closed.Swap(true) {
		return
	}
	close(q.jobs)
	q.wg.Wait()
}
