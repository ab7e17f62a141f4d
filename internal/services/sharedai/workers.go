package sharedai

import (
	"context"
	"errors"
	"sync"

	"collab-engine/internal/models"

	"github.com/charmbracelet/log"
)

/*
LEARNING: GENERATION WORKER POOL

Every AI request ends in a slow call to a model provider. Instead of letting
each websocket goroutine hit the provider directly, requests are queued on a
buffered channel and a fixed number of workers drain it:
  - concurrent provider calls are capped at the worker count (rate limits)
  - a full queue blocks the caller until its context gives up (backpressure)
  - Shutdown cancels the workers and waits for them to exit

Each job carries its own result channel, so the caller simply waits on it.
*/

var errPoolStopped = errors.New("generation pool is shutting down")

type generationJob struct {
	ctx       context.Context
	contextID string
	messages  []models.GenerationMessage
	result    chan generationResult
}

type generationResult struct {
	text string
	err  error
}

type workerPool struct {
	generate func() GenerateFunc

	jobs    chan generationJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func newWorkerPool(generate func() GenerateFunc, numWorkers, queueSize int) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		generate: generate,
		jobs:     make(chan generationJob, queueSize),
		workers:  numWorkers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *workerPool) Start() {
	log.Info("🔧 Starting generation worker pool", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *workerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			log.Debug("Generation worker shutting down", "worker", id)
			return

		case job := <-p.jobs:
			if err := job.ctx.Err(); err != nil {
				job.result <- generationResult{err: err}
				continue
			}
			gen := p.generate()
			if gen == nil {
				job.result <- generationResult{err: errNoGenerator}
				continue
			}
			log.Debug("Generating response", "worker", id, "context", job.contextID, "messages", len(job.messages))
			text, err := gen(job.ctx, job.contextID, job.messages)
			job.result <- generationResult{text: text, err: err}
		}
	}
}

// Submit queues a generation and waits for its result.
// Learning: Blocks while the queue is full, which is the backpressure point
func (p *workerPool) Submit(ctx context.Context, contextID string, messages []models.GenerationMessage) (string, error) {
	job := generationJob{
		ctx:       ctx,
		contextID: contextID,
		messages:  messages,
		result:    make(chan generationResult, 1),
	}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.ctx.Done():
		return "", errPoolStopped
	}

	select {
	case r := <-job.result:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.ctx.Done():
		return "", errPoolStopped
	}
}

func (p *workerPool) QueueLength() int {
	return len(p.jobs)
}

func (p *workerPool) Shutdown() {
	p.cancel()
	p.wg.Wait()
	log.Info("✓ Generation worker pool shutdown complete")
}
