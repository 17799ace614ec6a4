package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dontdude/snipbox/internal/domain"
)

// Pool implements a fixed-size worker pool pattern.
// It throttles the number of snippets built and run at once.
type Pool struct {
	// workerCount determines how many concurrent sandboxes can run.
	workerCount int
	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	executor domain.Executor
	// jobTimeout bounds a whole job (compile, build and run).
	jobTimeout time.Duration

	// ctx is cancelled by Abort to tear down running sandboxes.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// running maps job IDs to the cancel funcs of their contexts.
	running map[string]context.CancelFunc
	// cancelled remembers cancellations for jobs this pool has not started.
	cancelled *lru.Cache[string, struct{}]
}

// cancelMemory bounds how many early cancellations a pool remembers.
const cancelMemory = 1024

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, executor domain.Executor, jobTimeout time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancelled, _ := lru.New[string, struct{}](cancelMemory)
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh:    make(chan domain.Job, concurrency),
		executor:   executor,
		jobTimeout: jobTimeout,
		ctx:        ctx,
		cancel:     cancel,
		running:    make(map[string]context.CancelFunc),
		cancelled:  cancelled,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop initiates a graceful shutdown.
// It closes the jobs channel, which signals all workers to finish their current task and exit.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	p.cancel()
	slog.Info("Worker pool stopped")
}

// Abort cancels running jobs; their sandboxes are torn down. Call Stop afterwards.
func (p *Pool) Abort() {
	p.cancel()
}

// Cancel stops the job with the given ID if it is running here, tearing down its sandbox.
// Otherwise the ID is remembered and the job is skipped if it reaches this pool later.
func (p *Pool) Cancel(jobID string) {
	if jobID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[jobID]; ok {
		slog.Info("Cancelling running job", "jobID", jobID)
		cancel()
		return
	}
	p.cancelled.Add(jobID, struct{}{})
}

// Submit adds a job to the queue.
// It blocks if the queue (and workers) are fully saturated.
func (p *Pool) Submit(job domain.Job) {
	p.tasksCh <- job
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	slog.Info("Worker started", "workerId", id)

	// Range over the channel continuously reads jobs until the channel is closed.
	for job := range p.tasksCh {
		slog.Debug("Processing job", "workerId", id, "jobID", job.ID)

		result := p.process(job)
		if job.ResultCh != nil {
			job.ResultCh <- result
		}
	}

	slog.Info("Worker stopped", "workerID", id)
}

// process gives each job its own context so timeouts and cancellations stay independent.
func (p *Pool) process(job domain.Job) domain.JobResult {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if p.jobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.jobTimeout)
		defer cancelTimeout()
	}

	if !p.track(job.ID, cancel) {
		slog.Info("Skipping cancelled job", "jobID", job.ID)
		return Result(job, domain.Outcome{}, context.Canceled)
	}
	defer p.untrack(job.ID)

	out, err := p.executor.Execute(ctx, job.Content, job.Declarations, job.Limits)
	return Result(job, out, err)
}

// track registers a starting job. It reports false if the job was cancelled before it started.
func (p *Pool) track(jobID string, cancel context.CancelFunc) bool {
	if jobID == "" {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled.Contains(jobID) {
		p.cancelled.Remove(jobID)
		return false
	}
	p.running[jobID] = cancel
	return true
}

func (p *Pool) untrack(jobID string) {
	if jobID == "" {
		return
	}
	p.mu.Lock()
	delete(p.running, jobID)
	p.mu.Unlock()
}

// Result converts an Execute return into the wire result for job.
func Result(job domain.Job, out domain.Outcome, err error) domain.JobResult {
	res := domain.JobResult{JobID: job.ID, RawID: job.RawID}
	if err == nil {
		res.Outcome = &out
		return res
	}

	var nce *domain.NotCompilableError
	if errors.As(err, &nce) {
		res.Diagnostics = nce.Diagnostics
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// The job as a whole overran; report it like a run timeout.
		timedOut := domain.TimedOut()
		res.Outcome = &timedOut
		return res
	}
	slog.Warn("Job failed", "jobID", job.ID, "error", err)
	res.Error = err.Error()
	return res
}
