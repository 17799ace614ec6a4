package domain

import "context"

// JobQueue defines the contract for a distributed run queue.
// It decouples the API from the underlying message broker.
type JobQueue interface {
	// Publish enqueues a run job.
	Publish(ctx context.Context, job Job) error

	// Subscribe returns a read-only channel that streams jobs from the queue.
	// It handles consumer groups internally; callers Acknowledge by Job.RawID.
	Subscribe(ctx context.Context) (<-chan Job, error)

	// Acknowledge confirms that a job has been processed.
	// This removes it from the Pending Entry List (PEL).
	Acknowledge(ctx context.Context, rawID string) error

	// Broadcast publishes a job result to every subscribed API instance.
	Broadcast(ctx context.Context, result JobResult) error

	// SubscribeLogs returns a channel that streams results from all workers.
	SubscribeLogs(ctx context.Context) (<-chan JobResult, error)

	// Cancel asks every worker to abandon the job with the given ID.
	// A running job has its sandbox torn down; a job not yet started is skipped.
	Cancel(ctx context.Context, jobID string) error
}

// Job is a unit of run work.
type Job struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	Declarations []string `json:"declarations"`
	Limits       Limits   `json:"limits"`

	// RawID is the broker message ID (e.g. a Redis stream ID), needed to Acknowledge.
	RawID string `json:"-"`

	// ResultCh is where the worker sends the result. Send-only for the worker.
	ResultCh chan<- JobResult `json:"-"`
}

// JobResult is the result of a run job.
type JobResult struct {
	JobID       string       `json:"job_id"`
	Outcome     *Outcome     `json:"outcome,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Error       string       `json:"error,omitempty"`

	// RawID is carried back so the result consumer can Acknowledge.
	RawID string `json:"-"`
}
