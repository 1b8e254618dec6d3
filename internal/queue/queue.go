// Package queue runs heavy chat turns out of the request path on a durable
// SQLite-backed job queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/storage"
)

// Progress checkpoints reported by the worker.
const (
	ProgressStarted   = 10
	ProgressModelDone = 75
	ProgressPersisted = 100
)

// JobStore abstracts the job queue operations.
// Implemented by storage.Store.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	GetJob(id string) (storage.Job, error)
	ClaimNextJob() (*storage.Job, error)
	UpdateJobProgress(id string, progress int) error
	CompleteJob(id, result, model string, usedFallback bool) error
	FailJob(id string, errMsg string) error
	FailStaleJobs(cutoff time.Time, errMsg string) (int64, error)
	DeleteFinishedJobs(cutoff time.Time) (int64, error)
}

type payload struct {
	Messages []gateway.Message `json:"messages"`
}

// Queue enqueues and looks up jobs.
type Queue struct {
	store JobStore
}

// New creates a Queue over store.
func New(store JobStore) *Queue {
	return &Queue{store: store}
}

// Enqueue stores a queued job carrying the full prompt messages and returns
// its id.
func (q *Queue) Enqueue(_ context.Context, processID, userID, conversationID string, messages []gateway.Message) (string, error) {
	body, err := json.Marshal(payload{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	id := uuid.New().String()
	if err := q.store.EnqueueJob(storage.Job{
		ID:             id,
		ProcessID:      processID,
		UserID:         userID,
		ConversationID: conversationID,
		PayloadJSON:    string(body),
	}); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return id, nil
}

// Get returns the current state of a job.
func (q *Queue) Get(_ context.Context, id string) (storage.Job, error) {
	return q.store.GetJob(id)
}
