package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/modelconfig"
	"github.com/kalambet/sopflow/internal/storage"
)

// ConfigSource returns the model configuration for a job.
type ConfigSource interface {
	Active(ctx context.Context) (modelconfig.ModelConfig, error)
}

// Caller invokes the model with the primary/fallback policy.
type Caller interface {
	Do(ctx context.Context, cfg modelconfig.ModelConfig, messages []gateway.Message) (gateway.Reply, error)
}

// Publisher appends the assistant reply to the job's conversation.
type Publisher interface {
	Append(conversationID, role, content string) (storage.Message, error)
}

// Worker processes chat-turn jobs from the queue.
type Worker struct {
	store   JobStore
	configs ConfigSource
	caller  Caller
	publish Publisher
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, configs ConfigSource, caller Caller, publish Publisher, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		configs: configs,
		caller:  caller,
		publish: publish,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With("job_id", job.ID, "process_id", job.ProcessID)
	// A claimed job runs to completion even during shutdown; the provider
	// timeout bounds it.
	reply, err := w.processJob(context.WithoutCancel(ctx), job)
	if err != nil {
		log.Warn("job failed", "error", err)
		failErr := w.store.FailJob(job.ID, err.Error())
		switch {
		case errors.Is(failErr, storage.ErrNotFound):
			log.Info("job already finalized, failure not recorded")
		case failErr != nil:
			log.Error("failed to mark job as failed", "error", failErr)
		}
		return true, nil
	}

	err = w.store.CompleteJob(job.ID, reply.Text, reply.Model, reply.UsedFallback)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("job already finalized, late result dropped", "model", reply.Model)
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	log.Info("job completed", "model", reply.Model, "used_fallback", reply.UsedFallback)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (gateway.Reply, error) {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return gateway.Reply{}, fmt.Errorf("parsing payload: %w", err)
	}
	if len(p.Messages) == 0 {
		return gateway.Reply{}, errors.New("payload has no messages")
	}

	w.progress(job.ID, ProgressStarted)

	cfg, err := w.configs.Active(ctx)
	if err != nil {
		return gateway.Reply{}, fmt.Errorf("resolving model config: %w", err)
	}

	reply, err := w.caller.Do(ctx, cfg, p.Messages)
	if err != nil {
		return gateway.Reply{}, err
	}
	w.progress(job.ID, ProgressModelDone)

	if job.ConversationID != "" {
		_, err := w.publish.Append(job.ConversationID, gateway.RoleAssistant, reply.Text)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			w.logger.Info("conversation cleared before job finished, reply not published",
				"job_id", job.ID, "conversation_id", job.ConversationID)
		case err != nil:
			return gateway.Reply{}, fmt.Errorf("publishing reply: %w", err)
		}
	}
	return reply, nil
}

func (w *Worker) progress(id string, pct int) {
	if err := w.store.UpdateJobProgress(id, pct); err != nil {
		w.logger.Warn("updating job progress", "job_id", id, "progress", pct, "error", err)
	}
}
