// Package orchestrator exposes the engine operations used by the HTTP API,
// the MCP tools and the CLI. Every operation runs on behalf of an Actor.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/sopflow/internal/conversation"
	"github.com/kalambet/sopflow/internal/extract"
	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/modelconfig"
	"github.com/kalambet/sopflow/internal/prompt"
	"github.com/kalambet/sopflow/internal/queue"
	"github.com/kalambet/sopflow/internal/routing"
	"github.com/kalambet/sopflow/internal/sop"
	"github.com/kalambet/sopflow/internal/storage"
	"github.com/kalambet/sopflow/internal/synth"
)

var (
	// ErrAccessDenied is returned when the actor does not own the process or job.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidInput is returned for empty names or messages.
	ErrInvalidInput = errors.New("invalid input")
)

// Roles that may view processes they do not own.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
)

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Role   string
}

// ProcessStore defines the process record operations the engine needs.
// Implemented by storage.Store.
type ProcessStore interface {
	CreateProcess(p storage.Process) error
	GetProcess(id string) (storage.Process, error)
	ListProcesses(createdBy string, limit int) ([]storage.Process, error)
	UpdateProcessMetrics(id string, m storage.ProcessMetrics) error
}

// ConfigSource returns the active model configuration.
type ConfigSource interface {
	Active(ctx context.Context) (modelconfig.ModelConfig, error)
}

// Caller invokes the model with the primary/fallback policy.
type Caller interface {
	Do(ctx context.Context, cfg modelconfig.ModelConfig, messages []gateway.Message) (gateway.Reply, error)
}

// Deps wires an Engine.
type Deps struct {
	Processes     ProcessStore
	Conversations *conversation.Store
	Configs       ConfigSource
	Caller        Caller
	Router        routing.Policy
	Queue         *queue.Queue
	Synth         *synth.Synthesizer
}

// Engine implements the orchestration operations.
type Engine struct {
	processes ProcessStore
	convs     *conversation.Store
	configs   ConfigSource
	caller    Caller
	router    routing.Policy
	queue     *queue.Queue
	synth     *synth.Synthesizer
	logger    *slog.Logger
}

// New creates an Engine from d.
func New(d Deps) *Engine {
	return &Engine{
		processes: d.Processes,
		convs:     d.Conversations,
		configs:   d.Configs,
		caller:    d.Caller,
		router:    d.Router,
		queue:     d.Queue,
		synth:     d.Synth,
		logger:    slog.Default(),
	}
}

// owned loads the process and checks that actor created it.
func (e *Engine) owned(actor Actor, processID string) (storage.Process, error) {
	p, err := e.processes.GetProcess(processID)
	if err != nil {
		return storage.Process{}, fmt.Errorf("process %s: %w", processID, err)
	}
	if p.CreatedBy != actor.UserID {
		e.logger.Warn("access denied", "process_id", processID, "user_id", actor.UserID)
		return storage.Process{}, ErrAccessDenied
	}
	return p, nil
}

// StartInput describes a new process.
type StartInput struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	DepartmentID string          `json:"department_id"`
	FormData     json.RawMessage `json:"form_data,omitempty"`
}

// Started is returned by StartConversation.
type Started struct {
	ProcessID      string `json:"process_id"`
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
}

// StartConversation creates a draft process owned by actor, opens its
// conversation and seeds it with the assistant's first question.
func (e *Engine) StartConversation(_ context.Context, actor Actor, in StartInput) (Started, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Started{}, fmt.Errorf("%w: process name is required", ErrInvalidInput)
	}
	form := "{}"
	if len(in.FormData) > 0 {
		if !json.Valid(in.FormData) {
			return Started{}, fmt.Errorf("%w: form data is not valid JSON", ErrInvalidInput)
		}
		form = string(in.FormData)
	}

	p := storage.Process{
		ID:           uuid.New().String(),
		Name:         in.Name,
		Description:  in.Description,
		DepartmentID: in.DepartmentID,
		CreatedBy:    actor.UserID,
		Status:       storage.StatusDraft,
		FormData:     form,
	}
	if err := e.processes.CreateProcess(p); err != nil {
		return Started{}, fmt.Errorf("creating process: %w", err)
	}

	conv, err := e.convs.GetOrCreate(p.ID, actor.UserID)
	if err != nil {
		return Started{}, err
	}
	initial := prompt.Initial(p.Name, p.Description)
	if _, err := e.convs.Append(conv.ID, gateway.RoleAssistant, initial); err != nil {
		return Started{}, err
	}

	e.logger.Info("process started", "process_id", p.ID, "user_id", actor.UserID)
	return Started{ProcessID: p.ID, ConversationID: conv.ID, Prompt: initial}, nil
}

// TurnResult is the outcome of SendTurn. Fast turns carry the reply; heavy
// turns carry the job id.
type TurnResult struct {
	Route          routing.Route `json:"route"`
	ConversationID string        `json:"conversation_id"`
	Reply          string        `json:"reply,omitempty"`
	Model          string        `json:"model,omitempty"`
	UsedFallback   bool          `json:"used_fallback"`
	Structured     any           `json:"structured,omitempty"`
	JobID          string        `json:"job_id,omitempty"`
}

// SendTurn records the user's message and answers it inline or queues it,
// depending on the routing policy.
func (e *Engine) SendTurn(ctx context.Context, actor Actor, processID, message string) (TurnResult, error) {
	p, conv, msgs, err := e.prepareTurn(ctx, actor, processID, message)
	if err != nil {
		return TurnResult{}, err
	}

	route := e.router.Classify(message)
	if route == routing.Heavy {
		jobID, err := e.queue.Enqueue(ctx, p.ID, actor.UserID, conv.ID, msgs.messages)
		if err != nil {
			return TurnResult{}, err
		}
		e.logger.Info("turn queued", "process_id", p.ID, "job_id", jobID)
		return TurnResult{Route: routing.Heavy, ConversationID: conv.ID, JobID: jobID}, nil
	}

	reply, err := e.caller.Do(ctx, msgs.cfg, msgs.messages)
	if err != nil {
		return TurnResult{}, err
	}
	if _, err := e.convs.Append(conv.ID, gateway.RoleAssistant, reply.Text); err != nil {
		return TurnResult{}, err
	}

	res := TurnResult{
		Route:          routing.Fast,
		ConversationID: conv.ID,
		Reply:          reply.Text,
		Model:          reply.Model,
		UsedFallback:   reply.UsedFallback,
	}
	if doc, ok := extract.Extract(reply.Text); ok {
		res.Structured = doc
		e.applyMetrics(p.ID, reply.Text)
	}
	return res, nil
}

// EnqueueHeavyTurn records the user's message and always queues it.
func (e *Engine) EnqueueHeavyTurn(ctx context.Context, actor Actor, processID, message string) (string, error) {
	p, conv, msgs, err := e.prepareTurn(ctx, actor, processID, message)
	if err != nil {
		return "", err
	}
	jobID, err := e.queue.Enqueue(ctx, p.ID, actor.UserID, conv.ID, msgs.messages)
	if err != nil {
		return "", err
	}
	e.logger.Info("turn queued", "process_id", p.ID, "job_id", jobID)
	return jobID, nil
}

type turnMessages struct {
	cfg      modelconfig.ModelConfig
	messages []gateway.Message
}

// prepareTurn checks ownership, builds the prompt from the prior history and
// then appends the user message.
func (e *Engine) prepareTurn(ctx context.Context, actor Actor, processID, message string) (storage.Process, storage.Conversation, turnMessages, error) {
	if strings.TrimSpace(message) == "" {
		return storage.Process{}, storage.Conversation{}, turnMessages{}, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	p, err := e.owned(actor, processID)
	if err != nil {
		return storage.Process{}, storage.Conversation{}, turnMessages{}, err
	}
	cfg, err := e.configs.Active(ctx)
	if err != nil {
		return storage.Process{}, storage.Conversation{}, turnMessages{}, fmt.Errorf("resolving model config: %w", err)
	}
	conv, err := e.convs.GetOrCreate(p.ID, actor.UserID)
	if err != nil {
		return storage.Process{}, storage.Conversation{}, turnMessages{}, err
	}
	history, err := e.convs.History(p.ID, actor.UserID)
	if err != nil {
		return storage.Process{}, storage.Conversation{}, turnMessages{}, err
	}
	steps, err := e.synth.Steps(p.ID)
	if err != nil {
		return storage.Process{}, storage.Conversation{}, turnMessages{}, err
	}

	msgs := prompt.TurnMessages(cfg.SystemPrompt, conversation.ToGateway(history), message)
	msgs = prompt.WithContext(msgs, prompt.ProcessContext(p.Name, steps))

	if _, err := e.convs.Append(conv.ID, gateway.RoleUser, message); err != nil {
		return storage.Process{}, storage.Conversation{}, turnMessages{}, err
	}
	return p, conv, turnMessages{cfg: cfg, messages: msgs}, nil
}

type metricsReply struct {
	Frequency       *float64 `json:"frequency"`
	Duration        *float64 `json:"duration"`
	CostPerHour     *float64 `json:"costPerHour"`
	AutomationScore *float64 `json:"automationScore"`
}

func (e *Engine) applyMetrics(processID, reply string) {
	var m metricsReply
	if !extract.Into(reply, &m) {
		return
	}
	metrics := storage.ProcessMetrics{
		Frequency:       m.Frequency,
		DurationMinutes: m.Duration,
		CostPerHour:     m.CostPerHour,
		AutomationScore: m.AutomationScore,
	}
	if metrics.Empty() {
		return
	}
	if err := e.processes.UpdateProcessMetrics(processID, metrics); err != nil {
		e.logger.Warn("updating process metrics", "process_id", processID, "error", err)
	}
}

// GetHistory returns the actor's conversation for the process in order.
func (e *Engine) GetHistory(_ context.Context, actor Actor, processID string) ([]storage.Message, error) {
	if _, err := e.owned(actor, processID); err != nil {
		return nil, err
	}
	return e.convs.History(processID, actor.UserID)
}

// ClearConversation deletes the actor's conversation for the process.
func (e *Engine) ClearConversation(_ context.Context, actor Actor, processID string) error {
	if _, err := e.owned(actor, processID); err != nil {
		return err
	}
	return e.convs.Clear(processID, actor.UserID)
}

// GenerateSteps extracts the step tree from the actor's conversation.
func (e *Engine) GenerateSteps(ctx context.Context, actor Actor, processID string) ([]sop.Step, error) {
	if _, err := e.owned(actor, processID); err != nil {
		return nil, err
	}
	history, err := e.convs.History(processID, actor.UserID)
	if err != nil {
		return nil, err
	}
	return e.synth.GenerateSteps(ctx, processID, actor.UserID, conversation.ToGateway(history))
}

// Analyze reviews the process's step tree.
func (e *Engine) Analyze(ctx context.Context, actor Actor, processID string) (sop.Analysis, error) {
	p, err := e.owned(actor, processID)
	if err != nil {
		return sop.Analysis{}, err
	}
	return e.synth.Analyze(ctx, p)
}

// GenerateSOP creates the next SOP version of the process.
func (e *Engine) GenerateSOP(ctx context.Context, actor Actor, processID string) (sop.Document, error) {
	p, err := e.owned(actor, processID)
	if err != nil {
		return sop.Document{}, err
	}
	return e.synth.GenerateSOP(ctx, p, actor.UserID)
}

// GetJobStatus returns a job enqueued by actor.
func (e *Engine) GetJobStatus(ctx context.Context, actor Actor, jobID string) (storage.Job, error) {
	job, err := e.queue.Get(ctx, jobID)
	if err != nil {
		return storage.Job{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	if job.UserID != actor.UserID {
		return storage.Job{}, ErrAccessDenied
	}
	return job, nil
}

// GetProcess returns a process the actor owns. Admins and managers may view
// any process, and approved processes are visible to everyone.
func (e *Engine) GetProcess(_ context.Context, actor Actor, processID string) (storage.Process, error) {
	p, err := e.processes.GetProcess(processID)
	if err != nil {
		return storage.Process{}, fmt.Errorf("process %s: %w", processID, err)
	}
	if p.CreatedBy == actor.UserID || actor.Role == RoleAdmin || actor.Role == RoleManager || p.Status == storage.StatusApproved {
		return p, nil
	}
	return storage.Process{}, ErrAccessDenied
}

// ListProcesses returns the actor's most recent processes.
func (e *Engine) ListProcesses(_ context.Context, actor Actor, limit int) ([]storage.Process, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.processes.ListProcesses(actor.UserID, limit)
}
