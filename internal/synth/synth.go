// Package synth turns a conversation into a step tree, reviews step trees
// and generates versioned SOP documents.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/sopflow/internal/extract"
	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/modelconfig"
	"github.com/kalambet/sopflow/internal/prompt"
	"github.com/kalambet/sopflow/internal/sop"
	"github.com/kalambet/sopflow/internal/storage"
)

// ErrMalformedExtraction matches every MalformedExtractionError.
var ErrMalformedExtraction = errors.New("malformed extraction")

// MalformedExtractionError reports a model reply that lacks the structure an
// operation requires. Raw holds the reply for diagnostics.
type MalformedExtractionError struct {
	Reason string
	Raw    string
}

func (e *MalformedExtractionError) Error() string {
	return fmt.Sprintf("malformed extraction: %s", e.Reason)
}

func (e *MalformedExtractionError) Unwrap() error {
	return ErrMalformedExtraction
}

// documentSchema is the minimum shape required of step and SOP replies.
var documentSchema = extract.MustCompileSchema(`{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"items": {"type": "object"}
		}
	}
}`)

// analysisSchema is the shape an analysis reply must have to be used as-is.
var analysisSchema = extract.MustCompileSchema(`{
	"type": "object",
	"required": ["overall"],
	"properties": {
		"overall": {"type": "string"},
		"issues": {"type": "array", "items": {"type": "object"}},
		"suggestions": {"type": "array", "items": {"type": "object"}}
	}
}`)

// Store defines the persistence operations the Synthesizer needs.
// Implemented by storage.Store.
type Store interface {
	GetVersion(processID string, version int) (storage.ProcessVersion, error)
	LatestVersion(processID string) (storage.ProcessVersion, error)
	SaveStepTree(processID, userID, sopJSON, status string) error
	CreateNextVersion(processID, userID, sopJSON, formData string) (int, error)
}

// ConfigSource returns the active model configuration.
type ConfigSource interface {
	Active(ctx context.Context) (modelconfig.ModelConfig, error)
}

// Caller invokes the model with the primary/fallback policy.
type Caller interface {
	Do(ctx context.Context, cfg modelconfig.ModelConfig, messages []gateway.Message) (gateway.Reply, error)
}

// Synthesizer drives step generation, analysis and SOP generation.
type Synthesizer struct {
	store   Store
	configs ConfigSource
	caller  Caller
	logger  *slog.Logger
}

// New creates a Synthesizer.
func New(store Store, configs ConfigSource, caller Caller) *Synthesizer {
	return &Synthesizer{store: store, configs: configs, caller: caller, logger: slog.Default()}
}

func (s *Synthesizer) ask(ctx context.Context, task string) (gateway.Reply, error) {
	cfg, err := s.configs.Active(ctx)
	if err != nil {
		return gateway.Reply{}, fmt.Errorf("resolving model config: %w", err)
	}
	return s.caller.Do(ctx, cfg, []gateway.Message{
		{Role: gateway.RoleSystem, Content: cfg.SystemPrompt},
		{Role: gateway.RoleUser, Content: task},
	})
}

// structured extracts a document with a steps array from reply into dst.
func structured(reply string, dst any) error {
	doc, ok := extract.Extract(reply)
	if !ok {
		return &MalformedExtractionError{Reason: "reply contains no JSON document", Raw: reply}
	}
	if err := documentSchema.Validate(doc); err != nil {
		return &MalformedExtractionError{Reason: err.Error(), Raw: reply}
	}
	if !extract.Into(reply, dst) {
		return &MalformedExtractionError{Reason: "document fields have unexpected types", Raw: reply}
	}
	return nil
}

// GenerateSteps extracts the step tree from history and stores it as the
// process's version-1 skeleton, moving the process to WAITING_APPROVAL.
// Nothing is persisted when the reply is malformed.
func (s *Synthesizer) GenerateSteps(ctx context.Context, processID, userID string, history []gateway.Message) ([]sop.Step, error) {
	reply, err := s.ask(ctx, prompt.Extraction(history))
	if err != nil {
		return nil, err
	}

	var tree sop.Tree
	if err := structured(reply.Text, &tree); err != nil {
		return nil, err
	}
	tree.Steps = sop.Renumber(tree.Steps)
	sop.AssignIDs(tree.Steps)

	body, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("marshaling step tree: %w", err)
	}
	if err := s.store.SaveStepTree(processID, userID, string(body), storage.StatusWaitingApproval); err != nil {
		return nil, fmt.Errorf("saving step tree: %w", err)
	}

	_, total := sop.Count(tree.Steps)
	s.logger.Info("steps generated", "process_id", processID, "steps", len(tree.Steps), "total", total,
		"model", reply.Model, "used_fallback", reply.UsedFallback)
	return tree.Steps, nil
}

// Steps returns the version-1 step tree, empty when none was generated yet.
func (s *Synthesizer) Steps(processID string) ([]sop.Step, error) {
	v, err := s.store.GetVersion(processID, 1)
	if errors.Is(err, storage.ErrNotFound) {
		return []sop.Step{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading version 1: %w", err)
	}
	var tree sop.Tree
	if err := json.Unmarshal([]byte(v.SOPJSON), &tree); err != nil {
		return nil, fmt.Errorf("decoding step tree: %w", err)
	}
	if tree.Steps == nil {
		tree.Steps = []sop.Step{}
	}
	return tree.Steps, nil
}

// Analyze reviews the process's step tree. With no steps it returns
// sop.EmptyAnalysis without calling the model. A reply without an analysis
// document becomes the overall assessment verbatim.
func (s *Synthesizer) Analyze(ctx context.Context, p storage.Process) (sop.Analysis, error) {
	steps, err := s.Steps(p.ID)
	if err != nil {
		return sop.Analysis{}, err
	}
	if len(steps) == 0 {
		return sop.EmptyAnalysis(), nil
	}

	reply, err := s.ask(ctx, prompt.Analysis(p.Name, p.Description, steps))
	if err != nil {
		return sop.Analysis{}, err
	}

	doc, ok := extract.Extract(reply.Text)
	if ok {
		if err := analysisSchema.Validate(doc); err != nil {
			s.logger.Debug("analysis reply has unexpected shape", "process_id", p.ID, "error", err)
			ok = false
		}
	}
	var a sop.Analysis
	if !ok || !extract.Into(reply.Text, &a) {
		return sop.Prose(reply.Text), nil
	}
	return a.Normalize(), nil
}

// GenerateSOP produces a new SOP document from the process metadata and the
// latest form data and stores it as the next version.
func (s *Synthesizer) GenerateSOP(ctx context.Context, p storage.Process, userID string) (sop.Document, error) {
	formData := p.FormData
	latest, err := s.store.LatestVersion(p.ID)
	switch {
	case err == nil:
		formData = latest.FormData
	case !errors.Is(err, storage.ErrNotFound):
		return sop.Document{}, fmt.Errorf("loading latest version: %w", err)
	}

	meta := prompt.Metadata{
		Name:            p.Name,
		Description:     p.Description,
		Frequency:       p.Frequency,
		DurationMinutes: p.DurationMinutes,
		CostPerHour:     p.CostPerHour,
	}
	reply, err := s.ask(ctx, prompt.SOP(meta, json.RawMessage(formData)))
	if err != nil {
		return sop.Document{}, err
	}

	var doc sop.Document
	if err := structured(reply.Text, &doc); err != nil {
		return sop.Document{}, err
	}
	doc.Version = 0
	doc.Steps = sop.Renumber(doc.Steps)
	if doc.Automation.SuggestedTools == nil {
		doc.Automation.SuggestedTools = []string{}
	}
	if doc.Risk.CriticalSteps == nil {
		doc.Risk.CriticalSteps = []int{}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return sop.Document{}, fmt.Errorf("marshaling SOP: %w", err)
	}
	version, err := s.store.CreateNextVersion(p.ID, userID, string(body), formData)
	if err != nil {
		return sop.Document{}, fmt.Errorf("creating version: %w", err)
	}
	doc.Version = version

	s.logger.Info("SOP generated", "process_id", p.ID, "version", version,
		"model", reply.Model, "used_fallback", reply.UsedFallback)
	return doc, nil
}
