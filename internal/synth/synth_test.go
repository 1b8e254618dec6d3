package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/modelconfig"
	"github.com/kalambet/sopflow/internal/sop"
	"github.com/kalambet/sopflow/internal/storage"
)

type staticConfig struct{}

func (staticConfig) Active(context.Context) (modelconfig.ModelConfig, error) {
	return modelconfig.Default("k"), nil
}

// scriptedCaller returns replies in order and records the prompts it saw.
type scriptedCaller struct {
	replies []string
	err     error
	prompts []string
}

func (c *scriptedCaller) Do(_ context.Context, cfg modelconfig.ModelConfig, msgs []gateway.Message) (gateway.Reply, error) {
	c.prompts = append(c.prompts, msgs[len(msgs)-1].Content)
	if c.err != nil {
		return gateway.Reply{}, c.err
	}
	if len(c.replies) == 0 {
		return gateway.Reply{}, errors.New("no scripted reply left")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return gateway.Reply{Text: r, Model: cfg.PrimaryModel}, nil
}

func setup(t *testing.T, replies ...string) (*Synthesizer, *storage.Store, *scriptedCaller) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateProcess(storage.Process{ID: "p1", Name: "Invoice approval", CreatedBy: "u1", FormData: `{"team":"finance"}`}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	caller := &scriptedCaller{replies: replies}
	return New(st, staticConfig{}, caller), st, caller
}

func process(t *testing.T, st *storage.Store) storage.Process {
	t.Helper()
	p, err := st.GetProcess("p1")
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	return p
}

var history = []gateway.Message{
	{Role: gateway.RoleAssistant, Content: "Describe the first step."},
	{Role: gateway.RoleUser, Content: "We receive invoices, then we approve them."},
}

const stepsReply = "Sure:\n```json\n" + `{"steps": [
	{"title": "Approve", "description": "Manager approves", "order": 5},
	{"title": "Receive", "description": "Invoice arrives", "order": 2, "estimatedMinutes": 3,
	 "subSteps": [{"title": "Scan", "order": 4}, {"title": "File", "order": 9}]}
]}` + "\n```"

func TestGenerateSteps_RenumbersAndPersists(t *testing.T) {
	s, st, _ := setup(t, stepsReply)

	steps, err := s.GenerateSteps(context.Background(), "p1", "u1", history)
	if err != nil {
		t.Fatalf("GenerateSteps: %v", err)
	}
	if len(steps) != 2 || steps[0].Title != "Receive" || steps[1].Title != "Approve" {
		t.Fatalf("steps = %+v", steps)
	}
	for i, step := range steps {
		if step.Order != i+1 || step.ID == "" {
			t.Errorf("steps[%d] order/id = %d/%q", i, step.Order, step.ID)
		}
		for j, sub := range step.SubSteps {
			if sub.Order != j+1 || sub.ID == "" {
				t.Errorf("steps[%d].SubSteps[%d] order/id = %d/%q", i, j, sub.Order, sub.ID)
			}
		}
	}

	p := process(t, st)
	if p.Status != storage.StatusWaitingApproval || p.CurrentVersion != 1 {
		t.Errorf("process status/version = %s/%d", p.Status, p.CurrentVersion)
	}
	stored, err := s.Steps("p1")
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(stored) != 2 || stored[0].ID != steps[0].ID {
		t.Errorf("stored steps = %+v", stored)
	}
	v1, _ := st.GetVersion("p1", 1)
	if v1.FormData != `{"team":"finance"}` {
		t.Errorf("version 1 form data = %s", v1.FormData)
	}
}

func TestGenerateSteps_FreshIDsEachRun(t *testing.T) {
	s, _, _ := setup(t, stepsReply, stepsReply)
	first, err := s.GenerateSteps(context.Background(), "p1", "u1", history)
	if err != nil {
		t.Fatalf("GenerateSteps: %v", err)
	}
	second, err := s.GenerateSteps(context.Background(), "p1", "u1", history)
	if err != nil {
		t.Fatalf("GenerateSteps: %v", err)
	}
	if first[0].ID == second[0].ID {
		t.Error("step ids reused across generations")
	}
}

func TestGenerateSteps_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"prose", "I could not find any steps."},
		{"missing steps key", `{"title": "Invoices"}`},
		{"steps not array", `{"steps": "receive, approve"}`},
		{"wrong field types", `{"steps": [{"title": 12}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, st, _ := setup(t, tt.reply)
			_, err := s.GenerateSteps(context.Background(), "p1", "u1", history)
			if !errors.Is(err, ErrMalformedExtraction) {
				t.Fatalf("err = %v, want ErrMalformedExtraction", err)
			}
			var me *MalformedExtractionError
			if !errors.As(err, &me) || me.Raw != tt.reply {
				t.Errorf("raw reply not attached: %v", err)
			}
			if _, err := st.GetVersion("p1", 1); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("version 1 persisted despite malformed reply (err = %v)", err)
			}
			if p := process(t, st); p.Status != storage.StatusDraft {
				t.Errorf("status = %s, want DRAFT", p.Status)
			}
		})
	}
}

func TestGenerateSteps_ExcludesSystemMessages(t *testing.T) {
	s, _, caller := setup(t, stepsReply)
	h := append([]gateway.Message{{Role: gateway.RoleSystem, Content: "secret system context"}}, history...)
	if _, err := s.GenerateSteps(context.Background(), "p1", "u1", h); err != nil {
		t.Fatalf("GenerateSteps: %v", err)
	}
	if strings.Contains(caller.prompts[0], "secret system context") {
		t.Error("system message quoted in extraction prompt")
	}
}

func TestGenerateSteps_ProviderExhausted(t *testing.T) {
	s, _, caller := setup(t)
	caller.err = fmt.Errorf("%w: down", gateway.ErrProviderExhausted)
	if _, err := s.GenerateSteps(context.Background(), "p1", "u1", history); !errors.Is(err, gateway.ErrProviderExhausted) {
		t.Errorf("err = %v, want ErrProviderExhausted", err)
	}
}

func TestAnalyze_NoStepsSkipsModel(t *testing.T) {
	s, st, caller := setup(t)
	a, err := s.Analyze(context.Background(), process(t, st))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Overall != sop.EmptyAnalysis().Overall || len(a.Issues) != 0 || len(a.Suggestions) != 0 {
		t.Errorf("analysis = %+v", a)
	}
	if len(caller.prompts) != 0 {
		t.Errorf("model called %d times, want 0", len(caller.prompts))
	}
}

func TestAnalyze_Structured(t *testing.T) {
	reply := `{"overall": "Mostly clear", "issues": [{"stepNumber": 2, "issue": "No owner"}], "suggestions": []}`
	s, st, caller := setup(t, stepsReply, reply)
	if _, err := s.GenerateSteps(context.Background(), "p1", "u1", history); err != nil {
		t.Fatalf("GenerateSteps: %v", err)
	}

	a, err := s.Analyze(context.Background(), process(t, st))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Overall != "Mostly clear" || len(a.Issues) != 1 || a.Issues[0].StepNumber != 2 {
		t.Errorf("analysis = %+v", a)
	}
	if !strings.Contains(caller.prompts[1], "1. Receive") {
		t.Errorf("analysis prompt missing steps: %s", caller.prompts[1])
	}
}

func TestAnalyze_ProseDegrades(t *testing.T) {
	prose := "The process looks fine but step two needs an owner."
	s, st, _ := setup(t, stepsReply, prose)
	if _, err := s.GenerateSteps(context.Background(), "p1", "u1", history); err != nil {
		t.Fatalf("GenerateSteps: %v", err)
	}

	a, err := s.Analyze(context.Background(), process(t, st))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Overall != prose || a.Issues == nil || len(a.Issues) != 0 || a.Suggestions == nil {
		t.Errorf("analysis = %+v", a)
	}
}

func TestAnalyze_UnexpectedShapeDegrades(t *testing.T) {
	for _, reply := range []string{
		"null",
		`{"verdict":"fine"}`,
		`{"overall": 3, "issues": []}`,
		"```json\n{\"overall\": \"ok\", \"issues\": \"none\"}\n```",
	} {
		t.Run(reply, func(t *testing.T) {
			s, st, _ := setup(t, stepsReply, reply)
			if _, err := s.GenerateSteps(context.Background(), "p1", "u1", history); err != nil {
				t.Fatalf("GenerateSteps: %v", err)
			}
			a, err := s.Analyze(context.Background(), process(t, st))
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if a.Overall != reply || len(a.Issues) != 0 || a.Suggestions == nil {
				t.Errorf("analysis = %+v, want overall %q", a, reply)
			}
		})
	}
}

const sopReply = "```json\n" + `{
	"title": "Invoice approval",
	"summary": "Approve supplier invoices",
	"steps": [{"order": 2, "title": "Approve"}, {"order": 1, "title": "Receive", "tools": ["Email"]}],
	"totalEstimatedMinutes": 15,
	"automation": {"score": 7, "reasoning": "Rule based", "suggestedTools": ["n8n"]},
	"risk": {"hasPersonalData": true, "complianceNotes": "Mask IBANs", "criticalSteps": [2]}
}` + "\n```"

func TestGenerateSOP_VersionMonotonic(t *testing.T) {
	s, st, caller := setup(t, sopReply, sopReply)
	ctx := context.Background()

	first, err := s.GenerateSOP(ctx, process(t, st), "u1")
	if err != nil {
		t.Fatalf("GenerateSOP: %v", err)
	}
	second, err := s.GenerateSOP(ctx, process(t, st), "u1")
	if err != nil {
		t.Fatalf("GenerateSOP: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}
	if p := process(t, st); p.CurrentVersion != 2 {
		t.Errorf("current version = %d, want 2", p.CurrentVersion)
	}
	if first.Steps[0].Title != "Receive" || first.Steps[1].Order != 2 {
		t.Errorf("steps = %+v", first.Steps)
	}
	if !strings.Contains(caller.prompts[0], `"team": "finance"`) {
		t.Error("SOP prompt missing form data")
	}

	v2, _ := st.GetVersion("p1", 2)
	var stored sop.Document
	if err := json.Unmarshal([]byte(v2.SOPJSON), &stored); err != nil {
		t.Fatalf("stored SOP: %v", err)
	}
	if stored.Title != "Invoice approval" || !stored.Risk.HasPersonalData {
		t.Errorf("stored = %+v", stored)
	}
}

func TestGenerateSOP_AfterStepsUsesNextVersion(t *testing.T) {
	s, st, _ := setup(t, stepsReply, sopReply)
	ctx := context.Background()
	if _, err := s.GenerateSteps(ctx, "p1", "u1", history); err != nil {
		t.Fatalf("GenerateSteps: %v", err)
	}
	doc, err := s.GenerateSOP(ctx, process(t, st), "u1")
	if err != nil {
		t.Fatalf("GenerateSOP: %v", err)
	}
	if doc.Version != 2 {
		t.Errorf("version = %d, want 2", doc.Version)
	}
}

func TestGenerateSOP_MalformedCreatesNoVersion(t *testing.T) {
	s, st, _ := setup(t, "Here is your SOP: first receive, then approve.")
	_, err := s.GenerateSOP(context.Background(), process(t, st), "u1")
	if !errors.Is(err, ErrMalformedExtraction) {
		t.Fatalf("err = %v, want ErrMalformedExtraction", err)
	}
	if _, err := st.LatestVersion("p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("a version was created: %v", err)
	}
	if p := process(t, st); p.CurrentVersion != 0 {
		t.Errorf("current version = %d, want 0", p.CurrentVersion)
	}
}
