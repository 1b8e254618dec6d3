package api

import (
	"context"
	"sync"
	"testing"

	"github.com/kalambet/sopflow/internal/conversation"
	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/modelconfig"
	"github.com/kalambet/sopflow/internal/orchestrator"
	"github.com/kalambet/sopflow/internal/queue"
	"github.com/kalambet/sopflow/internal/routing"
	"github.com/kalambet/sopflow/internal/storage"
	"github.com/kalambet/sopflow/internal/synth"
)

type staticConfig struct{}

func (staticConfig) Active(context.Context) (modelconfig.ModelConfig, error) {
	cfg := modelconfig.Default("k")
	cfg.PrimaryModel = "primary"
	cfg.FallbackModel = "fallback"
	return cfg, nil
}

type mockInvoker struct {
	mu      sync.Mutex
	reply   string
	failing map[string]bool
}

func (m *mockInvoker) Invoke(_ context.Context, _ []gateway.Message, p gateway.Params) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[p.Model] {
		return "", gateway.ErrProviderUnavailable
	}
	return m.reply, nil
}

func (m *mockInvoker) setReply(s string) {
	m.mu.Lock()
	m.reply = s
	m.mu.Unlock()
}

func newTestEngine(t *testing.T) (*orchestrator.Engine, *storage.Store, *mockInvoker) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	inv := &mockInvoker{reply: "Got it. Who approves the invoice?", failing: map[string]bool{}}
	caller := gateway.NewFallback(inv)
	configs := staticConfig{}
	e := orchestrator.New(orchestrator.Deps{
		Processes:     st,
		Conversations: conversation.NewStore(st),
		Configs:       configs,
		Caller:        caller,
		Router:        routing.DefaultPolicy(),
		Queue:         queue.New(st),
		Synth:         synth.New(st, configs, caller),
	})
	return e, st, inv
}

const stepsReply = "Here you go:\n```json\n" +
	`{"steps":[{"order":2,"title":"Approve","description":"Manager signs off"},{"order":1,"title":"Receive","description":"Invoice arrives"}]}` +
	"\n```"
