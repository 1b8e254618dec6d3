package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestProcess(t *testing.T, s *Store, id, owner string) {
	t.Helper()
	if err := s.CreateProcess(Process{ID: id, Name: "Invoice intake", CreatedBy: owner}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"processes", "process_versions", "conversations", "conversation_messages", "jobs", "model_configs"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
			t.Fatalf("query sqlite_master: %v", err)
		}
		if count != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestProcessRoundTrip(t *testing.T) {
	s := openTestStore(t)
	createTestProcess(t, s, "p1", "alice")

	p, err := s.GetProcess("p1")
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if p.Status != StatusDraft {
		t.Errorf("Status = %q, want %q", p.Status, StatusDraft)
	}
	if p.CreatedBy != "alice" {
		t.Errorf("CreatedBy = %q, want alice", p.CreatedBy)
	}
	if p.FormData != "{}" {
		t.Errorf("FormData = %q, want {}", p.FormData)
	}
	if p.Frequency != nil {
		t.Errorf("Frequency = %v, want nil", *p.Frequency)
	}

	if _, err := s.GetProcess("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProcess(missing) err = %v, want ErrNotFound", err)
	}
}

func TestUpdateProcessMetrics_PartialUpdate(t *testing.T) {
	s := openTestStore(t)
	createTestProcess(t, s, "p1", "alice")

	freq, cost := 4.0, 250.0
	if err := s.UpdateProcessMetrics("p1", ProcessMetrics{Frequency: &freq}); err != nil {
		t.Fatalf("UpdateProcessMetrics: %v", err)
	}
	if err := s.UpdateProcessMetrics("p1", ProcessMetrics{CostPerHour: &cost}); err != nil {
		t.Fatalf("UpdateProcessMetrics: %v", err)
	}

	p, err := s.GetProcess("p1")
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if p.Frequency == nil || *p.Frequency != 4 {
		t.Errorf("Frequency = %v, want 4", p.Frequency)
	}
	if p.CostPerHour == nil || *p.CostPerHour != 250 {
		t.Errorf("CostPerHour = %v, want 250", p.CostPerHour)
	}
	if p.DurationMinutes != nil {
		t.Errorf("DurationMinutes = %v, want nil", *p.DurationMinutes)
	}
}

func TestSaveStepTree_CreatesThenUpdatesVersionOne(t *testing.T) {
	s := openTestStore(t)
	createTestProcess(t, s, "p1", "alice")

	if err := s.SaveStepTree("p1", "alice", `{"steps":[]}`, StatusWaitingApproval); err != nil {
		t.Fatalf("SaveStepTree: %v", err)
	}
	if err := s.SaveStepTree("p1", "alice", `{"steps":[{"order":1}]}`, StatusWaitingApproval); err != nil {
		t.Fatalf("SaveStepTree (second): %v", err)
	}

	v, err := s.GetVersion("p1", 1)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v.SOPJSON != `{"steps":[{"order":1}]}` {
		t.Errorf("SOPJSON = %q", v.SOPJSON)
	}

	p, _ := s.GetProcess("p1")
	if p.Status != StatusWaitingApproval {
		t.Errorf("Status = %q, want %q", p.Status, StatusWaitingApproval)
	}
	if p.CurrentVersion != 1 {
		t.Errorf("CurrentVersion = %d, want 1", p.CurrentVersion)
	}

	if err := s.SaveStepTree("missing", "alice", `{}`, StatusWaitingApproval); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveStepTree(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCreateNextVersion_Monotonic(t *testing.T) {
	s := openTestStore(t)
	createTestProcess(t, s, "p1", "alice")

	for want := 1; want <= 3; want++ {
		got, err := s.CreateNextVersion("p1", "alice", `{"steps":[]}`, "")
		if err != nil {
			t.Fatalf("CreateNextVersion: %v", err)
		}
		if got != want {
			t.Errorf("version = %d, want %d", got, want)
		}
	}

	latest, err := s.LatestVersion("p1")
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("latest = %d, want 3", latest.Version)
	}
	p, _ := s.GetProcess("p1")
	if p.CurrentVersion != 3 {
		t.Errorf("CurrentVersion = %d, want 3", p.CurrentVersion)
	}

	if _, err := s.CreateNextVersion("missing", "alice", `{}`, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateNextVersion(missing) err = %v, want ErrNotFound", err)
	}
}

func TestLatestVersion_None(t *testing.T) {
	s := openTestStore(t)
	createTestProcess(t, s, "p1", "alice")

	if _, err := s.LatestVersion("p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetOrCreateConversation_Idempotent(t *testing.T) {
	s := openTestStore(t)

	c1, err := s.GetOrCreateConversation("p1", "alice")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	c2, err := s.GetOrCreateConversation("p1", "alice")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("ids differ: %s vs %s", c1.ID, c2.ID)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("conversation rows = %d, want 1", count)
	}
}

func TestAppendMessage_SequenceAndOrder(t *testing.T) {
	s := openTestStore(t)
	c, _ := s.GetOrCreateConversation("p1", "alice")

	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(c.ID, "user", fmt.Sprintf("msg %d", i))
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if m.Seq != i+1 {
			t.Errorf("seq = %d, want %d", m.Seq, i+1)
		}
	}

	msgs, err := s.ListMessages(c.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("msg %d", i) {
			t.Errorf("msgs[%d] = %q", i, m.Content)
		}
	}
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AppendMessage("nope", "user", "hi"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessage_ConcurrentNoGaps(t *testing.T) {
	s := openTestStore(t)
	c, _ := s.GetOrCreateConversation("p1", "alice")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AppendMessage(c.ID, "user", fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("AppendMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs, _ := s.ListMessages(c.ID)
	if len(msgs) != n {
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if m.Seq != i+1 {
			t.Errorf("msgs[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
	}
}

func TestDeleteConversation(t *testing.T) {
	s := openTestStore(t)
	c, _ := s.GetOrCreateConversation("p1", "alice")
	s.AppendMessage(c.ID, "user", "hello")

	if err := s.DeleteConversation("p1", "alice"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := s.FindConversation("p1", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindConversation err = %v, want ErrNotFound", err)
	}
	msgs, _ := s.ListMessages(c.ID)
	if len(msgs) != 0 {
		t.Errorf("messages left behind: %d", len(msgs))
	}

	// Deleting again is a no-op.
	if err := s.DeleteConversation("p1", "alice"); err != nil {
		t.Errorf("second DeleteConversation: %v", err)
	}

	fresh, _ := s.GetOrCreateConversation("p1", "alice")
	if fresh.ID == c.ID {
		t.Error("expected a new conversation id after delete")
	}
}

func enqueueTestJob(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.EnqueueJob(Job{ID: id, ProcessID: "p1", UserID: "alice", PayloadJSON: `{"messages":[]}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	enqueueTestJob(t, s, "job-1")

	j, err := s.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if j.ID != "job-1" || j.Status != JobProcessing {
		t.Errorf("claimed %s/%s, want job-1/processing", j.ID, j.Status)
	}

	again, err := s.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("claimed %s twice", again.ID)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)
	j, err := s.ClaimNextJob()
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil job, got %s", j.ID)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	enqueueTestJob(t, s, "job-1")
	s.ClaimNextJob()

	if err := s.UpdateJobProgress("job-1", 75); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	if err := s.CompleteJob("job-1", "the answer", "gpt-3.5-turbo", true); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobCompleted || j.Progress != 100 {
		t.Errorf("status/progress = %s/%d, want completed/100", j.Status, j.Progress)
	}
	if !j.UsedFallback || j.Model != "gpt-3.5-turbo" || j.Result != "the answer" {
		t.Errorf("unexpected job fields: %+v", j)
	}

	// Progress updates after completion are rejected.
	if err := s.UpdateJobProgress("job-1", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateJobProgress after completion err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_Terminal(t *testing.T) {
	s := openTestStore(t)
	enqueueTestJob(t, s, "job-1")
	s.ClaimNextJob()

	if err := s.FailJob("job-1", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, _ := s.GetJob("job-1")
	if j.Status != JobFailed || j.LastError != "boom" {
		t.Errorf("job = %s/%q, want failed/boom", j.Status, j.LastError)
	}

	next, _ := s.ClaimNextJob()
	if next != nil {
		t.Error("failed job was claimed again")
	}

	if err := s.FailJob("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestFinishedJobsStayFinished(t *testing.T) {
	s := openTestStore(t)
	enqueueTestJob(t, s, "job-1")
	s.ClaimNextJob()

	if _, err := s.FailStaleJobs(time.Now().Add(time.Hour), "worker lost"); err != nil {
		t.Fatalf("FailStaleJobs: %v", err)
	}
	if err := s.CompleteJob("job-1", "late reply", "m", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob after sweep err = %v, want ErrNotFound", err)
	}
	if err := s.FailJob("job-1", "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob after sweep err = %v, want ErrNotFound", err)
	}
	j, _ := s.GetJob("job-1")
	if j.Status != JobFailed || j.LastError != "worker lost" || j.Result != "" {
		t.Errorf("job = %s/%q/%q, want failed/worker lost/empty", j.Status, j.LastError, j.Result)
	}

	enqueueTestJob(t, s, "job-2")
	if err := s.CompleteJob("job-2", "early", "m", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob on queued job err = %v, want ErrNotFound", err)
	}
}

func TestFailStaleJobsAndDeleteFinished(t *testing.T) {
	s := openTestStore(t)
	enqueueTestJob(t, s, "stale")
	enqueueTestJob(t, s, "done")
	s.ClaimNextJob()
	s.ClaimNextJob()
	s.CompleteJob("done", "ok", "m", false)

	future := time.Now().Add(time.Hour)
	n, err := s.FailStaleJobs(future, "worker lost")
	if err != nil {
		t.Fatalf("FailStaleJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("stale jobs failed = %d, want 1", n)
	}

	n, err = s.DeleteFinishedJobs(future)
	if err != nil {
		t.Fatalf("DeleteFinishedJobs: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
}

func TestModelConfigs_ActiveAndActivate(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.ActiveModelConfig(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveModelConfig on empty err = %v, want ErrNotFound", err)
	}

	s.SaveModelConfig(ModelConfig{ID: "a", Name: "A", Provider: "openai", PrimaryModel: "gpt-4", Temperature: 0.7, MaxTokens: 2000, IsActive: true})
	s.SaveModelConfig(ModelConfig{ID: "b", Name: "B", Provider: "openai", PrimaryModel: "gpt-4o", Temperature: 0.2, MaxTokens: 1000})

	active, err := s.ActiveModelConfig()
	if err != nil {
		t.Fatalf("ActiveModelConfig: %v", err)
	}
	if active.ID != "a" {
		t.Errorf("active = %s, want a", active.ID)
	}

	if err := s.ActivateModelConfig("b"); err != nil {
		t.Fatalf("ActivateModelConfig: %v", err)
	}
	active, _ = s.ActiveModelConfig()
	if active.ID != "b" || active.PrimaryModel != "gpt-4o" {
		t.Errorf("active = %+v, want b", active)
	}

	all, _ := s.ListModelConfigs()
	activeCount := 0
	for _, c := range all {
		if c.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active configs = %d, want 1", activeCount)
	}

	if err := s.ActivateModelConfig("zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActivateModelConfig(zzz) err = %v, want ErrNotFound", err)
	}
}
