package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/sopflow/internal/orchestrator"
	"github.com/kalambet/sopflow/internal/sop"
	"github.com/kalambet/sopflow/internal/storage"
)

const testSecret = "test-secret"

type apiClient struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func newAPIClient(t *testing.T, h http.Handler, userID, role string) *apiClient {
	t.Helper()
	tok, err := IssueToken(testSecret, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return &apiClient{t: t, handler: h, token: tok}
}

func (c *apiClient) do(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[map[string]map[string]any](t, rr)
	s, _ := body["error"]["type"].(string)
	return s
}

func newTestHandler(t *testing.T) (http.Handler, *storage.Store, *mockInvoker) {
	t.Helper()
	e, st, inv := newTestEngine(t)
	return NewAppHandler(AppDeps{Engine: e, JWTSecret: testSecret}), st, inv
}

func startProcess(t *testing.T, c *apiClient) orchestrator.Started {
	t.Helper()
	rr := c.do("POST", "/processes", `{"name":"Invoice approval","description":"Monthly AP run"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start: status %d, body %s", rr.Code, rr.Body.String())
	}
	return decode[orchestrator.Started](t, rr)
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth_Rejects(t *testing.T) {
	h, _, _ := newTestHandler(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + mustToken(t, "other-secret", "u1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/processes", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
			if got := errorType(t, rr); got != "authentication_error" {
				t.Errorf("error type = %q", got)
			}
		})
	}
}

func TestAuth_ExpiredToken(t *testing.T) {
	h, _, _ := newTestHandler(t)
	past := time.Now().Add(-time.Hour)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	c := &apiClient{t: t, handler: h, token: tok}
	if rr := c.do("GET", "/processes", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestAuth_RejectsOtherAlgorithms(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	if _, err := authenticate(tok, testSecret); err == nil {
		t.Error("expected HS512 token to be rejected")
	}
}

func TestAuthenticate_RoundTrip(t *testing.T) {
	tok := mustToken(t, testSecret, "u7")
	actor, err := authenticate(tok, testSecret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if actor.UserID != "u7" || actor.Role != "manager" {
		t.Errorf("actor = %+v", actor)
	}
}

func TestIssueToken_Validation(t *testing.T) {
	if _, err := IssueToken("", "u1", "", time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := IssueToken(testSecret, "", "", time.Hour); err == nil {
		t.Error("expected error for empty user")
	}
}

func TestStartAndFastTurn(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	started := startProcess(t, c)
	if started.ProcessID == "" || started.Prompt == "" {
		t.Fatalf("started = %+v", started)
	}

	rr := c.do("POST", "/processes/"+started.ProcessID+"/turns", `{"message":"We receive invoices by email."}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("turn: status %d, body %s", rr.Code, rr.Body.String())
	}
	res := decode[orchestrator.TurnResult](t, rr)
	if res.Reply == "" || res.Model != "primary" || res.JobID != "" {
		t.Errorf("turn result = %+v", res)
	}

	rr = c.do("GET", "/processes/"+started.ProcessID+"/conversation", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("history: status %d", rr.Code)
	}
	hist := decode[struct {
		Messages []MessageView `json:"messages"`
	}](t, rr)
	var roles []string
	for _, m := range hist.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "assistant,user,assistant" {
		t.Errorf("roles = %v", roles)
	}
}

func TestHeavyTurn_Accepted(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	started := startProcess(t, c)

	rr := c.do("POST", "/processes/"+started.ProcessID+"/turns", `{"message":"Please generate the SOP document now."}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	res := decode[orchestrator.TurnResult](t, rr)
	if res.JobID == "" {
		t.Fatal("expected job id")
	}

	rr = c.do("GET", "/jobs/"+res.JobID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("job: status %d", rr.Code)
	}
	job := decode[JobView](t, rr)
	if job.Status != storage.JobQueued || job.ProcessID != started.ProcessID {
		t.Errorf("job = %+v", job)
	}

	other := newAPIClient(t, h, "u2", "")
	if rr := other.do("GET", "/jobs/"+res.JobID, ""); rr.Code != http.StatusForbidden {
		t.Errorf("other user job status = %d, want 403", rr.Code)
	}
}

func TestEnqueueTurn(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	started := startProcess(t, c)

	rr := c.do("POST", "/processes/"+started.ProcessID+"/turns/async", `{"message":"short"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode[map[string]string](t, rr)
	if body["job_id"] == "" || body["status"] != storage.JobQueued {
		t.Errorf("body = %v", body)
	}
}

func TestTurn_Errors(t *testing.T) {
	h, _, inv := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	started := startProcess(t, c)
	path := "/processes/" + started.ProcessID + "/turns"

	if rr := c.do("POST", path, `{"message":""}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty message status = %d", rr.Code)
	}
	if rr := c.do("POST", path, `{bad json`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", rr.Code)
	}
	if rr := c.do("POST", "/processes/missing/turns", `{"message":"hi"}`); rr.Code != http.StatusNotFound {
		t.Errorf("missing process status = %d", rr.Code)
	}

	other := newAPIClient(t, h, "u2", "")
	rr := other.do("POST", path, `{"message":"hi"}`)
	if rr.Code != http.StatusForbidden {
		t.Errorf("stranger status = %d", rr.Code)
	}
	if got := errorType(t, rr); got != "permission_error" {
		t.Errorf("error type = %q", got)
	}

	inv.failing["primary"] = true
	inv.failing["fallback"] = true
	rr = c.do("POST", path, `{"message":"hi"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("exhausted status = %d", rr.Code)
	}
	if got := errorType(t, rr); got != "provider_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestStepsAnalysisSOP(t *testing.T) {
	h, _, inv := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	started := startProcess(t, c)
	base := "/processes/" + started.ProcessID

	inv.setReply(stepsReply)
	rr := c.do("POST", base+"/steps", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("steps: status %d, body %s", rr.Code, rr.Body.String())
	}
	steps := decode[struct {
		Steps []sop.Step `json:"steps"`
	}](t, rr).Steps
	if len(steps) != 2 || steps[0].Title != "Receive" || steps[0].Order != 1 {
		t.Errorf("steps = %+v", steps)
	}

	inv.setReply("The process looks complete, but approval has no deadline.")
	rr = c.do("POST", base+"/analysis", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("analysis: status %d", rr.Code)
	}
	a := decode[struct {
		Analysis sop.Analysis `json:"analysis"`
	}](t, rr).Analysis
	if !strings.Contains(a.Overall, "approval has no deadline") {
		t.Errorf("analysis = %+v", a)
	}

	inv.setReply("```json\n" + `{"title":"Invoice approval SOP","summary":"s","steps":[{"order":1,"title":"Receive"}]}` + "\n```")
	rr = c.do("POST", base+"/sop", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("sop: status %d, body %s", rr.Code, rr.Body.String())
	}
	doc := decode[sop.Document](t, rr)
	if doc.Version != 2 || doc.Title != "Invoice approval SOP" {
		t.Errorf("doc = %+v", doc)
	}

	rr = c.do("GET", base, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get process: status %d", rr.Code)
	}
	if p := decode[ProcessView](t, rr); p.CurrentVersion != 2 {
		t.Errorf("current version = %d", p.CurrentVersion)
	}
}

func TestGenerateSteps_Malformed(t *testing.T) {
	h, _, inv := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	started := startProcess(t, c)

	inv.setReply("I could not find any steps.")
	rr := c.do("POST", "/processes/"+started.ProcessID+"/steps", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	body := decode[map[string]map[string]any](t, rr)
	if body["error"]["type"] != "malformed_extraction" || body["error"]["raw"] != "I could not find any steps." {
		t.Errorf("body = %v", body)
	}
}

func TestClearConversation(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	started := startProcess(t, c)

	if rr := c.do("DELETE", "/processes/"+started.ProcessID+"/conversation", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	rr := c.do("GET", "/processes/"+started.ProcessID+"/conversation", "")
	hist := decode[struct {
		Messages []MessageView `json:"messages"`
	}](t, rr)
	if hist.Messages == nil || len(hist.Messages) != 0 {
		t.Errorf("messages = %+v, want empty array", hist.Messages)
	}
}

func TestGetProcess_Access(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	started := startProcess(t, c)
	path := "/processes/" + started.ProcessID

	if rr := newAPIClient(t, h, "u2", "").do("GET", path, ""); rr.Code != http.StatusForbidden {
		t.Errorf("stranger status = %d", rr.Code)
	}
	if rr := newAPIClient(t, h, "u3", orchestrator.RoleAdmin).do("GET", path, ""); rr.Code != http.StatusOK {
		t.Errorf("admin status = %d", rr.Code)
	}
}

func TestListProcesses(t *testing.T) {
	h, _, _ := newTestHandler(t)
	c := newAPIClient(t, h, "u1", "")
	startProcess(t, c)
	startProcess(t, c)
	startProcess(t, newAPIClient(t, h, "u2", ""))

	rr := c.do("GET", "/processes?limit=10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if list := decode[[]ProcessView](t, rr); len(list) != 2 {
		t.Errorf("got %d processes, want 2", len(list))
	}
	if rr := c.do("GET", "/processes?limit=abc", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}
}

func mustToken(t *testing.T, secret, userID string) string {
	t.Helper()
	tok, err := IssueToken(secret, userID, "manager", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}
