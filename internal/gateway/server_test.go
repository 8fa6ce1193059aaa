package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
	"github.com/NOVA-ALLRounder/main-sub001/internal/approval"
	"github.com/NOVA-ALLRounder/main-sub001/internal/broker"
	"github.com/NOVA-ALLRounder/main-sub001/internal/classifier"
	"github.com/NOVA-ALLRounder/main-sub001/internal/killswitch"
	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
	"github.com/NOVA-ALLRounder/main-sub001/internal/version"
)

type mockSessions struct {
	goals     []string
	cancelled []string
	submitErr error
}

func (m *mockSessions) Submit(ctx context.Context, goal string) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.goals = append(m.goals, goal)
	return fmt.Sprintf("s%d", len(m.goals)), nil
}

func (m *mockSessions) Get(id string) (broker.Info, error) {
	if id == "missing" {
		return broker.Info{}, fmt.Errorf("%w: %s", broker.ErrNotFound, id)
	}
	return broker.Info{ID: id, Goal: "goal", State: "observing"}, nil
}

func (m *mockSessions) List() []broker.Info {
	return []broker.Info{{ID: "s1", State: "acting"}}
}

func (m *mockSessions) History(id string) ([]broker.Entry, error) {
	if id == "missing" {
		return nil, broker.ErrNotFound
	}
	return []broker.Entry{{Seq: 1, State: "observing"}, {Seq: 2, State: "deciding"}}, nil
}

func (m *mockSessions) Cancel(id string) error {
	if id == "missing" {
		return broker.ErrNotFound
	}
	m.cancelled = append(m.cancelled, id)
	return nil
}

func decodeJSON(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return out
}

func serve(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler("secret", Deps{})
	rr := serve(h, http.MethodGet, "/health", "", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %v", body["status"])
	}
	if body["request_id"] == "" {
		t.Fatal("expected non-empty request_id")
	}
}

func TestHealthReportsKillSwitch(t *testing.T) {
	sw := killswitch.New()
	sw.Engage("hotkey")
	rr := serve(NewHandler("", Deps{KillSwitch: sw}), http.MethodGet, "/health", "", "")
	body := decodeJSON(t, rr.Body)
	if body["status"] != "halted" || body["kill_switch"] != "hotkey" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestHealthRejectsPost(t *testing.T) {
	rr := serve(NewHandler("", Deps{}), http.MethodPost, "/health", "", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()
	NewHandler("", Deps{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["version"] != version.Version {
		t.Fatalf("expected version=%s, got %v", version.Version, body["version"])
	}
	if body["request_id"] != "req-1" {
		t.Fatalf("expected request id echo, got %v", body["request_id"])
	}
}

func TestSessionsUnauthorized(t *testing.T) {
	h := NewHandler("secret-token", Deps{Sessions: &mockSessions{}})
	for _, token := range []string{"", "wrong"} {
		rr := serve(h, http.MethodPost, "/sessions", `{"goal":"x"}`, token)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected status 401, got %d", token, rr.Code)
		}
		body := decodeJSON(t, rr.Body)
		if body["code"] != "unauthorized" {
			t.Fatalf("expected code=unauthorized, got %v", body["code"])
		}
	}
}

func TestCreateSession(t *testing.T) {
	sessions := &mockSessions{}
	h := NewHandler("secret-token", Deps{Sessions: sessions})
	rr := serve(h, http.MethodPost, "/sessions", `{"goal":"  tidy downloads "}`, "secret-token")

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(sessions.goals) != 1 || sessions.goals[0] != "tidy downloads" {
		t.Fatalf("unexpected goals: %v", sessions.goals)
	}
	body := decodeJSON(t, rr.Body)
	session, _ := body["session"].(map[string]any)
	if session["id"] != "s1" {
		t.Fatalf("unexpected session: %v", body)
	}
}

func TestCreateSessionBadRequest(t *testing.T) {
	h := NewHandler("", Deps{Sessions: &mockSessions{}})
	cases := []string{`{"goal":`, `{"goal":""}`, `{"goal":"x","extra":1}`}
	for _, body := range cases {
		rr := serve(h, http.MethodPost, "/sessions", body, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestCreateSessionErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{broker.ErrTooManySessions, http.StatusTooManyRequests},
		{broker.ErrKillSwitchEngaged, http.StatusConflict},
		{broker.ErrShutdown, http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewHandler("", Deps{Sessions: &mockSessions{submitErr: tc.err}})
		rr := serve(h, http.MethodPost, "/sessions", `{"goal":"x"}`, "")
		if rr.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rr.Code)
		}
	}
}

func TestSessionReadAndCancel(t *testing.T) {
	sessions := &mockSessions{}
	h := NewHandler("", Deps{Sessions: sessions})

	if rr := serve(h, http.MethodGet, "/sessions", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("list: %d", rr.Code)
	}
	if rr := serve(h, http.MethodGet, "/sessions/s9", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	if rr := serve(h, http.MethodGet, "/sessions/missing", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get missing: %d", rr.Code)
	}

	rr := serve(h, http.MethodGet, "/sessions/s9/history", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("history: %d", rr.Code)
	}
	history, _ := decodeJSON(t, rr.Body)["history"].([]any)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}

	if rr := serve(h, http.MethodDelete, "/sessions/s9", "", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d", rr.Code)
	}
	if len(sessions.cancelled) != 1 || sessions.cancelled[0] != "s9" {
		t.Fatalf("unexpected cancellations: %v", sessions.cancelled)
	}
	if rr := serve(h, http.MethodDelete, "/sessions/missing", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("cancel missing: %d", rr.Code)
	}
}

func TestApprovalsEndpoints(t *testing.T) {
	svc := approval.NewService(t.TempDir())
	req, err := svc.Create(approval.CreateInput{
		SessionID: "s1",
		Action:    action.New(action.ShellExec{Command: "mv a b"}),
		Tier:      classifier.Caution,
		Reason:    "write lock is on",
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	h := NewHandler("", Deps{Approvals: svc})

	rr := serve(h, http.MethodGet, "/approvals", "", "")
	approvals, _ := decodeJSON(t, rr.Body)["approvals"].([]any)
	if len(approvals) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(approvals))
	}

	if rr := serve(h, http.MethodPost, "/approvals/"+req.ID, `{"decision":"maybe"}`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad decision: %d", rr.Code)
	}
	rr = serve(h, http.MethodPost, "/approvals/"+req.ID, `{"decision":"approve","by":"alice"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rr.Code, rr.Body.String())
	}
	if rr := serve(h, http.MethodPost, "/approvals/"+req.ID, `{"decision":"deny"}`, ""); rr.Code != http.StatusConflict {
		t.Fatalf("second resolve: %d", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/approvals/404", `{"decision":"deny"}`, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rr.Code)
	}

	records, err := svc.Records()
	if err != nil || len(records) != 1 {
		t.Fatalf("Records() = %v, %v", records, err)
	}
	if records[0].Decision != approval.DecisionAllowOnce || records[0].DecidedBy != "alice" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestPolicyLockEndpoints(t *testing.T) {
	engine, err := policy.NewEngine(policy.Options{})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	h := NewHandler("", Deps{Policy: engine})

	if rr := serve(h, http.MethodPost, "/policy/unlock", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("unlock: %d", rr.Code)
	}
	if engine.Locked() {
		t.Fatalf("expected write lock released")
	}
	rr := serve(h, http.MethodPost, "/policy/lock", "", "")
	if body := decodeJSON(t, rr.Body); body["write_lock"] != true {
		t.Fatalf("lock body: %v", body)
	}

	rr = serve(h, http.MethodGet, "/policy", "", "")
	state, _ := decodeJSON(t, rr.Body)["policy"].(map[string]any)
	if state["write_lock"] != true {
		t.Fatalf("policy state: %v", state)
	}
}

func TestKillSwitchEndpoint(t *testing.T) {
	sw := killswitch.New()
	h := NewHandler("", Deps{KillSwitch: sw})

	rr := serve(h, http.MethodPost, "/killswitch", `{"reason":"operator"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !sw.Engaged() || sw.Reason() != "operator" {
		t.Fatalf("switch not engaged with reason: %q", sw.Reason())
	}
	body := decodeJSON(t, serve(h, http.MethodPost, "/killswitch", "", "").Body)
	if body["first"] != false || body["reason"] != "operator" {
		t.Fatalf("second engage body: %v", body)
	}
}

func TestUnconfiguredComponent(t *testing.T) {
	rr := serve(NewHandler("", Deps{}), http.MethodGet, "/policy", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
