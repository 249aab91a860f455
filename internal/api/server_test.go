package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamv/isabella/internal/codec"
	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/identity"
	"github.com/tamv/isabella/internal/ledger"
	"github.com/tamv/isabella/internal/logging"
	"github.com/tamv/isabella/internal/metrics"
	"github.com/tamv/isabella/internal/orchestrator"
	"github.com/tamv/isabella/internal/sentinel"
	"github.com/tamv/isabella/internal/telemetry"
	"github.com/tamv/isabella/internal/testutil"
)

type testEnv struct {
	srv    *Server
	ledger *ledger.Store
	agent  core.AgentIdentity
}

// testServer wires a server around evaluator with an in-memory ledger,
// a private metrics registry and a frozen telemetry clock. opts adjust the
// server config before it is built.
func testServer(t *testing.T, agent core.AgentIdentity, evaluator orchestrator.SecurityEvaluator, opts ...func(*Config)) *testEnv {
	t.Helper()

	db := testutil.TestDB(t)
	store := ledger.NewStore(db.Conn())
	recorder := ledger.NewRecorder(store)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	orch, err := orchestrator.New(agent, evaluator,
		orchestrator.WithLogger(logging.Discard()),
		orchestrator.WithMetrics(m),
		orchestrator.WithRecorder(recorder),
	)
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}

	clock := testutil.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	sessions := NewSessions(core.ModuleIntelligence,
		telemetry.WithClock(clock.Now),
		telemetry.WithObserver(func(c core.TAMVCrum) {
			recorder.RecordCrum(c)
			m.IncrementCrum(string(c.EcgContext.Pattern))
		}),
	)

	cfg := Config{
		Orchestrator: orch,
		Sessions:     sessions,
		LedgerStore:  store,
		DB:           db,
		Gatherer:     reg,
		Logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{srv: srv, ledger: store, agent: agent}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeTask(t *testing.T, rr *httptest.ResponseRecorder) core.AgentTask {
	t.Helper()
	var resp TaskResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Task
}

func TestNew_RequiresOrchestrator(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without orchestrator should fail")
	}
}

// --- Tasks ---

func TestAPI_ExecuteTask(t *testing.T) {
	tests := []struct {
		name       string
		input      any
		wantStatus core.TaskStatus
		wantRisk   core.RiskLevel
		wantReason string
	}{
		{"low risk completes", map[string]any{"action": "view"}, core.TaskCompleted, core.RiskLow, ""},
		{"high risk completes", map[string]any{"action": "transfer_funds"}, core.TaskCompleted, core.RiskHigh, ""},
		{"critical without creator is blocked", map[string]any{"action": "purge_data"}, core.TaskBlocked, core.RiskCritical, sentinel.ReasonCriticalRequiresCreator},
		{"missing action", map[string]any{"note": "hi"}, core.TaskCompleted, core.RiskLow, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t, testutil.AgentFixture(core.RolePlanner), sentinel.NewRuleEvaluator())

			rr := env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{Input: tt.input})
			if rr.Code != http.StatusCreated {
				t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
			}

			task := decodeTask(t, rr)
			if task.Status != tt.wantStatus {
				t.Errorf("task status = %s, want %s", task.Status, tt.wantStatus)
			}
			if task.RiskLevel != tt.wantRisk {
				t.Errorf("risk = %s, want %s", task.RiskLevel, tt.wantRisk)
			}
			if tt.wantReason != "" {
				result, _ := task.Result.(map[string]any)
				if result["error"] != tt.wantReason {
					t.Errorf("result = %v, want error %q", task.Result, tt.wantReason)
				}
			}
			if task.Audit.CreatedByAgentID != env.agent.ID {
				t.Errorf("audit agent = %q, want %q", task.Audit.CreatedByAgentID, env.agent.ID)
			}
		})
	}
}

func TestAPI_ExecuteTask_CreatorSession(t *testing.T) {
	creator := identity.DefaultCreator()
	env := testServer(t, testutil.CreatorAgentFixture(core.RoleSecurity, creator), sentinel.NewRuleEvaluator(),
		func(c *Config) { c.CreatorSessions = true })
	session := testutil.CreatorSessionFixture(creator)

	rr := env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{
		Input:   map[string]any{"action": "purge_data"},
		Session: &session,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}

	task := decodeTask(t, rr)
	if !task.VerifiedByCreator {
		t.Error("task should be verified by creator")
	}
	if task.Status != core.TaskCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if task.Audit.CreatorDID != creator.DID {
		t.Errorf("creator did = %q, want %q", task.Audit.CreatorDID, creator.DID)
	}
}

func TestAPI_ExecuteTask_CreatorSessionRejected(t *testing.T) {
	creator := identity.DefaultCreator()
	env := testServer(t, testutil.CreatorAgentFixture(core.RoleSecurity, creator), sentinel.NewRuleEvaluator())
	session := testutil.CreatorSessionFixture(creator)

	rr := env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{
		Input:   map[string]any{"action": "purge_data"},
		Session: &session,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if n, _ := env.ledger.Count(); n != 0 {
		t.Errorf("ledger entries = %d, want 0 for a rejected request", n)
	}
}

func TestAPI_ExecuteTask_ReputationPerClient(t *testing.T) {
	rep := sentinel.NewReputationEvaluator(
		sentinel.NewMemoryReputationStore(time.Now),
		sentinel.NewRuleEvaluator(),
		sentinel.WithReputationLogger(logging.Discard()),
	)
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), rep)

	const noisy, quiet = "203.0.113.7", "203.0.113.8"

	// Five denied critical requests put the noisy client at the threat threshold
	for i := 0; i < 5; i++ {
		rr := env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{Input: map[string]any{"action": "purge_data"}},
			"X-Real-IP", noisy)
		if task := decodeTask(t, rr); task.Status != core.TaskBlocked {
			t.Fatalf("request %d status = %s, want blocked", i+1, task.Status)
		}
	}

	view := TaskRequest{Input: map[string]any{"action": "view"}}

	rr := env.do(t, http.MethodPost, "/v1/tasks", view, "X-Real-IP", quiet)
	if task := decodeTask(t, rr); task.Status != core.TaskCompleted {
		t.Errorf("other client status = %s, want completed", task.Status)
	}

	rr = env.do(t, http.MethodPost, "/v1/tasks", view, "X-Real-IP", noisy)
	task := decodeTask(t, rr)
	if task.Status != core.TaskBlocked {
		t.Fatalf("noisy client status = %s, want blocked", task.Status)
	}
	result, _ := task.Result.(map[string]any)
	if result["error"] != sentinel.ReasonThreatThreshold {
		t.Errorf("result = %v, want error %q", task.Result, sentinel.ReasonThreatThreshold)
	}
}

func TestAPI_ExecuteTask_EvaluatorFailure(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RoleSRE), testutil.Failing(errors.New("sentinel offline")))

	rr := env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{Input: map[string]any{"action": "view"}})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}

	var body struct {
		Error string         `json:"error"`
		Task  core.AgentTask `json:"task"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body.Error, "sentinel offline") {
		t.Errorf("error = %q, should carry the cause", body.Error)
	}
	if body.Task.Status != core.TaskPending {
		t.Errorf("task status = %s, want pending", body.Task.Status)
	}

	if n, _ := env.ledger.Count(); n != 0 {
		t.Errorf("ledger entries = %d, want 0 for a failed evaluation", n)
	}
}

func TestAPI_ExecuteTask_InvalidBody(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestAPI_ExecuteTask_TelemetryPattern(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RoleEconomy), sentinel.NewRuleEvaluator())

	// The session clock is frozen, so any tracked event makes the tempo overloaded.
	for i := 0; i < 3; i++ {
		if rr := env.do(t, http.MethodPost, "/v1/sessions/s-1/actions", ActionRequest{Action: core.CrumTransaction, Credits: 5}); rr.Code != http.StatusCreated {
			t.Fatalf("track status = %d", rr.Code)
		}
	}

	rr := env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{
		Input:            map[string]any{"action": "global_transfer"},
		TelemetrySession: "s-1",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
	task := decodeTask(t, rr)
	if task.Status != core.TaskBlocked {
		t.Errorf("status = %s, want blocked while overloaded", task.Status)
	}

	// Low risk tasks still pass
	rr = env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{
		Input:            map[string]any{"action": "view"},
		TelemetrySession: "s-1",
	})
	if task := decodeTask(t, rr); task.Status != core.TaskCompleted {
		t.Errorf("low risk status = %s, want completed", task.Status)
	}
}

func TestAPI_ExecuteTask_UnknownTelemetrySession(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll)

	rr := env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{
		Input:            map[string]any{"action": "view"},
		TelemetrySession: "missing",
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestAPI_ExecuteTask_CBOR(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll)

	rr := env.do(t, http.MethodPost, "/v1/tasks",
		TaskRequest{Input: map[string]any{"action": "view"}},
		"Accept", "application/cbor")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/cbor" {
		t.Fatalf("content type = %q", ct)
	}

	var resp TaskResponse
	if err := codec.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("cbor decode: %v", err)
	}
	if resp.Task.Status != core.TaskCompleted {
		t.Errorf("status = %s, want completed", resp.Task.Status)
	}
}

// --- Sessions ---

func TestAPI_SessionLifecycle(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll)

	intensity := 0.4
	rr := env.do(t, http.MethodPost, "/v1/sessions/s-42/actions", ActionRequest{
		Action:    core.CrumCreate,
		Credits:   10,
		Intensity: &intensity,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("track status = %d: %s", rr.Code, rr.Body.String())
	}

	var crum core.TAMVCrum
	if err := json.NewDecoder(rr.Body).Decode(&crum); err != nil {
		t.Fatalf("decode crum: %v", err)
	}
	if crum.Module != core.ModuleIntelligence || crum.Action != core.CrumCreate {
		t.Errorf("crum = %+v", crum)
	}
	if crum.EcgContext.Intensity != 0.4 {
		t.Errorf("intensity = %v, want 0.4", crum.EcgContext.Intensity)
	}
	if crum.EcgContext.Pattern != core.PatternStable {
		t.Errorf("first pattern = %s, want stable", crum.EcgContext.Pattern)
	}

	env.do(t, http.MethodPost, "/v1/sessions/s-42/actions", ActionRequest{Action: core.CrumView, Credits: 2})

	rr = env.do(t, http.MethodGet, "/v1/sessions/s-42/telemetry", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("telemetry status = %d", rr.Code)
	}
	var snap SessionSnapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.EventCount != 2 || len(snap.History) != 2 {
		t.Errorf("event count = %d, history = %d, want 2", snap.EventCount, len(snap.History))
	}
	if snap.Summary.TotalCredits != 12 {
		t.Errorf("total credits = %v, want 12", snap.Summary.TotalCredits)
	}
	if snap.Pattern != core.PatternOverloaded {
		t.Errorf("pattern = %s, want overloaded on a frozen clock", snap.Pattern)
	}

	// Crums reach the ledger
	history, err := env.ledger.GetEntityHistory(ledger.EntityCrum, crum.ID)
	if err != nil || len(history) != 1 {
		t.Errorf("crum ledger history = %d entries, err %v", len(history), err)
	}

	if rr := env.do(t, http.MethodDelete, "/v1/sessions/s-42", nil); rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/v1/sessions/s-42/telemetry", nil); rr.Code != http.StatusNotFound {
		t.Errorf("telemetry after delete = %d, want 404", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/v1/sessions/s-42", nil); rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}

func TestAPI_TrackAction_Invalid(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll)

	tests := []struct {
		name string
		body string
	}{
		{"unknown action", `{"action":"dance","credits":1}`},
		{"unknown field", `{"action":"view","bonus":1}`},
		{"malformed", `{"action":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s-1/actions", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			env.srv.Handler().ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}

	if env.srv.sessions.Len() != 0 {
		t.Error("rejected actions should not create sessions")
	}
}

// --- Ledger ---

func TestAPI_Ledger(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), sentinel.NewRuleEvaluator())

	env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{Input: map[string]any{"action": "view"}})
	rr := env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{Input: map[string]any{"action": "purge_data"}})
	blocked := decodeTask(t, rr)

	rr = env.do(t, http.MethodGet, "/v1/ledger/verify", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify status = %d", rr.Code)
	}
	var verify map[string]any
	json.NewDecoder(rr.Body).Decode(&verify)
	if verify["chain_valid"] != true {
		t.Errorf("chain_valid = %v", verify["chain_valid"])
	}
	if verify["total_entries"] != float64(2) {
		t.Errorf("total_entries = %v, want 2", verify["total_entries"])
	}

	rr = env.do(t, http.MethodGet, "/v1/ledger?action="+ledger.ActionTaskBlocked, nil)
	var list struct {
		Entries []ledger.Entry `json:"entries"`
		Count   int            `json:"count"`
	}
	json.NewDecoder(rr.Body).Decode(&list)
	if list.Count != 1 || list.Entries[0].EntityID != blocked.TaskID {
		t.Errorf("blocked entries = %+v", list)
	}

	rr = env.do(t, http.MethodGet, "/v1/ledger/entity/task/"+blocked.TaskID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("entity history status = %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/ledger/entry/"+list.Entries[0].ID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("entry status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/v1/ledger/entry/nope", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d, want 404", rr.Code)
	}

	if rr := env.do(t, http.MethodGet, "/v1/ledger?since=yesterday", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/ledger/summary", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("summary status = %d", rr.Code)
	}
}

// --- Ambient ---

func TestAPI_Health(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll)

	rr := env.do(t, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAPI_Agent(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RoleXR), orchestrator.AllowAll)

	rr := env.do(t, http.MethodGet, "/v1/agent", nil)
	var agent core.AgentIdentity
	json.NewDecoder(rr.Body).Decode(&agent)
	if agent.ID != env.agent.ID || agent.Role != core.RoleXR {
		t.Errorf("agent = %+v", agent)
	}
}

func TestAPI_Metrics(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll)

	env.do(t, http.MethodPost, "/v1/tasks", TaskRequest{Input: map[string]any{"action": "view"}})
	env.do(t, http.MethodPost, "/v1/sessions/m-1/actions", ActionRequest{Action: core.CrumView})

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`isabella_task_outcomes_total{risk="low",status="completed"} 1`,
		`isabella_crums_tracked_total{pattern="stable"} 1`,
		"isabella_evaluator_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestAPI_CORS(t *testing.T) {
	env := testServer(t, testutil.AgentFixture(core.RolePlanner), orchestrator.AllowAll)

	req := httptest.NewRequest(http.MethodOptions, "/v1/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}
