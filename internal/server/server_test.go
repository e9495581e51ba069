package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/db"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/migrate"
	"crmflow/internal/otel"
	"crmflow/internal/repo"
	"crmflow/internal/store"
)

const testSecret = "test-secret"

var actor = map[string]string{"X-Actor-Id": "admin"}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, metrics http.Handler, tweak func(*config.Config)) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}
	e := engine.New(repo.Repo{DB: conn}, cfg)
	handler, err := New(Config{
		Engine:  e,
		Metrics: metrics,
		Auth:    AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != code {
		t.Fatalf("expected code %q, got %q", code, env.Error.Code)
	}
	return env
}

var pipelineBody = map[string]any{
	"pipeline": map[string]any{"id": "agents", "name": "Agent onboarding"},
	"templates": []map[string]any{
		{"id": "tpl-license", "name": "Upload license"},
		{"id": "tpl-fax", "name": "Fax signed form", "active": false},
		{"id": "tpl-bio", "name": "Write bio"},
		{"id": "tpl-review", "name": "Manager review"},
	},
	"task_sets": []map[string]any{
		{"id": "ts-core", "name": "Core", "templates": []string{"tpl-license", "tpl-fax"}},
		{"id": "ts-profile", "name": "Profile", "templates": []string{"tpl-bio"}},
		{"id": "ts-review", "name": "Review", "templates": []string{"tpl-review"}},
	},
	"stages": []map[string]any{
		{"id": "stage-a", "name": "Application", "order": 1, "task_sets": []map[string]any{
			{"id": "ts-core", "due_days": 5},
			{"id": "ts-profile"},
		}},
		{"id": "stage-b", "name": "Review", "order": 2, "task_sets": []map[string]any{
			{"id": "ts-review"},
		}},
		{"id": "stage-c", "name": "Welcome", "order": 3},
	},
}

func seed(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pipelines", pipelineBody, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import pipeline status %d: %s", res.StatusCode, string(data))
	}
	imported := decode[ImportPipelineResponse](t, data)
	if len(imported.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(imported.Stages))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agents/agent-1/onboarding", map[string]any{
		"pipeline_id": "agents",
	}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("invite status %d: %s", res.StatusCode, string(data))
	}
}

func TestStageFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, nil)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()
	base := srv.URL + "/v1/agents/agent-1/onboarding"

	res, data := doJSON(t, client, http.MethodPost, base+"/stage", map[string]any{"stage_id": "stage-a"}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enter stage status %d: %s", res.StatusCode, string(data))
	}
	entered := decode[domain.EnterStageResult](t, data)
	if entered.TasksCreated != 2 || len(entered.Tasks) != 2 {
		t.Fatalf("expected 2 drafted tasks, got %+v", entered)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/stages/stage-a/completion", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion status %d: %s", res.StatusCode, string(data))
	}
	if c := decode[domain.StageCompletion](t, data); c.Complete || c.Total != 2 || c.Completed != 0 {
		t.Fatalf("unexpected completion %+v", c)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/stages/stage-a/complete", map[string]any{"advance": true, "require_complete": true}, actor)
	env := expectError(t, res, data, http.StatusUnprocessableEntity, "validation_failed")
	if env.Error.Details["stage_id"] != "stage-a" {
		t.Fatalf("expected stage detail, got %+v", env.Error.Details)
	}

	var last domain.TaskCompletion
	for _, task := range entered.Tasks {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", nil, actor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete task status %d: %s", res.StatusCode, string(data))
		}
		last = decode[domain.TaskCompletion](t, data)
		if last.Task.CompletedBy == nil || *last.Task.CompletedBy != "admin" {
			t.Fatalf("expected completed_by admin, got %+v", last.Task)
		}
	}
	if !last.StageComplete {
		t.Fatalf("expected stage complete after last task")
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/stages/stage-a/complete", map[string]any{"advance": true}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete stage status %d: %s", res.StatusCode, string(data))
	}
	done := decode[domain.CompleteStageResult](t, data)
	if done.Next == nil || done.Next.Stage.ID != "stage-b" || done.Next.TasksCreated != 1 {
		t.Fatalf("expected advance into stage-b, got %+v", done.Next)
	}
	if done.Onboarding.CurrentStageID == nil || *done.Onboarding.CurrentStageID != "stage-b" {
		t.Fatalf("expected current stage stage-b, got %v", done.Onboarding.CurrentStageID)
	}
	if done.Onboarding.Status != domain.StatusOnboardingStarted {
		t.Fatalf("expected status %q, got %q", domain.StatusOnboardingStarted, done.Onboarding.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/agent-1/tasks?stage_id=stage-b&pending=true", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	if tasks := decode[[]domain.Task](t, data); len(tasks) != 1 || tasks[0].TemplateID != "tpl-review" {
		t.Fatalf("unexpected pending tasks %+v", tasks)
	}
}

func TestCompleteStageWithOpenTasks(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, nil)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()
	base := srv.URL + "/v1/agents/agent-1/onboarding"

	res, data := doJSON(t, client, http.MethodPost, base+"/stage", map[string]any{"stage_id": "stage-a"}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enter stage status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/stages/stage-a/complete", map[string]any{}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete stage status %d: %s", res.StatusCode, string(data))
	}
	done := decode[domain.CompleteStageResult](t, data)
	if done.Next != nil || done.Onboarding.StageCompletedAt == nil {
		t.Fatalf("expected a stamped completion without advance, got %+v", done)
	}
	if done.Onboarding.CurrentStageID == nil || *done.Onboarding.CurrentStageID != "stage-a" {
		t.Fatalf("expected agent to stay in stage-a, got %v", done.Onboarding.CurrentStageID)
	}
}

func TestNextStage(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, nil)
	defer cleanup()
	seed(t, srv)

	cases := []struct {
		stage string
		want  *string
	}{
		{"stage-a", strPtr("stage-b")},
		{"stage-b", strPtr("stage-c")},
		{"stage-c", nil},
		{"missing", nil},
	}
	for _, tc := range cases {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/pipelines/agents/stages/"+tc.stage+"/next", nil, actor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d: %s", tc.stage, res.StatusCode, string(data))
		}
		got := decode[NextStageResponse](t, data)
		switch {
		case tc.want == nil && got.NextStageID != nil:
			t.Fatalf("%s: expected no next stage, got %q", tc.stage, *got.NextStageID)
		case tc.want != nil && (got.NextStageID == nil || *got.NextStageID != *tc.want):
			t.Fatalf("%s: expected %q, got %v", tc.stage, *tc.want, got.NextStageID)
		}
	}
}

func strPtr(s string) *string { return &s }

type stalledStore struct {
	store.Store
}

func (s stalledStore) Tx(ctx context.Context, fn func(store.Tx) error) error {
	<-ctx.Done()
	return s.Store.Tx(ctx, fn)
}

func TestWebhookClientPerHook(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{
		{URL: "http://127.0.0.1:1/a", TimeoutSeconds: 2},
		{URL: "http://127.0.0.1:1/b"},
	}
	d := newWebhookDispatcher(engine.New(nil, cfg), nil)
	if len(d.clients) != 2 {
		t.Fatalf("expected a client per hook, got %d", len(d.clients))
	}
	if d.clients[0].Timeout != 2*time.Second || d.clients[1].Timeout != defaultWebhookTimeout {
		t.Fatalf("unexpected timeouts %s %s", d.clients[0].Timeout, d.clients[1].Timeout)
	}
	if d.clients[0] == d.clients[1] {
		t.Fatalf("hooks must not share a client")
	}
}

func TestStoreTimeoutReturnsTryAgain(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Store.TxTimeout = 10 * time.Millisecond
	handler, err := New(Config{
		Engine: engine.New(stalledStore{Store: repo.Repo{DB: conn}}, cfg),
		Auth:   AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agents/agent-1/onboarding", nil, actor)
	expectError(t, res, data, http.StatusServiceUnavailable, "try_again")
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, nil)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/ghost/onboarding", nil, actor)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/agent-1/onboarding", map[string]any{"pipeline_id": "agents"}, actor)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/agent-1/onboarding/stage", map[string]any{"stage_id": "nope"}, actor)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/agent-1/onboarding/status", map[string]any{"status": "Awaiting Approval"}, actor)
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/agent-1/onboarding/activate", nil, actor)
	expectError(t, res, data, http.StatusUnprocessableEntity, "validation_failed")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/agent-1/onboarding/audit?cursor=abc", nil, actor)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	wrong, err := IssueToken("other-secret", "admin", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/pipelines", nil, map[string]string{"Authorization": "Bearer " + wrong})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	token, err := IssueToken(testSecret, "jwt-admin", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/pipelines", pipelineBody, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import with jwt status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/agent-9/onboarding", map[string]any{"pipeline_id": "agents"}, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("invite with jwt status %d: %s", res.StatusCode, string(data))
	}
	entries, err := srv.Engine.ListAudit(context.Background(), store.AuditFilter{AgentID: "agent-9"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) == 0 || entries[0].ActorID != "jwt-admin" {
		t.Fatalf("expected audit by jwt-admin, got %+v", entries)
	}

	if _, err := IssueToken("", "admin", nil, 0); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestPatchOnboarding(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, nil)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()
	url := srv.URL + "/v1/agents/agent-1/onboarding"

	res, data := doJSON(t, client, http.MethodPatch, url, map[string]any{"notes": "prefers email", "profile_complete": true}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	o := decode[domain.AgentOnboarding](t, data)
	if o.Notes == nil || *o.Notes != "prefers email" || !o.ProfileComplete {
		t.Fatalf("unexpected onboarding %+v", o)
	}

	res, data = doJSON(t, client, http.MethodPatch, url, `{"notes": null}`, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch null status %d: %s", res.StatusCode, string(data))
	}
	o = decode[domain.AgentOnboarding](t, data)
	if o.Notes != nil {
		t.Fatalf("expected notes cleared, got %q", *o.Notes)
	}
	if !o.ProfileComplete {
		t.Fatalf("expected profile_complete untouched")
	}

	res, data = doJSON(t, client, http.MethodPatch, url, `{}`, actor)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodGet, url+"/audit?action=onboarding.updated&limit=2", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedAudit](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with a cursor, got %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, url+"/audit?action=onboarding.updated&limit=2&cursor="+page.NextCursor, nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit page 2 status %d: %s", res.StatusCode, string(data))
	}
	page = decode[paginatedAudit](t, data)
	if len(page.Items) != 1 || page.NextCursor != "" || page.Items[0].Field != "notes" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestRequirementsAndActivation(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, func(c *config.Config) {
		off := false
		c.Activation.RequireFinancialSetup = &off
	})
	defer cleanup()
	seed(t, srv)
	client := srv.Client()
	base := srv.URL + "/v1/agents/agent-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/requirements", map[string]any{
		"kind": "agreement",
		"name": "Broker agreement",
	}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add requirement status %d: %s", res.StatusCode, string(data))
	}
	req := decode[domain.Requirement](t, data)

	res, data = doJSON(t, client, http.MethodPost, base+"/onboarding/activate", nil, actor)
	env := expectError(t, res, data, http.StatusUnprocessableEntity, "validation_failed")
	if unmet, _ := env.Error.Details["unmet"].([]any); len(unmet) != 1 {
		t.Fatalf("expected one unmet requirement, got %+v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requirements/"+req.ID+"/status", map[string]any{"status": "bogus"}, actor)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	sat := req.Kind.SatisfiedStatus()
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requirements/"+req.ID+"/status", map[string]any{"status": sat}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set requirement status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/onboarding/activate", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", res.StatusCode, string(data))
	}
	if o := decode[domain.AgentOnboarding](t, data); o.Status != domain.StatusActive || o.ActivatedAt == nil {
		t.Fatalf("expected active onboarding, got %+v", o)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/requirements", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list requirements status %d: %s", res.StatusCode, string(data))
	}
	if reqs := decode[[]domain.Requirement](t, data); len(reqs) != 1 || reqs[0].Status != sat {
		t.Fatalf("unexpected requirements %+v", reqs)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	ctx := context.Background()
	metrics, err := otel.InitMeterProvider(ctx, "crmflow-test")
	if err != nil {
		t.Fatalf("init meter provider: %v", err)
	}
	if err := otel.InitMetrics(ctx); err != nil {
		t.Fatalf("init metrics: %v", err)
	}
	srv, cleanup := newTestServer(t, metrics, nil)
	defer cleanup()
	seed(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/agent-1/onboarding/stage", map[string]any{"stage_id": "stage-a"}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enter stage status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "crmflow_stage_entries_total") {
		t.Fatalf("expected stage entry counter in metrics output")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := oas.Paths["/v1/agents/{agent_id}/onboarding/stages/{stage_id}/complete"]; !ok {
		t.Fatalf("expected complete-stage route in openapi paths")
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Crmflow-Secret"))
		mu.Unlock()
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, nil, func(c *config.Config) {
		c.Webhooks = []config.WebhookConfig{{
			URL:     hook.URL,
			Actions: []string{"stage.entered"},
			Secret:  "s3cret",
		}}
	})
	defer cleanup()
	seed(t, srv)

	d := newWebhookDispatcher(srv.Engine, nil)
	if len(d.clients) != 1 || d.clients[0].Timeout != defaultWebhookTimeout {
		t.Fatalf("expected one client with the default timeout, got %+v", d.clients)
	}
	ctx := context.Background()
	// the first poll only pins the cursor
	d.dispatchAll(ctx)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agents/agent-1/onboarding/stage", map[string]any{"stage_id": "stage-a"}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enter stage status %d: %s", res.StatusCode, string(data))
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d: %+v", len(got), got)
	}
	if got[0].Action != "stage.entered" || got[0].AgentID != "agent-1" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("expected secret header, got %q", secrets[0])
	}
	var stage string
	if err := json.Unmarshal(got[0].NewValue, &stage); err != nil || stage != "stage-a" {
		t.Fatalf("expected new_value stage-a, got %s", string(got[0].NewValue))
	}
}
