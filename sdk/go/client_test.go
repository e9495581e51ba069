package crmflowsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/db"
	"crmflow/internal/engine"
	"crmflow/internal/migrate"
	"crmflow/internal/repo"
	"crmflow/internal/server"
)

const pipelineYAML = `pipeline:
  id: agents
  name: Agents
templates:
  - id: tpl-license
    name: Upload license
task_sets:
  - id: ts-core
    name: Core
    templates: [tpl-license]
stages:
  - id: apply
    name: Apply
    order: 1
    task_sets:
      - id: ts-core
  - id: welcome
    name: Welcome
    order: 2
`

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(repo.Repo{DB: conn}, config.Default())
	def, err := config.PipelineFromYAML([]byte(pipelineYAML))
	if err != nil {
		t.Fatalf("parse pipeline: %v", err)
	}
	if _, _, err := e.ImportPipeline(ctx, *def); err != nil {
		t.Fatalf("import pipeline: %v", err)
	}
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	token, err := server.IssueToken("sdk-secret", "sdk-user", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return New(srv.URL, token)
}

func TestClientStageFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	if _, err := c.Invite(ctx, "agent-1", "agents"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	entered, err := c.EnterStage(ctx, "agent-1", "apply")
	if err != nil {
		t.Fatalf("enter stage: %v", err)
	}
	if entered.TasksCreated != 1 {
		t.Fatalf("expected 1 task, got %d", entered.TasksCreated)
	}
	completion, err := c.StageCompletion(ctx, "agent-1", "apply")
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if completion.Complete {
		t.Fatalf("expected incomplete stage")
	}

	_, err = c.CompleteStage(ctx, "agent-1", "apply", true, true)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %v", err)
	}

	done, err := c.CompleteTask(ctx, entered.Tasks[0].ID)
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if !done.StageComplete || done.Task.CompletedBy == nil || *done.Task.CompletedBy != "sdk-user" {
		t.Fatalf("unexpected completion %+v", done)
	}

	res, err := c.CompleteStage(ctx, "agent-1", "apply", true, false)
	if err != nil {
		t.Fatalf("complete stage: %v", err)
	}
	if res.Next == nil || res.Next.Stage.ID != "welcome" || res.Next.TasksCreated != 0 {
		t.Fatalf("expected advance into welcome, got %+v", res.Next)
	}

	next, ok, err := c.NextStage(ctx, "agents", "apply")
	if err != nil || !ok || next != "welcome" {
		t.Fatalf("next stage: %q %v %v", next, ok, err)
	}
	if _, ok, err := c.NextStage(ctx, "agents", "welcome"); err != nil || ok {
		t.Fatalf("expected no stage after welcome: %v %v", ok, err)
	}

	tasks, err := c.Tasks(ctx, "agent-1", "apply")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 || !tasks[0].IsCompleted {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestClientNotFound(t *testing.T) {
	c := newClient(t)
	_, err := c.Onboarding(context.Background(), "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}
