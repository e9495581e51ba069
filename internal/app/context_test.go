package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"crmflow/internal/config"
)

func TestOpenSQLiteWithDefaults(t *testing.T) {
	ws := t.TempDir()
	rt, err := Open(context.Background(), Options{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Config.Scope() != config.ScopeAll {
		t.Fatalf("expected default scope, got %q", rt.Config.Scope())
	}
	if _, err := os.Stat(filepath.Join(ws, ".crmflow")); err != nil {
		t.Fatalf("expected workspace dir: %v", err)
	}
	pipelines, err := rt.Engine.ListPipelines(context.Background())
	if err != nil {
		t.Fatalf("list pipelines: %v", err)
	}
	if len(pipelines) != 0 {
		t.Fatalf("expected empty store, got %d pipelines", len(pipelines))
	}
}

func TestOpenReadsPolicyFile(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte("onboarding:\n  completion_scope: required\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	rt, err := Open(context.Background(), Options{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Config.Scope() != config.ScopeRequired {
		t.Fatalf("expected required scope, got %q", rt.Config.Scope())
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := OpenStore(context.Background(), Options{Workspace: t.TempDir(), Driver: "mongo"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
