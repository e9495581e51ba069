package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Scope() != ScopeAll {
		t.Fatalf("expected scope all, got %s", cfg.Scope())
	}
	if !cfg.Dedupe() {
		t.Fatalf("expected dedupe on by default")
	}
	if cfg.TxTimeout() != 10*time.Second {
		t.Fatalf("unexpected tx timeout %s", cfg.TxTimeout())
	}
	if !cfg.RequireFinancialSetup() {
		t.Fatalf("expected financial setup required")
	}
}

func TestFromYAMLValidates(t *testing.T) {
	cfg, err := FromYAML([]byte("onboarding:\n  completion_scope: required\n  dedupe_tasks: false\nstore:\n  tx_timeout: 2s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scope() != ScopeRequired || cfg.Dedupe() || cfg.TxTimeout() != 2*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := FromYAML([]byte("onboarding:\n  completion_scope: some\n")); err == nil {
		t.Fatalf("expected invalid scope error")
	}
	if _, err := FromYAML([]byte("webhooks:\n  - actions: [stage.entered]\n")); err == nil {
		t.Fatalf("expected missing webhook url error")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil || cfg.Scope() != ScopeAll {
		t.Fatalf("expected default config, got %+v err=%v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "crmflow.yml"), []byte("onboarding:\n  completion_scope: required\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg.Scope() != ScopeRequired {
		t.Fatalf("expected file config, got %+v err=%v", cfg, err)
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestWebhookFilters(t *testing.T) {
	off := false
	wh := WebhookConfig{URL: "http://x", Actions: []string{"stage.entered"}}
	if !wh.IsEnabled() || !wh.Wants("stage.entered") || wh.Wants("task.completed") {
		t.Fatalf("unexpected filter result")
	}
	wh.Enabled = &off
	if wh.IsEnabled() {
		t.Fatalf("expected disabled")
	}
	if !(WebhookConfig{URL: "http://x"}).Wants("anything") {
		t.Fatalf("empty actions should match all")
	}
}

const samplePipeline = `pipeline:
  id: default
  name: Agent onboarding
templates:
  - id: tpl-license
    name: Upload license
    category: compliance
  - id: tpl-old
    name: Fax form
    active: false
task_sets:
  - id: ts-intake
    name: Intake
    templates: [tpl-license, tpl-old]
stages:
  - id: application
    name: Application
    order: 1
    task_sets:
      - id: ts-intake
        due_days: 5
  - id: licensing
    name: Licensing
    order: 2
`

func TestPipelineFromYAML(t *testing.T) {
	p, err := PipelineFromYAML([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("parse pipeline: %v", err)
	}
	if len(p.Stages) != 2 || len(p.Templates) != 2 {
		t.Fatalf("unexpected pipeline %+v", p)
	}
	if p.Templates[1].IsActive() {
		t.Fatalf("expected inactive template")
	}
	ref := p.Stages[0].TaskSets[0]
	if !ref.IsRequired() || ref.DueDays == nil || *ref.DueDays != 5 {
		t.Fatalf("unexpected stage task set %+v", ref)
	}
}

func TestPipelineValidation(t *testing.T) {
	cases := map[string]string{
		"duplicate order":   strings.Replace(samplePipeline, "order: 2", "order: 1", 1),
		"unknown task set":  strings.Replace(samplePipeline, "      - id: ts-intake\n", "      - id: ts-missing\n", 1),
		"unknown template":  strings.Replace(samplePipeline, "[tpl-license, tpl-old]", "[tpl-license, tpl-nope]", 1),
		"missing pipeline":  strings.Replace(samplePipeline, "  id: default\n", "", 1),
		"negative due days": strings.Replace(samplePipeline, "due_days: 5", "due_days: -1", 1),
	}
	for name, doc := range cases {
		if _, err := PipelineFromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
