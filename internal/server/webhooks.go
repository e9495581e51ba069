package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/store"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	clients  []*http.Client
	log      *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher forwards audit entries to the configured webhooks
// until ctx is cancelled. Each hook starts at the newest entry at the time of
// its first poll.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, log *slog.Logger) {
	d := newWebhookDispatcher(e, log)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, log *slog.Logger) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	clients := make([]*http.Client, len(e.Config.Webhooks))
	for i, hook := range e.Config.Webhooks {
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		clients[i] = &http.Client{Timeout: timeout}
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		clients:  clients,
		log:      log.With("component", "webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	entries, err := d.engine.ListAudit(ctx, store.AuditFilter{AfterID: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		d.log.Warn("fetch audit entries failed", "error", err)
		return
	}
	for _, entry := range entries {
		if !hook.Wants(entry.Action) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.post(ctx, d.clients[idx], hook, entry); err != nil {
			// retried from the same entry on the next tick
			d.log.Warn("delivery failed", "url", hook.URL, "audit_id", entry.ID, "error", err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.engine.LatestAuditID(ctx)
	if err != nil {
		d.log.Warn("init cursor failed", "error", err)
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID       int64           `json:"id"`
	Action   string          `json:"action"`
	AgentID  string          `json:"agent_id"`
	Field    string          `json:"field,omitempty"`
	OldValue json.RawMessage `json:"old_value,omitempty"`
	NewValue json.RawMessage `json:"new_value,omitempty"`
	ActorID  string          `json:"actor_id"`
	TS       string          `json:"ts"`
}

func rawValue(v *string) json.RawMessage {
	if v == nil {
		return nil
	}
	if json.Valid([]byte(*v)) {
		return json.RawMessage(*v)
	}
	quoted, _ := json.Marshal(*v)
	return quoted
}

func (d *webhookDispatcher) post(ctx context.Context, client *http.Client, hook config.WebhookConfig, entry domain.AuditLog) error {
	data, err := json.Marshal(webhookEvent{
		ID:       entry.ID,
		Action:   entry.Action,
		AgentID:  entry.AgentID,
		Field:    entry.Field,
		OldValue: rawValue(entry.OldValue),
		NewValue: rawValue(entry.NewValue),
		ActorID:  entry.ActorID,
		TS:       entry.CreatedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crmflow-Action", entry.Action)
	req.Header.Set("X-Crmflow-Delivery", strconv.FormatInt(entry.ID, 10))
	req.Header.Set("X-Crmflow-Agent", entry.AgentID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Crmflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
