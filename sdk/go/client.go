// Package crmflowsdk is a minimal client for the crmflow onboarding API.
package crmflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal crmflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

type Stage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
	Order      int    `json:"order"`
}

type Task struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agent_id"`
	TemplateID  string  `json:"template_id"`
	StageID     string  `json:"stage_id"`
	TaskSetID   string  `json:"task_set_id"`
	Title       string  `json:"title"`
	DueDate     *string `json:"due_date,omitempty"`
	IsCompleted bool    `json:"is_completed"`
	CompletedBy *string `json:"completed_by,omitempty"`
}

// Onboarding is the API onboarding model (partial).
type Onboarding struct {
	AgentID          string  `json:"agent_id"`
	PipelineID       string  `json:"pipeline_id"`
	CurrentStageID   *string `json:"current_stage_id,omitempty"`
	Status           string  `json:"status"`
	StageEnteredAt   *string `json:"stage_entered_at,omitempty"`
	StageCompletedAt *string `json:"stage_completed_at,omitempty"`
	Version          int64   `json:"version"`
}

type EnterStageResult struct {
	Stage        Stage  `json:"stage"`
	TasksCreated int    `json:"tasks_created"`
	Tasks        []Task `json:"tasks"`
}

type StageCompletion struct {
	AgentID   string `json:"agent_id"`
	StageID   string `json:"stage_id"`
	Complete  bool   `json:"complete"`
	Scope     string `json:"scope"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
}

type CompleteStageResult struct {
	Onboarding Onboarding        `json:"onboarding"`
	Next       *EnterStageResult `json:"next,omitempty"`
}

type TaskCompletion struct {
	Task          Task `json:"task"`
	StageComplete bool `json:"stage_complete"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Invite creates the onboarding record of agentID on pipelineID.
func (c *Client) Invite(ctx context.Context, agentID, pipelineID string) (Onboarding, error) {
	var resp Onboarding
	err := c.do(ctx, http.MethodPost, c.agentPath(agentID, "onboarding"), map[string]any{"pipeline_id": pipelineID}, &resp)
	return resp, err
}

// Onboarding fetches an agent's onboarding record.
func (c *Client) Onboarding(ctx context.Context, agentID string) (Onboarding, error) {
	var resp Onboarding
	err := c.do(ctx, http.MethodGet, c.agentPath(agentID, "onboarding"), nil, &resp)
	return resp, err
}

// EnterStage moves the agent into stageID and drafts its tasks.
func (c *Client) EnterStage(ctx context.Context, agentID, stageID string) (EnterStageResult, error) {
	var resp EnterStageResult
	err := c.do(ctx, http.MethodPost, c.agentPath(agentID, "onboarding/stage"), map[string]any{"stage_id": stageID}, &resp)
	return resp, err
}

// StageCompletion reports whether the agent's tasks for stageID are done.
func (c *Client) StageCompletion(ctx context.Context, agentID, stageID string) (StageCompletion, error) {
	var resp StageCompletion
	endpoint := c.agentPath(agentID, fmt.Sprintf("onboarding/stages/%s/completion", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteStage marks stageID complete; advance enters the next stage too.
// requireComplete makes the server refuse while tasks are open.
func (c *Client) CompleteStage(ctx context.Context, agentID, stageID string, advance, requireComplete bool) (CompleteStageResult, error) {
	var resp CompleteStageResult
	endpoint := c.agentPath(agentID, fmt.Sprintf("onboarding/stages/%s/complete", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"advance": advance, "require_complete": requireComplete}, &resp)
	return resp, err
}

// NextStage returns the stage after stageID; ok is false at the end of the pipeline.
func (c *Client) NextStage(ctx context.Context, pipelineID, stageID string) (next string, ok bool, err error) {
	var resp struct {
		NextStageID *string `json:"next_stage_id"`
	}
	endpoint := fmt.Sprintf("pipelines/%s/stages/%s/next", url.PathEscape(pipelineID), url.PathEscape(stageID))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", false, err
	}
	if resp.NextStageID == nil {
		return "", false, nil
	}
	return *resp.NextStageID, true, nil
}

// Tasks lists the agent's tasks, optionally for one stage.
func (c *Client) Tasks(ctx context.Context, agentID, stageID string) ([]Task, error) {
	endpoint := c.agentPath(agentID, "tasks")
	if stageID != "" {
		endpoint += "?stage_id=" + url.QueryEscape(stageID)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteTask completes a task.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (TaskCompletion, error) {
	var resp TaskCompletion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) agentPath(agentID, p string) string {
	return fmt.Sprintf("agents/%s/%s", url.PathEscape(agentID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
