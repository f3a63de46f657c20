// Package provider wraps the external localization provider's task API:
// submit a stage request, poll the task until it settles, fetch the result.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dubflow/internal/config"
)

// Task statuses reported by the provider.
const (
	TaskStatusQueued     = "queued"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Client talks to the provider API.
type Client struct {
	cfg    config.ProviderConfig
	client *resty.Client
}

// NewClient creates a provider client with sane per-request timeouts. The
// overall per-stage bound lives in the live executor, not here.
func NewClient(cfg config.ProviderConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30*time.Second).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		cfg:    cfg,
		client: client,
	}
}

// SubmitRequest describes one stage's work for the provider.
type SubmitRequest struct {
	Stage           string         `json:"stage"`
	JobID           string         `json:"job_id"`
	SourceVideoID   string         `json:"source_video_id"`
	TargetLanguages []string       `json:"target_languages"`
	PriorOutputs    map[string]any `json:"prior_outputs,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TaskStatus is a poll result: the provider-side state plus an error detail
// when the task failed.
type TaskStatus struct {
	Status string
	Error  string
}

// Submit starts a provider task and returns its id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var out submitResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/tasks")
	if err != nil {
		return "", fmt.Errorf("submit %s task: %w", req.Stage, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if out.TaskID == "" {
		return "", &APIError{StatusCode: resp.StatusCode(), Body: "missing task_id in response"}
	}
	return out.TaskID, nil
}

// Status polls one task.
func (c *Client) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	var out statusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/tasks/" + taskID)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("poll task %s: %w", taskID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return TaskStatus{}, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return TaskStatus{Status: out.Status, Error: out.Error}, nil
}

// Result fetches the payload of a completed task.
func (c *Client) Result(ctx context.Context, taskID string) (map[string]any, error) {
	var out map[string]any
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/tasks/" + taskID + "/result")
	if err != nil {
		return nil, fmt.Errorf("fetch task %s result: %w", taskID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return out, nil
}

// APIError is a non-2xx provider response. It distinguishes a provider that
// answered with an error from a transport fault that never reached it.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error (%d): %s", e.StatusCode, e.Body)
}
