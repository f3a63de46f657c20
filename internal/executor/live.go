package executor

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/dubflow/internal/client/provider"
	"github.com/dubflow/internal/config"
	"github.com/dubflow/internal/pipeline"
	"github.com/dubflow/pkg/logger"
)

// Live delegates each stage to the media provider's async task API:
// submit the stage as a task, poll until it reaches a terminal status,
// then fetch the result payload.
type Live struct {
	client       *provider.Client
	pollInterval time.Duration
	stageTimeout time.Duration
	limiter      *rate.Limiter
}

// NewLive builds the live strategy around a provider client. Status
// polls are paced by the configured rate limit so a burst of concurrent
// jobs cannot hammer the provider.
func NewLive(client *provider.Client, cfg config.ProviderConfig) *Live {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), 1)
	}
	return &Live{
		client:       client,
		pollInterval: cfg.PollInterval(),
		stageTimeout: cfg.StageTimeout(),
		limiter:      limiter,
	}
}

// Execute implements pipeline.Executor.
func (l *Live) Execute(ctx context.Context, stage pipeline.Stage, job *pipeline.Job, prior pipeline.Outputs) (pipeline.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, l.stageTimeout)
	defer cancel()

	priorOutputs := make(map[string]any, len(prior))
	for stageName, payload := range prior {
		priorOutputs[stageName] = payload
	}
	taskID, err := l.client.Submit(ctx, provider.SubmitRequest{
		Stage:           string(stage),
		JobID:           job.ID,
		SourceVideoID:   job.SourceVideoID,
		TargetLanguages: job.TargetLanguages,
		PriorOutputs:    priorOutputs,
	})
	if err != nil {
		return nil, l.classify(stage, err)
	}
	logger.Debugf("📡 Submitted %s task %s for job %s", stage, taskID, job.ID)

	if err := l.awaitTask(ctx, stage, taskID); err != nil {
		return nil, err
	}

	result, err := l.client.Result(ctx, taskID)
	if err != nil {
		return nil, l.classify(stage, err)
	}
	return pipeline.Payload(result), nil
}

// awaitTask polls the task until the provider reports it finished.
func (l *Live) awaitTask(ctx context.Context, stage pipeline.Stage, taskID string) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.classify(stage, ctx.Err())
		case <-ticker.C:
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return l.classify(stage, err)
		}

		status, err := l.client.Status(ctx, taskID)
		if err != nil {
			return l.classify(stage, err)
		}
		switch status.Status {
		case provider.TaskStatusCompleted:
			return nil
		case provider.TaskStatusFailed:
			msg := status.Error
			if msg == "" {
				msg = "task failed without detail"
			}
			return pipeline.Failf(pipeline.FailureProvider, "stage %s task %s: %s", stage, taskID, msg)
		case provider.TaskStatusQueued, provider.TaskStatusProcessing:
			// keep polling
		default:
			return pipeline.Failf(pipeline.FailureProvider, "stage %s task %s: unknown status %q", stage, taskID, status.Status)
		}
	}
}

// classify maps transport-layer failures onto pipeline failure kinds.
func (l *Live) classify(stage pipeline.Stage, err error) *pipeline.StageError {
	var apiErr *provider.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == 404 {
			return pipeline.Failf(pipeline.FailureNotFound, "stage %s: %v", stage, err)
		}
		return pipeline.Failf(pipeline.FailureProvider, "stage %s: %v", stage, err)
	case errors.Is(err, context.DeadlineExceeded):
		return pipeline.Failf(pipeline.FailureTimeout, "stage %s timed out after %s", stage, l.stageTimeout)
	default:
		return pipeline.Failf(pipeline.FailureTransport, "stage %s: %v", stage, err)
	}
}
