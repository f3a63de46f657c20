// Package store provides the durable job record behind the pipeline: a
// SQLite-backed implementation for the service and an in-memory one for
// tests and ephemeral deployments. Both satisfy pipeline.Store and add
// listing for the HTTP layer.
package store

import (
	"errors"

	"github.com/dubflow/internal/pipeline"
)

// ErrDuplicate is returned by Create when the job id already exists.
var ErrDuplicate = errors.New("job id already exists")

// applyUpdate folds a partial update into a job snapshot. Shared by both
// implementations so merge semantics cannot drift.
func applyUpdate(job *pipeline.Job, upd pipeline.Update) {
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.CurrentStageName != nil {
		job.CurrentStageName = *upd.CurrentStageName
	}
	if upd.ClearOutputs {
		job.StageOutputs = make(pipeline.Outputs)
	}
	if upd.StageOutput != nil {
		if job.StageOutputs == nil {
			job.StageOutputs = make(pipeline.Outputs)
		}
		job.StageOutputs[string(upd.StageOutput.Stage)] = upd.StageOutput.Payload
	}
	if upd.ClearError {
		job.ErrorMessage = ""
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ClearCompletedAt {
		job.CompletedAt = nil
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		job.CompletedAt = &t
	}
}
