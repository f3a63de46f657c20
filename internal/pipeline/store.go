package pipeline

import (
	"context"
	"time"
)

// Update is a partial write of the pipeline-owned job fields. Nil pointers
// leave the corresponding field untouched, so concurrently-written unrelated
// fields are never clobbered.
type Update struct {
	Status           *Stage
	Progress         *int
	CurrentStageName *string
	// StageOutput merges one stage's payload into stage_outputs.
	StageOutput *StageOutput
	// ClearOutputs discards all accumulated stage outputs (restart).
	ClearOutputs bool
	ErrorMessage *string
	ClearError   bool
	CompletedAt  *time.Time
	// ClearCompletedAt resets the completion timestamp (restart).
	ClearCompletedAt bool
}

// StageOutput pairs a stage name with its result payload.
type StageOutput struct {
	Stage   Stage
	Payload Payload
}

// Store is the durable job record the runner reads and writes. Update must be
// atomic per job id; the store returns the post-update snapshot.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, upd Update) (*Job, error)
}

// Emitter receives progress events from the runner. Implementations must not
// block: a slow subscriber downstream must never stall pipeline progress.
type Emitter interface {
	Emit(event ProgressEvent)
}

// ProgressEvent is an immutable snapshot emitted once per stage transition.
// For a single job, events are strictly ordered by stage sequence and only
// published after the matching state has been persisted.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	Status    Stage     `json:"status"`
	Progress  int       `json:"progress"`
	StageName string    `json:"stage_name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload,omitempty"`
}

// Terminal reports whether this event closes the job's event stream.
func (e ProgressEvent) Terminal() bool {
	return e.Status.Terminal()
}

func ptr[T any](v T) *T { return &v }
