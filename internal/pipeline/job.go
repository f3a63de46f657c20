package pipeline

import "time"

// Payload is one stage's result data (transcript text, per-language
// translations, audio/video references...). Values must be JSON-serializable.
type Payload map[string]any

// Outputs accumulates stage payloads keyed by stage name. Each key is written
// at most once per run; a restart discards the whole map.
type Outputs map[string]Payload

// Clone returns a deep-enough copy for handing across goroutines. Payload
// values are shared but treated as immutable once merged.
func (o Outputs) Clone() Outputs {
	if o == nil {
		return nil
	}
	c := make(Outputs, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Job is one unit of localization work: dub a source video into each of the
// target languages.
type Job struct {
	ID               string     `json:"id"`
	SourceVideoID    string     `json:"source_video_id"`
	TargetLanguages  []string   `json:"target_languages"`
	ExecutorStrategy Strategy   `json:"executor_strategy,omitempty"`
	Status           Stage      `json:"status"`
	Progress         int        `json:"progress"`
	CurrentStageName string     `json:"current_stage_name,omitempty"`
	StageOutputs     Outputs    `json:"stage_outputs"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a pending job for the given source video and languages.
func NewJob(id, sourceVideoID string, targetLanguages []string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:              id,
		SourceVideoID:   sourceVideoID,
		TargetLanguages: append([]string(nil), targetLanguages...),
		Status:          StagePending,
		StageOutputs:    make(Outputs),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a copy safe to mutate without affecting the receiver.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.TargetLanguages = append([]string(nil), j.TargetLanguages...)
	c.StageOutputs = j.StageOutputs.Clone()
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
