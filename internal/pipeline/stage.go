package pipeline

import "strings"

// Stage identifies one step of the localization pipeline. Job status is
// expressed in the same enum: an active job's status is the stage in flight.
type Stage string

const (
	StagePending         Stage = "pending"
	StageDownloading     Stage = "downloading"
	StageTranscribing    Stage = "transcribing"
	StageTranslating     Stage = "translating"
	StageDubbing         Stage = "dubbing"
	StageLipSync         Stage = "lip_sync"
	StageAssembling      Stage = "assembling"
	StageUploading       Stage = "uploading"
	StageWaitingApproval Stage = "waiting_approval"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
	StageCancelled       Stage = "cancelled"
)

// DefaultStages is the automatic stage sequence run before waiting_approval.
// The effective sequence comes from configuration; this is the fallback.
var DefaultStages = []Stage{
	StageDownloading,
	StageTranscribing,
	StageTranslating,
	StageDubbing,
	StageLipSync,
	StageAssembling,
}

// Terminal reports whether s ends a run for good.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// SoftTerminal reports whether s halts automatic progression pending an
// external approval decision.
func (s Stage) SoftTerminal() bool {
	return s == StageWaitingApproval
}

// Label returns a human-readable name for the stage ("lip_sync" → "Lip Sync").
func (s Stage) Label() string {
	parts := strings.Split(string(s), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// ProgressFor maps completed automatic stages onto the 0–100 range. Each
// automatic stage owns an equal slice, so the mapping self-adjusts when the
// configured stage list changes.
func ProgressFor(completed, total int) int {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return completed * 100 / total
}

// ParseStages converts configured stage names into the typed sequence,
// falling back to DefaultStages when the list is empty.
func ParseStages(names []string) []Stage {
	if len(names) == 0 {
		return append([]Stage(nil), DefaultStages...)
	}
	stages := make([]Stage, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if n == "" {
			continue
		}
		stages = append(stages, Stage(n))
	}
	if len(stages) == 0 {
		return append([]Stage(nil), DefaultStages...)
	}
	return stages
}
