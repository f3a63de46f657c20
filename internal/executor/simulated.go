package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/dubflow/internal/config"
	"github.com/dubflow/internal/pipeline"
	"github.com/dubflow/pkg/logger"
)

// Simulated performs each stage as a fixed-duration sleep followed by a
// deterministic library lookup. It mirrors the live executor's contract
// exactly; the runner cannot tell them apart.
type Simulated struct {
	durations       map[pipeline.Stage]time.Duration
	defaultDuration time.Duration
	lib             *Library
}

// NewSimulated builds the simulated strategy from configured per-stage
// durations and the asset library.
func NewSimulated(cfg config.SimulatedConfig, lib *Library) *Simulated {
	durations := make(map[pipeline.Stage]time.Duration, len(cfg.DurationsMs))
	for stage, d := range cfg.Durations() {
		durations[pipeline.Stage(stage)] = d
	}
	if lib == nil {
		lib = DefaultLibrary()
	}
	return &Simulated{
		durations:       durations,
		defaultDuration: time.Duration(cfg.DefaultDurationMs) * time.Millisecond,
		lib:             lib,
	}
}

// Execute implements pipeline.Executor.
func (s *Simulated) Execute(ctx context.Context, stage pipeline.Stage, job *pipeline.Job, prior pipeline.Outputs) (pipeline.Payload, error) {
	if err := s.sleep(ctx, stage); err != nil {
		return nil, err
	}

	entry, ok := s.lib.Entry(job.SourceVideoID)
	if !ok {
		return nil, pipeline.Failf(pipeline.FailureNotFound, "source video %s not in library", job.SourceVideoID)
	}

	switch stage {
	case pipeline.StageDownloading:
		return pipeline.Payload{
			"title":     entry.Title,
			"video_ref": fmt.Sprintf("https://storage.dubflow.local/demo/%s/source.mp4", entry.VideoID),
			"audio_ref": fmt.Sprintf("https://storage.dubflow.local/demo/%s/source.wav", entry.VideoID),
		}, nil

	case pipeline.StageTranscribing:
		return pipeline.Payload{
			"transcript":      entry.Transcript,
			"source_language": "en",
		}, nil

	case pipeline.StageTranslating:
		translations, err := s.perLanguage(entry, job.TargetLanguages, func(a Asset) string { return a.Translation })
		if err != nil {
			return nil, err
		}
		return pipeline.Payload{"translations": translations}, nil

	case pipeline.StageDubbing:
		audio, err := s.perLanguage(entry, job.TargetLanguages, func(a Asset) string { return a.AudioURL })
		if err != nil {
			return nil, err
		}
		return pipeline.Payload{"audio": audio}, nil

	case pipeline.StageLipSync:
		videos, err := s.perLanguage(entry, job.TargetLanguages, func(a Asset) string { return a.VideoURL })
		if err != nil {
			return nil, err
		}
		return pipeline.Payload{"videos": videos}, nil

	case pipeline.StageAssembling:
		assets, err := s.perLanguage(entry, job.TargetLanguages, func(a Asset) string { return a.VideoURL })
		if err != nil {
			return nil, err
		}
		final := make(map[string]any, len(assets))
		for lang := range assets {
			final[lang] = fmt.Sprintf("https://storage.dubflow.local/demo/%s/%s/final.mp4", entry.VideoID, lang)
		}
		return pipeline.Payload{"assets": final}, nil

	case pipeline.StageUploading:
		published := make(map[string]any, len(job.TargetLanguages))
		for _, lang := range job.TargetLanguages {
			if _, ok := entry.Languages[lang]; !ok {
				return nil, s.missingLanguage(entry, lang)
			}
			published[lang] = fmt.Sprintf("VID-%s-%s", entry.VideoID, lang)
		}
		return pipeline.Payload{"published": published}, nil
	}

	// Configured stage the simulation has no special handling for: the
	// sleep already happened, report a generic completion marker.
	logger.Debugf("🧪 Simulated stage %s has no dedicated output", stage)
	return pipeline.Payload{"stage": string(stage), "simulated": true}, nil
}

func (s *Simulated) perLanguage(entry Entry, langs []string, pick func(Asset) string) (map[string]any, error) {
	out := make(map[string]any, len(langs))
	for _, lang := range langs {
		asset, ok := entry.Languages[lang]
		if !ok {
			return nil, s.missingLanguage(entry, lang)
		}
		out[lang] = pick(asset)
	}
	return out, nil
}

func (s *Simulated) missingLanguage(entry Entry, lang string) *pipeline.StageError {
	return pipeline.Failf(pipeline.FailureNotFound, "no library entry for language %q of video %s", lang, entry.VideoID)
}

// sleep simulates the stage's work. The duration is stage-specific and
// independent of the real workload.
func (s *Simulated) sleep(ctx context.Context, stage pipeline.Stage) error {
	d, ok := s.durations[stage]
	if !ok {
		d = s.defaultDuration
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return pipeline.Failf(pipeline.FailureTimeout, "stage %s interrupted: %v", stage, ctx.Err())
	}
}
