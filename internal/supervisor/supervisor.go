package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dubflow/internal/events"
	"github.com/dubflow/internal/pipeline"
	"github.com/dubflow/pkg/logger"
)

// ErrCapacity means the active-runner limit is reached and no new job can
// start until one finishes.
var ErrCapacity = errors.New("max active jobs reached")

// Store is the persistence surface the supervisor needs: the runner's
// contract plus listing for the stats endpoint.
type Store interface {
	pipeline.Store
	List(ctx context.Context) ([]*pipeline.Job, error)
}

// Notifier pushes human-facing notifications on terminal transitions.
type Notifier interface {
	NotifySuccess(title, body string) error
	NotifyError(title, body string) error
}

// Supervisor owns the runner registry: at most one live runner per job id,
// bounded by maxActive. All lifecycle operations go through it.
type Supervisor struct {
	store           Store
	execs           map[pipeline.Strategy]pipeline.Executor
	defaultStrategy pipeline.Strategy
	emitter         *events.Emitter
	bus             *events.Bus
	stages          []pipeline.Stage
	maxActive       int
	notifier        Notifier

	mu       sync.Mutex
	runners  map[string]*pipeline.Runner
	starting map[string]struct{} // ids reserved between the lifecycle check and Start
}

// New builds a supervisor with exec registered as the simulated strategy.
// notifier may be nil.
func New(store Store, exec pipeline.Executor, bus *events.Bus, stages []pipeline.Stage, maxActive int, notifier Notifier) *Supervisor {
	if len(stages) == 0 {
		stages = pipeline.DefaultStages
	}
	if maxActive <= 0 {
		maxActive = 16
	}
	return &Supervisor{
		store:           store,
		execs:           map[pipeline.Strategy]pipeline.Executor{pipeline.StrategySimulated: exec},
		defaultStrategy: pipeline.StrategySimulated,
		emitter:         events.NewEmitter(bus),
		bus:             bus,
		stages:          stages,
		maxActive:       maxActive,
		notifier:        notifier,
		runners:         make(map[string]*pipeline.Runner),
		starting:        make(map[string]struct{}),
	}
}

// RegisterExecutor makes an additional strategy available for new jobs.
func (s *Supervisor) RegisterExecutor(strategy pipeline.Strategy, exec pipeline.Executor) {
	s.mu.Lock()
	s.execs[strategy] = exec
	s.mu.Unlock()
}

// SetDefaultStrategy picks the strategy used when a job request names none.
func (s *Supervisor) SetDefaultStrategy(strategy pipeline.Strategy) {
	s.mu.Lock()
	s.defaultStrategy = strategy
	s.mu.Unlock()
}

// executorFor resolves a job's pinned strategy to a registered executor.
func (s *Supervisor) executorFor(strategy pipeline.Strategy) (pipeline.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strategy == "" {
		strategy = s.defaultStrategy
	}
	exec, ok := s.execs[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: executor strategy %q is not available", pipeline.ErrInvalidState, strategy)
	}
	return exec, nil
}

// CreateJob persists a new pending job and starts its runner. strategyName
// pins the executor strategy for the job's lifetime; empty means the default.
func (s *Supervisor) CreateJob(ctx context.Context, sourceVideoID string, targetLanguages []string, strategyName string) (*pipeline.Job, error) {
	if sourceVideoID == "" {
		return nil, fmt.Errorf("%w: source video id is required", pipeline.ErrInvalidState)
	}
	if len(targetLanguages) == 0 {
		return nil, fmt.Errorf("%w: at least one target language is required", pipeline.ErrInvalidState)
	}
	strategy, ok := pipeline.ParseStrategy(strategyName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown executor strategy %q", pipeline.ErrInvalidState, strategyName)
	}
	if strategyName == "" {
		s.mu.Lock()
		strategy = s.defaultStrategy
		s.mu.Unlock()
	}
	if _, err := s.executorFor(strategy); err != nil {
		return nil, err
	}

	id := uuid.New().String()[:8]
	job := pipeline.NewJob(id, sourceVideoID, targetLanguages)
	job.ExecutorStrategy = strategy
	if err := s.reserve(id); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, job); err != nil {
		s.release(id)
		return nil, fmt.Errorf("persist job: %w", err)
	}
	logger.Infof("🎬 Created job %s: %s -> %v (%s)", id, sourceVideoID, targetLanguages, strategy)

	runner, err := s.launch(ctx, job, false)
	if err != nil {
		return nil, err
	}
	return runner.Job(), nil
}

// RestartJob resets a finished (or approval-parked) job back to pending and
// runs the full pipeline again. Jobs with an active runner cannot restart.
// The id is reserved before the reset so a losing concurrent restart never
// touches the job record.
func (s *Supervisor) RestartJob(ctx context.Context, id string) (*pipeline.Job, error) {
	if err := s.reserve(id); err != nil {
		return nil, err
	}

	job, err := s.store.Get(ctx, id)
	if err != nil {
		s.release(id)
		return nil, err
	}
	if !job.Status.Terminal() && !job.Status.SoftTerminal() {
		s.release(id)
		return nil, fmt.Errorf("%w: job %s is %s, restart needs a finished job", pipeline.ErrInvalidState, id, job.Status)
	}

	pending := pipeline.StagePending
	job, err = s.store.Update(ctx, id, pipeline.Update{
		Status:           &pending,
		Progress:         ptrInt(0),
		CurrentStageName: ptrString(""),
		ClearOutputs:     true,
		ClearError:       true,
		ClearCompletedAt: true,
	})
	if err != nil {
		s.release(id)
		return nil, fmt.Errorf("reset job %s: %w", id, err)
	}
	// Drop the retained terminal event so late subscribers of the new run
	// don't replay the previous run's ending.
	s.bus.Forget(id)
	logger.Infof("🔄 Restarting job %s from scratch", id)

	runner, err := s.launch(ctx, job, false)
	if err != nil {
		return nil, err
	}
	return runner.Job(), nil
}

// ApproveAndPublish moves a waiting_approval job into the publish phase.
func (s *Supervisor) ApproveAndPublish(ctx context.Context, id string) (*pipeline.Job, error) {
	if err := s.reserve(id); err != nil {
		return nil, err
	}

	job, err := s.store.Get(ctx, id)
	if err != nil {
		s.release(id)
		return nil, err
	}
	if !job.Status.SoftTerminal() {
		s.release(id)
		return nil, fmt.Errorf("%w: job %s is %s, want %s", pipeline.ErrInvalidState, id, job.Status, pipeline.StageWaitingApproval)
	}

	runner, err := s.launch(ctx, job, true)
	if err != nil {
		return nil, err
	}
	logger.Infof("🚀 Approved job %s, publishing", id)
	return runner.Job(), nil
}

// CancelJob requests cancellation of an active (or paused) runner.
func (s *Supervisor) CancelJob(ctx context.Context, id string) error {
	runner, err := s.runner(id)
	if err != nil {
		return err
	}
	runner.Cancel(ctx)
	return nil
}

// PauseJob asks the runner to stop at the next stage boundary.
func (s *Supervisor) PauseJob(id string) error {
	runner, err := s.runner(id)
	if err != nil {
		return err
	}
	runner.Pause()
	return nil
}

// ResumeJob continues a paused runner from the stage it stopped before.
func (s *Supervisor) ResumeJob(ctx context.Context, id string) error {
	runner, err := s.runner(id)
	if err != nil {
		return err
	}
	return runner.Resume(ctx)
}

// Job returns the freshest view of a job: the runner's in-memory snapshot
// when one is registered, the store's row otherwise.
func (s *Supervisor) Job(ctx context.Context, id string) (*pipeline.Job, error) {
	s.mu.Lock()
	runner, ok := s.runners[id]
	s.mu.Unlock()
	if ok {
		return runner.Job(), nil
	}
	return s.store.Get(ctx, id)
}

// Jobs lists all known jobs, newest first.
func (s *Supervisor) Jobs(ctx context.Context) ([]*pipeline.Job, error) {
	return s.store.List(ctx)
}

// Stats aggregates job counts by status.
func (s *Supervisor) Stats(ctx context.Context) (map[string]int, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := map[string]int{"total": len(jobs)}
	for _, job := range jobs {
		stats[string(job.Status)]++
	}
	s.mu.Lock()
	stats["active"] = len(s.runners)
	s.mu.Unlock()
	return stats, nil
}

// ActiveCount reports how many runners are registered (running or paused).
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// Shutdown pauses every active runner and waits for the loops to reach a
// stage boundary, bounded by ctx. Paused jobs stay resumable via restart.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	runners := make([]*pipeline.Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	for _, r := range runners {
		r.Pause()
	}
	// Idle fires on pause as well as on terminal exits, so parked runners
	// don't stall the wait.
	for _, r := range runners {
		select {
		case <-r.Idle():
		case <-ctx.Done():
			logger.Warn("🕒 Shutdown deadline reached with runners still mid-stage")
			return
		}
	}
	logger.Info("🏁 All runners stopped")
}

// reserve claims a job id ahead of any store mutation or Start. Concurrent
// lifecycle calls for the same id lose here, before they can touch the
// record, and the claim counts against maxActive.
func (s *Supervisor) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runners[id]; ok {
		return fmt.Errorf("%w: job %s", pipeline.ErrAlreadyRunning, id)
	}
	if _, ok := s.starting[id]; ok {
		return fmt.Errorf("%w: job %s", pipeline.ErrAlreadyRunning, id)
	}
	if len(s.runners)+len(s.starting) >= s.maxActive {
		return fmt.Errorf("%w (%d)", ErrCapacity, s.maxActive)
	}
	s.starting[id] = struct{}{}
	return nil
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	delete(s.starting, id)
	s.mu.Unlock()
}

// launch turns the caller's reservation for job.ID into a registered runner
// and starts it. The reservation is freed on every path: promoted to a
// registration on success, dropped again on failure.
func (s *Supervisor) launch(ctx context.Context, job *pipeline.Job, publish bool) (*pipeline.Runner, error) {
	exec, err := s.executorFor(job.ExecutorStrategy)
	if err != nil {
		s.release(job.ID)
		return nil, err
	}
	runner := pipeline.NewRunner(job, s.store, exec, s.emitter, s.stages, s.onExit)

	s.mu.Lock()
	delete(s.starting, job.ID)
	s.runners[job.ID] = runner
	s.mu.Unlock()

	if publish {
		err = runner.StartPublish(ctx)
	} else {
		err = runner.Start(ctx)
	}
	if err != nil {
		s.deregister(job.ID)
		return nil, err
	}
	return runner, nil
}

func (s *Supervisor) runner(id string) (*pipeline.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runner, ok := s.runners[id]
	if !ok {
		return nil, fmt.Errorf("%w: no active runner for job %s", pipeline.ErrNotFound, id)
	}
	return runner, nil
}

func (s *Supervisor) deregister(id string) {
	s.mu.Lock()
	delete(s.runners, id)
	s.mu.Unlock()
}

// onExit runs each time a loop goroutine stops. Paused runners stay
// registered so pause/resume keeps working; everything else deregisters.
func (s *Supervisor) onExit(job *pipeline.Job, reason pipeline.ExitReason) {
	if reason == pipeline.ExitPaused {
		return
	}
	s.deregister(job.ID)
	s.notify(job)
}

func (s *Supervisor) notify(job *pipeline.Job) {
	if s.notifier == nil {
		return
	}
	switch job.Status {
	case pipeline.StageCompleted:
		title := fmt.Sprintf("Job %s published", job.ID)
		body := fmt.Sprintf("%s localized into %v", job.SourceVideoID, job.TargetLanguages)
		if err := s.notifier.NotifySuccess(title, body); err != nil {
			logger.Errorf("❌ Notify failed for job %s: %v", job.ID, err)
		}
	case pipeline.StageFailed:
		title := fmt.Sprintf("Job %s failed", job.ID)
		if err := s.notifier.NotifyError(title, job.ErrorMessage); err != nil {
			logger.Errorf("❌ Notify failed for job %s: %v", job.ID, err)
		}
	}
}

func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }
