package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dubflow/pkg/logger"
)

// ExitReason tells the owner why a runner's loop stopped.
type ExitReason int

const (
	// ExitTerminal: the job reached completed, failed or cancelled.
	ExitTerminal ExitReason = iota
	// ExitSoftTerminal: the job reached waiting_approval and needs an
	// external approve signal before the publish phase.
	ExitSoftTerminal
	// ExitPaused: the loop stopped at a stage boundary; the runner stays
	// registered and can be resumed.
	ExitPaused
)

// ExitFunc is invoked exactly once each time the loop goroutine stops, with
// the job's post-exit snapshot.
type ExitFunc func(job *Job, reason ExitReason)

// Runner drives one job through the automatic stage sequence. It is the sole
// mutator of the job's status/progress/stageOutputs while active: every
// transition is persisted to the store before the matching event is emitted.
type Runner struct {
	store  Store
	exec   Executor
	emit   Emitter
	stages []Stage
	onExit ExitFunc

	id string

	mu        sync.Mutex
	job       *Job
	next      int // index of the next automatic stage
	active    bool
	paused    bool
	cancelReq bool
	pauseReq  bool

	done chan struct{}
	idle chan struct{} // closed on each loop exit; replaced on each (re)start
}

// NewRunner builds a runner owning the given job snapshot. stages is the
// automatic sequence (before waiting_approval); onExit may be nil.
func NewRunner(job *Job, store Store, exec Executor, emit Emitter, stages []Stage, onExit ExitFunc) *Runner {
	if len(stages) == 0 {
		stages = DefaultStages
	}
	idle := make(chan struct{})
	close(idle) // no loop goroutine yet
	return &Runner{
		store:  store,
		exec:   exec,
		emit:   emit,
		stages: append([]Stage(nil), stages...),
		onExit: onExit,
		id:     job.ID,
		job:    job.Clone(),
		done:   make(chan struct{}),
		idle:   idle,
	}
}

// Job returns a snapshot of the runner's view of the job.
func (r *Runner) Job() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

// Paused reports whether the loop is stopped at a stage boundary.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Done is closed once the runner reaches a terminal or soft-terminal state.
// It stays open across pause/resume.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Idle returns a channel closed when no loop goroutine is running — after a
// terminal exit, a soft-terminal exit, or a pause. Every (re)start replaces
// it, so grab the channel after issuing the pause or cancel being waited on.
func (r *Runner) Idle() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle
}

// Start validates the job is pending and launches the stage loop in the
// background. The caller gets control back immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if r.job.Status != StagePending {
		r.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s, want %s", ErrInvalidState, r.job.ID, r.job.Status, StagePending)
	}
	r.active = true
	r.next = 0
	r.idle = make(chan struct{})
	langs := append([]string(nil), r.job.TargetLanguages...)
	r.mu.Unlock()

	logger.Infof("🎬 Job %s: starting pipeline (%d stages, languages: %v)", r.id, len(r.stages), langs)
	go r.loop(ctx)
	return nil
}

// StartPublish validates the job is waiting for approval and launches the
// final uploading → completed phase in the background.
func (r *Runner) StartPublish(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if r.job.Status != StageWaitingApproval {
		r.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s, want %s", ErrInvalidState, r.job.ID, r.job.Status, StageWaitingApproval)
	}
	r.active = true
	r.idle = make(chan struct{})
	r.mu.Unlock()

	logger.Infof("🚀 Job %s: approved, publishing", r.id)
	go r.publishLoop(ctx)
	return nil
}

// Cancel requests cooperative cancellation. The flag is observed at stage
// boundaries; an in-flight executor result arriving afterwards is discarded.
// A paused runner is woken so the request takes effect immediately.
func (r *Runner) Cancel(ctx context.Context) {
	r.mu.Lock()
	r.cancelReq = true
	if r.paused && !r.active {
		r.paused = false
		r.active = true
		r.idle = make(chan struct{})
		r.mu.Unlock()
		go r.loop(ctx)
		return
	}
	r.mu.Unlock()
}

// Pause requests the loop to stop at the next stage boundary, leaving status
// at the last completed stage. No-op when already paused.
func (r *Runner) Pause() {
	r.mu.Lock()
	if r.active {
		r.pauseReq = true
	}
	r.mu.Unlock()
}

// Resume re-enters the stage loop at the next stage after a pause.
func (r *Runner) Resume(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if !r.paused {
		r.mu.Unlock()
		return fmt.Errorf("%w: job %s is not paused", ErrInvalidState, r.id)
	}
	r.paused = false
	r.active = true
	r.idle = make(chan struct{})
	r.mu.Unlock()

	logger.Infof("▶️  Job %s: resumed", r.id)
	go r.loop(ctx)
	return nil
}

// loop walks the automatic stages from r.next. Cancellation and pause are
// checked only between stages, never mid-executor-call.
func (r *Runner) loop(ctx context.Context) {
	total := len(r.stages)

	for {
		r.mu.Lock()
		if r.cancelReq {
			r.mu.Unlock()
			r.finishCancelled(ctx)
			return
		}
		if r.pauseReq {
			r.pauseReq = false
			r.paused = true
			r.active = false
			job := r.job.Clone()
			idx := r.next
			idle := r.idle
			r.mu.Unlock()
			close(idle)
			logger.Infof("⏸️  Job %s: paused before stage %d/%d", job.ID, idx+1, total)
			r.callExit(job, ExitPaused)
			return
		}
		if r.next >= total {
			r.mu.Unlock()
			break
		}
		idx := r.next
		r.mu.Unlock()

		stage := r.stages[idx]
		if !r.runStage(ctx, stage, idx, total) {
			return
		}

		r.mu.Lock()
		r.next = idx + 1
		r.mu.Unlock()
	}

	r.finishWaitingApproval(ctx)
}

// runStage executes one stage end to end. It returns false when the run is
// over (failure or cancellation observed).
func (r *Runner) runStage(ctx context.Context, stage Stage, idx, total int) bool {
	entered := ProgressFor(idx, total)
	upd := Update{
		Status:           &stage,
		Progress:         &entered,
		CurrentStageName: ptr(stage.Label()),
	}
	if err := r.apply(ctx, upd, nil); err != nil {
		r.failPersistence(ctx, stage, err)
		return false
	}
	logger.Infof("🔄 Job %s: stage %d/%d %s", r.id, idx+1, total, stage)

	job, prior := r.snapshotForExec()
	payload, execErr := r.exec.Execute(ctx, stage, job, prior)

	// A result arriving after cancellation is discarded, whatever it was.
	r.mu.Lock()
	cancelled := r.cancelReq
	r.mu.Unlock()
	if cancelled {
		r.finishCancelled(ctx)
		return false
	}

	if execErr != nil {
		r.finishFailed(ctx, stage, AsStageError(execErr))
		return false
	}

	completed := ProgressFor(idx+1, total)
	upd = Update{
		Progress:    &completed,
		StageOutput: &StageOutput{Stage: stage, Payload: payload},
	}
	if err := r.apply(ctx, upd, payload); err != nil {
		r.failPersistence(ctx, stage, err)
		return false
	}
	logger.Infof("✅ Job %s: stage %s complete (%d%%)", r.id, stage, completed)
	return true
}

// publishLoop runs the post-approval uploading stage and completes the job.
func (r *Runner) publishLoop(ctx context.Context) {
	stage := StageUploading
	upd := Update{
		Status:           &stage,
		CurrentStageName: ptr(stage.Label()),
	}
	if err := r.apply(ctx, upd, nil); err != nil {
		r.failPersistence(ctx, stage, err)
		return
	}

	job, prior := r.snapshotForExec()
	payload, execErr := r.exec.Execute(ctx, stage, job, prior)

	r.mu.Lock()
	cancelled := r.cancelReq
	r.mu.Unlock()
	if cancelled {
		r.finishCancelled(ctx)
		return
	}
	if execErr != nil {
		r.finishFailed(ctx, stage, AsStageError(execErr))
		return
	}

	status := StageCompleted
	upd = Update{
		Status:           &status,
		CurrentStageName: ptr(status.Label()),
		StageOutput:      &StageOutput{Stage: stage, Payload: payload},
		CompletedAt:      ptr(time.Now().UTC()),
	}
	if err := r.apply(ctx, upd, payload); err != nil {
		r.failPersistence(ctx, status, err)
		return
	}
	logger.Infof("🏁 Job %s: completed", r.id)
	r.exitFinal(ExitTerminal)
}

func (r *Runner) finishWaitingApproval(ctx context.Context) {
	status := StageWaitingApproval
	upd := Update{
		Status:           &status,
		Progress:         ptr(100),
		CurrentStageName: ptr(status.Label()),
	}
	if err := r.apply(ctx, upd, nil); err != nil {
		r.failPersistence(ctx, status, err)
		return
	}
	logger.Infof("🕒 Job %s: waiting for approval", r.id)
	r.exitFinal(ExitSoftTerminal)
}

func (r *Runner) finishCancelled(ctx context.Context) {
	status := StageCancelled
	upd := Update{
		Status:           &status,
		CurrentStageName: ptr(status.Label()),
		CompletedAt:      ptr(time.Now().UTC()),
	}
	if err := r.apply(ctx, upd, nil); err != nil {
		logger.Errorf("❌ Job %s: persisting cancellation failed: %v", r.id, err)
	}
	logger.Infof("🛑 Job %s: cancelled", r.id)
	r.exitFinal(ExitTerminal)
}

func (r *Runner) finishFailed(ctx context.Context, stage Stage, se *StageError) {
	status := StageFailed
	upd := Update{
		Status:           &status,
		CurrentStageName: ptr(status.Label()),
		ErrorMessage:     ptr(fmt.Sprintf("stage %s: %s", stage, se.Error())),
		CompletedAt:      ptr(time.Now().UTC()),
	}
	if err := r.apply(ctx, upd, nil); err != nil {
		logger.Errorf("❌ Job %s: persisting failure failed: %v", r.id, err)
	}
	logger.Errorf("❌ Job %s: stage %s failed: %s", r.id, stage, se.Error())
	r.exitFinal(ExitTerminal)
}

// failPersistence handles a store write error mid-run: the job is marked
// failed best-effort and the run ends.
func (r *Runner) failPersistence(ctx context.Context, stage Stage, err error) {
	logger.Errorf("❌ Job %s: persistence error at %s: %v", r.id, stage, err)
	r.finishFailed(ctx, stage, &StageError{Kind: FailureTransport, Message: fmt.Sprintf("persistence: %v", err)})
}

// apply persists a partial update, refreshes the local snapshot, then emits
// the matching progress event. Persist-before-emit is the ordering guarantee.
func (r *Runner) apply(ctx context.Context, upd Update, eventPayload Payload) error {
	job, err := r.store.Update(ctx, r.id, upd)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.job = job.Clone()
	event := ProgressEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		StageName: job.CurrentStageName,
		Timestamp: time.Now().UTC(),
		Payload:   eventPayload,
	}
	r.mu.Unlock()

	if r.emit != nil {
		r.emit.Emit(event)
	}
	return nil
}

func (r *Runner) snapshotForExec() (*Job, Outputs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone(), r.job.StageOutputs.Clone()
}

// exitFinal leaves the active state for good and closes Done.
func (r *Runner) exitFinal(reason ExitReason) {
	r.mu.Lock()
	r.active = false
	job := r.job.Clone()
	idle := r.idle
	r.mu.Unlock()

	close(idle)
	close(r.done)
	r.callExit(job, reason)
}

func (r *Runner) callExit(job *Job, reason ExitReason) {
	if r.onExit != nil {
		r.onExit(job, reason)
	}
}
