package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubflow/internal/events"
	"github.com/dubflow/internal/pipeline"
	"github.com/dubflow/internal/store"
)

type fakeNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (n *fakeNotifier) NotifySuccess(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, title)
	return nil
}

func (n *fakeNotifier) NotifyError(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, title)
	return nil
}

func instantExec() pipeline.Executor {
	return pipeline.ExecutorFunc(func(ctx context.Context, stage pipeline.Stage, job *pipeline.Job, prior pipeline.Outputs) (pipeline.Payload, error) {
		return pipeline.Payload{"stage": string(stage)}, nil
	})
}

// blockingExec holds every stage open until release is closed.
func blockingExec(release <-chan struct{}) pipeline.Executor {
	return pipeline.ExecutorFunc(func(ctx context.Context, stage pipeline.Stage, job *pipeline.Job, prior pipeline.Outputs) (pipeline.Payload, error) {
		<-release
		return pipeline.Payload{"stage": string(stage)}, nil
	})
}

// gatedStore stalls the first outputs-clearing update until gate closes,
// widening the window between a restart's lifecycle check and its reset.
type gatedStore struct {
	Store
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) Update(ctx context.Context, id string, upd pipeline.Update) (*pipeline.Job, error) {
	if upd.ClearOutputs {
		g.once.Do(func() {
			close(g.entered)
			<-g.gate
		})
	}
	return g.Store.Update(ctx, id, upd)
}

func newSupervisor(exec pipeline.Executor, notifier Notifier) (*Supervisor, *store.Memory, *events.Bus) {
	st := store.NewMemory()
	bus := events.NewBus()
	stages := []pipeline.Stage{pipeline.StageTranscribing, pipeline.StageTranslating}
	return New(st, exec, bus, stages, 4, notifier), st, bus
}

func waitStatus(t *testing.T, sup *Supervisor, id string, want pipeline.Stage) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := sup.Job(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
}

func TestSupervisorCreateJobRunsToWaitingApproval(t *testing.T) {
	sup, _, _ := newSupervisor(instantExec(), nil)

	job, err := sup.CreateJob(context.Background(), "dQw4w9WgXcQ", []string{"es"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	waitStatus(t, sup, job.ID, pipeline.StageWaitingApproval)

	final, err := sup.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, final.Progress)
	assert.Len(t, final.StageOutputs, 2)

	// Soft-terminal exit deregisters the runner.
	require.Eventually(t, func() bool { return sup.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSupervisorCreateJobValidation(t *testing.T) {
	sup, _, _ := newSupervisor(instantExec(), nil)

	_, err := sup.CreateJob(context.Background(), "", []string{"es"}, "")
	assert.True(t, errors.Is(err, pipeline.ErrInvalidState))

	_, err = sup.CreateJob(context.Background(), "vid", nil, "")
	assert.True(t, errors.Is(err, pipeline.ErrInvalidState))
}

func TestSupervisorApproveAndPublish(t *testing.T) {
	notifier := &fakeNotifier{}
	sup, _, _ := newSupervisor(instantExec(), notifier)

	job, err := sup.CreateJob(context.Background(), "vid1", []string{"es"}, "")
	require.NoError(t, err)
	waitStatus(t, sup, job.ID, pipeline.StageWaitingApproval)

	_, err = sup.ApproveAndPublish(context.Background(), job.ID)
	require.NoError(t, err)
	waitStatus(t, sup, job.ID, pipeline.StageCompleted)

	final, err := sup.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, final.CompletedAt)
	assert.Contains(t, final.StageOutputs, string(pipeline.StageUploading))

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.successes) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisorApproveRequiresWaitingApproval(t *testing.T) {
	sup, st, _ := newSupervisor(instantExec(), nil)

	require.NoError(t, st.Create(context.Background(), pipeline.NewJob("p1", "vid", []string{"es"})))

	_, err := sup.ApproveAndPublish(context.Background(), "p1")
	assert.True(t, errors.Is(err, pipeline.ErrInvalidState))

	_, err = sup.ApproveAndPublish(context.Background(), "ghost")
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))
}

func TestSupervisorConcurrentRestartExactlyOneWins(t *testing.T) {
	release := make(chan struct{})
	sup, st, _ := newSupervisor(blockingExec(release), nil)

	job := pipeline.NewJob("r1", "vid", []string{"es"})
	job.Status = pipeline.StageCancelled
	require.NoError(t, st.Create(context.Background(), job))

	const attempts = 8
	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sup.RestartJob(context.Background(), "r1"); err == nil {
				successes.Add(1)
			} else {
				assert.True(t, errors.Is(err, pipeline.ErrAlreadyRunning) || errors.Is(err, pipeline.ErrInvalidState), err.Error())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one concurrent restart may win")
	assert.Equal(t, 1, sup.ActiveCount())

	close(release)
	waitStatus(t, sup, "r1", pipeline.StageWaitingApproval)
}

func TestSupervisorRestartLosesBeforeTouchingStore(t *testing.T) {
	gs := &gatedStore{
		Store:   store.NewMemory(),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	stages := []pipeline.Stage{pipeline.StageTranscribing, pipeline.StageTranslating}
	sup := New(gs, instantExec(), events.NewBus(), stages, 4, nil)

	job := pipeline.NewJob("r3", "vid", []string{"es"})
	job.Status = pipeline.StageCancelled
	require.NoError(t, gs.Store.Create(context.Background(), job))

	errA := make(chan error, 1)
	go func() {
		_, err := sup.RestartJob(context.Background(), "r3")
		errA <- err
	}()
	<-gs.entered // restart A is inside its reset write

	// A late second restart must lose with AlreadyRunning while A holds
	// the id, not sneak past the check and re-reset the record.
	_, err := sup.RestartJob(context.Background(), "r3")
	assert.True(t, errors.Is(err, pipeline.ErrAlreadyRunning), "second restart must lose: %v", err)

	close(gs.gate)
	require.NoError(t, <-errA)
	waitStatus(t, sup, "r3", pipeline.StageWaitingApproval)
}

func TestSupervisorRestartResetsJob(t *testing.T) {
	sup, st, bus := newSupervisor(instantExec(), nil)

	job := pipeline.NewJob("r2", "vid", []string{"es"})
	job.Status = pipeline.StageFailed
	job.Progress = 33
	job.ErrorMessage = "stage translating: provider_error: boom"
	job.StageOutputs = pipeline.Outputs{"transcribing": {"transcript": "old"}}
	now := time.Now().UTC()
	job.CompletedAt = &now
	require.NoError(t, st.Create(context.Background(), job))
	bus.Publish(pipeline.ProgressEvent{JobID: "r2", Status: pipeline.StageFailed, Progress: 33})

	restarted, err := sup.RestartJob(context.Background(), "r2")
	require.NoError(t, err)
	assert.Empty(t, restarted.ErrorMessage)
	assert.Nil(t, restarted.CompletedAt)

	waitStatus(t, sup, "r2", pipeline.StageWaitingApproval)

	final, err := sup.Job(context.Background(), "r2")
	require.NoError(t, err)
	assert.NotContains(t, final.StageOutputs["transcribing"], "old")
}

func TestSupervisorRestartRequiresFinishedJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sup, _, _ := newSupervisor(blockingExec(release), nil)

	job, err := sup.CreateJob(context.Background(), "vid1", []string{"es"}, "")
	require.NoError(t, err)

	_, err = sup.RestartJob(context.Background(), job.ID)
	assert.True(t, errors.Is(err, pipeline.ErrAlreadyRunning))
}

func TestSupervisorCancelJob(t *testing.T) {
	release := make(chan struct{})
	notifier := &fakeNotifier{}
	sup, _, _ := newSupervisor(blockingExec(release), notifier)

	job, err := sup.CreateJob(context.Background(), "vid1", []string{"es"}, "")
	require.NoError(t, err)

	require.NoError(t, sup.CancelJob(context.Background(), job.ID))
	close(release)
	waitStatus(t, sup, job.ID, pipeline.StageCancelled)
	require.Eventually(t, func() bool { return sup.ActiveCount() == 0 }, time.Second, 10*time.Millisecond)

	// Control operations need an active runner.
	assert.True(t, errors.Is(sup.CancelJob(context.Background(), job.ID), pipeline.ErrNotFound))
	assert.True(t, errors.Is(sup.PauseJob(job.ID), pipeline.ErrNotFound))
	assert.True(t, errors.Is(sup.ResumeJob(context.Background(), job.ID), pipeline.ErrNotFound))
}

func TestSupervisorFailureNotifies(t *testing.T) {
	notifier := &fakeNotifier{}
	exec := pipeline.ExecutorFunc(func(ctx context.Context, stage pipeline.Stage, job *pipeline.Job, prior pipeline.Outputs) (pipeline.Payload, error) {
		return nil, pipeline.Failf(pipeline.FailureNotFound, "no entry for %s", job.SourceVideoID)
	})
	sup, _, _ := newSupervisor(exec, notifier)

	job, err := sup.CreateJob(context.Background(), "missing", []string{"es"}, "")
	require.NoError(t, err)
	waitStatus(t, sup, job.ID, pipeline.StageFailed)

	final, err := sup.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, final.ErrorMessage, string(pipeline.FailureNotFound))

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.errors) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisorCapacityBound(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	st := store.NewMemory()
	sup := New(st, blockingExec(release), events.NewBus(), nil, 1, nil)

	_, err := sup.CreateJob(context.Background(), "vid1", []string{"es"}, "")
	require.NoError(t, err)

	_, err = sup.CreateJob(context.Background(), "vid2", []string{"de"}, "")
	assert.True(t, errors.Is(err, ErrCapacity))
}

func TestSupervisorPerJobStrategy(t *testing.T) {
	var liveCalls atomic.Int32
	liveExec := pipeline.ExecutorFunc(func(ctx context.Context, stage pipeline.Stage, job *pipeline.Job, prior pipeline.Outputs) (pipeline.Payload, error) {
		liveCalls.Add(1)
		return pipeline.Payload{"stage": string(stage)}, nil
	})

	sup, _, _ := newSupervisor(instantExec(), nil)
	sup.RegisterExecutor(pipeline.StrategyLive, liveExec)

	job, err := sup.CreateJob(context.Background(), "vid1", []string{"es"}, "live")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyLive, job.ExecutorStrategy)

	waitStatus(t, sup, job.ID, pipeline.StageWaitingApproval)
	assert.Equal(t, int32(2), liveCalls.Load(), "both stages must run on the pinned strategy")

	// The pinned strategy survives into the publish phase.
	_, err = sup.ApproveAndPublish(context.Background(), job.ID)
	require.NoError(t, err)
	waitStatus(t, sup, job.ID, pipeline.StageCompleted)
	assert.Equal(t, int32(3), liveCalls.Load())
}

func TestSupervisorUnknownStrategy(t *testing.T) {
	sup, _, _ := newSupervisor(instantExec(), nil)

	_, err := sup.CreateJob(context.Background(), "vid1", []string{"es"}, "quantum")
	assert.True(t, errors.Is(err, pipeline.ErrInvalidState))

	// live is a valid name but nothing is registered for it here.
	_, err = sup.CreateJob(context.Background(), "vid1", []string{"es"}, "live")
	assert.True(t, errors.Is(err, pipeline.ErrInvalidState))
}

func TestSupervisorExecutorRegistryConcurrentUse(t *testing.T) {
	sup, _, _ := newSupervisor(instantExec(), nil)

	var wg sync.WaitGroup
	ids := make(chan string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sup.RegisterExecutor(pipeline.StrategyLive, instantExec())
			sup.SetDefaultStrategy(pipeline.StrategySimulated)
		}()
		go func() {
			defer wg.Done()
			job, err := sup.CreateJob(context.Background(), "vid", []string{"es"}, "")
			if assert.NoError(t, err) {
				ids <- job.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		waitStatus(t, sup, id, pipeline.StageWaitingApproval)
	}
}

func TestSupervisorShutdownReturnsAtStageBoundary(t *testing.T) {
	release := make(chan struct{})
	sup, _, _ := newSupervisor(blockingExec(release), nil)

	_, err := sup.CreateJob(context.Background(), "vid1", []string{"es"}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		sup.Shutdown(ctx)
		close(done)
	}()
	close(release) // let the in-flight stage reach its boundary

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown kept waiting after runners reached a boundary")
	}
	require.NoError(t, ctx.Err(), "shutdown must not burn the whole deadline")
}

func TestSupervisorStats(t *testing.T) {
	sup, st, _ := newSupervisor(instantExec(), nil)

	done := pipeline.NewJob("s1", "vid", []string{"es"})
	done.Status = pipeline.StageCompleted
	require.NoError(t, st.Create(context.Background(), done))
	failed := pipeline.NewJob("s2", "vid", []string{"de"})
	failed.Status = pipeline.StageFailed
	require.NoError(t, st.Create(context.Background(), failed))

	stats, err := sup.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats["completed"])
	assert.Equal(t, 1, stats["failed"])
	assert.Equal(t, 0, stats["active"])
}
