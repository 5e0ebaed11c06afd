package queue

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/darkroom/internal/job"
	"github.com/mattjoyce/darkroom/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type recordingListener struct {
	mu     sync.Mutex
	added  []string
	counts []int
}

func (l *recordingListener) OnJobAdded(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, id)
}

func (l *recordingListener) OnRunningCountChanged(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = append(l.counts, count)
}

func newRepo() *Repository {
	return NewRepository(job.DefaultPriorityTable(), nil)
}

func TestAddJobRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := newRepo()

	j, err := r.AddJob("a", job.Payload{Source: "/in/a.mp4"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if j.State != job.StatePending || j.PreviousState != job.StateNone {
		t.Fatalf("unexpected state after add: %s (prev %s)", j.State, j.PreviousState)
	}

	_, err = r.AddJob("a", job.Payload{})
	assert.ErrorIs(t, err, job.ErrConflict)

	_, err = r.AddJob("", job.Payload{})
	assert.Error(t, err)
}

func TestAddJobReplacesErroredJob(t *testing.T) {
	t.Parallel()
	r := newRepo()

	_, err := r.AddJob("a", job.Payload{})
	require.NoError(t, err)
	require.NoError(t, r.SetJobRunning("a"))
	require.NoError(t, r.SetJobError("a", errors.New("codec rejected input")))

	j, err := r.AddJob("a", job.Payload{})
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, j.State)
	assert.Equal(t, 0, j.Attempts)
}

func TestGetJobOldestFirstOnEqualClass(t *testing.T) {
	t.Parallel()
	r := newRepo()

	for _, id := range []string{"A", "B", "C"} {
		_, err := r.AddJob(id, job.Payload{})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	var order []string
	for {
		j, ok := r.GetJob()
		if !ok {
			break
		}
		order = append(order, j.ID)
		require.NoError(t, r.SetJobRunning(j.ID))
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestGetJobDoesNotRemove(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})

	j1, ok1 := r.GetJob()
	j2, ok2 := r.GetJob()
	assert.True(t, ok1 && ok2)
	assert.Equal(t, j1.ID, j2.ID)
}

func TestSetJobRunningIsIdempotent(t *testing.T) {
	t.Parallel()
	r := newRepo()
	l := &recordingListener{}
	r.RegisterJobListener(l)

	_, _ = r.AddJob("a", job.Payload{})
	require.NoError(t, r.SetJobRunning("a"))
	err := r.SetJobRunning("a")
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	assert.Equal(t, 1, r.GetRunningJobCounts())
	assert.Equal(t, []string{"a"}, r.GetRunningJobList())
	assert.Equal(t, []int{1}, l.counts)

	j, _ := r.Lookup("a")
	assert.Equal(t, 1, j.Attempts)
}

func TestTransitionsOnUnknownID(t *testing.T) {
	t.Parallel()
	r := newRepo()

	for name, fn := range map[string]func(string) error{
		"pending":   r.SetJobPending,
		"running":   r.SetJobRunning,
		"completed": r.SetJobCompleted,
		"pause":     r.SetJobPause,
	} {
		assert.ErrorIs(t, fn("ghost"), job.ErrNotFound, name)
	}
	assert.ErrorIs(t, r.SetJobFailed("ghost", nil), job.ErrNotFound)
	assert.ErrorIs(t, r.SetJobError("ghost", nil), job.ErrNotFound)
	assert.False(t, r.RemoveJob("ghost", true))
	assert.ErrorIs(t, r.RestoreJob("ghost"), job.ErrNotFound)
}

func TestIllegalTransitionsAreRejected(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})

	// Only a running job may complete.
	assert.ErrorIs(t, r.SetJobCompleted("a"), job.ErrInvalidTransition)
	assert.ErrorIs(t, r.SetJobFailed("a", nil), job.ErrInvalidTransition)

	j, _ := r.Lookup("a")
	assert.Equal(t, job.StatePending, j.State)
}

func TestCompletedJobIsPurged(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})
	require.NoError(t, r.SetJobRunning("a"))
	require.NoError(t, r.SetJobCompleted("a"))

	_, ok := r.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 0, r.GetRunningJobCounts())
}

func TestFailedJobIsRetainedAndRetriedAsRetryClass(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})
	require.NoError(t, r.SetJobRunning("a"))
	require.NoError(t, r.SetJobFailed("a", errors.New("encoder busy")))

	j, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, 1, j.Failures)
	assert.Equal(t, "encoder busy", j.LastError)
	_, pending := r.GetJob()
	assert.False(t, pending)

	_, _ = r.AddJob("b", job.Payload{})
	require.NoError(t, r.SetJobPending("a"))

	// The fresh job outranks the retry under the default table.
	next, _ := r.GetJob()
	assert.Equal(t, "b", next.ID)
	a, _ := r.Lookup("a")
	assert.Equal(t, job.ClassRetry, a.Class)
}

func TestPauseAndResumeOutranksFresh(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})
	require.NoError(t, r.SetJobRunning("a"))
	require.NoError(t, r.SetJobPause("a"))
	assert.Equal(t, 0, r.GetRunningJobCounts())

	_, _ = r.AddJob("b", job.Payload{})
	assert.Equal(t, []string{"a"}, r.JobsInState(job.StatePause))

	require.NoError(t, r.SetJobPending("a"))
	next, _ := r.GetJob()
	assert.Equal(t, "a", next.ID)
	assert.Equal(t, job.ClassResumed, next.Class)
}

func TestSoftDeleteThenRestoreKeepsClass(t *testing.T) {
	t.Parallel()
	r := newRepo()

	added, _ := r.AddJob("a", job.Payload{})
	assert.True(t, r.RemoveJob("a", true))

	j, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, job.StateDeleted, j.State)
	_, pending := r.GetJob()
	assert.False(t, pending)

	require.NoError(t, r.RestoreJob("a"))
	j, _ = r.Lookup("a")
	assert.Equal(t, job.StatePending, j.State)
	assert.Equal(t, added.Class, j.Class)

	assert.ErrorIs(t, r.RestoreJob("a"), job.ErrInvalidTransition)
}

func TestHardDeletePurges(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})
	assert.True(t, r.RemoveJob("a", false))
	_, ok := r.Lookup("a")
	assert.False(t, ok)
	assert.ErrorIs(t, r.RestoreJob("a"), job.ErrNotFound)
}

func TestRemoveRunningRespectsDiscardable(t *testing.T) {
	t.Parallel()
	r := newRepo()
	l := &recordingListener{}
	r.RegisterJobListener(l)

	_, _ = r.AddJob("keep", job.Payload{})
	_, _ = r.AddJob("drop", job.Payload{}, Discardable())
	require.NoError(t, r.SetJobRunning("keep"))
	require.NoError(t, r.SetJobRunning("drop"))

	assert.False(t, r.RemoveJob("keep", true))
	keep, _ := r.Lookup("keep")
	assert.Equal(t, job.StateRunning, keep.State)

	assert.True(t, r.RemoveJob("drop", true))
	assert.Equal(t, []string{"keep"}, r.GetRunningJobList())
	assert.Equal(t, []int{1, 2, 1}, l.counts)
}

func TestPrioritizeRepositionsPending(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})
	_, _ = r.AddJob("b", job.Payload{})

	require.NoError(t, r.Prioritize("b", true))
	next, _ := r.GetJob()
	assert.Equal(t, "b", next.ID)
	assert.Equal(t, job.ClassUrgent, next.Class)

	require.NoError(t, r.Prioritize("b", false))
	next, _ = r.GetJob()
	assert.Equal(t, "a", next.ID)

	assert.ErrorIs(t, r.Prioritize("b", false), job.ErrInvalidTransition)
	assert.ErrorIs(t, r.Prioritize("ghost", true), job.ErrNotFound)
}

func TestPendingJobsInDequeueOrder(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})
	_, _ = r.AddJob("b", job.Payload{})
	_, _ = r.AddJob("c", job.Payload{}, Urgent())

	var ids []string
	for _, j := range r.PendingJobs() {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestClearCacheKeepsLookup(t *testing.T) {
	t.Parallel()
	r := newRepo()
	l := &recordingListener{}
	r.RegisterJobListener(l)

	_, _ = r.AddJob("a", job.Payload{})
	_, _ = r.AddJob("b", job.Payload{})
	require.NoError(t, r.SetJobRunning("a"))

	r.ClearCache()
	assert.Equal(t, 0, r.GetRunningJobCounts())
	_, ok := r.GetJob()
	assert.False(t, ok)
	_, ok = r.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, []int{1, 0}, l.counts)
}

func TestListenerNotifications(t *testing.T) {
	t.Parallel()
	r := newRepo()
	l := &recordingListener{}
	unregister := r.RegisterJobListener(l)

	_, _ = r.AddJob("a", job.Payload{})
	require.NoError(t, r.SetJobRunning("a"))
	require.NoError(t, r.SetJobCompleted("a"))

	unregister()
	_, _ = r.AddJob("b", job.Payload{})

	assert.Equal(t, []string{"a"}, l.added)
	assert.Equal(t, []int{1, 0}, l.counts)
}

func TestRestoreNotifiesListeners(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})
	require.True(t, r.RemoveJob("a", true))

	l := &recordingListener{}
	r.RegisterJobListener(l)
	require.NoError(t, r.RestoreJob("a"))
	assert.Equal(t, []string{"a"}, l.added)
}

// Listeners may call back into the repository without deadlocking.
func TestListenerCanReenter(t *testing.T) {
	t.Parallel()
	r := newRepo()
	done := make(chan struct{})
	r.RegisterJobListener(listenerFunc(func(id string) {
		_, _ = r.Lookup(id)
		_ = r.GetRunningJobCounts()
		close(done)
	}))

	_, _ = r.AddJob("a", job.Payload{})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not run")
	}
}

type listenerFunc func(id string)

func (f listenerFunc) OnJobAdded(id string)      { f(id) }
func (f listenerFunc) OnRunningCountChanged(int) {}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	r := newRepo()
	_, _ = r.AddJob("a", job.Payload{})
	_, _ = r.AddJob("b", job.Payload{})
	require.NoError(t, r.SetJobRunning("a"))

	st := r.Snapshot()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 2, st.Known)
	assert.Equal(t, 1, st.ByState["pending"])
	assert.Equal(t, 1, st.ByState["running"])
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := newRepo()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				id := fmt.Sprintf("w%d-%d", w, i)
				if _, err := r.AddJob(id, job.Payload{}); err != nil {
					t.Errorf("AddJob: %v", err)
					return
				}
				if j, ok := r.GetJob(); ok {
					_ = r.SetJobRunning(j.ID)
					_ = r.SetJobCompleted(j.ID)
				}
			}
		}()
	}
	wg.Wait()

	st := r.Snapshot()
	assert.Equal(t, st.Pending, st.ByState["pending"])
	assert.Equal(t, 0, st.Running)
}
