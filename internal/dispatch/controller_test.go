package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/darkroom/internal/config"
	"github.com/mattjoyce/darkroom/internal/events"
	"github.com/mattjoyce/darkroom/internal/job"
	"github.com/mattjoyce/darkroom/internal/log"
	"github.com/mattjoyce/darkroom/internal/policy"
	"github.com/mattjoyce/darkroom/internal/processor"
	"github.com/mattjoyce/darkroom/internal/queue"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Concurrency:       1,
		JobTimeout:        time.Minute,
		MaxRetries:        2,
		RetryBackoff:      5 * time.Millisecond,
		RetryBackoffMax:   20 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
		ReconnectBurst:    1,
		Priority:          job.DefaultPriorityTable(),
	}
}

type harness struct {
	repo     *queue.Repository
	agg      *policy.Aggregator
	backend  processor.Backend
	fake     *fakeBackend
	reporter *fakeReporter
	hub      *events.Hub
	ctrl     *Controller
}

func startHarness(t *testing.T, cfg config.SchedulerConfig, backend processor.Backend) *harness {
	t.Helper()

	h := &harness{
		repo:     queue.NewRepository(cfg.Priority, nil),
		agg:      policy.NewAggregator(nil, policy.NewThermalSource(policy.ThermalHot, policy.ThermalWarm), policy.NewChargingSource()),
		reporter: &fakeReporter{},
		hub:      events.NewHub(256),
	}
	if backend == nil {
		h.fake = &fakeBackend{limit: cfg.Concurrency}
		backend = h.fake
	}
	h.backend = backend
	h.ctrl = NewController(Options{
		UserID:   "alice",
		Config:   cfg,
		Repo:     h.repo,
		Policy:   h.agg,
		Backend:  backend,
		Reporter: h.reporter,
		Events:   h.hub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.ctrl.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return h
}

func (h *harness) add(t *testing.T, id string, opts ...queue.AddOption) {
	t.Helper()
	if _, err := h.repo.AddJob(id, job.Payload{Source: "/raw/" + id, Destination: "/out/" + id}, opts...); err != nil {
		t.Fatalf("AddJob(%s) failed: %v", id, err)
	}
}

func (h *harness) state(id string) job.State {
	j, ok := h.repo.Lookup(id)
	if !ok {
		return job.StateNone
	}
	return j.State
}

// waitActive blocks until id is active on the current fake session.
func (h *harness) waitActive(t *testing.T, id string) *fakeSession {
	t.Helper()
	var sess *fakeSession
	require.Eventually(t, func() bool {
		sess = h.fake.current()
		if sess == nil {
			return false
		}
		for _, a := range sess.active() {
			if a == id {
				return true
			}
		}
		return false
	}, waitFor, tick, "job %s never became active", id)
	return sess
}

func TestAdmitsHighestPriorityUpToLimit(t *testing.T) {
	h := startHarness(t, testConfig(), nil)

	h.add(t, "a")
	sess := h.waitActive(t, "a")
	h.add(t, "b")
	h.add(t, "c", queue.Urgent())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a"}, sess.active(), "limit of one must hold")
	assert.Equal(t, job.StateRunning, h.state("a"))

	require.True(t, sess.finish("a", "/out/a", nil))
	h.waitActive(t, "c")
	require.True(t, sess.finish("c", "/out/c", nil))
	h.waitActive(t, "b")
	require.True(t, sess.finish("b", "/out/b", nil))

	require.Eventually(t, func() bool {
		completed, _, _ := h.reporter.snapshot()
		return len(completed) == 3
	}, waitFor, tick)
	completed, _, _ := h.reporter.snapshot()
	assert.Equal(t, []string{"a", "c", "b"}, completed)
	assert.Equal(t, []string{"a", "c", "b"}, sess.submissions())

	_, ok := h.repo.Lookup("a")
	assert.False(t, ok, "completed jobs are purged")
}

func TestThermalPauseAndResume(t *testing.T) {
	h := startHarness(t, testConfig(), nil)

	h.add(t, "a")
	sess := h.waitActive(t, "a")

	h.agg.OnEventChange(policy.EventThermal, policy.ThermalHot)
	require.Eventually(t, func() bool { return h.state("a") == job.StatePause }, waitFor, tick)
	assert.True(t, sess.wasInterrupted("a"))
	assert.Empty(t, h.ctrl.Status().Running)
	assert.True(t, h.ctrl.Status().Paused)

	h.add(t, "b")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, job.StatePending, h.state("b"), "nothing is admitted while paused")

	h.agg.OnEventChange(policy.EventThermal, policy.ThermalNormal)
	h.waitActive(t, "a")
	j, _ := h.repo.Lookup("a")
	assert.Equal(t, job.StateRunning, j.State)
	assert.Equal(t, job.ClassResumed, j.Class)
	assert.Equal(t, 2, j.Attempts)
}

func TestChargingSelectsPerformanceMode(t *testing.T) {
	h := startHarness(t, testConfig(), nil)

	h.add(t, "a")
	sess := h.waitActive(t, "a")
	assert.Equal(t, processor.ModeLoadBalanced, sess.lastRequest().Mode)
	require.True(t, sess.finish("a", "", nil))

	h.agg.OnEventChange(policy.EventCharging, 1)
	require.Eventually(t, func() bool { return h.ctrl.Status().Charging }, waitFor, tick)
	h.add(t, "b")
	h.waitActive(t, "b")
	assert.Equal(t, processor.ModePerformance, sess.lastRequest().Mode)
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, processor.ModeLoadBalanced, modeFor(job.Job{}, false))
	assert.Equal(t, processor.ModePerformance, modeFor(job.Job{}, true))
	assert.Equal(t, processor.ModePerformance, modeFor(job.Job{Urgent: true}, false))
}

func TestTransientFailuresRetryThenComplete(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	transient := &job.ProcessingError{Code: "E_BUSY", Retriable: true, Msg: "encoder busy"}

	h.add(t, "a")
	for i := 0; i < 2; i++ {
		sess := h.waitActive(t, "a")
		require.True(t, sess.finish("a", "", transient))
		require.Eventually(t, func() bool {
			j, _ := h.repo.Lookup("a")
			return j.Failures == i+1
		}, waitFor, tick)
	}

	sess := h.waitActive(t, "a")
	require.True(t, sess.finish("a", "/out/a", nil))
	require.Eventually(t, func() bool {
		completed, _, _ := h.reporter.snapshot()
		return len(completed) == 1
	}, waitFor, tick)
	_, failed, _ := h.reporter.snapshot()
	assert.Empty(t, failed)
}

func TestRetryLimitEndsInError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	h := startHarness(t, cfg, nil)

	h.add(t, "a")
	for i := 0; i < 2; i++ {
		sess := h.waitActive(t, "a")
		require.True(t, sess.finish("a", "", errors.New("flaky")))
		require.Eventually(t, func() bool {
			j, _ := h.repo.Lookup("a")
			return j.Failures == i+1
		}, waitFor, tick)
	}

	require.Eventually(t, func() bool { return h.state("a") == job.StateError }, waitFor, tick)
	_, failed, _ := h.reporter.snapshot()
	assert.Equal(t, []string{"a"}, failed)
	j, _ := h.repo.Lookup("a")
	assert.Contains(t, j.LastError, "flaky")
}

func TestPermanentFailureEndsInError(t *testing.T) {
	h := startHarness(t, testConfig(), nil)

	h.add(t, "a")
	sess := h.waitActive(t, "a")
	require.True(t, sess.finish("a", "", &job.ProcessingError{Code: "E_CODEC", Msg: "unsupported codec"}))

	require.Eventually(t, func() bool { return h.state("a") == job.StateError }, waitFor, tick)
	j, _ := h.repo.Lookup("a")
	assert.Equal(t, 0, j.Failures)
	assert.Len(t, sess.submissions(), 1)

	// An errored id may be added again.
	h.add(t, "a")
	h.waitActive(t, "a")
}

func TestWatchdogResetsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 2
	cfg.JobTimeout = 100 * time.Millisecond
	cfg.MaxRetries = 5
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour
	h := startHarness(t, cfg, nil)

	h.add(t, "a")
	h.add(t, "b")
	sess := h.waitActive(t, "a")
	h.waitActive(t, "b")

	require.Eventually(t, func() bool {
		return h.state("a") == job.StateFailed && h.state("b") == job.StateFailed
	}, waitFor, tick)
	assert.True(t, sess.isClosed())
	assert.False(t, h.ctrl.Status().SessionOpen)

	ja, _ := h.repo.Lookup("a")
	jb, _ := h.repo.Lookup("b")
	assert.Equal(t, 1, ja.Failures)
	assert.Equal(t, 1, jb.Failures)
	reasons := ja.LastError + "|" + jb.LastError
	assert.True(t, strings.Contains(reasons, "watchdog"), reasons)
	assert.True(t, strings.Contains(reasons, "session reset"), reasons)
	assert.Equal(t, 1, h.fake.count(), "no new session without pending work")
}

func TestSessionDeathFailsWorkAndReconnects(t *testing.T) {
	h := startHarness(t, testConfig(), nil)

	h.add(t, "a")
	first := h.waitActive(t, "a")
	first.kill()

	require.Eventually(t, func() bool { return h.fake.count() == 2 }, waitFor, tick)
	second := h.waitActive(t, "a")
	assert.NotSame(t, first, second)
	j, _ := h.repo.Lookup("a")
	assert.Equal(t, 1, j.Failures)
	assert.Equal(t, job.ClassRetry, j.Class)
}

func TestStaleCallbackIgnored(t *testing.T) {
	h := startHarness(t, testConfig(), nil)

	h.add(t, "a")
	sess := h.waitActive(t, "a")
	stale := sess.callback("a")
	require.NotNil(t, stale)

	h.agg.OnEventChange(policy.EventThermal, policy.ThermalHot)
	require.Eventually(t, func() bool { return h.state("a") == job.StatePause }, waitFor, tick)

	stale(processor.Outcome{JobID: "a", Result: "late"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, job.StatePause, h.state("a"))

	h.agg.OnEventChange(policy.EventThermal, policy.ThermalNormal)
	h.waitActive(t, "a")
	stale(processor.Outcome{JobID: "a", Result: "late"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, job.StateRunning, h.state("a"), "old admission's callback must not finish the new one")

	require.True(t, sess.finish("a", "/out/a", nil))
	require.Eventually(t, func() bool {
		completed, _, _ := h.reporter.snapshot()
		return len(completed) == 1
	}, waitFor, tick)
}

func TestRemoveCancelsDiscardableWork(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 2
	h := startHarness(t, cfg, nil)

	h.add(t, "keep")
	h.add(t, "toss", queue.Discardable())
	sess := h.waitActive(t, "keep")
	h.waitActive(t, "toss")

	assert.False(t, h.ctrl.Remove("keep", false), "running non-discardable jobs stay")
	assert.Equal(t, job.StateRunning, h.state("keep"))

	assert.True(t, h.ctrl.Remove("toss", true))
	assert.True(t, sess.wasInterrupted("toss"))
	assert.Equal(t, job.StateDeleted, h.state("toss"))
	_, _, deleted := h.reporter.snapshot()
	assert.Equal(t, []string{"toss"}, deleted)

	st := h.ctrl.Status()
	require.Len(t, st.Running, 1)
	assert.Equal(t, "keep", st.Running[0].JobID)

	require.NoError(t, h.repo.RestoreJob("toss"))
	h.waitActive(t, "toss")
}

func TestIdleSessionClosed(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	h := startHarness(t, cfg, nil)

	h.add(t, "a")
	sess := h.waitActive(t, "a")
	require.True(t, sess.finish("a", "", nil))

	require.Eventually(t, sess.isClosed, waitFor, tick)
	assert.False(t, h.ctrl.Status().SessionOpen)

	h.add(t, "b")
	h.waitActive(t, "b")
	assert.Equal(t, 2, h.fake.count())
}

func TestEventsPublished(t *testing.T) {
	h := startHarness(t, testConfig(), nil)
	h.add(t, "a")
	sess := h.waitActive(t, "a")
	require.True(t, sess.finish("a", "", nil))

	require.Eventually(t, func() bool {
		for _, ev := range h.hub.SnapshotSince(0, "") {
			if ev.Type == events.JobCompleted && ev.User == "alice" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	var types []string
	for _, ev := range h.hub.SnapshotSince(0, "") {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.JobAdded)
	assert.Contains(t, types, events.SessionOpened)
	assert.Contains(t, types, events.JobStarted)
	assert.Less(t, indexOf(types, events.JobAdded), indexOf(types, events.JobStarted))
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestConcurrencyLimitUnderChurn(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 3
	cfg.MaxRetries = 1000
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = time.Millisecond
	h := startHarness(t, cfg, nil)

	rng := rand.New(rand.NewSource(7))
	next := 0
	for step := 0; step < 400; step++ {
		switch op := rng.Intn(10); {
		case op < 4:
			h.add(t, fmt.Sprintf("j%d", next))
			next++
		case op < 8:
			if sess := h.fake.current(); sess != nil {
				if active := sess.active(); len(active) > 0 {
					id := active[rng.Intn(len(active))]
					var err error
					if rng.Intn(3) == 0 {
						err = errors.New("transient")
					}
					sess.finish(id, "", err)
				}
			}
		case op == 8:
			h.agg.OnEventChange(policy.EventThermal, policy.ThermalHot)
		default:
			h.agg.OnEventChange(policy.EventThermal, policy.ThermalNormal)
		}

		st := h.ctrl.Status()
		require.LessOrEqual(t, len(st.Running), cfg.Concurrency)
		require.LessOrEqual(t, h.repo.GetRunningJobCounts(), cfg.Concurrency)
		if step%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	sess := h.fake.current()
	require.NotNil(t, sess)
	sess.mu.Lock()
	violations := sess.violations
	sess.mu.Unlock()
	assert.Zero(t, violations, "session saw more than the limit in flight")
}

// hookSession runs before once, ahead of the first Submit it receives.
type hookSession struct {
	*fakeSession
	once   sync.Once
	before func(jobID string)
}

func (s *hookSession) Submit(ctx context.Context, req processor.Request, cb processor.Callback) error {
	s.once.Do(func() { s.before(req.JobID) })
	return s.fakeSession.Submit(ctx, req, cb)
}

type sessionBackend struct{ sess processor.Session }

func (b sessionBackend) Connect(context.Context, string) (processor.Session, error) {
	return b.sess, nil
}

func TestRemoveDuringSubmitInterruptsWork(t *testing.T) {
	sess := &hookSession{fakeSession: newFakeSession(1)}
	removed := make(chan bool, 1)
	var ctrl *Controller
	sess.before = func(id string) { removed <- ctrl.Remove(id, true) }

	h := startHarness(t, testConfig(), sessionBackend{sess: sess})
	ctrl = h.ctrl
	h.add(t, "a", queue.Discardable())

	select {
	case ok := <-removed:
		require.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("job was never submitted")
	}
	require.Eventually(t, func() bool { return sess.wasInterrupted("a") && len(sess.active()) == 0 }, waitFor, tick)
	assert.Equal(t, job.StateDeleted, h.state("a"))
	assert.Empty(t, h.ctrl.Status().Running)
}
