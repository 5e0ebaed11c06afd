package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/darkroom/internal/config"
	"github.com/mattjoyce/darkroom/internal/events"
	"github.com/mattjoyce/darkroom/internal/job"
	"github.com/mattjoyce/darkroom/internal/log"
	"github.com/mattjoyce/darkroom/internal/policy"
	"github.com/mattjoyce/darkroom/internal/processor"
	"github.com/mattjoyce/darkroom/internal/queue"
)

// Options wires a Controller. Reporter, Events and Logger are optional.
type Options struct {
	UserID   string
	Config   config.SchedulerConfig
	Repo     *queue.Repository
	Policy   *policy.Aggregator
	Backend  processor.Backend
	Reporter Reporter
	Events   *events.Hub
	Logger   *slog.Logger
}

// Controller runs one user's jobs. See the package documentation.
type Controller struct {
	userID   string
	cfg      config.SchedulerConfig
	repo     *queue.Repository
	policy   *policy.Aggregator
	backend  processor.Backend
	reporter Reporter
	hub      *events.Hub
	logger   *slog.Logger
	limiter  *rate.Limiter

	wake       chan struct{}
	policyCh   chan policy.Aggregate
	outcomes   chan outcomeMsg
	timeouts   chan timeoutMsg
	retries    chan string
	reconnects chan struct{}
	stop       chan struct{}
	startOnce  sync.Once

	// reconnectArmed is owned by the event loop.
	reconnectArmed bool

	mu          sync.Mutex
	runningWork map[string]*Work
	retryTimers map[string]*time.Timer
	session     processor.Session
	paused      bool
	charging    bool
}

func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithUser("dispatch", opts.UserID)
	}
	cfg := opts.Config
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	interval := rate.Inf
	if cfg.ReconnectInterval > 0 {
		interval = rate.Every(cfg.ReconnectInterval)
	}
	burst := cfg.ReconnectBurst
	if burst < 1 {
		burst = 1
	}

	return &Controller{
		userID:      opts.UserID,
		cfg:         cfg,
		repo:        opts.Repo,
		policy:      opts.Policy,
		backend:     opts.Backend,
		reporter:    opts.Reporter,
		hub:         opts.Events,
		logger:      logger,
		limiter:     rate.NewLimiter(interval, burst),
		wake:        make(chan struct{}, 1),
		policyCh:    make(chan policy.Aggregate, 1),
		outcomes:    make(chan outcomeMsg),
		timeouts:    make(chan timeoutMsg),
		retries:     make(chan string),
		reconnects:  make(chan struct{}),
		stop:        make(chan struct{}),
		runningWork: make(map[string]*Work),
		retryTimers: make(map[string]*time.Timer),
	}
}

// OnJobAdded implements queue.Listener. Restored jobs arrive here too.
func (c *Controller) OnJobAdded(id string) {
	if j, ok := c.repo.Lookup(id); ok {
		c.publish(events.JobAdded, map[string]any{"job_id": id, "class": j.Class.String()})
	}
	c.kick()
}

// OnRunningCountChanged implements queue.Listener.
func (c *Controller) OnRunningCountChanged(int) { c.kick() }

func (c *Controller) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// onPolicy keeps only the latest aggregate in policyCh.
func (c *Controller) onPolicy(a policy.Aggregate) {
	for {
		select {
		case c.policyCh <- a:
			return
		default:
		}
		select {
		case <-c.policyCh:
		default:
		}
	}
}

// Start runs the event loop until ctx is cancelled. It may be called once.
func (c *Controller) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("controller already started")
	}

	c.logger.Info("dispatch loop started", "concurrency", c.cfg.Concurrency)
	defer c.logger.Info("dispatch loop stopped")
	defer close(c.stop)

	unlisten := c.repo.RegisterJobListener(c)
	defer unlisten()
	if c.policy != nil {
		defer c.policy.Subscribe(c.onPolicy)()
		c.applyPolicy(c.policy.Current())
	}
	c.admit(ctx)

	var idle *time.Timer
	var idleC <-chan time.Time
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		if c.idleEligible() {
			if idle == nil {
				idle = time.NewTimer(c.cfg.IdleTimeout)
				idleC = idle.C
			}
		} else if idle != nil {
			idle.Stop()
			idle, idleC = nil, nil
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.wake:
		case a := <-c.policyCh:
			c.applyPolicy(a)
		case m := <-c.outcomes:
			c.handleOutcome(m)
		case m := <-c.timeouts:
			c.handleTimeout(m)
		case id := <-c.retries:
			c.handleRetry(id)
		case <-c.reconnects:
			c.reconnectArmed = false
		case <-c.sessionDone():
			c.handleSessionDeath()
		case <-idleC:
			idle, idleC = nil, nil
			if c.idleEligible() {
				c.closeSession("idle")
			}
		}
		c.admit(ctx)
	}
}

// admit hands pending jobs to the session until the limit is reached, the
// queue is empty, the policy pauses, or no session can be had.
func (c *Controller) admit(ctx context.Context) {
	for {
		c.mu.Lock()
		blocked := c.paused || len(c.runningWork) >= c.cfg.Concurrency
		charging := c.charging
		c.mu.Unlock()
		if blocked {
			return
		}

		j, ok := c.repo.GetJob()
		if !ok {
			return
		}

		sess, err := c.ensureSession(ctx)
		if err != nil {
			c.logger.Warn("processing session unavailable", "error", err)
			return
		}

		w := newWork(j.ID, modeFor(j, charging))
		c.mu.Lock()
		c.runningWork[j.ID] = w
		c.mu.Unlock()

		if err := c.repo.SetJobRunning(j.ID); err != nil {
			c.logger.Debug("admission lost race", "job_id", j.ID, "error", err)
			c.takeWork(j.ID, w.Token)
			continue
		}

		token := w.Token
		c.mu.Lock()
		if c.runningWork[j.ID] != w {
			c.mu.Unlock()
			continue
		}
		w.timer = time.AfterFunc(c.cfg.JobTimeout, func() {
			send(c.stop, c.timeouts, timeoutMsg{jobID: j.ID, token: token})
		})
		c.mu.Unlock()

		req := processor.Request{
			UserID:   c.userID,
			JobID:    j.ID,
			Payload:  j.Payload,
			Mode:     w.Mode,
			Deadline: w.StartedAt.Add(c.cfg.JobTimeout),
		}
		c.logger.Info("job admitted", "job_id", j.ID, "mode", w.Mode.String(), "attempt", j.Attempts+1, "class", j.Class.String())
		c.publish(events.JobStarted, map[string]any{"job_id": j.ID, "mode": w.Mode.String(), "token": token.String()})

		if !c.holds(w) {
			continue
		}
		err = sess.Submit(ctx, req, func(o processor.Outcome) {
			go send(c.stop, c.outcomes, outcomeMsg{token: token, outcome: o})
		})
		if err != nil {
			if c.takeWork(j.ID, token) == nil {
				continue
			}
			c.logger.Warn("submit failed", "job_id", j.ID, "error", err)
			if errors.Is(err, job.ErrResourceUnavailable) {
				// The session could not take the job; the job itself did
				// not fail.
				c.requeue(j.ID)
				c.resetSession("submit failed")
				return
			}
			c.fail(j.ID, fmt.Errorf("submit: %w", err))
			continue
		}
		if !c.holds(w) {
			// Removed while being submitted.
			sess.Interrupt(j.ID)
		}
	}
}

// holds reports whether w is still the running Work for its job.
func (c *Controller) holds(w *Work) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningWork[w.JobID] == w
}

// requeue returns a job that never reached the processor to PENDING
// without counting a failure.
func (c *Controller) requeue(id string) {
	if err := c.repo.SetJobPause(id); err != nil {
		c.logger.Warn("failed to requeue job", "job_id", id, "error", err)
		return
	}
	if err := c.repo.SetJobPending(id); err != nil {
		c.logger.Warn("failed to requeue job", "job_id", id, "error", err)
		return
	}
	c.logger.Info("job requeued", "job_id", id)
}

func modeFor(j job.Job, charging bool) processor.Mode {
	if charging || j.Urgent {
		return processor.ModePerformance
	}
	return processor.ModeLoadBalanced
}

// ensureSession connects lazily, throttled by the reconnect limiter.
func (c *Controller) ensureSession(ctx context.Context) (processor.Session, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		return sess, nil
	}
	if c.reconnectArmed {
		return nil, fmt.Errorf("%w: waiting to reconnect", job.ErrResourceUnavailable)
	}

	res := c.limiter.Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		c.armReconnect(d)
		return nil, fmt.Errorf("%w: reconnect throttled for %s", job.ErrResourceUnavailable, d)
	}

	sess, err := c.backend.Connect(ctx, c.userID)
	if err != nil {
		c.armReconnect(c.cfg.ReconnectInterval)
		return nil, fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.logger.Info("processing session opened")
	c.publish(events.SessionOpened, nil)
	return sess, nil
}

func (c *Controller) armReconnect(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	c.reconnectArmed = true
	time.AfterFunc(d, func() { send(c.stop, c.reconnects, struct{}{}) })
}

func (c *Controller) sessionDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Done()
}

func (c *Controller) idleEligible() bool {
	if c.cfg.IdleTimeout <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && len(c.runningWork) == 0
}

// takeWork removes and returns the running Work for id if its token matches.
func (c *Controller) takeWork(id string, token uuid.UUID) *Work {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.runningWork[id]
	if !ok || w.Token != token {
		return nil
	}
	delete(c.runningWork, id)
	w.stopTimer()
	return w
}

// takeAllWork empties runningWork, returning the removed records by job id.
func (c *Controller) takeAllWork() []*Work {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Work, 0, len(c.runningWork))
	for _, w := range c.runningWork {
		w.stopTimer()
		out = append(out, w)
	}
	c.runningWork = make(map[string]*Work)
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (c *Controller) handleOutcome(m outcomeMsg) {
	w := c.takeWork(m.outcome.JobID, m.token)
	if w == nil {
		c.logger.Debug("dropping stale callback", "job_id", m.outcome.JobID)
		return
	}
	id := w.JobID
	if m.outcome.Err != nil {
		c.fail(id, m.outcome.Err)
		return
	}

	if err := c.repo.SetJobCompleted(id); err != nil {
		c.logger.Warn("failed to complete job", "job_id", id, "error", err)
		return
	}
	elapsed := time.Since(w.StartedAt)
	c.logger.Info("job completed", "job_id", id, "duration", elapsed.String())
	c.publish(events.JobCompleted, map[string]any{"job_id": id, "result": m.outcome.Result, "duration_ms": elapsed.Milliseconds()})
	if c.reporter != nil {
		c.reporter.OnJobCompleted(c.userID, id, m.outcome.Result)
	}
}

// fail classifies err for a job that is no longer running.
func (c *Controller) fail(id string, err error) {
	if !job.IsTransient(err) {
		c.giveUp(id, err)
		return
	}
	if e := c.repo.SetJobFailed(id, err); e != nil {
		c.logger.Warn("failed to record failure", "job_id", id, "error", e)
		return
	}
	j, ok := c.repo.Lookup(id)
	if !ok {
		return
	}
	c.publish(events.JobFailed, map[string]any{"job_id": id, "failures": j.Failures, "error": err.Error()})
	if j.Failures > c.cfg.MaxRetries {
		c.giveUp(id, fmt.Errorf("gave up after %d failures: %w", j.Failures, err))
		return
	}

	delay := c.cfg.BackoffFor(j.Failures)
	c.logger.Info("job failed, retrying", "job_id", id, "failures", j.Failures, "delay", delay.String(), "error", err)
	c.publish(events.JobRetrying, map[string]any{"job_id": id, "failures": j.Failures, "delay_ms": delay.Milliseconds(), "error": err.Error()})

	c.mu.Lock()
	if t, ok := c.retryTimers[id]; ok {
		t.Stop()
	}
	c.retryTimers[id] = time.AfterFunc(delay, func() { send(c.stop, c.retries, id) })
	c.mu.Unlock()
}

func (c *Controller) giveUp(id string, err error) {
	if e := c.repo.SetJobError(id, err); e != nil {
		c.logger.Warn("failed to record error", "job_id", id, "error", e)
		return
	}
	c.logger.Error("job failed permanently", "job_id", id, "error", err)
	c.publish(events.JobError, map[string]any{"job_id": id, "error": err.Error()})
	if c.reporter != nil {
		c.reporter.OnJobFailed(c.userID, id, err)
	}
}

func (c *Controller) handleRetry(id string) {
	c.mu.Lock()
	delete(c.retryTimers, id)
	c.mu.Unlock()

	if err := c.repo.SetJobPending(id); err != nil {
		c.logger.Debug("retry skipped", "job_id", id, "error", err)
	}
}

func (c *Controller) handleTimeout(m timeoutMsg) {
	w := c.takeWork(m.jobID, m.token)
	if w == nil {
		return
	}
	c.logger.Warn("watchdog expired", "job_id", m.jobID, "timeout", c.cfg.JobTimeout.String())
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		sess.Interrupt(m.jobID)
	}
	c.fail(m.jobID, fmt.Errorf("watchdog: no result after %s: %w", c.cfg.JobTimeout, context.DeadlineExceeded))
	c.resetSession("watchdog")
}

// resetSession closes the session and fails every Work still on it.
func (c *Controller) resetSession(reason string) {
	works := c.takeAllWork()
	c.closeSession(reason)
	for _, w := range works {
		c.fail(w.JobID, fmt.Errorf("session reset (%s): %w", reason, job.ErrResourceUnavailable))
	}
}

func (c *Controller) handleSessionDeath() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	works := c.takeAllWork()
	c.logger.Warn("processing session died", "active_work", len(works))
	c.publish(events.SessionClosed, map[string]any{"reason": "died"})
	for _, w := range works {
		c.fail(w.JobID, fmt.Errorf("session died: %w", job.ErrResourceUnavailable))
	}
}

func (c *Controller) closeSession(reason string) {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		c.logger.Warn("failed to close session", "error", err)
	}
	c.logger.Info("processing session closed", "reason", reason)
	c.publish(events.SessionClosed, map[string]any{"reason": reason})
}

func (c *Controller) applyPolicy(a policy.Aggregate) {
	c.mu.Lock()
	wasPaused := c.paused
	c.paused = a.MustPause
	c.charging = a.Charging
	c.mu.Unlock()

	switch {
	case a.MustPause && !wasPaused:
		c.suspendAll(a.Blockers)
	case !a.MustPause && wasPaused:
		c.resumeAll()
	}
}

// suspendAll interrupts every running Work and parks its job in PAUSE.
func (c *Controller) suspendAll(blockers []string) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	works := c.takeAllWork()

	c.logger.Info("scheduler paused", "blockers", blockers, "interrupted", len(works))
	c.publish(events.SchedulerPaused, map[string]any{"blockers": blockers})
	for _, w := range works {
		if sess != nil {
			sess.Interrupt(w.JobID)
		}
		if err := c.repo.SetJobPause(w.JobID); err != nil {
			c.logger.Warn("failed to pause job", "job_id", w.JobID, "error", err)
			continue
		}
		c.publish(events.JobPaused, map[string]any{"job_id": w.JobID})
	}
}

func (c *Controller) resumeAll() {
	ids := c.repo.JobsInState(job.StatePause)
	c.logger.Info("scheduler resumed", "paused_jobs", len(ids))
	c.publish(events.SchedulerResumed, nil)
	for _, id := range ids {
		if err := c.repo.SetJobPending(id); err != nil {
			c.logger.Warn("failed to resume job", "job_id", id, "error", err)
			continue
		}
		c.publish(events.JobResumed, map[string]any{"job_id": id})
	}
}

// Remove deletes a job through the repository and cancels its Work if it
// was in flight. It returns false when the repository refused the removal.
func (c *Controller) Remove(id string, soft bool) bool {
	if !c.repo.RemoveJob(id, soft) {
		return false
	}

	c.mu.Lock()
	w, running := c.runningWork[id]
	if running {
		delete(c.runningWork, id)
		w.stopTimer()
	}
	if t, ok := c.retryTimers[id]; ok {
		t.Stop()
		delete(c.retryTimers, id)
	}
	sess := c.session
	c.mu.Unlock()

	if running && sess != nil {
		sess.Interrupt(id)
	}
	c.logger.Info("job removed", "job_id", id, "soft", soft, "was_running", running)
	c.publish(events.JobDeleted, map[string]any{"job_id": id, "soft": soft})
	if c.reporter != nil {
		c.reporter.OnJobDeleted(c.userID, id)
	}
	c.kick()
	return true
}

// Status returns a snapshot for introspection.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		User:        c.userID,
		Paused:      c.paused,
		Charging:    c.charging,
		SessionOpen: c.session != nil,
		Limit:       c.cfg.Concurrency,
		Running:     make([]WorkInfo, 0, len(c.runningWork)),
	}
	for _, w := range c.runningWork {
		st.Running = append(st.Running, WorkInfo{
			JobID:     w.JobID,
			Mode:      w.Mode.String(),
			StartedAt: w.StartedAt,
			Token:     w.Token.String(),
		})
	}
	sort.Slice(st.Running, func(i, j int) bool { return st.Running[i].JobID < st.Running[j].JobID })
	return st
}

// shutdown stops timers, parks running jobs in PAUSE and closes the session.
func (c *Controller) shutdown() {
	c.mu.Lock()
	for id, t := range c.retryTimers {
		t.Stop()
		delete(c.retryTimers, id)
	}
	c.mu.Unlock()

	works := c.takeAllWork()
	c.closeSession("shutdown")
	for _, w := range works {
		if err := c.repo.SetJobPause(w.JobID); err != nil {
			c.logger.Debug("failed to park job", "job_id", w.JobID, "error", err)
		}
	}
}

func (c *Controller) publish(eventType string, data any) {
	c.hub.Publish(c.userID, eventType, data)
}
