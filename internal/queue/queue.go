package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/darkroom/internal/job"
	"github.com/mattjoyce/darkroom/internal/log"
	"github.com/mattjoyce/darkroom/internal/pqueue"
)

// legalFrom lists, for each target state, the states a job may leave to
// reach it. Same-state transitions are rejected before this table is used.
var legalFrom = map[job.State][]job.State{
	job.StatePending:   {job.StateNone, job.StatePause, job.StateFailed, job.StateDeleted},
	job.StateRunning:   {job.StatePending},
	job.StateCompleted: {job.StateRunning},
	job.StateFailed:    {job.StateRunning},
	job.StateError:     {job.StateRunning, job.StateFailed, job.StatePending, job.StatePause},
	job.StatePause:     {job.StatePending, job.StateRunning},
}

func legal(from, to job.State) bool {
	for _, s := range legalFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Repository owns the pending queue, the running set and job lookup for one
// user scope. All methods are safe for concurrent use; listeners are called
// after the lock is released.
type Repository struct {
	mu        sync.Mutex
	table     job.PriorityTable
	pending   *pqueue.Queue[*job.Job]
	running   map[string]struct{}
	byID      map[string]*job.Job
	listeners map[int]Listener
	nextLis   int
	logger    *slog.Logger
}

// NewRepository creates an empty repository ordered by table.
func NewRepository(table job.PriorityTable, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = log.WithComponent("queue")
	}
	return &Repository{
		table:     table,
		pending:   pqueue.New(table.Greater),
		running:   make(map[string]struct{}),
		byID:      make(map[string]*job.Job),
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// AddJob creates a job and enqueues it as pending. An id that is already
// known is rejected with job.ErrConflict, unless the existing job ended in
// ERROR, in which case it is replaced.
func (r *Repository) AddJob(id string, payload job.Payload, opts ...AddOption) (job.Job, error) {
	if id == "" {
		return job.Job{}, fmt.Errorf("job id is empty")
	}

	r.mu.Lock()
	if existing, ok := r.byID[id]; ok {
		if existing.State != job.StateError {
			r.mu.Unlock()
			return job.Job{}, fmt.Errorf("add %s: %w", id, job.ErrConflict)
		}
		delete(r.byID, id)
	}

	j := job.New(id, payload)
	for _, opt := range opts {
		opt(j)
	}
	j.SetState(job.StatePending)
	j.Class = job.Classify(j)
	r.byID[id] = j
	r.pending.Push(j)
	out := *j
	listeners := r.listenersLocked()
	r.mu.Unlock()

	r.logger.Debug("job added", "job_id", id, "class", out.Class.String(), "discardable", out.Discardable)
	for _, l := range listeners {
		l.OnJobAdded(id)
	}
	return out, nil
}

// GetJob returns the highest-priority pending job without removing it.
func (r *Repository) GetJob() (job.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.pending.Peek()
	if !ok {
		return job.Job{}, false
	}
	return *j, true
}

// Lookup returns a job by id in any state the repository still tracks.
func (r *Repository) Lookup(id string) (job.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok {
		return job.Job{}, false
	}
	return *j, true
}

func (r *Repository) SetJobPending(id string) error {
	return r.transition(id, job.StatePending, nil)
}

func (r *Repository) SetJobRunning(id string) error {
	return r.transition(id, job.StateRunning, nil)
}

func (r *Repository) SetJobCompleted(id string) error {
	return r.transition(id, job.StateCompleted, nil)
}

func (r *Repository) SetJobPause(id string) error {
	return r.transition(id, job.StatePause, nil)
}

// SetJobFailed records a transient failure. The job leaves both the queue
// and the running set but stays known so it can be retried.
func (r *Repository) SetJobFailed(id string, cause error) error {
	return r.transition(id, job.StateFailed, cause)
}

// SetJobError records a failure that will not be retried.
func (r *Repository) SetJobError(id string, cause error) error {
	return r.transition(id, job.StateError, cause)
}

func (r *Repository) transition(id string, to job.State, cause error) error {
	r.mu.Lock()
	j, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("set %s %s: %w", id, to, job.ErrNotFound)
	}
	from := j.State
	if from == to || !legal(from, to) {
		r.mu.Unlock()
		return &job.TransitionError{ID: id, From: from, To: to}
	}

	_, wasRunning := r.running[id]
	j.SetState(to)

	switch to {
	case job.StatePending:
		delete(r.running, id)
		j.Class = job.Classify(j)
		r.pending.Push(j)
	case job.StateRunning:
		r.pending.Remove(j)
		r.running[id] = struct{}{}
		j.Attempts++
	case job.StateCompleted:
		r.pending.Remove(j)
		delete(r.running, id)
		delete(r.byID, id)
	case job.StateFailed:
		r.pending.Remove(j)
		delete(r.running, id)
		j.Failures++
		if cause != nil {
			j.LastError = cause.Error()
		}
	case job.StateError:
		r.pending.Remove(j)
		delete(r.running, id)
		if cause != nil {
			j.LastError = cause.Error()
		}
	case job.StatePause:
		r.pending.Remove(j)
		delete(r.running, id)
	}

	_, isRunning := r.running[id]
	count := len(r.running)
	listeners := r.listenersLocked()
	r.mu.Unlock()

	r.logger.Debug("job state changed", "job_id", id, "from", from.String(), "to", to.String())
	if wasRunning != isRunning {
		for _, l := range listeners {
			l.OnRunningCountChanged(count)
		}
	}
	return nil
}

// Prioritize sets or clears the urgency hint. A pending job is repositioned
// in the queue immediately.
func (r *Repository) Prioritize(id string, urgent bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("prioritize %s: %w", id, job.ErrNotFound)
	}
	if j.Urgent == urgent {
		return &job.TransitionError{ID: id, From: j.State, To: j.State}
	}
	j.Urgent = urgent
	if j.State != job.StatePending {
		return nil
	}
	if !urgent && j.Class == job.ClassUrgent {
		j.Class = job.ClassNone
	}
	j.Class = job.Classify(j)
	r.pending.Update(j)
	return nil
}

// RemoveJob deletes a job. A running job that is not discardable is left
// alone and false is returned. A soft delete keeps the job as DELETED so it
// can be restored; a hard delete forgets it.
func (r *Repository) RemoveJob(id string, soft bool) bool {
	r.mu.Lock()
	j, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	_, wasRunning := r.running[id]
	if wasRunning && !j.Discardable {
		r.mu.Unlock()
		r.logger.Info("ignoring removal of in-flight job", "job_id", id)
		return false
	}
	if soft && j.State == job.StateDeleted {
		r.mu.Unlock()
		return false
	}

	r.pending.Remove(j)
	delete(r.running, id)
	if soft {
		j.SetState(job.StateDeleted)
	} else {
		delete(r.byID, id)
	}
	count := len(r.running)
	listeners := r.listenersLocked()
	r.mu.Unlock()

	r.logger.Debug("job removed", "job_id", id, "soft", soft)
	if wasRunning {
		for _, l := range listeners {
			l.OnRunningCountChanged(count)
		}
	}
	return true
}

// RestoreJob reverses a soft delete, returning the job to PENDING with the
// priority class it held before deletion. Listeners see it as added.
func (r *Repository) RestoreJob(id string) error {
	r.mu.Lock()
	j, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("restore %s: %w", id, job.ErrNotFound)
	}
	if j.State != job.StateDeleted {
		r.mu.Unlock()
		return &job.TransitionError{ID: id, From: j.State, To: job.StatePending}
	}
	r.mu.Unlock()
	if err := r.transition(id, job.StatePending, nil); err != nil {
		return err
	}

	// A restored job is new work as far as listeners are concerned.
	r.mu.Lock()
	listeners := r.listenersLocked()
	r.mu.Unlock()
	for _, l := range listeners {
		l.OnJobAdded(id)
	}
	return nil
}

func (r *Repository) GetRunningJobCounts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// GetRunningJobList returns the running ids in lexical order.
func (r *Repository) GetRunningJobList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingJobs returns copies of the pending jobs in dequeue order.
func (r *Repository) PendingJobs() []job.Job {
	r.mu.Lock()
	els := r.pending.Elements()
	sort.Slice(els, func(a, b int) bool { return r.table.Greater(els[a], els[b]) })
	out := make([]job.Job, len(els))
	for i, j := range els {
		out[i] = *j
	}
	r.mu.Unlock()
	return out
}

// JobsInState returns the ids of known jobs in state s, oldest first.
func (r *Repository) JobsInState(s job.State) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*job.Job
	for _, j := range r.byID {
		if j.State == s {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].Seq() < matched[b].Seq() })
	ids := make([]string, len(matched))
	for i, j := range matched {
		ids[i] = j.ID
	}
	return ids
}

// Snapshot summarizes the repository for telemetry.
func (r *Repository) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		Pending: r.pending.Len(),
		Running: len(r.running),
		Known:   len(r.byID),
		ByState: make(map[string]int),
	}
	for _, j := range r.byID {
		st.ByState[j.State.String()]++
	}
	return st
}

// RegisterJobListener subscribes l and returns a function that removes it.
func (r *Repository) RegisterJobListener(l Listener) func() {
	r.mu.Lock()
	id := r.nextLis
	r.nextLis++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// ClearCache drops the pending queue and the running set. Known jobs stay
// available to Lookup for diagnostics.
func (r *Repository) ClearCache() {
	r.mu.Lock()
	hadRunning := len(r.running) > 0
	r.pending.Clear()
	r.running = make(map[string]struct{})
	listeners := r.listenersLocked()
	r.mu.Unlock()

	r.logger.Info("repository cache cleared")
	if hadRunning {
		for _, l := range listeners {
			l.OnRunningCountChanged(0)
		}
	}
}

func (r *Repository) listenersLocked() []Listener {
	out := make([]Listener, 0, len(r.listeners))
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		out = append(out, r.listeners[id])
	}
	return out
}
