package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/mattjoyce/darkroom/internal/processor"
)

// fakeSession records submissions and lets tests complete them by hand.
type fakeSession struct {
	limit int

	mu          sync.Mutex
	callbacks   map[string]processor.Callback
	submitted   []processor.Request
	interrupted []string
	violations  int
	closed      bool
	done        chan struct{}
	doneOnce    sync.Once
}

func newFakeSession(limit int) *fakeSession {
	return &fakeSession{
		limit:     limit,
		callbacks: make(map[string]processor.Callback),
		done:      make(chan struct{}),
	}
}

func (s *fakeSession) Submit(_ context.Context, req processor.Request, cb processor.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.callbacks) >= s.limit {
		s.violations++
	}
	s.callbacks[req.JobID] = cb
	s.submitted = append(s.submitted, req)
	return nil
}

func (s *fakeSession) Interrupt(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, jobID)
	s.interrupted = append(s.interrupted, jobID)
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.callbacks = make(map[string]processor.Callback)
	s.mu.Unlock()
	return nil
}

// kill simulates the session dying underneath the controller.
func (s *fakeSession) kill() {
	s.doneOnce.Do(func() { close(s.done) })
}

// finish delivers an outcome for a submitted job. It reports false if the
// job is not active on this session.
func (s *fakeSession) finish(jobID, result string, err error) bool {
	s.mu.Lock()
	cb, ok := s.callbacks[jobID]
	delete(s.callbacks, jobID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	cb(processor.Outcome{JobID: jobID, Result: result, Err: err})
	return true
}

func (s *fakeSession) callback(jobID string) processor.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks[jobID]
}

func (s *fakeSession) active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.callbacks))
	for id := range s.callbacks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *fakeSession) submissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.submitted))
	for _, r := range s.submitted {
		out = append(out, r.JobID)
	}
	return out
}

func (s *fakeSession) lastRequest() processor.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted[len(s.submitted)-1]
}

func (s *fakeSession) wasInterrupted(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.interrupted {
		if id == jobID {
			return true
		}
	}
	return false
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeBackend hands out a fresh fakeSession per Connect.
type fakeBackend struct {
	limit int

	mu       sync.Mutex
	sessions []*fakeSession
}

func (b *fakeBackend) Connect(context.Context, string) (processor.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newFakeSession(b.limit)
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBackend) current() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

type fakeReporter struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	deleted   []string
}

func (r *fakeReporter) OnJobCompleted(_, jobID, _ string) {
	r.mu.Lock()
	r.completed = append(r.completed, jobID)
	r.mu.Unlock()
}

func (r *fakeReporter) OnJobFailed(_, jobID string, _ error) {
	r.mu.Lock()
	r.failed = append(r.failed, jobID)
	r.mu.Unlock()
}

func (r *fakeReporter) OnJobDeleted(_, jobID string) {
	r.mu.Lock()
	r.deleted = append(r.deleted, jobID)
	r.mu.Unlock()
}

func (r *fakeReporter) snapshot() (completed, failed, deleted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.completed...), append([]string(nil), r.failed...), append([]string(nil), r.deleted...)
}
