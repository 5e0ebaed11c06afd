// Package registry holds one scheduler scope per user: a job repository and
// the dispatch controller draining it. The policy aggregator is shared
// because device conditions apply to every user.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/darkroom/internal/config"
	"github.com/mattjoyce/darkroom/internal/dispatch"
	"github.com/mattjoyce/darkroom/internal/events"
	"github.com/mattjoyce/darkroom/internal/log"
	"github.com/mattjoyce/darkroom/internal/policy"
	"github.com/mattjoyce/darkroom/internal/processor"
	"github.com/mattjoyce/darkroom/internal/queue"
)

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrUserExists  = errors.New("user scope already open")
	ErrClosed      = errors.New("registry closed")
)

// Scope is one user's scheduler.
type Scope struct {
	UserID     string
	Repo       *queue.Repository
	Controller *dispatch.Controller

	cancel context.CancelFunc
	done   chan struct{}
}

// Registry creates and tears down user scopes.
type Registry struct {
	cfg      config.SchedulerConfig
	policy   *policy.Aggregator
	backend  processor.Backend
	reporter dispatch.Reporter
	hub      *events.Hub
	logger   *slog.Logger

	mu     sync.Mutex
	scopes map[string]*Scope
	closed bool
}

// Options configures a Registry. Reporter and Events are optional.
type Options struct {
	Config   config.SchedulerConfig
	Policy   *policy.Aggregator
	Backend  processor.Backend
	Reporter dispatch.Reporter
	Events   *events.Hub
}

func New(opts Options) *Registry {
	return &Registry{
		cfg:      opts.Config,
		policy:   opts.Policy,
		backend:  opts.Backend,
		reporter: opts.Reporter,
		hub:      opts.Events,
		logger:   log.WithComponent("registry"),
		scopes:   make(map[string]*Scope),
	}
}

// Open creates the scope for userID and starts its controller.
func (r *Registry) Open(userID string) (*Scope, error) {
	if userID == "" {
		return nil, fmt.Errorf("open scope: empty user id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.scopes[userID]; ok {
		return nil, fmt.Errorf("open %s: %w", userID, ErrUserExists)
	}

	repo := queue.NewRepository(r.cfg.Priority, log.WithUser("queue", userID))
	ctrl := dispatch.NewController(dispatch.Options{
		UserID:   userID,
		Config:   r.cfg,
		Repo:     repo,
		Policy:   r.policy,
		Backend:  r.backend,
		Reporter: r.reporter,
		Events:   r.hub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scope{
		UserID:     userID,
		Repo:       repo,
		Controller: ctrl,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := ctrl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("controller stopped", "user_id", userID, "error", err)
		}
	}()

	r.scopes[userID] = s
	r.logger.Info("user scope opened", "user_id", userID)
	return s, nil
}

// Get returns the open scope for userID.
func (r *Registry) Get(userID string) (*Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scopes[userID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", userID, ErrUnknownUser)
	}
	return s, nil
}

// Close stops userID's controller and drops the scope. Pending jobs are
// discarded with it.
func (r *Registry) Close(userID string) error {
	r.mu.Lock()
	s, ok := r.scopes[userID]
	if ok {
		delete(r.scopes, userID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("close %s: %w", userID, ErrUnknownUser)
	}

	s.cancel()
	<-s.done
	s.Repo.ClearCache()
	r.logger.Info("user scope closed", "user_id", userID)
	return nil
}

// List returns the open user ids in lexical order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.scopes))
	for id := range r.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run blocks until ctx is done, then closes every scope.
func (r *Registry) Run(ctx context.Context) error {
	<-ctx.Done()
	r.Shutdown()
	return nil
}

// Shutdown closes every scope and refuses new ones.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.scopes))
	for id := range r.scopes {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Close(id)
	}
}
