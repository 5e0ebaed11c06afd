package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/darkroom/internal/log"
)

// ErrUnknownSource is returned by SetIgnored for a name no source carries.
var ErrUnknownSource = errors.New("unknown policy source")

// Aggregate is the combined decision published to the dispatcher.
type Aggregate struct {
	MustPause       bool     `json:"must_pause"`
	RequireCharging bool     `json:"require_charging"`
	Charging        bool     `json:"charging"`
	Blockers        []string `json:"blockers,omitempty"`
}

// SourceStatus describes one source for introspection.
type SourceStatus struct {
	Name     string   `json:"name"`
	Level    int      `json:"level"`
	Ignored  bool     `json:"ignored"`
	Decision Decision `json:"decision"`
}

// Aggregator combines sources: any source demanding a pause wins, and any
// charging-only requirement pauses unless some source reports charging.
type Aggregator struct {
	sources []Source
	logger  *slog.Logger

	// pubMu serializes recompute+deliver so subscribers see updates in order.
	pubMu sync.Mutex

	mu      sync.Mutex
	current Aggregate
	subs    map[int]func(Aggregate)
	nextSub int
}

func NewAggregator(logger *slog.Logger, sources ...Source) *Aggregator {
	if logger == nil {
		logger = log.WithComponent("policy")
	}
	a := &Aggregator{
		sources: sources,
		logger:  logger,
		subs:    make(map[int]func(Aggregate)),
	}
	a.current = a.combine()
	for _, s := range sources {
		s.Watch(a.recompute)
	}
	return a
}

// OnEventChange routes an environment event to every source handling it.
func (a *Aggregator) OnEventChange(ev EventType, value int) {
	a.logger.Debug("policy event", "event", ev.String(), "value", value)
	for _, s := range a.sources {
		if s.Handles(ev) {
			s.OnEventChange(ev, value)
		}
	}
}

// Current returns the latest aggregate decision.
func (a *Aggregator) Current() Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Subscribe registers fn for every republished decision. fn must not block
// or call back into the aggregator.
func (a *Aggregator) Subscribe(fn func(Aggregate)) func() {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// SetIgnored toggles a source by name at runtime.
func (a *Aggregator) SetIgnored(name string, ignored bool) error {
	for _, s := range a.sources {
		if s.Name() == name {
			s.SetIgnored(ignored)
			a.logger.Info("policy source toggled", "source", name, "ignored", ignored)
			return nil
		}
	}
	return fmt.Errorf("%q: %w", name, ErrUnknownSource)
}

// Sources reports the state of every source, sorted by name.
func (a *Aggregator) Sources() []SourceStatus {
	out := make([]SourceStatus, 0, len(a.sources))
	for _, s := range a.sources {
		out = append(out, SourceStatus{
			Name:     s.Name(),
			Level:    s.Level(),
			Ignored:  s.Ignored(),
			Decision: s.Decision(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *Aggregator) recompute() {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	agg := a.combine()

	a.mu.Lock()
	prev := a.current
	a.current = agg
	ids := make([]int, 0, len(a.subs))
	for id := range a.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Aggregate), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, a.subs[id])
	}
	a.mu.Unlock()

	if prev.MustPause != agg.MustPause {
		a.logger.Info("scheduler gate changed", "must_pause", agg.MustPause, "blockers", agg.Blockers)
	}
	for _, fn := range subs {
		fn(agg)
	}
}

func (a *Aggregator) combine() Aggregate {
	var agg Aggregate
	var chargingOnly []string
	for _, s := range a.sources {
		d := s.Decision()
		if d.MustPause {
			agg.MustPause = true
			agg.Blockers = append(agg.Blockers, s.Name())
		}
		if d.AllowOnlyWhenCharging {
			agg.RequireCharging = true
			chargingOnly = append(chargingOnly, s.Name())
		}
		if d.Charging {
			agg.Charging = true
		}
	}
	if agg.RequireCharging && !agg.Charging {
		agg.MustPause = true
		for _, name := range chargingOnly {
			agg.Blockers = append(agg.Blockers, name+":not_charging")
		}
	}
	return agg
}
