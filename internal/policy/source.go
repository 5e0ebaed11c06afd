// Package policy turns environment signals (charging, battery, screen,
// thermal, camera contention) into a single pause/resume decision for the
// dispatcher.
//
// Each Source tracks one level and derives a local Decision from it. The
// Aggregator combines every source into an Aggregate and republishes it to
// subscribers whenever any source changes. Adding a constraint means adding
// a Source; nothing else changes.
package policy

import (
	"fmt"
	"strings"
	"sync"
)

type EventType int

const (
	EventCharging EventType = iota
	EventBatteryLevel
	EventScreen
	EventThermal
	EventCameraSession
)

var eventNames = map[EventType]string{
	EventCharging:      "charging",
	EventBatteryLevel:  "battery_level",
	EventScreen:        "screen",
	EventThermal:       "thermal",
	EventCameraSession: "camera_session",
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ParseEventType accepts the names produced by EventType.String.
func ParseEventType(s string) (EventType, error) {
	for ev, name := range eventNames {
		if strings.EqualFold(name, s) {
			return ev, nil
		}
	}
	return 0, fmt.Errorf("unknown policy event type %q", s)
}

// Thermal levels reported with EventThermal.
const (
	ThermalCool = iota
	ThermalNormal
	ThermalWarm
	ThermalHot
	ThermalOverheated
	ThermalEmergency
)

// Decision is one source's view of whether background work may run.
type Decision struct {
	MustPause             bool `json:"must_pause"`
	AllowOnlyWhenCharging bool `json:"allow_only_when_charging"`
	// Charging is set by sources that observe the power supply.
	Charging bool `json:"charging"`
}

// Source is an independent environment signal.
type Source interface {
	Name() string
	Handles(ev EventType) bool
	OnEventChange(ev EventType, value int)
	Level() int
	// Decision returns the permissive decision while the source is ignored.
	Decision() Decision
	SetIgnored(ignored bool)
	Ignored() bool
	// Watch registers fn to run after every level or ignore change.
	Watch(fn func())
}

// Base implements Source around a reevaluation function. Concrete sources
// are Base values built by the constructors in this package.
type Base struct {
	name       string
	events     []EventType
	reevaluate func(level int) Decision
	permissive Decision

	mu       sync.Mutex
	level    int
	decision Decision
	ignored  bool
	watchers []func()
}

// NewBase returns a source starting at initial. reevaluate maps a level to
// the source's decision.
func NewBase(name string, initial int, reevaluate func(level int) Decision, events ...EventType) *Base {
	b := &Base{
		name:       name,
		events:     events,
		reevaluate: reevaluate,
		level:      initial,
	}
	b.ReevaluateSchedulerInfo()
	return b
}

func (b *Base) Name() string { return b.name }

func (b *Base) Handles(ev EventType) bool {
	for _, e := range b.events {
		if e == ev {
			return true
		}
	}
	return false
}

// OnEventChange records a new level. Events the source does not handle and
// unchanged levels are ignored.
func (b *Base) OnEventChange(ev EventType, value int) {
	if !b.Handles(ev) {
		return
	}
	b.mu.Lock()
	if b.level == value {
		b.mu.Unlock()
		return
	}
	b.level = value
	b.ReevaluateSchedulerInfo()
	watchers := append([]func(){}, b.watchers...)
	b.mu.Unlock()

	for _, fn := range watchers {
		fn()
	}
}

// ReevaluateSchedulerInfo recomputes the decision from the current level.
// Callers hold b.mu, except during construction.
func (b *Base) ReevaluateSchedulerInfo() {
	b.decision = b.reevaluate(b.level)
}

func (b *Base) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

func (b *Base) Decision() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ignored {
		return b.permissive
	}
	return b.decision
}

func (b *Base) SetIgnored(ignored bool) {
	b.mu.Lock()
	if b.ignored == ignored {
		b.mu.Unlock()
		return
	}
	b.ignored = ignored
	watchers := append([]func(){}, b.watchers...)
	b.mu.Unlock()

	for _, fn := range watchers {
		fn()
	}
}

func (b *Base) Ignored() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ignored
}

func (b *Base) Watch(fn func()) {
	b.mu.Lock()
	b.watchers = append(b.watchers, fn)
	b.mu.Unlock()
}
