package policy

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/darkroom/internal/config"
	"github.com/mattjoyce/darkroom/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type recorder struct {
	mu   sync.Mutex
	seen []Aggregate
}

func (r *recorder) record(a Aggregate) {
	r.mu.Lock()
	r.seen = append(r.seen, a)
	r.mu.Unlock()
}

func (r *recorder) last() Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[len(r.seen)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestThermalSource(t *testing.T) {
	s := NewThermalSource(ThermalHot, ThermalWarm)
	assert.Equal(t, Decision{}, s.Decision())

	s.OnEventChange(EventThermal, ThermalWarm)
	assert.Equal(t, Decision{AllowOnlyWhenCharging: true}, s.Decision())

	s.OnEventChange(EventThermal, ThermalHot)
	assert.True(t, s.Decision().MustPause)

	s.OnEventChange(EventBatteryLevel, ThermalCool)
	assert.Equal(t, ThermalHot, s.Level(), "unhandled events must not change the level")
}

func TestBatterySource(t *testing.T) {
	s := NewBatterySource(20, 5)
	assert.Equal(t, 100, s.Level())

	s.OnEventChange(EventBatteryLevel, 15)
	assert.Equal(t, Decision{AllowOnlyWhenCharging: true}, s.Decision())

	s.OnEventChange(EventBatteryLevel, 3)
	assert.Equal(t, Decision{MustPause: true}, s.Decision())
}

func TestIgnoredSourceIsPermissive(t *testing.T) {
	cam := NewCameraSource()
	cam.OnEventChange(EventCameraSession, 1)
	require.True(t, cam.Decision().MustPause)

	cam.SetIgnored(true)
	assert.Equal(t, Decision{}, cam.Decision())
	assert.Equal(t, 1, cam.Level(), "ignored sources keep tracking their level")

	cam.SetIgnored(false)
	assert.True(t, cam.Decision().MustPause)

	charging := NewChargingSource()
	charging.SetIgnored(true)
	assert.True(t, charging.Decision().Charging)
}

func TestWatchersFireOnlyOnChange(t *testing.T) {
	s := NewScreenSource()
	calls := 0
	s.Watch(func() { calls++ })

	s.OnEventChange(EventScreen, 1)
	s.OnEventChange(EventScreen, 1)
	s.SetIgnored(false)
	assert.Equal(t, 1, calls)
}

func TestAggregatorThermalPauseAndResume(t *testing.T) {
	thermal := NewThermalSource(ThermalHot, ThermalWarm)
	agg := NewAggregator(nil, thermal, NewChargingSource())
	rec := &recorder{}
	agg.Subscribe(rec.record)

	assert.False(t, agg.Current().MustPause)

	agg.OnEventChange(EventThermal, ThermalHot)
	assert.True(t, rec.last().MustPause)
	assert.Equal(t, []string{"thermal"}, rec.last().Blockers)

	agg.OnEventChange(EventThermal, ThermalNormal)
	assert.False(t, rec.last().MustPause)
	assert.Equal(t, 2, rec.count())
}

func TestAggregatorChargingOnly(t *testing.T) {
	agg := NewAggregator(nil, NewScreenSource(), NewChargingSource())

	agg.OnEventChange(EventScreen, 1)
	cur := agg.Current()
	assert.True(t, cur.MustPause)
	assert.True(t, cur.RequireCharging)
	assert.Equal(t, []string{"screen:not_charging"}, cur.Blockers)

	agg.OnEventChange(EventCharging, 1)
	cur = agg.Current()
	assert.False(t, cur.MustPause)
	assert.True(t, cur.Charging)
}

func TestAggregatorSetIgnored(t *testing.T) {
	agg := NewAggregator(nil, NewCameraSource())
	agg.OnEventChange(EventCameraSession, 2)
	require.True(t, agg.Current().MustPause)

	require.NoError(t, agg.SetIgnored("camera", true))
	assert.False(t, agg.Current().MustPause)

	assert.ErrorIs(t, agg.SetIgnored("gps", true), ErrUnknownSource)

	st := agg.Sources()
	require.Len(t, st, 1)
	assert.True(t, st[0].Ignored)
	assert.Equal(t, 2, st[0].Level)
}

func TestSubscribeCancel(t *testing.T) {
	agg := NewAggregator(nil, NewCameraSource())
	rec := &recorder{}
	cancel := agg.Subscribe(rec.record)

	agg.OnEventChange(EventCameraSession, 1)
	cancel()
	agg.OnEventChange(EventCameraSession, 0)
	assert.Equal(t, 1, rec.count())
}

func TestFromConfig(t *testing.T) {
	off := false
	cfg := config.Defaults().Policy
	cfg.Screen.Enabled = &off
	cfg.Camera.Ignore = true

	sources := FromConfig(cfg)
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name())
		if s.Name() == "camera" {
			assert.True(t, s.Ignored())
		}
	}
	assert.Equal(t, []string{"charging", "battery", "thermal", "camera"}, names)
}

func TestParseEventType(t *testing.T) {
	ev, err := ParseEventType("THERMAL")
	require.NoError(t, err)
	assert.Equal(t, EventThermal, ev)

	_, err = ParseEventType("gps")
	assert.Error(t, err)
}
